package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mediaforge/longform/internal/blobstore"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
)

// BlobHandler serves signed artifact downloads. It bypasses huma: the
// bodies are large media streams, not JSON.
type BlobHandler struct {
	store  blobstore.Store
	signer *blobstore.Signer
	logger *slog.Logger
}

// NewBlobHandler creates a new blob download handler.
func NewBlobHandler(store blobstore.Store, signer *blobstore.Signer, logger *slog.Logger) *BlobHandler {
	return &BlobHandler{
		store:  store,
		signer: signer,
		logger: observability.WithComponent(logger, "blob-api"),
	}
}

// Register mounts the download route on the router.
func (h *BlobHandler) Register(router *chi.Mux) {
	router.Get("/blob/*", h.Get)
}

// Get streams one artifact after verifying the URL signature.
func (h *BlobHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	path, err := url.PathUnescape(raw)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if err := h.signer.Verify(path, q.Get("exp"), q.Get("sig")); err != nil {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}

	obj, err := h.store.Open(r.Context(), path)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Error("opening blob", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", contentTypeFor(path))
	w.Header().Set("Cache-Control", "private, max-age=60")
	if _, err := io.Copy(w, obj); err != nil {
		// Client went away mid-stream; nothing to send.
		h.logger.Debug("blob stream aborted", slog.Any("error", err))
	}
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(path, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(path, ".mp3"):
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
