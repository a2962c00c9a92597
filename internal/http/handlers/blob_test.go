package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/longform/internal/blobstore"
)

func newBlobServer(t *testing.T) (*httptest.Server, blobstore.Store, *blobstore.Signer) {
	t.Helper()

	router := chi.NewRouter()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	signer := blobstore.NewSigner(srv.URL, "signing-secret", 15*time.Minute)
	store, err := blobstore.NewFSStore(t.TempDir(), signer)
	require.NoError(t, err)

	NewBlobHandler(store, signer, testLogger()).Register(router)
	return srv, store, signer
}

func TestBlobHandler_ServesSignedURL(t *testing.T) {
	srv, store, signer := newBlobServer(t)

	path := "longform/job-1/final.mp4"
	require.NoError(t, store.Put(context.Background(), path, strings.NewReader("video-bytes")))

	resp, err := http.Get(signer.URL(path))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	buf := make([]byte, 32)
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "video-bytes", string(buf[:n]))
	_ = srv
}

func TestBlobHandler_RejectsBadSignature(t *testing.T) {
	srv, store, _ := newBlobServer(t)

	path := "longform/job-1/final.mp4"
	require.NoError(t, store.Put(context.Background(), path, strings.NewReader("video-bytes")))

	resp, err := http.Get(srv.URL + "/blob/" + path + "?exp=9999999999&sig=deadbeef")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBlobHandler_RejectsMissingSignature(t *testing.T) {
	srv, store, _ := newBlobServer(t)

	path := "longform/job-1/final.mp4"
	require.NoError(t, store.Put(context.Background(), path, strings.NewReader("video-bytes")))

	resp, err := http.Get(srv.URL + "/blob/" + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBlobHandler_NotFound(t *testing.T) {
	srv, _, signer := newBlobServer(t)

	resp, err := http.Get(signer.URL("longform/nope/final.mp4"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = srv
}
