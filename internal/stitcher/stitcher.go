// Package stitcher concatenates a job's per-segment videos into the
// final output. Inputs come from the blob store (or over HTTP for
// segments only reachable by URL), the concat itself is ffmpeg's
// concat demuxer with stream copy, and the result is uploaded to the
// job's deterministic final path.
package stitcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/longform/internal/blobstore"
	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
	"github.com/mediaforge/longform/internal/util"
	"github.com/mediaforge/longform/pkg/httpclient"
)

const (
	// downloadParallelism bounds concurrent segment fetches.
	downloadParallelism = 4

	defaultTimeout = 15 * time.Minute
)

// Runner executes an external command and returns its combined output.
// It exists so tests can stub the ffmpeg invocation.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner runs commands with os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Stitcher builds final videos from succeeded segments.
type Stitcher struct {
	store  blobstore.Store
	http   *httpclient.Client
	runner Runner
	logger *slog.Logger

	ffmpegPath string
	tempDir    string
	timeout    time.Duration
}

// New creates a Stitcher. An empty FFmpegPath is resolved from
// LONGFORM_FFMPEG_BINARY, the working directory, then PATH on first
// use.
func New(store blobstore.Store, cfg config.StitcherConfig, logger *slog.Logger) *Stitcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = timeout
	httpCfg.UserAgent = "longform-stitcher/1.0"

	return &Stitcher{
		store:      store,
		http:       httpclient.New(httpCfg),
		runner:     execRunner{},
		logger:     observability.WithComponent(logger, "stitcher"),
		ffmpegPath: cfg.FFmpegPath,
		tempDir:    cfg.TempDir,
		timeout:    timeout,
	}
}

// WithRunner replaces the command runner.
func (s *Stitcher) WithRunner(r Runner) *Stitcher {
	s.runner = r
	return s
}

// Stitch concatenates the segments in index order and uploads the
// result to the job's final path, which it returns. The upload
// overwrites atomically, so a retried stitch never leaves a partial
// object visible.
func (s *Stitcher) Stitch(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) (string, error) {
	logger := observability.WithJobID(s.logger, job.ID.String())

	if len(segments) == 0 {
		return "", models.NewError(models.KindStitchFailed, "job has no segments")
	}
	for _, seg := range segments {
		if seg.Status != models.SegmentStatusSucceeded {
			return "", models.NewErrorf(models.KindStitchFailed,
				"segment %d is %s, not succeeded", seg.SegmentIndex, seg.Status)
		}
		if seg.SegmentStoragePath == "" && seg.SegmentVideoURL == "" {
			return "", models.NewErrorf(models.KindStitchFailed,
				"segment %d has no video reference", seg.SegmentIndex)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	workDir, err := os.MkdirTemp(s.tempDir, "longform-stitch-")
	if err != nil {
		return "", models.WrapError(models.KindStitchFailed, "creating work directory", err)
	}
	defer os.RemoveAll(workDir)

	inputs, err := s.fetchSegments(ctx, workDir, segments)
	if err != nil {
		return "", err
	}

	listPath := filepath.Join(workDir, "concat.txt")
	if err := writeConcatList(listPath, inputs); err != nil {
		return "", models.WrapError(models.KindStitchFailed, "writing concat list", err)
	}

	outPath := filepath.Join(workDir, "final.mp4")
	if err := s.concat(ctx, listPath, outPath, logger); err != nil {
		return "", err
	}

	out, err := os.Open(outPath)
	if err != nil {
		return "", models.WrapError(models.KindStitchFailed, "opening stitched output", err)
	}
	defer out.Close()

	finalPath := job.FinalPath()
	if err := s.store.Put(ctx, finalPath, out); err != nil {
		return "", models.WrapError(models.KindStitchFailed, "uploading final video", err)
	}

	logger.Info("final video uploaded",
		slog.String("final_storage_path", finalPath),
		slog.Int("segments", len(segments)))
	return finalPath, nil
}

// fetchSegments downloads every segment video into workDir and returns
// the local paths in segment order.
func (s *Stitcher) fetchSegments(ctx context.Context, workDir string, segments []*models.LongformSegment) ([]string, error) {
	paths := make([]string, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadParallelism)
	for i, seg := range segments {
		g.Go(func() error {
			local := filepath.Join(workDir, fmt.Sprintf("seg-%05d.mp4", seg.SegmentIndex))
			if err := s.fetchSegment(gctx, seg, local); err != nil {
				return err
			}
			paths[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// fetchSegment copies one segment video to local. The blob store is
// authoritative; the fusion service's URL is the fallback for
// deployments where segment videos never landed in our store.
func (s *Stitcher) fetchSegment(ctx context.Context, seg *models.LongformSegment, local string) error {
	var src io.ReadCloser

	if seg.SegmentStoragePath != "" {
		r, err := s.store.Open(ctx, seg.SegmentStoragePath)
		switch {
		case err == nil:
			src = r
		case models.IsKind(err, models.KindNotFound) && seg.SegmentVideoURL != "":
			// fall through to the URL
		default:
			return models.WrapError(models.KindStitchFailed,
				fmt.Sprintf("reading segment %d video", seg.SegmentIndex), err)
		}
	}

	if src == nil {
		resp, err := s.http.Get(ctx, seg.SegmentVideoURL)
		if err != nil {
			return models.WrapError(models.KindTransient,
				fmt.Sprintf("downloading segment %d video", seg.SegmentIndex), err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return models.NewErrorf(models.KindStitchFailed,
				"downloading segment %d video: status %d", seg.SegmentIndex, resp.StatusCode)
		}
		src = resp.Body
	}
	defer src.Close()

	f, err := os.Create(local)
	if err != nil {
		return models.WrapError(models.KindStitchFailed, "creating segment file", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		return models.WrapError(models.KindStitchFailed,
			fmt.Sprintf("writing segment %d video", seg.SegmentIndex), err)
	}
	return nil
}

// concat runs the ffmpeg concat demuxer. Inputs share codec and
// parameters in the normal case, so stream copy preserves sync without
// a generation loss; if the copy fails (mismatched containers), one
// re-encode attempt is made.
func (s *Stitcher) concat(ctx context.Context, listPath, outPath string, logger *slog.Logger) error {
	ffmpeg, err := s.resolveFFmpeg()
	if err != nil {
		return models.WrapError(models.KindStitchFailed, "ffmpeg not available", err)
	}

	copyArgs := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	}
	output, err := s.runner.Run(ctx, ffmpeg, copyArgs...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return models.WrapError(models.KindTransient, "concat interrupted", ctx.Err())
	}
	logger.Warn("stream-copy concat failed, re-encoding",
		slog.String("output", truncate(string(output), 512)))

	encodeArgs := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c:v", "libx264", "-preset", "fast",
		"-c:a", "aac",
		outPath,
	}
	output, err = s.runner.Run(ctx, ffmpeg, encodeArgs...)
	if err != nil {
		if ctx.Err() != nil {
			return models.WrapError(models.KindTransient, "concat interrupted", ctx.Err())
		}
		logger.Error("re-encode concat failed",
			slog.String("output", truncate(string(output), 512)))
		return models.NewError(models.KindStitchFailed, "ffmpeg concat failed")
	}
	return nil
}

// resolveFFmpeg returns the configured ffmpeg path or detects one.
func (s *Stitcher) resolveFFmpeg() (string, error) {
	if s.ffmpegPath != "" {
		return s.ffmpegPath, nil
	}
	path, err := util.FindBinary("ffmpeg", "LONGFORM_FFMPEG_BINARY")
	if err != nil {
		return "", err
	}
	s.ffmpegPath = path
	return path, nil
}

// writeConcatList emits the concat demuxer's file list. Single quotes
// in paths are escaped per the demuxer's quoting rules.
func writeConcatList(listPath string, inputs []string) error {
	var b strings.Builder
	for _, in := range inputs {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(in, "'", `'\''`))
	}
	return os.WriteFile(listPath, []byte(b.String()), 0600)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
