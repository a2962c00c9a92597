// Package blobstore stores and serves the media artifacts the pipeline
// produces. All file operations are restricted to a base directory to
// prevent path traversal, and downloads go through signed URLs.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediaforge/longform/internal/models"
)

// Store is the artifact storage abstraction. Paths are relative,
// slash-separated keys like "longform/{job_id}/seg-0.mp4".
type Store interface {
	// Put writes the object at path, replacing any existing object.
	// The write is atomic: readers never observe a partial object.
	Put(ctx context.Context, path string, r io.Reader) error

	// Open returns a reader for the object at path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists reports whether an object is stored at path.
	Exists(ctx context.Context, path string) (bool, error)

	// SignedURL returns a time-limited public URL for the object.
	SignedURL(path string) (string, error)
}

// FSStore is a filesystem-backed Store rooted at a base directory.
type FSStore struct {
	baseDir string
	signer  *Signer
}

// NewFSStore creates an FSStore rooted at baseDir, creating it if
// needed.
func NewFSStore(baseDir string, signer *Signer) (*FSStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &FSStore{baseDir: absPath, signer: signer}, nil
}

// BaseDir returns the absolute path to the store's base directory.
func (s *FSStore) BaseDir() string {
	return s.baseDir
}

// resolve maps a relative key onto an absolute path, rejecting anything
// that would escape the base directory.
func (s *FSStore) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", models.NewErrorf(models.KindValidation, "invalid blob path %q", path)
	}

	cleanPath := filepath.Clean(filepath.FromSlash(path))
	absPath, err := filepath.Abs(filepath.Join(s.baseDir, cleanPath))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}

	if !strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator)) {
		return "", models.NewErrorf(models.KindValidation, "blob path %q escapes storage root", path)
	}
	return absPath, nil
}

// Put writes to a temporary file first, then renames it to the target.
// Re-running a stitch overwrites the previous final object in place.
func (s *FSStore) Put(ctx context.Context, path string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	targetPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(targetPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tempPath := tempFile.Name()

	_, err = io.Copy(tempFile, r)
	closeErr := tempFile.Close()

	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("writing to temporary file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing temporary file: %w", closeErr)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// Open returns a reader for the object at path.
func (s *FSStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	absPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewErrorf(models.KindNotFound, "blob %q not found", path)
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return file, nil
}

// Exists reports whether an object is stored at path.
func (s *FSStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	absPath, err := s.resolve(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(absPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking blob: %w", err)
	}
	return true, nil
}

// SignedURL returns a fresh time-limited URL for the object.
func (s *FSStore) SignedURL(path string) (string, error) {
	if _, err := s.resolve(path); err != nil {
		return "", err
	}
	return s.signer.URL(path), nil
}

// Ensure FSStore implements Store at compile time.
var _ Store = (*FSStore)(nil)
