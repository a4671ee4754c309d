// Package proof stores completion photos and hands back a reference the
// workflow records on the task.
package proof

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxBytes caps an upload when no limit is configured.
const DefaultMaxBytes = 10 << 20

var (
	ErrUnsupportedType = errors.New("proof must be an image")
	ErrTooLarge        = errors.New("proof exceeds size limit")
)

// Uploader persists a proof object and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, taskID string, r io.Reader, contentType string) (string, error)
}

// DirUploader writes proofs under Dir/<taskID>/ and returns
// BaseURL/<taskID>/<uuid>.<ext>.
type DirUploader struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
}

// NewDirUploader creates the directory if needed.
func NewDirUploader(dir, baseURL string, maxBytes int64) (*DirUploader, error) {
	if dir == "" {
		return nil, fmt.Errorf("proof: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("proof: create %s: %w", dir, err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &DirUploader{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/"), MaxBytes: maxBytes}, nil
}

func (u *DirUploader) Upload(ctx context.Context, taskID string, r io.Reader, contentType string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("proof: invalid task id %q", taskID)
	}
	ext, err := extension(contentType)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(u.Dir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("proof: create %s: %w", dir, err)
	}
	name := uuid.Must(uuid.NewV7()).String() + ext
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("proof: create %s: %w", path, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, u.MaxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > u.MaxBytes {
		err = ErrTooLarge
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("proof: empty upload")
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return u.BaseURL + "/" + taskID + "/" + name, nil
}

// extension maps an image content type to a file extension.
func extension(contentType string) (string, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return "", fmt.Errorf("%w: got %q", ErrUnsupportedType, contentType)
	}
	switch mt {
	case "image/jpeg":
		return ".jpg", nil
	case "image/png":
		return ".png", nil
	case "image/webp":
		return ".webp", nil
	case "image/heic":
		return ".heic", nil
	}
	sub := strings.TrimPrefix(mt, "image/")
	if i := strings.IndexAny(sub, "+;"); i >= 0 {
		sub = sub[:i]
	}
	if sub == "" {
		return ".img", nil
	}
	return "." + sub, nil
}
