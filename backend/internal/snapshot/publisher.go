// Package snapshot renders the resolved canvas after a draw and uploads it as a
// preview image. Publishing is best-effort: failures are reported as *UploadError,
// logged by the caller and never retried.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"canvasServer/backend/internal/canvas"
)

// Capturer renders a canvas view into a local image file and returns its path.
type Capturer interface {
	Capture(ctx context.Context, c *canvas.Canvas, v *canvas.Viz) (string, error)
}

// Uploader stores the image under the canvas id, overwriting any previous one.
type Uploader interface {
	Upload(ctx context.Context, canvasID, path string) (string, error)
	URL(ctx context.Context, canvasID string) (string, error)
}

type UploadError struct {
	CanvasID string
	Stage    string // "capture" | "upload"
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("snapshot %s canvas=%s: %v", e.Stage, e.CanvasID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

var ErrNoView = errors.New("no canvas view to capture")

type Publisher struct {
	capture Capturer
	upload  Uploader
	timeout time.Duration
	log     *slog.Logger
}

func NewPublisher(c Capturer, u Uploader, timeout time.Duration, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Publisher{capture: c, upload: u, timeout: timeout, log: log}
}

// Publish captures v and uploads it. Overlapping calls for the same canvas are not
// de-duplicated; the last upload to reach the store wins.
func (p *Publisher) Publish(ctx context.Context, c *canvas.Canvas, v *canvas.Viz) (string, error) {
	if c == nil || v == nil {
		id := ""
		if c != nil {
			id = c.ID
		}
		return "", &UploadError{CanvasID: id, Stage: "capture", Err: ErrNoView}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	path, err := p.capture.Capture(ctx, c, v)
	if err != nil {
		return "", &UploadError{CanvasID: c.ID, Stage: "capture", Err: err}
	}
	defer os.Remove(path)

	url, err := p.upload.Upload(ctx, c.ID, path)
	if err != nil {
		return "", &UploadError{CanvasID: c.ID, Stage: "upload", Err: err}
	}
	p.log.Debug("snapshot published", "canvas", c.ID, "url", url)
	return url, nil
}

// URL returns a download URL for the latest snapshot of canvasID.
func (p *Publisher) URL(ctx context.Context, canvasID string) (string, error) {
	return p.upload.URL(ctx, canvasID)
}
