package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/pkg/types"
)

// ErrUploadFailure wraps every failed delivery of an annotation
var ErrUploadFailure = errors.New("upload: failed")

// Publisher receives finished annotations
type Publisher interface {
	Publish(ctx context.Context, a types.Annotation) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, a types.Annotation) error

func (f PublisherFunc) Publish(ctx context.Context, a types.Annotation) error {
	return f(ctx, a)
}

// HTTPUploader POSTs annotations as JSON to a fixed endpoint
type HTTPUploader struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPUploader creates an uploader. Timeouts at or below zero default to 30s.
func NewHTTPUploader(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPUploader{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Publish sends {id, caption, semanticPrompt, regionTags}. Any transport
// error or non-2xx status is returned wrapped in ErrUploadFailure. There is
// no retry.
func (u *HTTPUploader) Publish(ctx context.Context, a types.Annotation) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrUploadFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrUploadFailure, resp.StatusCode, bytes.TrimSpace(msg))
	}

	u.logger.Debug("annotation uploaded",
		zap.String("post_id", a.PostID),
		zap.Int("status", resp.StatusCode))
	return nil
}

// Fanout delivers one annotation to several publishers in order. Every
// publisher is tried; failures are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, a types.Annotation) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every annotation
var Discard Publisher = PublisherFunc(func(context.Context, types.Annotation) error { return nil })
