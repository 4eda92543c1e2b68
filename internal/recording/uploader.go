package recording

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/internal/session"
	"github.com/recbooth/recbooth/pkg/logger"
)

// Uploader persists one captured chunk upstream. The call is keyed by
// token and sequence number and must be safely re-issuable for the same
// sequence number without duplicating server-side storage.
type Uploader interface {
	UploadChunk(ctx context.Context, token session.Token, seq int, data []byte) error
}

// HTTPUploader uploads chunks to the backend with bounded retries and
// exponential backoff
type HTTPUploader struct {
	baseURL        string
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	httpClient     *http.Client
	logger         *logger.Logger
}

// NewHTTPUploader creates a chunk upload client from the upload config
func NewHTTPUploader(cfg config.UploadConfig, log *logger.Logger) *HTTPUploader {
	return &HTTPUploader{
		baseURL:        cfg.BaseURL,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond,
		maxBackoff:     time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: log.Named("chunk-uploader"),
	}
}

// UploadChunk uploads a single chunk, retrying transient failures up to
// the configured bound before surfacing the error to the caller
func (u *HTTPUploader) UploadChunk(ctx context.Context, token session.Token, seq int, data []byte) error {
	url := fmt.Sprintf("%s/sessions/%s/chunks/%d", u.baseURL, token, seq)

	var lastErr error
	backoff := u.initialBackoff

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if attempt > 0 {
			u.logger.Info("Retrying chunk upload",
				String("token", token.String()),
				Int("seq", seq),
				Int("attempt", attempt),
				String("backoff", backoff.String()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > u.maxBackoff {
				backoff = u.maxBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create upload request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := u.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("chunk upload request failed: %w", err)
			u.logger.Warn("Chunk upload failed, may retry",
				String("token", token.String()),
				Int("seq", seq),
				Error(err),
				Int("attempt", attempt+1),
				Int("max_attempts", u.maxRetries+1))
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("chunk upload returned status %d", resp.StatusCode)
			if !retryableStatus(resp.StatusCode) {
				u.logger.Error("Chunk upload rejected, not retrying",
					String("token", token.String()),
					Int("seq", seq),
					Int("status_code", resp.StatusCode))
				return lastErr
			}
			u.logger.Warn("Chunk upload returned non-2xx status, may retry",
				String("token", token.String()),
				Int("seq", seq),
				Int("status_code", resp.StatusCode),
				Int("attempt", attempt+1),
				Int("max_attempts", u.maxRetries+1))
			continue
		}

		if attempt > 0 {
			u.logger.Info("Chunk uploaded after retries",
				String("token", token.String()),
				Int("seq", seq),
				Int("attempts_needed", attempt+1))
		}
		return nil
	}

	u.logger.Error("All attempts to upload chunk failed",
		String("token", token.String()),
		Int("seq", seq),
		Error(lastErr),
		Int("max_attempts", u.maxRetries+1))
	return lastErr
}

// retryableStatus reports whether a non-2xx response is worth retrying.
// Client errors are final, except the two that signal a transient
// condition.
func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code < 400 || code >= 500
}
