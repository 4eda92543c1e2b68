package recording_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/internal/recording"
	"github.com/recbooth/recbooth/pkg/logger"
)

func newUploader(baseURL string, maxRetries int) *recording.HTTPUploader {
	return recording.NewHTTPUploader(config.UploadConfig{
		BaseURL:               baseURL,
		TimeoutSeconds:        5,
		MaxRetries:            maxRetries,
		RetryInitialBackoffMs: 1,
		RetryMaxBackoffMs:     4,
	}, logger.NewNop())
}

func TestUploadChunkRequestShape(t *testing.T) {
	var gotMethod, gotPath, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := newUploader(srv.URL, 0)
	err := u.UploadChunk(context.Background(), "epic31_happy_path_session", 5, []byte("chunkdata"))
	if err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Fatalf("method = %s, want PUT", gotMethod)
	}
	// the sequence number keys the write so re-sends are idempotent
	if gotPath != "/sessions/epic31_happy_path_session/chunks/5" {
		t.Fatalf("unexpected upload path: %q", gotPath)
	}
	if gotContentType != "application/octet-stream" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if !bytes.Equal(gotBody, []byte("chunkdata")) {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestUploadChunkRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := newUploader(srv.URL, 3)
	if err := u.UploadChunk(context.Background(), "tok", 0, []byte("x")); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("backend called %d times, want 3", got)
	}
}

func TestUploadChunkBoundedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := newUploader(srv.URL, 2)
	err := u.UploadChunk(context.Background(), "tok", 0, []byte("x"))
	if err == nil {
		t.Fatal("expected persistent failure to surface an error")
	}
	// initial attempt plus two retries, then give up
	if got := calls.Load(); got != 3 {
		t.Fatalf("backend called %d times, want 3", got)
	}
}

func TestUploadChunkClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	u := newUploader(srv.URL, 3)
	err := u.UploadChunk(context.Background(), "tok", 0, []byte("x"))
	if err == nil {
		t.Fatal("expected rejection to surface an error")
	}
	// a client error is final; retrying would just repeat the rejection
	if got := calls.Load(); got != 1 {
		t.Fatalf("backend called %d times, want 1", got)
	}
}

func TestUploadChunkTooManyRequestsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := newUploader(srv.URL, 2)
	if err := u.UploadChunk(context.Background(), "tok", 0, []byte("x")); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("backend called %d times, want 2", got)
	}
}

func TestUploadChunkCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := newUploader(srv.URL, 5)
	err := u.UploadChunk(ctx, "tok", 0, []byte("x"))
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
