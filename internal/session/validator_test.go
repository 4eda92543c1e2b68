package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/internal/session"
	"github.com/recbooth/recbooth/pkg/logger"
)

func newValidator(t *testing.T, baseURL string, timeoutSecs int) *session.Validator {
	t.Helper()
	return session.NewValidator(config.SessionConfig{
		ResolveBaseURL:     baseURL,
		ResolveTimeoutSecs: timeoutSecs,
	}, logger.NewNop())
}

func sessionBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeResolution(w http.ResponseWriter, httpStatus int, status session.Status, rec *session.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"session": rec,
	})
}

func TestValidateActiveSession(t *testing.T) {
	rec := &session.Record{
		ID:         "rec_42",
		Status:     session.StatusActive,
		PromptText: "Describe your morning routine",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	var gotPath, gotFingerprint string
	srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFingerprint = r.Header.Get("X-Device-Fingerprint")
		writeResolution(w, http.StatusOK, session.StatusActive, rec)
	})

	v := newValidator(t, srv.URL, 2)
	outcome := v.Validate(context.Background(), "epic31_happy_path_session")

	if outcome.Kind != session.OutcomeOk {
		t.Fatalf("outcome kind = %s, want %s (err: %v)", outcome.Kind, session.OutcomeOk, outcome.Err)
	}
	if outcome.Record == nil || outcome.Record.PromptText != rec.PromptText {
		t.Fatalf("record not carried through: %+v", outcome.Record)
	}
	if outcome.ResolvedAt.IsZero() {
		t.Fatal("outcome missing resolution time")
	}
	if gotPath != "/sessions/epic31_happy_path_session" {
		t.Fatalf("unexpected resolution path: %q", gotPath)
	}
	if gotFingerprint == "" {
		t.Fatal("device fingerprint header not sent")
	}
}

func TestValidateFingerprintStablePerValidator(t *testing.T) {
	var prints []string
	srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
		prints = append(prints, r.Header.Get("X-Device-Fingerprint"))
		writeResolution(w, http.StatusOK, session.StatusActive, &session.Record{Status: session.StatusActive})
	})

	v := newValidator(t, srv.URL, 2)
	v.Validate(context.Background(), "tok1")
	v.Validate(context.Background(), "tok1")

	if len(prints) != 2 || prints[0] != prints[1] {
		t.Fatalf("fingerprint changed between calls: %v", prints)
	}
}

func TestValidateClassification(t *testing.T) {
	cases := []struct {
		name       string
		httpStatus int
		status     session.Status
		want       session.OutcomeKind
	}{
		{"expired", http.StatusGone, session.StatusExpired, session.OutcomeExpired},
		{"deleted", http.StatusGone, session.StatusDeleted, session.OutcomeDeleted},
		{"not found", http.StatusNotFound, session.StatusNotFound, session.OutcomeNotFound},
		{"completed maps to ok", http.StatusOK, session.StatusCompleted, session.OutcomeOk},
		{"device limit", http.StatusOK, "device_limit", session.OutcomeDeviceLimit},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
				rec := &session.Record{Status: tc.status}
				writeResolution(w, tc.httpStatus, tc.status, rec)
			})

			v := newValidator(t, srv.URL, 2)
			outcome := v.Validate(context.Background(), "tok")
			if outcome.Kind != tc.want {
				t.Fatalf("outcome kind = %s, want %s", outcome.Kind, tc.want)
			}
		})
	}
}

func TestValidateBare404(t *testing.T) {
	srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	v := newValidator(t, srv.URL, 2)
	outcome := v.Validate(context.Background(), "missing")
	if outcome.Kind != session.OutcomeNotFound {
		t.Fatalf("outcome kind = %s, want %s", outcome.Kind, session.OutcomeNotFound)
	}
}

func TestValidateTimeout(t *testing.T) {
	srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
		// hold past the 1s resolution budget
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})

	v := newValidator(t, srv.URL, 1)
	start := time.Now()
	outcome := v.Validate(context.Background(), "slow")
	elapsed := time.Since(start)

	if outcome.Kind != session.OutcomeTimeout {
		t.Fatalf("outcome kind = %s, want %s (err: %v)", outcome.Kind, session.OutcomeTimeout, outcome.Err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("validation did not respect timeout budget: took %s", elapsed)
	}
}

func TestValidateCancelledContext(t *testing.T) {
	resolved := false
	srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
		resolved = true
		writeResolution(w, http.StatusOK, session.StatusActive, &session.Record{Status: session.StatusActive})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := newValidator(t, srv.URL, 2)
	outcome := v.Validate(ctx, "abandoned")

	// an abandoned attempt must be distinguishable from a network
	// failure so it drives no transition
	if outcome.Kind != session.OutcomeCancelled {
		t.Fatalf("outcome kind = %s, want %s (err: %v)", outcome.Kind, session.OutcomeCancelled, outcome.Err)
	}
	if resolved {
		t.Fatal("cancelled attempt still reached the backend")
	}
}

func TestValidateConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // free the port so the dial fails

	v := newValidator(t, srv.URL, 2)
	outcome := v.Validate(context.Background(), "tok")
	if outcome.Kind != session.OutcomeNetworkError {
		t.Fatalf("outcome kind = %s, want %s", outcome.Kind, session.OutcomeNetworkError)
	}
	if outcome.Err == nil {
		t.Fatal("expected transport error to be carried in the outcome")
	}
}

func TestValidateUnknownStatus(t *testing.T) {
	srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeResolution(w, http.StatusOK, "archived", nil)
	})

	v := newValidator(t, srv.URL, 2)
	outcome := v.Validate(context.Background(), "tok")
	if outcome.Kind != session.OutcomeNetworkError {
		t.Fatalf("outcome kind = %s, want %s", outcome.Kind, session.OutcomeNetworkError)
	}
}

func TestValidateGarbageBody(t *testing.T) {
	srv := sessionBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>not json</html>"))
	})

	v := newValidator(t, srv.URL, 2)
	outcome := v.Validate(context.Background(), "tok")
	if outcome.Kind != session.OutcomeNetworkError {
		t.Fatalf("outcome kind = %s, want %s", outcome.Kind, session.OutcomeNetworkError)
	}
}
