package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/pkg/logger"
)

// resolveResponse is the wire shape of the backend's session resolution
// endpoint. A successfully-delivered response can still carry an
// application status of expired/deleted, so classification inspects the
// body, not just the HTTP status.
type resolveResponse struct {
	Status  Status  `json:"status"`
	Session *Record `json:"session,omitempty"`
}

// Validator resolves a session token against the remote backend.
// One invocation issues exactly one resolution call; it never retries
// and never mutates the session record.
type Validator struct {
	baseURL     string
	timeout     time.Duration
	fingerprint string // identifies this device in the session's bindings
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewValidator creates a new session validator with a fresh device
// fingerprint
func NewValidator(cfg config.SessionConfig, log *logger.Logger) *Validator {
	return &Validator{
		baseURL:     cfg.ResolveBaseURL,
		timeout:     time.Duration(cfg.ResolveTimeoutSecs) * time.Second,
		fingerprint: uuid.NewString(),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.ResolveTimeoutSecs) * time.Second,
		},
		logger: log.Named("session-validator"),
	}
}

// Validate resolves the token to a typed outcome. The caller's context
// bounds the attempt; cancellation maps to the Cancelled kind, which
// the state machine discards without applying any transition.
func (v *Validator) Validate(ctx context.Context, token Token) Outcome {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/sessions/%s", v.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{Kind: OutcomeNetworkError, Err: err, ResolvedAt: time.Now()}
	}
	req.Header.Set("X-Device-Fingerprint", v.fingerprint)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		kind := OutcomeNetworkError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = OutcomeTimeout
		} else if errors.Is(err, context.Canceled) {
			// the caller abandoned the attempt; its result must not
			// drive any transition
			kind = OutcomeCancelled
		}
		v.logger.Warn("Session resolution call failed",
			logger.String("token", token.String()),
			logger.String("outcome", string(kind)),
			logger.Error(err))
		return Outcome{Kind: kind, Err: err, ResolvedAt: time.Now()}
	}
	defer resp.Body.Close()

	// 404 without a parseable body is an application-level rejection:
	// the identifier does not resolve
	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if resp.StatusCode == http.StatusNotFound {
			return Outcome{Kind: OutcomeNotFound, ResolvedAt: time.Now()}
		}
		v.logger.Warn("Failed to decode session resolution response",
			logger.String("token", token.String()),
			logger.Int("status_code", resp.StatusCode),
			logger.Error(err))
		return Outcome{
			Kind:       OutcomeNetworkError,
			Err:        fmt.Errorf("failed to decode resolution response: %w", err),
			ResolvedAt: time.Now(),
		}
	}

	outcome := v.classify(body)
	outcome.ResolvedAt = time.Now()

	v.logger.Debug("Session resolved",
		logger.String("token", token.String()),
		logger.String("outcome", string(outcome.Kind)))
	return outcome
}

// classify maps the application-level response shape to an outcome
func (v *Validator) classify(body resolveResponse) Outcome {
	switch body.Status {
	case StatusActive, StatusCompleted:
		if body.Session == nil {
			return Outcome{
				Kind: OutcomeNetworkError,
				Err:  fmt.Errorf("resolution response status %q carried no session record", body.Status),
			}
		}
		return Outcome{Kind: OutcomeOk, Record: body.Session}
	case StatusExpired:
		return Outcome{Kind: OutcomeExpired, Record: body.Session}
	case StatusDeleted:
		return Outcome{Kind: OutcomeDeleted, Record: body.Session}
	case StatusNotFound:
		return Outcome{Kind: OutcomeNotFound}
	case "device_limit":
		return Outcome{Kind: OutcomeDeviceLimit, Record: body.Session}
	default:
		return Outcome{
			Kind: OutcomeNetworkError,
			Err:  fmt.Errorf("unknown session status in resolution response: %q", body.Status),
		}
	}
}

// isTimeout reports whether a transport error was a timeout rather than
// a DNS/connection/abort failure
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
