package session

import "time"

// Status represents the backend-owned lifecycle status of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusDeleted   Status = "deleted"
	StatusCompleted Status = "completed"
	StatusNotFound  Status = "not_found"
)

// Record is the backend-resolved session entity. The client holds a
// read-only, possibly stale snapshot fetched once per page load.
type Record struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	PromptText     string    `json:"prompt_text"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	DeviceBindings []string  `json:"device_bindings,omitempty"` // fingerprints of devices that have opened this session
}

// OutcomeKind identifies the variant of a validation outcome
type OutcomeKind string

const (
	OutcomeOk           OutcomeKind = "ok"
	OutcomeNotFound     OutcomeKind = "not_found"
	OutcomeExpired      OutcomeKind = "expired"
	OutcomeDeleted      OutcomeKind = "deleted"
	OutcomeDeviceLimit  OutcomeKind = "device_limit"
	OutcomeNetworkError OutcomeKind = "network_error"
	OutcomeTimeout      OutcomeKind = "timeout"
	OutcomeCancelled    OutcomeKind = "cancelled"
)

// Outcome is the typed result of a single validation attempt. It is
// created once per attempt and never retried automatically. Record is
// non-nil only for OutcomeOk and OutcomeDeviceLimit; Err is non-nil
// only for the transport-level kinds.
type Outcome struct {
	Kind       OutcomeKind
	Record     *Record
	Err        error
	ResolvedAt time.Time // used to order concurrently-resolved outcomes
}

// Terminal reports whether the outcome pins the session to a terminal
// state regardless of any later-resolving active copy
func (o Outcome) Terminal() bool {
	switch o.Kind {
	case OutcomeNotFound, OutcomeExpired, OutcomeDeleted:
		return true
	}
	return o.Kind == OutcomeOk && o.Record != nil && o.Record.Status != StatusActive
}
