package session

import (
	"fmt"
	"sync"
	"time"
)

// State is a client-visible state of the recording lifecycle
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateActive          State = "ACTIVE"
	StateRecording       State = "RECORDING"
	StateUploading       State = "UPLOADING"
	StateComplete        State = "COMPLETE"
	StateSessionNotFound State = "SESSION_NOT_FOUND"
	StateSessionExpired  State = "SESSION_EXPIRED"
	StateSessionDeleted  State = "SESSION_DELETED"
	StateNetworkError    State = "NETWORK_ERROR"
	StateUploadFailed    State = "UPLOAD_FAILED"
)

// Terminal reports whether no further validation-driven transition
// occurs from this state. Recording controls are disabled in all of
// them.
func (s State) Terminal() bool {
	switch s {
	case StateSessionNotFound, StateSessionExpired, StateSessionDeleted, StateComplete:
		return true
	}
	return false
}

// Marker returns the stable machine-checkable marker for the state,
// which presentation code binds to test-selectable UI elements
func (s State) Marker() string {
	switch s {
	case StateInitializing:
		return "state-initializing"
	case StateActive:
		return "state-active"
	case StateRecording:
		return "state-recording"
	case StateUploading:
		return "state-uploading"
	case StateComplete:
		return "state-complete"
	case StateSessionNotFound:
		return "state-session-not-found"
	case StateSessionExpired:
		return "state-session-expired"
	case StateSessionDeleted:
		return "state-session-deleted"
	case StateNetworkError:
		return "state-network-error"
	case StateUploadFailed:
		return "state-upload-failed"
	}
	return "state-unknown"
}

// Message returns the single canonical user-visible message for the
// state. Not-found and deleted sessions are deliberately collapsed to
// one "removed" message: the client cannot distinguish "never existed"
// from "administratively removed".
func (s State) Message() string {
	switch s {
	case StateSessionExpired:
		return "This recording session has expired."
	case StateSessionDeleted, StateSessionNotFound:
		return "This recording session has been removed."
	case StateNetworkError:
		return "Unable to reach the server. Check your connection and try again."
	case StateUploadFailed:
		return "The upload failed. Your recording is kept locally; retry to resume."
	case StateComplete:
		return "Your recording has been uploaded."
	}
	return ""
}

// Snapshot is the machine's output to the presentation layer
type Snapshot struct {
	State          State  `json:"state"`
	Marker         string `json:"marker"`
	Message        string `json:"message,omitempty"`
	Notice         string `json:"notice,omitempty"` // non-fatal advisory, e.g. multi-device
	PromptText     string `json:"prompt_text,omitempty"`
	DeviceBindings int    `json:"device_bindings"`
	CanRecord      bool   `json:"can_record"`
	CanStop        bool   `json:"can_stop"`
	CanRetryUpload bool   `json:"can_retry_upload"`
}

// TransitionListener observes every applied transition
type TransitionListener func(from, to State, snap Snapshot)

// Machine is the session state machine: pure decision logic mapping
// validation outcomes and user/controller events to client states. It
// performs no I/O, so a single outcome value drives it in tests without
// any network or device dependency.
type Machine struct {
	mu       sync.Mutex
	state    State
	record   *Record
	notice   string
	listener TransitionListener

	// lastResolved orders concurrently-resolved non-terminal outcomes:
	// the most recently resolved wins. Terminal outcomes always win and
	// pin the state (last-resolved-terminal-status wins over any later
	// active copy).
	lastResolved time.Time
}

// NewMachine creates a machine in the sole initial state
func NewMachine() *Machine {
	return &Machine{state: StateInitializing}
}

// SetListener registers the transition listener. The listener is called
// synchronously with the machine unlocked state already applied.
func (m *Machine) SetListener(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current presentation snapshot
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:          m.state,
		Marker:         m.state.Marker(),
		Message:        m.state.Message(),
		Notice:         m.notice,
		CanRecord:      m.state == StateActive,
		CanStop:        m.state == StateRecording,
		CanRetryUpload: m.state == StateUploadFailed,
	}
	if m.record != nil {
		snap.PromptText = m.record.PromptText
		snap.DeviceBindings = len(m.record.DeviceBindings)
	}
	return snap
}

// Resolve applies a validation outcome. Duplicate and out-of-order
// resolutions converge here: a terminal outcome overrides a previously
// applied active one, while among non-terminal outcomes the most
// recently resolved wins. Outcomes never move the machine out of a
// terminal state, and never interrupt RECORDING/UPLOADING unless they
// are terminal.
func (m *Machine) Resolve(o Outcome) State {
	m.mu.Lock()

	if m.state.Terminal() {
		m.mu.Unlock()
		return m.State()
	}

	next, ok := m.stateForOutcome(o)
	if !ok {
		m.mu.Unlock()
		return m.State()
	}

	switch m.state {
	case StateInitializing:
		// first resolution, always applies
	case StateActive, StateNetworkError:
		if !next.Terminal() && !o.ResolvedAt.After(m.lastResolved) {
			// stale duplicate, already superseded
			m.mu.Unlock()
			return m.State()
		}
	case StateRecording, StateUploading, StateUploadFailed:
		// capture in progress: only a terminal backend fact preempts it
		if !next.Terminal() {
			m.mu.Unlock()
			return m.State()
		}
	}

	if o.ResolvedAt.After(m.lastResolved) {
		m.lastResolved = o.ResolvedAt
	}
	if o.Record != nil {
		m.record = o.Record
	}
	if o.Kind == OutcomeDeviceLimit {
		m.notice = "This session is already open on another device."
	}

	return m.transitionLocked(next)
}

// stateForOutcome maps an outcome to its target state
func (m *Machine) stateForOutcome(o Outcome) (State, bool) {
	switch o.Kind {
	case OutcomeOk:
		if o.Record == nil {
			return "", false
		}
		switch o.Record.Status {
		case StatusActive:
			return StateActive, true
		case StatusExpired:
			return StateSessionExpired, true
		case StatusDeleted:
			return StateSessionDeleted, true
		case StatusCompleted:
			// the response was already captured and persisted
			return StateComplete, true
		}
		return "", false
	case OutcomeDeviceLimit:
		// backend allows multi-device access; the client renders the
		// binding count and a notice rather than rejecting
		if o.Record != nil && o.Record.Status == StatusActive {
			return StateActive, true
		}
		return "", false
	case OutcomeExpired:
		return StateSessionExpired, true
	case OutcomeDeleted, OutcomeNotFound:
		// an unresolvable identifier is presented identically to a
		// deleted one
		return StateSessionDeleted, true
	case OutcomeNetworkError, OutcomeTimeout:
		return StateNetworkError, true
	case OutcomeCancelled:
		// abandoned attempt, discarded without a transition
		return "", false
	}
	return "", false
}

// StartRecording moves ACTIVE to RECORDING on user intent
func (m *Machine) StartRecording() error {
	return m.apply(StateActive, StateRecording, "start recording")
}

// DeviceLost moves RECORDING to NETWORK_ERROR. Recoverable: the user
// may retry, re-entering ACTIVE after re-validation.
func (m *Machine) DeviceLost() error {
	return m.apply(StateRecording, StateNetworkError, "device lost")
}

// StopRecording moves RECORDING to UPLOADING on user stop (or on a
// forced stop when a recording ceiling is hit)
func (m *Machine) StopRecording() error {
	return m.apply(StateRecording, StateUploading, "stop recording")
}

// UploadComplete moves UPLOADING to COMPLETE once all chunks are
// confirmed persisted
func (m *Machine) UploadComplete() error {
	return m.apply(StateUploading, StateComplete, "upload complete")
}

// UploadFailed moves UPLOADING to the retryable UPLOAD_FAILED state
func (m *Machine) UploadFailed() error {
	return m.apply(StateUploading, StateUploadFailed, "upload failed")
}

// RetryUpload re-enters UPLOADING from UPLOAD_FAILED, preserving
// already-confirmed chunks per the upload cursor
func (m *Machine) RetryUpload() error {
	return m.apply(StateUploadFailed, StateUploading, "retry upload")
}

// UploadAborted moves UPLOADING to the recoverable NETWORK_ERROR state
// when the capture ended underneath a stop request and no upload loop
// is running. Spooled chunks are kept for a later resume.
func (m *Machine) UploadAborted() error {
	return m.apply(StateUploading, StateNetworkError, "abort upload")
}

// apply performs a guarded event transition
func (m *Machine) apply(from, to State, event string) error {
	m.mu.Lock()
	if m.state != from {
		current := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot %s from state %s", event, current)
	}
	m.transitionLocked(to)
	return nil
}

// transitionLocked commits the state change and notifies the listener.
// Must be called with the lock held; releases it.
func (m *Machine) transitionLocked(to State) State {
	from := m.state
	m.state = to
	listener := m.listener
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if listener != nil && from != to {
		listener(from, to, snap)
	}
	return to
}
