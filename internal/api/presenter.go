package api

import "github.com/recbooth/recbooth/internal/session"

// Controls describes which recording controls the UI should enable
type Controls struct {
	Record      bool `json:"record"`
	Stop        bool `json:"stop"`
	RetryUpload bool `json:"retry_upload"`
}

// UploadProgress reports confirmed vs total chunks during the upload
// phase
type UploadProgress struct {
	Confirmed int `json:"confirmed"`
	Total     int `json:"total"`
}

// View is the presentation contract: everything a recording UI needs to
// render one state, keyed by a stable machine-checkable marker
type View struct {
	State          string          `json:"state"`
	Marker         string          `json:"marker"`
	Message        string          `json:"message,omitempty"`
	Notice         string          `json:"notice,omitempty"`
	PromptText     string          `json:"prompt_text,omitempty"`
	DeviceBindings int             `json:"device_bindings"`
	Paused         bool            `json:"paused,omitempty"`
	Controls       Controls        `json:"controls"`
	Upload         *UploadProgress `json:"upload,omitempty"`
}

// InvalidLinkView is the terminal presentation for a malformed token;
// no validation is attempted for it
func InvalidLinkView() View {
	return View{
		State:   "INVALID_LINK",
		Marker:  "state-invalid-link",
		Message: "This recording link is not valid.",
	}
}

// Present maps a machine snapshot and upload progress to the view
// model. Purely a sink of state machine output.
func Present(snap session.Snapshot, confirmed, total int) View {
	view := View{
		State:          string(snap.State),
		Marker:         snap.Marker,
		Message:        snap.Message,
		Notice:         snap.Notice,
		PromptText:     snap.PromptText,
		DeviceBindings: snap.DeviceBindings,
		Controls: Controls{
			Record:      snap.CanRecord,
			Stop:        snap.CanStop,
			RetryUpload: snap.CanRetryUpload,
		},
	}
	if total > 0 {
		view.Upload = &UploadProgress{Confirmed: confirmed, Total: total}
	}
	return view
}
