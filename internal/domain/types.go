package domain

import "time"

// SessionState models the monitoring session lifecycle.
type SessionState string

const (
	SessionStateInactive SessionState = "inactive"
	SessionStateActive   SessionState = "active"
)

// MicState is independent of SessionState and only has effect while active.
type MicState string

const (
	MicStateDisabled MicState = "disabled"
	MicStateEnabled  MicState = "enabled"
)

// CapturePhase is the phase of the audio capture cycle.
type CapturePhase string

const (
	CapturePhaseIdle      CapturePhase = "idle"
	CapturePhaseRecording CapturePhase = "recording"
	CapturePhaseCooldown  CapturePhase = "cooldown"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonActivated        SessionStateReason = "activated"
	SessionReasonActivationFailed SessionStateReason = "activation_failed"
	SessionReasonDeactivated      SessionStateReason = "deactivated"
	SessionReasonDisposed         SessionStateReason = "disposed"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodePermission  ErrorCode = "permission_denied"
	ErrorCodeDevice      ErrorCode = "device_unavailable"
	ErrorCodeNetwork     ErrorCode = "network_failure"
	ErrorCodeBusy        ErrorCode = "resource_busy"
	ErrorCodeAlert       ErrorCode = "alert"
	ErrorCodeLocation    ErrorCode = "location"
	ErrorCodeCapture     ErrorCode = "capture"
	ErrorCodeUpload      ErrorCode = "upload"
	ErrorCodeUnavailable ErrorCode = "unavailable"
)

// PositionSample is a single device-reported position reading.
type PositionSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ObservedAt time.Time `json:"observedAt"`
}

// StoredPosition is the value kept under the shared position key.
type StoredPosition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Stored drops the observation time, which the shared key does not carry.
func (p PositionSample) Stored() StoredPosition {
	return StoredPosition{Latitude: p.Latitude, Longitude: p.Longitude}
}

// AudioClip is an opaque recorded blob handed to the uploader.
type AudioClip struct {
	Bytes    []byte
	MimeType string
}

// Status summarizes the observable session fields.
type Status struct {
	State     SessionState    `json:"state"`
	Mic       MicState        `json:"mic"`
	Position  *PositionSample `json:"position,omitempty"`
	CycleID   uint64          `json:"cycleId"`
	Phase     CapturePhase    `json:"phase"`
	Recording bool            `json:"recording"`
}
