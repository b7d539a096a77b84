package ports

import (
	"context"
	"time"

	"nightwatch/internal/domain"
)

// PositionSource produces a single position fix on demand.
type PositionSource interface {
	Fix(ctx context.Context) (domain.PositionSample, error)
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
	Codec       string
	Container   string
	MimeType    string
	MaxDuration time.Duration
}

// Recording is one live microphone capture.
type Recording interface {
	// Stop finalizes the capture and releases the microphone, even on error.
	Stop() (domain.AudioClip, error)
}

// AudioCapturer starts microphone recordings, at most one at a time.
type AudioCapturer interface {
	Start(ctx context.Context, cfg AudioConfig) (Recording, error)
}

// RemoteSink is an overwrite key-value store with change subscription.
type RemoteSink interface {
	Publish(ctx context.Context, key string, value []byte) error
	// Subscribe delivers every subsequent value at key, firing once
	// immediately with the last-known value if present.
	Subscribe(key string, fn func(value []byte)) (cancel func(), err error)
}

// Uploader transports a recorded clip to the analysis endpoint.
type Uploader interface {
	Send(ctx context.Context, clip domain.AudioClip) error
}

// Alerter dispatches the one-shot activation alert.
type Alerter interface {
	Dispatch(ctx context.Context) error
}

// EventSink emits observable session fields to the presentation layer.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	MicStateChanged(state domain.MicState)
	PositionChanged(sample *domain.PositionSample)
	CapturePhaseChanged(cycleID uint64, phase domain.CapturePhase)
	SessionError(code domain.ErrorCode, detail string)
}
