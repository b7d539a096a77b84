package audio

import (
	"context"
	"sync"

	"nightwatch/internal/domain"
	"nightwatch/internal/ports"
)

// Exclusive lets at most one recording hold the microphone. Every session in
// the process should share one Exclusive; a second Start while a recording is
// live fails with domain.ErrResourceBusy.
type Exclusive struct {
	capturer ports.AudioCapturer

	mu   sync.Mutex
	held bool
}

func NewExclusive(capturer ports.AudioCapturer) *Exclusive {
	return &Exclusive{capturer: capturer}
}

func (e *Exclusive) Start(ctx context.Context, cfg ports.AudioConfig) (ports.Recording, error) {
	e.mu.Lock()
	if e.held {
		e.mu.Unlock()
		return nil, domain.ErrResourceBusy
	}
	e.held = true
	e.mu.Unlock()

	rec, err := e.capturer.Start(ctx, cfg)
	if err != nil {
		e.release()
		return nil, err
	}
	return &exclusiveRecording{Recording: rec, release: e.release}, nil
}

func (e *Exclusive) release() {
	e.mu.Lock()
	e.held = false
	e.mu.Unlock()
}

type exclusiveRecording struct {
	ports.Recording
	release func()
	once    sync.Once
}

func (r *exclusiveRecording) Stop() (domain.AudioClip, error) {
	defer r.once.Do(r.release)
	return r.Recording.Stop()
}
