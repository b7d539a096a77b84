package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"nightwatch/internal/clock"
	"nightwatch/internal/domain"
	"nightwatch/internal/ports"
)

// captureLoop drives the Idle -> Recording -> Cooldown cycle. id and phase
// tag every scheduled callback; a callback whose tag no longer matches is
// stale and returns without effect. recording is written only under s.mu by
// beginRecording, finishRecording and stopCapture.
type captureLoop struct {
	ctx       context.Context
	cancel    context.CancelFunc
	id        uint64
	phase     domain.CapturePhase
	timer     clock.Timer
	recording ports.Recording
	stopped   bool
	wg        sync.WaitGroup
}

func (c *captureLoop) matches(id uint64, phase domain.CapturePhase) bool {
	return !c.stopped && c.id == id && c.phase == phase
}

// startCapture starts the cycle unless one is already running. The first
// acquisition runs inline so a permission denial reaches the caller.
func (s *MonitoringSession) startCapture() error {
	s.mu.Lock()
	if s.capture != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &captureLoop{ctx: ctx, cancel: cancel, phase: domain.CapturePhaseIdle}
	s.capture = loop
	s.mu.Unlock()

	return s.beginRecording(loop, true)
}

func (s *MonitoringSession) beginRecording(loop *captureLoop, first bool) error {
	s.mu.Lock()
	if s.capture != loop || loop.stopped {
		s.mu.Unlock()
		return nil
	}
	s.cycleSeq++
	loop.id = s.cycleSeq
	id := loop.id
	s.mu.Unlock()

	audioCfg := s.cfg.Audio
	if audioCfg.MaxDuration <= 0 {
		audioCfg.MaxDuration = s.cfg.RecordDuration + s.cfg.Cooldown
	}
	rec, err := s.audio.Start(loop.ctx, audioCfg)

	s.mu.Lock()
	if s.capture != loop || loop.stopped {
		s.mu.Unlock()
		if rec != nil {
			_, _ = rec.Stop()
		}
		return nil
	}
	if err != nil {
		if first && errors.Is(err, domain.ErrPermissionDenied) {
			s.capture = nil
			loop.stopped = true
			s.mu.Unlock()
			loop.cancel()
			return err
		}
		loop.phase = domain.CapturePhaseCooldown
		s.scheduleCaptureLocked(loop, s.cfg.Cooldown, func() { s.endCooldown(loop, id) })
		s.mu.Unlock()

		s.log.Warn().Err(err).Uint64("cycle", id).Msg("capture acquisition failed")
		if !errors.Is(err, domain.ErrResourceBusy) {
			s.events.SessionError(domain.ErrorCodeCapture, err.Error())
		}
		s.events.CapturePhaseChanged(id, domain.CapturePhaseCooldown)
		return nil
	}
	loop.phase = domain.CapturePhaseRecording
	loop.recording = rec
	s.scheduleCaptureLocked(loop, s.cfg.RecordDuration, func() { s.finishRecording(loop, id) })
	s.mu.Unlock()

	s.log.Debug().Uint64("cycle", id).Msg("recording started")
	s.events.CapturePhaseChanged(id, domain.CapturePhaseRecording)
	return nil
}

func (s *MonitoringSession) finishRecording(loop *captureLoop, id uint64) {
	defer loop.wg.Done()

	s.mu.Lock()
	if s.capture != loop || !loop.matches(id, domain.CapturePhaseRecording) {
		s.mu.Unlock()
		return
	}
	loop.timer = nil
	rec := loop.recording
	loop.recording = nil
	s.mu.Unlock()

	s.collect(id, rec)

	s.mu.Lock()
	if s.capture != loop || !loop.matches(id, domain.CapturePhaseRecording) {
		s.mu.Unlock()
		return
	}
	loop.phase = domain.CapturePhaseCooldown
	s.scheduleCaptureLocked(loop, s.cfg.Cooldown, func() { s.endCooldown(loop, id) })
	s.mu.Unlock()

	s.events.CapturePhaseChanged(id, domain.CapturePhaseCooldown)
}

func (s *MonitoringSession) endCooldown(loop *captureLoop, id uint64) {
	defer loop.wg.Done()

	s.mu.Lock()
	if s.capture != loop || !loop.matches(id, domain.CapturePhaseCooldown) {
		s.mu.Unlock()
		return
	}
	loop.timer = nil
	loop.phase = domain.CapturePhaseIdle
	if s.mic != domain.MicStateEnabled || s.state != domain.SessionStateActive {
		s.capture = nil
		loop.stopped = true
		s.mu.Unlock()
		loop.cancel()
		s.events.CapturePhaseChanged(id, domain.CapturePhaseIdle)
		return
	}
	s.mu.Unlock()

	_ = s.beginRecording(loop, false)
}

// collect stops a recording, releasing the microphone unconditionally, and
// hands any clip to the uploader.
func (s *MonitoringSession) collect(id uint64, rec ports.Recording) {
	clip, err := rec.Stop()
	if err != nil {
		s.log.Warn().Err(err).Uint64("cycle", id).Msg("recording stop failed")
		s.events.SessionError(domain.ErrorCodeCapture, err.Error())
		return
	}
	if len(clip.Bytes) == 0 {
		s.log.Warn().Uint64("cycle", id).Msg("recording produced no audio")
		return
	}
	s.dispatchUpload(id, clip)
}

// scheduleCaptureLocked arms the single phase timer. Caller holds s.mu.
func (s *MonitoringSession) scheduleCaptureLocked(loop *captureLoop, d time.Duration, fn func()) {
	loop.wg.Add(1)
	loop.timer = s.clock.AfterFunc(d, fn)
}

// stopCapture halts the running cycle. A recording in progress is stopped
// through its normal finalize path rather than killed, and its clip is still
// uploaded, so that clip is shorter than the configured record duration.
// Returns once no cycle callback can run.
func (s *MonitoringSession) stopCapture() {
	s.mu.Lock()
	loop := s.capture
	if loop == nil {
		s.mu.Unlock()
		return
	}
	s.capture = nil
	loop.stopped = true
	if loop.timer != nil && loop.timer.Stop() {
		loop.wg.Done()
	}
	loop.timer = nil
	rec := loop.recording
	loop.recording = nil
	id := loop.id
	loop.phase = domain.CapturePhaseIdle
	s.mu.Unlock()

	if rec != nil {
		s.collect(id, rec)
	}
	loop.wg.Wait()
	loop.cancel()

	s.log.Debug().Uint64("cycle", id).Msg("capture cycle stopped")
	s.events.CapturePhaseChanged(id, domain.CapturePhaseIdle)
}
