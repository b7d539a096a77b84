package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nightwatch/internal/clock"
	"nightwatch/internal/domain"
	"nightwatch/internal/ports"
)

const (
	DefaultPositionKey      = "locations/current"
	DefaultLocationInterval = 10 * time.Second
	DefaultRecordDuration   = 15 * time.Second
	DefaultCooldown         = 5 * time.Second
	DefaultFixTimeout       = 8 * time.Second
	DefaultPublishTimeout   = 10 * time.Second
	DefaultAlertTimeout     = 10 * time.Second
	DefaultUploadTimeout    = 30 * time.Second
)

// Config controls session timing and the shared position key.
type Config struct {
	Audio            ports.AudioConfig
	PositionKey      string
	LocationInterval time.Duration
	RecordDuration   time.Duration
	Cooldown         time.Duration
	FixTimeout       time.Duration
	PublishTimeout   time.Duration
	AlertTimeout     time.Duration
	UploadTimeout    time.Duration
}

// Dependencies are the collaborators a session drives.
type Dependencies struct {
	Position ports.PositionSource
	Audio    ports.AudioCapturer
	Sink     ports.RemoteSink
	Uploader ports.Uploader
	Alerter  ports.Alerter
	Events   ports.EventSink
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// MonitoringSession owns activation state, the location-push loop and the
// audio capture cycle.
//
// Entry points are serialized by opMu. Timer callbacks never take opMu, so
// entry points may wait for in-flight callbacks while holding it. EventSink
// implementations must not call back into the session synchronously.
type MonitoringSession struct {
	position ports.PositionSource
	audio    ports.AudioCapturer
	sink     ports.RemoteSink
	uploader ports.Uploader
	alerter  ports.Alerter
	events   ports.EventSink
	clock    clock.Clock
	log      zerolog.Logger
	cfg      Config

	opMu sync.Mutex

	mu       sync.Mutex
	state    domain.SessionState
	mic      domain.MicState
	current  *domain.PositionSample
	disposed bool
	// location is replaced only by Activate/Deactivate; capture only by
	// startCapture/stopCapture and a halting cycle. Both under mu.
	location *locationLoop
	capture  *captureLoop
	cycleSeq uint64

	unsubscribe func()

	bgCtx      context.Context
	bgCancel   context.CancelFunc
	background sync.WaitGroup
}

// NewMonitoringSession builds an inactive session and subscribes to the
// shared position key. The subscription lives until Dispose.
func NewMonitoringSession(deps Dependencies, cfg Config) (*MonitoringSession, error) {
	if deps.Position == nil || deps.Audio == nil || deps.Sink == nil || deps.Uploader == nil {
		return nil, errors.New("position source, audio capturer, sink and uploader are required")
	}
	if deps.Events == nil {
		deps.Events = noopEvents{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	cfg = withDefaults(cfg)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &MonitoringSession{
		position: deps.Position,
		audio:    deps.Audio,
		sink:     deps.Sink,
		uploader: deps.Uploader,
		alerter:  deps.Alerter,
		events:   deps.Events,
		clock:    deps.Clock,
		log:      deps.Logger.With().Str("component", "session").Logger(),
		cfg:      cfg,
		state:    domain.SessionStateInactive,
		mic:      domain.MicStateDisabled,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}

	unsubscribe, err := s.sink.Subscribe(cfg.PositionKey, s.onRemotePosition)
	if err != nil {
		bgCancel()
		return nil, fmt.Errorf("subscribe to %q: %w", cfg.PositionKey, err)
	}
	s.unsubscribe = unsubscribe
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.PositionKey == "" {
		cfg.PositionKey = DefaultPositionKey
	}
	if cfg.LocationInterval <= 0 {
		cfg.LocationInterval = DefaultLocationInterval
	}
	if cfg.RecordDuration <= 0 {
		cfg.RecordDuration = DefaultRecordDuration
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = DefaultFixTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = DefaultAlertTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	return cfg
}

// Activate takes a first fix, dispatches the alert, publishes the fix and
// starts the periodic activities. It is a no-op when already active. A failed
// first fix aborts activation and is returned; a permission denial also
// suppresses the alert.
func (s *MonitoringSession) Activate(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrSessionDisposed
	}
	if s.state == domain.SessionStateActive {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sample, err := s.fix(ctx)
	// Refused location access sends nothing.
	if !errors.Is(err, domain.ErrPermissionDenied) {
		s.dispatchAlert()
	}
	if err != nil {
		s.log.Error().Err(err).Msg("activation aborted: first fix failed")
		s.events.SessionError(domain.Classify(err), err.Error())
		s.events.SessionStateChanged(domain.SessionStateInactive, domain.SessionReasonActivationFailed)
		return fmt.Errorf("activate: %w", err)
	}

	s.mu.Lock()
	previous := s.location
	loop := newLocationLoop(s.clock.Now())
	s.location = loop
	s.scheduleLocationLocked(loop)
	s.state = domain.SessionStateActive
	s.setPositionLocked(sample)
	micEnabled := s.mic == domain.MicStateEnabled
	s.mu.Unlock()

	s.stopLocation(previous)

	s.log.Info().Float64("lat", sample.Latitude).Float64("lon", sample.Longitude).Msg("session activated")
	s.events.SessionStateChanged(domain.SessionStateActive, domain.SessionReasonActivated)
	s.emitPosition(sample)
	s.publish(loop.ctx, sample)

	if micEnabled {
		if err := s.startCapture(); err != nil {
			s.revertMic(err)
		}
	}
	return nil
}

// Deactivate cancels the location loop, clears the local position and stops
// the capture cycle. It is safe to call in any state and more than once.
func (s *MonitoringSession) Deactivate() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.deactivate(domain.SessionReasonDeactivated)
}

func (s *MonitoringSession) deactivate(reason domain.SessionStateReason) {
	s.mu.Lock()
	wasActive := s.state == domain.SessionStateActive
	loop := s.location
	s.location = nil
	s.state = domain.SessionStateInactive
	hadPosition := s.current != nil
	s.current = nil
	s.mu.Unlock()

	s.stopLocation(loop)
	s.stopCapture()

	if hadPosition {
		s.events.PositionChanged(nil)
	}
	if wasActive {
		s.log.Info().Str("reason", string(reason)).Msg("session deactivated")
		s.events.SessionStateChanged(domain.SessionStateInactive, reason)
	}
}

// EnableMic turns the microphone on. While active the capture cycle starts
// immediately; a permission denial on that first acquisition is returned and
// leaves the microphone disabled.
func (s *MonitoringSession) EnableMic() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrSessionDisposed
	}
	if s.mic == domain.MicStateEnabled {
		s.mu.Unlock()
		return nil
	}
	s.mic = domain.MicStateEnabled
	active := s.state == domain.SessionStateActive
	s.mu.Unlock()

	s.events.MicStateChanged(domain.MicStateEnabled)
	if !active {
		return nil
	}
	if err := s.startCapture(); err != nil {
		s.revertMic(err)
		return fmt.Errorf("enable mic: %w", err)
	}
	return nil
}

// DisableMic stops the capture cycle and leaves the session state alone.
func (s *MonitoringSession) DisableMic() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrSessionDisposed
	}
	if s.mic == domain.MicStateDisabled {
		s.mu.Unlock()
		return nil
	}
	s.mic = domain.MicStateDisabled
	s.mu.Unlock()

	s.stopCapture()
	s.events.MicStateChanged(domain.MicStateDisabled)
	return nil
}

// Dispose deactivates, releases the position subscription and waits for
// dispatched alerts and uploads until ctx is done. Later calls are no-ops.
func (s *MonitoringSession) Dispose(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.deactivate(domain.SessionReasonDisposed)

	s.mu.Lock()
	s.disposed = true
	s.mic = domain.MicStateDisabled
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.bgCancel()
		<-done
	}
	s.bgCancel()
	s.log.Info().Msg("session disposed")
	return err
}

// Status returns a snapshot of the observable fields.
func (s *MonitoringSession) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.Status{
		State: s.state,
		Mic:   s.mic,
		Phase: domain.CapturePhaseIdle,
	}
	if s.current != nil {
		position := *s.current
		status.Position = &position
	}
	if s.capture != nil {
		status.CycleID = s.capture.id
		status.Phase = s.capture.phase
		status.Recording = s.capture.phase == domain.CapturePhaseRecording
	}
	return status
}

func (s *MonitoringSession) revertMic(err error) {
	s.mu.Lock()
	s.mic = domain.MicStateDisabled
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("microphone acquisition refused")
	s.events.SessionError(domain.Classify(err), err.Error())
	s.events.MicStateChanged(domain.MicStateDisabled)
}

func (s *MonitoringSession) fix(ctx context.Context) (domain.PositionSample, error) {
	fixCtx, cancel := context.WithTimeout(ctx, s.cfg.FixTimeout)
	defer cancel()

	sample, err := s.position.Fix(fixCtx)
	if err != nil {
		return domain.PositionSample{}, err
	}
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = s.clock.Now()
	}
	return sample, nil
}

func (s *MonitoringSession) publish(ctx context.Context, sample domain.PositionSample) {
	payload, err := json.Marshal(sample.Stored())
	if err != nil {
		s.log.Error().Err(err).Msg("encode position")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.sink.Publish(pubCtx, s.cfg.PositionKey, payload); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Str("key", s.cfg.PositionKey).Msg("position publish failed")
		s.events.SessionError(domain.ErrorCodeNetwork, err.Error())
	}
}

// onRemotePosition mirrors a value pushed by any session sharing the key.
// Arrival order wins against local fixes.
func (s *MonitoringSession) onRemotePosition(value []byte) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return
	}
	var stored domain.StoredPosition
	if err := json.Unmarshal(trimmed, &stored); err != nil {
		s.log.Warn().Err(err).Str("key", s.cfg.PositionKey).Msg("ignoring malformed remote position")
		return
	}

	sample := domain.PositionSample{
		Latitude:   stored.Latitude,
		Longitude:  stored.Longitude,
		ObservedAt: s.clock.Now(),
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	unchanged := s.current != nil && s.current.Stored() == stored
	s.setPositionLocked(sample)
	s.mu.Unlock()

	if !unchanged {
		s.emitPosition(sample)
	}
}

func (s *MonitoringSession) setPositionLocked(sample domain.PositionSample) {
	s.current = &sample
}

func (s *MonitoringSession) emitPosition(sample domain.PositionSample) {
	s.events.PositionChanged(&sample)
}

func (s *MonitoringSession) dispatchAlert() {
	if s.alerter == nil {
		return
	}
	s.goBackground(s.cfg.AlertTimeout, func(ctx context.Context) {
		if err := s.alerter.Dispatch(ctx); err != nil {
			s.log.Error().Err(err).Msg("alert dispatch failed")
			s.events.SessionError(domain.ErrorCodeAlert, err.Error())
			return
		}
		s.log.Info().Msg("alert dispatched")
	})
}

func (s *MonitoringSession) dispatchUpload(cycleID uint64, clip domain.AudioClip) {
	s.goBackground(s.cfg.UploadTimeout, func(ctx context.Context) {
		if err := s.uploader.Send(ctx, clip); err != nil {
			if errors.Is(err, domain.ErrResourceBusy) {
				s.log.Info().Err(err).Uint64("cycle", cycleID).Msg("clip shed")
				return
			}
			s.log.Warn().Err(err).Uint64("cycle", cycleID).Msg("clip upload failed")
			s.events.SessionError(domain.ErrorCodeUpload, err.Error())
			return
		}
		s.log.Debug().Uint64("cycle", cycleID).Int("bytes", len(clip.Bytes)).Msg("clip uploaded")
	})
}

// goBackground runs fn detached from the triggering cycle. Dispose waits for
// it; nothing else does.
func (s *MonitoringSession) goBackground(timeout time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.background.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, timeout)
		defer cancel()
		fn(ctx)
	}()
}

type noopEvents struct{}

func (noopEvents) SessionStateChanged(_ domain.SessionState, _ domain.SessionStateReason) {}
func (noopEvents) MicStateChanged(_ domain.MicState)                                     {}
func (noopEvents) PositionChanged(_ *domain.PositionSample)                              {}
func (noopEvents) CapturePhaseChanged(_ uint64, _ domain.CapturePhase)                   {}
func (noopEvents) SessionError(_ domain.ErrorCode, _ string)                             {}
