package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"nightwatch/internal/clock"
	"nightwatch/internal/domain"
)

// locationLoop is one activation's periodic position push. Every scheduled
// callback is counted in wg until it returns or its timer is stopped first.
type locationLoop struct {
	ctx     context.Context
	cancel  context.CancelFunc
	planned time.Time
	timer   clock.Timer
	ticks   uint64
	wg      sync.WaitGroup
}

func newLocationLoop(start time.Time) *locationLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &locationLoop{ctx: ctx, cancel: cancel, planned: start}
}

// scheduleLocationLocked arms the next tick. Caller holds s.mu.
func (s *MonitoringSession) scheduleLocationLocked(loop *locationLoop) {
	delay, next := nextTick(loop.planned, s.clock.Now(), s.cfg.LocationInterval)
	loop.planned = next
	loop.wg.Add(1)
	loop.timer = s.clock.AfterFunc(delay, func() { s.locationTick(loop) })
}

func (s *MonitoringSession) locationTick(loop *locationLoop) {
	defer loop.wg.Done()

	s.mu.Lock()
	if s.location != loop {
		s.mu.Unlock()
		return
	}
	loop.timer = nil
	loop.ticks++
	tick := loop.ticks
	s.mu.Unlock()

	sample, err := s.fix(loop.ctx)

	s.mu.Lock()
	if s.location != loop {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.setPositionLocked(sample)
	}
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Uint64("tick", tick).Msg("periodic fix failed")
			s.events.SessionError(domain.ErrorCodeLocation, err.Error())
		}
	} else {
		s.emitPosition(sample)
		s.publish(loop.ctx, sample)
	}

	s.mu.Lock()
	if s.location == loop {
		s.scheduleLocationLocked(loop)
	}
	s.mu.Unlock()
}

// stopLocation cancels a detached loop and waits for its in-flight tick.
func (s *MonitoringSession) stopLocation(loop *locationLoop) {
	if loop == nil {
		return
	}
	s.mu.Lock()
	if loop.timer != nil && loop.timer.Stop() {
		loop.wg.Done()
	}
	loop.timer = nil
	s.mu.Unlock()

	loop.cancel()
	loop.wg.Wait()
}
