package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nightwatch/internal/clock"
	"nightwatch/internal/domain"
	"nightwatch/internal/ports"
)

type fixResult struct {
	sample domain.PositionSample
	err    error
}

type fakePosition struct {
	mu      sync.Mutex
	results []fixResult
	calls   int
}

func (f *fakePosition) Fix(_ context.Context) (domain.PositionSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return domain.PositionSample{Latitude: 1, Longitude: 1}, nil
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result.sample, result.err
}

func (f *fakePosition) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func at(lat, lon float64) fixResult {
	return fixResult{sample: domain.PositionSample{Latitude: lat, Longitude: lon}}
}

// fakeCapturer enforces one active recording at a time across every
// session that shares it.
type fakeCapturer struct {
	mu            sync.Mutex
	active        bool
	starts        int
	busy          int
	stops         int
	maxConcurrent int
	concurrent    int
	startErrs     []error
}

func (f *fakeCapturer) Start(_ context.Context, _ ports.AudioConfig) (ports.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.active {
		f.busy++
		return nil, domain.ErrResourceBusy
	}
	f.active = true
	f.starts++
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	return &fakeRecording{capturer: f, n: f.starts}, nil
}

func (f *fakeCapturer) snapshot() (starts, busy, stops, maxConcurrent int, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.busy, f.stops, f.maxConcurrent, f.active
}

type fakeRecording struct {
	capturer *fakeCapturer
	n        int
	once     sync.Once
}

func (r *fakeRecording) Stop() (domain.AudioClip, error) {
	r.once.Do(func() {
		r.capturer.mu.Lock()
		defer r.capturer.mu.Unlock()
		r.capturer.active = false
		r.capturer.concurrent--
		r.capturer.stops++
	})
	return domain.AudioClip{Bytes: []byte(fmt.Sprintf("clip-%d", r.n)), MimeType: "audio/ogg"}, nil
}

type fakeSink struct {
	mu          sync.Mutex
	values      map[string][]byte
	publishes   int
	publishErr  error
	subscribers map[int]func([]byte)
	nextID      int
	cancels     int
}

func newFakeSink() *fakeSink {
	return &fakeSink{values: map[string][]byte{}, subscribers: map[int]func([]byte){}}
}

func (f *fakeSink) Publish(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	f.publishes++
	if f.publishErr != nil {
		err := f.publishErr
		f.mu.Unlock()
		return err
	}
	f.values[key] = append([]byte(nil), value...)
	subs := f.subscriberList()
	f.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
	return nil
}

func (f *fakeSink) Subscribe(_ string, fn func([]byte)) (func(), error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subscribers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			f.cancels++
		}
	}, nil
}

// push simulates another device writing the shared key.
func (f *fakeSink) push(value []byte) {
	f.mu.Lock()
	subs := f.subscriberList()
	f.mu.Unlock()
	for _, fn := range subs {
		fn(value)
	}
}

func (f *fakeSink) subscriberList() []func([]byte) {
	subs := make([]func([]byte), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (f *fakeSink) stored(t *testing.T, key string) domain.StoredPosition {
	t.Helper()
	f.mu.Lock()
	raw, ok := f.values[key]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no value stored at %q", key)
	}
	var position domain.StoredPosition
	if err := json.Unmarshal(raw, &position); err != nil {
		t.Fatalf("stored value is not a position: %v", err)
	}
	return position
}

func (f *fakeSink) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishes
}

func (f *fakeSink) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

type fakeUploader struct {
	sent chan domain.AudioClip
	err  error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{sent: make(chan domain.AudioClip, 32)}
}

func (f *fakeUploader) Send(_ context.Context, clip domain.AudioClip) error {
	f.sent <- clip
	return f.err
}

func (f *fakeUploader) waitFor(t *testing.T, n int) []domain.AudioClip {
	t.Helper()
	clips := make([]domain.AudioClip, 0, n)
	for len(clips) < n {
		select {
		case clip := <-f.sent:
			clips = append(clips, clip)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d uploads, got %d", n, len(clips))
		}
	}
	return clips
}

func (f *fakeUploader) assertNoMore(t *testing.T) {
	t.Helper()
	select {
	case clip := <-f.sent:
		t.Fatalf("unexpected extra upload %q", clip.Bytes)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAlerter) Dispatch(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeAlerter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEventSink struct {
	mu        sync.Mutex
	states    []stateEvent
	mics      []domain.MicState
	positions []*domain.PositionSample
	phases    []phaseEvent
	errors    []errEvent
}

type stateEvent struct {
	state  domain.SessionState
	reason domain.SessionStateReason
}

type phaseEvent struct {
	cycle uint64
	phase domain.CapturePhase
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) MicStateChanged(state domain.MicState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mics = append(f.mics, state)
}

func (f *fakeEventSink) PositionChanged(sample *domain.PositionSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, sample)
}

func (f *fakeEventSink) CapturePhaseChanged(cycle uint64, phase domain.CapturePhase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, phaseEvent{cycle: cycle, phase: phase})
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateEvent(nil), f.states...)
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errEvent(nil), f.errors...)
}

func (f *fakeEventSink) snapshotPhases() []phaseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]phaseEvent(nil), f.phases...)
}

type harness struct {
	session  *MonitoringSession
	clock    *clock.Fake
	position *fakePosition
	capturer *fakeCapturer
	sink     *fakeSink
	uploader *fakeUploader
	alerter  *fakeAlerter
	events   *fakeEventSink
}

func newHarness(t *testing.T, fixes ...fixResult) *harness {
	t.Helper()
	return newHarnessWith(t, &fakeCapturer{}, newFakeSink(), clock.NewFake(time.Unix(1_700_000_000, 0)), fixes...)
}

func newHarnessWith(t *testing.T, capturer *fakeCapturer, sink *fakeSink, clk *clock.Fake, fixes ...fixResult) *harness {
	t.Helper()
	h := &harness{
		clock:    clk,
		position: &fakePosition{results: fixes},
		capturer: capturer,
		sink:     sink,
		uploader: newFakeUploader(),
		alerter:  &fakeAlerter{},
		events:   &fakeEventSink{},
	}
	session, err := NewMonitoringSession(Dependencies{
		Position: h.position,
		Audio:    h.capturer,
		Sink:     h.sink,
		Uploader: h.uploader,
		Alerter:  h.alerter,
		Events:   h.events,
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
	}, Config{})
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	h.session = session
	t.Cleanup(func() {
		_ = session.Dispose(context.Background())
	})
	return h
}
