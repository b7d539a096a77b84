package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu     sync.Mutex
	values []string
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) record(value []byte) {
	r.mu.Lock()
	r.values = append(r.values, string(value))
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		got := append([]string(nil), r.values...)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("expected %d deliveries, got %v", n, got)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func openSQLite(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(Options{Kind: "sqlite", DSN: path, PollInterval: 20 * time.Millisecond, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPublishOverwritesValue(t *testing.T) {
	t.Parallel()

	store := openSQLite(t, filepath.Join(t.TempDir(), "kv.db"))
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "locations/current"); err != nil || ok {
		t.Fatalf("expected empty key, ok=%v err=%v", ok, err)
	}
	for _, value := range []string{`{"latitude":1,"longitude":1}`, `{"latitude":2,"longitude":2}`} {
		if err := store.Publish(ctx, "locations/current", []byte(value)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	value, ok, err := store.Get(ctx, "locations/current")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"latitude":2,"longitude":2}` {
		t.Fatalf("unexpected value: %s", value)
	}
}

func TestSubscribeFiresImmediatelyWithStoredValue(t *testing.T) {
	t.Parallel()

	store := openSQLite(t, filepath.Join(t.TempDir(), "kv.db"))
	if err := store.Publish(context.Background(), "k", []byte("first")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	rec := newRecorder()
	cancel, err := store.Subscribe("k", rec.record)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	if rec.count() != 1 {
		t.Fatalf("expected synchronous initial delivery, got %d", rec.count())
	}
}

func TestSubscribeSeesWritesFromAnotherConnection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shared.db")
	reader := openSQLite(t, path)
	writer := openSQLite(t, path)

	rec := newRecorder()
	cancel, err := reader.Subscribe("locations/current", rec.record)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	if err := writer.Publish(context.Background(), "locations/current", []byte("a")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	rec.waitFor(t, 1)

	// same payload written again still counts as a change
	if err := writer.Publish(context.Background(), "locations/current", []byte("a")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	got := rec.waitFor(t, 2)
	if got[0] != "a" || got[1] != "a" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestSubscribeCoalescesRemoteWritesBetweenPolls(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shared.db")
	reader, err := Open(Options{Kind: "sqlite", DSN: path, PollInterval: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	writer := openSQLite(t, path)

	rec := newRecorder()
	cancel, err := reader.Subscribe("locations/current", rec.record)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	for _, value := range []string{"a", "b", "c"} {
		if err := writer.Publish(context.Background(), "locations/current", []byte(value)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	got := rec.waitFor(t, 1)
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 1 || got[0] != "c" {
		t.Fatalf("expected one delivery of the latest value, got %v", got)
	}
}

func TestCancelStopsPolling(t *testing.T) {
	t.Parallel()

	store := openSQLite(t, filepath.Join(t.TempDir(), "kv.db"))
	rec := newRecorder()
	cancel, err := store.Subscribe("k", rec.record)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	cancel()
	cancel()

	if err := store.Publish(context.Background(), "k", []byte("late")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("cancelled subscription received %d values", n)
	}
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := Open(Options{Kind: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := Open(Options{Kind: "sqlite"}); err == nil {
		t.Fatalf("expected error for missing sqlite path")
	}
}
