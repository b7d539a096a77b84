// Package memory is an in-process RemoteSink. Sessions sharing one Store see
// each other's writes, which makes it the sink for tests and single-host runs.
package memory

import (
	"context"
	"sync"
)

type subscriber struct {
	id uint64
	fn func([]byte)
}

type Store struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[string][]subscriber
	nextID uint64

	// deliver serializes callbacks so subscribers observe writes in order.
	deliver sync.Mutex
}

func New() *Store {
	return &Store{
		values: map[string][]byte{},
		subs:   map[string][]subscriber{},
	}
}

// Publish overwrites key and notifies every subscriber before returning.
func (s *Store) Publish(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := append([]byte(nil), value...)

	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	s.values[key] = stored
	subs := append([]subscriber(nil), s.subs[key]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(append([]byte(nil), stored...))
	}
	return nil
}

// Subscribe fires fn with the current value, if any, then with every write.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	s.deliver.Lock()
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[key] = append(s.subs[key], subscriber{id: id, fn: fn})
	current, ok := s.values[key]
	s.mu.Unlock()
	if ok {
		fn(append([]byte(nil), current...))
	}
	s.deliver.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(key, id) })
	}, nil
}

// Get returns the stored value at key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

func (s *Store) unsubscribe(key string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[key]
	for i, sub := range subs {
		if sub.id == id {
			s.subs[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[key]) == 0 {
		delete(s.subs, key)
	}
}
