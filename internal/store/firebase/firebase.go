// Package firebase is a RemoteSink backed by the Firebase Realtime Database
// REST API: writes are PUTs and subscriptions follow the server-sent event
// stream for the key.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
	"gopkg.in/cenkalti/backoff.v1"

	"nightwatch/internal/domain"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

type Options struct {
	// URL is the database root, e.g. https://project-default-rtdb.firebaseio.com.
	URL    string
	Auth   string
	Client *http.Client
	Logger zerolog.Logger
}

type Store struct {
	base   *url.URL
	auth   string
	client *http.Client
	stream *http.Client
	log    zerolog.Logger
}

func New(opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, errors.New("firebase url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse firebase url: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	// The stream is long-lived; only its context bounds it.
	stream := &http.Client{Transport: client.Transport}
	return &Store{
		base:   base,
		auth:   opts.Auth,
		client: client,
		stream: stream,
		log:    opts.Logger.With().Str("component", "firebase").Logger(),
	}, nil
}

func (s *Store) endpoint(key string) string {
	u := *s.base
	u.Path = u.Path + "/" + strings.Trim(key, "/") + ".json"
	if s.auth != "" {
		q := u.Query()
		q.Set("auth", s.auth)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *Store) Publish(ctx context.Context, key string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.endpoint(key), bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish %q: %w: %w", key, domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("publish %q: %w: status %d: %s", key, domain.ErrPermissionDenied, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("publish %q: %w: status %d: %s", key, domain.ErrNetworkFailure, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Get reads the current value at key. A missing key reads as JSON null.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w: %w", key, domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w: %w", key, domain.ErrNetworkFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %q: %w: status %d", key, domain.ErrNetworkFailure, resp.StatusCode)
	}
	return body, nil
}

// Subscribe follows the key's event stream. The server replays the current
// value on every connect; null values are not delivered. Dropped connections
// are retried with exponential backoff.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	client := s.streamClient(key)

	go func() {
		defer close(done)
		for {
			err := s.follow(ctx, client, key, fn)
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Str("key", key).Dur("retry_in", minBackoff).Msg("position stream ended")

			select {
			case <-ctx.Done():
				return
			case <-time.After(minBackoff):
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}, nil
}

func (s *Store) streamClient(key string) *sse.Client {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = minBackoff
	strategy.MaxInterval = maxBackoff
	strategy.MaxElapsedTime = 0
	strategy.Reset()

	client := sse.NewClient(s.endpoint(key))
	client.Connection = s.stream
	client.ReconnectStrategy = strategy
	client.ReconnectNotify = func(err error, next time.Duration) {
		s.log.Warn().Err(err).Str("key", key).Dur("retry_in", next).Msg("position stream interrupted")
	}
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return fmt.Errorf("%w: stream status %d", domain.ErrPermissionDenied, resp.StatusCode)
		default:
			resp.Body.Close()
			return fmt.Errorf("%w: stream status %d", domain.ErrNetworkFailure, resp.StatusCode)
		}
	}
	return client
}

type streamEvent struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// follow runs one subscription until the server closes the stream or an
// event ends it. The returned error says why it ended.
func (s *Store) follow(ctx context.Context, client *sse.Client, key string, fn func([]byte)) error {
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	var ended error
	err := client.SubscribeRawWithContext(streamCtx, func(event *sse.Event) {
		if ended != nil {
			return
		}
		if err := s.handle(streamCtx, key, string(event.Event), event.Data, fn); err != nil {
			ended = err
			stop()
		}
	})
	switch {
	case ended != nil:
		return ended
	case err != nil:
		return err
	default:
		return fmt.Errorf("%w: stream closed by server", domain.ErrNetworkFailure)
	}
}

func (s *Store) handle(ctx context.Context, key, name string, data []byte, fn func([]byte)) error {
	switch name {
	case "put", "patch":
	case "cancel", "auth_revoked":
		return fmt.Errorf("%w: stream %s: %s", domain.ErrPermissionDenied, name, bytes.TrimSpace(data))
	default:
		return nil
	}

	var event streamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("ignoring malformed stream event")
		return nil
	}

	value := []byte(event.Data)
	if name == "patch" || event.Path != "/" {
		// Partial update; read back the whole value.
		getCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		full, err := s.Get(getCtx, key)
		cancel()
		if err != nil {
			return err
		}
		value = full
	}

	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	fn(trimmed)
	return nil
}
