// Package sqlstore is a RemoteSink kept in a SQL table. Every writer bumps a
// per-key version and subscribers poll for version changes, so sessions on
// different hosts sharing one database see each other's positions.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"nightwatch/internal/domain"
)

const DefaultPollInterval = 2 * time.Second

type dialect struct {
	driver string
	ddl    string
	upsert string
	load   string
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		ddl: `
CREATE TABLE IF NOT EXISTS nightwatch_kv (
  entry_key VARCHAR(255) PRIMARY KEY,
  entry_value TEXT NOT NULL,
  version BIGINT NOT NULL
);`,
		upsert: `
INSERT INTO nightwatch_kv (entry_key, entry_value, version)
VALUES (?, ?, 1)
ON CONFLICT(entry_key) DO UPDATE SET entry_value = excluded.entry_value, version = nightwatch_kv.version + 1;`,
		load: `SELECT entry_value, version FROM nightwatch_kv WHERE entry_key = ?;`,
	},
	"postgres": {
		driver: "postgres",
		ddl: `
CREATE TABLE IF NOT EXISTS nightwatch_kv (
  entry_key VARCHAR(255) PRIMARY KEY,
  entry_value TEXT NOT NULL,
  version BIGINT NOT NULL
);`,
		upsert: `
INSERT INTO nightwatch_kv (entry_key, entry_value, version)
VALUES ($1, $2, 1)
ON CONFLICT(entry_key) DO UPDATE SET entry_value = excluded.entry_value, version = nightwatch_kv.version + 1;`,
		load: `SELECT entry_value, version FROM nightwatch_kv WHERE entry_key = $1;`,
	},
	"mysql": {
		driver: "mysql",
		ddl: `
CREATE TABLE IF NOT EXISTS nightwatch_kv (
  entry_key VARCHAR(255) PRIMARY KEY,
  entry_value TEXT NOT NULL,
  version BIGINT NOT NULL
);`,
		upsert: `
INSERT INTO nightwatch_kv (entry_key, entry_value, version)
VALUES (?, ?, 1)
ON DUPLICATE KEY UPDATE entry_value = VALUES(entry_value), version = version + 1;`,
		load: `SELECT entry_value, version FROM nightwatch_kv WHERE entry_key = ?;`,
	},
}

// Options configures Open.
type Options struct {
	// Kind is sqlite, postgres or mysql.
	Kind         string
	DSN          string
	PollInterval time.Duration
	Logger       zerolog.Logger
}

type Store struct {
	db      *sql.DB
	dialect dialect
	poll    time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	key     string
	fn      func([]byte)
	version int64
	nudge   chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func Open(opts Options) (*Store, error) {
	d, ok := dialects[opts.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported sql sink %q", opts.Kind)
	}
	dsn := opts.DSN
	if d.driver == "sqlite" {
		if dsn == "" {
			return nil, errors.New("sqlite sink requires a database path")
		}
		path := strings.SplitN(dsn, "?", 2)[0]
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)"
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Kind, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w: %w", opts.Kind, domain.ErrNetworkFailure, err)
	}
	if _, err := db.ExecContext(ctx, d.ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Store{
		db:      db,
		dialect: d,
		poll:    poll,
		log:     opts.Logger.With().Str("component", "sqlstore").Str("driver", d.driver).Logger(),
		subs:    map[*subscription]struct{}{},
	}, nil
}

func (s *Store) Publish(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, key, string(value)); err != nil {
		return fmt.Errorf("publish %q: %w: %w", key, domain.ErrNetworkFailure, err)
	}

	s.mu.Lock()
	for sub := range s.subs {
		if sub.key != key {
			continue
		}
		select {
		case sub.nudge <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

// Get returns the stored value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := s.load(ctx, key)
	return value, ok, err
}

// Subscribe reads the current value synchronously, then polls for changes on
// a dedicated goroutine. Writes are last-write-wins: several writes that land
// between two polls reach fn once, as the latest value. The returned cancel
// must not be called from fn.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.poll+5*time.Second)
	value, version, ok, err := s.load(ctx, key)
	cancel()
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		key:   key,
		fn:    fn,
		nudge: make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if ok {
		sub.version = version
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("sql sink closed")
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	if ok {
		fn(value)
	}
	go s.watch(sub)

	return func() { s.cancel(sub) }, nil
}

// Close stops every subscription and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.cancel(sub)
	}
	return s.db.Close()
}

func (s *Store) cancel(sub *subscription) {
	sub.once.Do(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(sub.stop)
	})
	<-sub.done
}

func (s *Store) watch(sub *subscription) {
	defer close(sub.done)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
		case <-sub.nudge:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.poll+5*time.Second)
		value, version, ok, err := s.load(ctx, sub.key)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("key", sub.key).Msg("poll failed")
			continue
		}
		if !ok || version == sub.version {
			continue
		}
		sub.version = version

		select {
		case <-sub.stop:
			return
		default:
		}
		sub.fn(value)
	}
}

func (s *Store) load(ctx context.Context, key string) ([]byte, int64, bool, error) {
	var (
		value   string
		version int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.load, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("load %q: %w: %w", key, domain.ErrNetworkFailure, err)
	}
	return []byte(value), version, true, nil
}
