package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tandem/internal/rules"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 2

// Capabilities describes what the opened store's schema version supports.
// Resolved once at Open and never re-checked per operation.
type Capabilities struct {
	// DirectDelete is true when records can be removed outright. Legacy
	// stores (schema v1) only support tombstoning via the deleted flag.
	DirectDelete bool
}

// IDGenerator produces ids for Add. The default is UUIDv7 so ids sort by
// creation time; tests substitute a sequential generator.
type IDGenerator interface {
	NewID() string
}

type uuidV7IDs struct{}

func (uuidV7IDs) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does, which is fatal anyway.
		panic(fmt.Sprintf("uuid: %v", err))
	}
	return id.String()
}

// Store is the shared realtime record store. All access goes through
// Client handles bound to a caller identity; the store itself enforces
// the access rules.
//
// A single mutex serializes every operation, matching the cooperative
// single-threaded model the system assumes. Subscription callbacks are
// delivered outside the mutex through per-subscription FIFO queues.
type Store struct {
	db    *sql.DB
	rules *rules.Engine
	ids   IDGenerator
	log   *slog.Logger
	caps  Capabilities

	mu      sync.Mutex
	clock   Timestamp
	subs    map[int]*subscription
	nextSub int
	closed  bool
}

// Option configures Open.
type Option func(*Store)

// WithIDGenerator overrides the id source used by Add.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithRules overrides the compiled rule set. The default is the embedded
// production rules.
func WithRules(e *rules.Engine) Option {
	return func(s *Store) { s.rules = e }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithLegacySchema forces the store to initialize as schema v1, which has
// no direct delete support. Only meaningful on a fresh database; used to
// exercise the tombstone path.
func WithLegacySchema() Option {
	return func(s *Store) { s.caps.DirectDelete = false }
}

// Open opens or creates the store at path. Use ":memory:" for tests.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Single connection: SQLite is the disk format, not the concurrency
	// model. The store's own mutex is the serializer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:   db,
		ids:  uuidV7IDs{},
		log:  slog.Default(),
		caps: Capabilities{DirectDelete: true},
		subs: make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.rules == nil {
		eng, err := rules.New()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("compile rules: %w", err)
		}
		s.rules = eng
	}

	if err := s.resolveSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadClock(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// resolveSchemaVersion reads or initializes the persisted schema version
// and pins the store's delete capability from it.
func (s *Store) resolveSchemaVersion() error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		version := currentSchemaVersion
		if !s.caps.DirectDelete {
			version = 1
		}
		if _, err := s.db.Exec(
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`,
			strconv.Itoa(version),
		); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		s.caps.DirectDelete = version >= 2
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("read schema version: bad value %q", raw)
	}
	s.caps.DirectDelete = version >= 2
	return nil
}

func (s *Store) loadClock() error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'clock'`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		s.clock = 0
		return nil
	case err != nil:
		return fmt.Errorf("load clock: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("load clock: bad value %q", raw)
	}
	s.clock = Timestamp(n)
	return nil
}

// tick advances the logical clock and persists it in the caller's
// transaction so restarts never reuse a timestamp. Caller holds s.mu.
func (s *Store) tick(tx *sql.Tx) (Timestamp, error) {
	s.clock++
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('clock', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		strconv.FormatInt(int64(s.clock), 10),
	); err != nil {
		return 0, fmt.Errorf("persist clock: %w", err)
	}
	return s.clock, nil
}

// Capabilities returns what this store's schema supports.
func (s *Store) Capabilities() Capabilities {
	return s.caps
}

// Close stops all subscriptions and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return s.db.Close()
}
