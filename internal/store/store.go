package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hivault/internal/blobstore"
	"hivault/internal/live"
	"hivault/internal/models"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 1
	maxIdleConns    = 1
	connMaxLifetime = 5 * time.Minute

	maxOpenConnsEnvKey    = "HIVAULT_DB_MAX_OPEN_CONNS"
	connMaxLifetimeEnvKey = "HIVAULT_DB_CONN_MAX_LIFETIME"
)

// Store is the local durable store: SQLite metadata plus a blob store for bytes.
type Store struct {
	db     *sql.DB
	blobs  blobstore.BlobStore
	hub    *live.Hub
	log    zerolog.Logger
	path   string
	memory bool
}

// Option customizes a Store at open time.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log.With().Str("component", "store").Logger() }
}

// WithHub publishes committed mutations to hub.
func WithHub(hub *live.Hub) Option {
	return func(s *Store) { s.hub = hub }
}

// Open opens the SQLite database at path and bootstraps the schema.
func Open(path string, blobs blobstore.BlobStore, opts ...Option) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	st := newStore(blobs, opts)
	st.path = path
	if err := st.open(dsn, intFromEnv(maxOpenConnsEnvKey, maxOpenConns), connMaxLifetimeFromEnv()); err != nil {
		return nil, models.NewOpError("open store", models.ErrStorageUnavailable, err)
	}
	return st, nil
}

// OpenMemory opens a store that lives only in process memory.
func OpenMemory(opts ...Option) (*Store, error) {
	st := newStore(blobstore.NewMemoryCAS(), opts)
	st.memory = true
	// The database vanishes with its last connection, so keep exactly one
	// and never recycle it.
	if err := st.open(":memory:", 1, 0); err != nil {
		return nil, models.NewOpError("open memory store", models.ErrStorageUnavailable, err)
	}
	return st, nil
}

// OpenOrDegrade opens the on-disk store and falls back to a memory-only
// store when that fails. Callers can check Degraded.
func OpenOrDegrade(path string, blobs blobstore.BlobStore, opts ...Option) (*Store, error) {
	st, err := Open(path, blobs, opts...)
	if err == nil {
		return st, nil
	}
	mem, memErr := OpenMemory(opts...)
	if memErr != nil {
		return nil, err
	}
	mem.log.Warn().Err(err).Str("path", path).Msg("durable store unavailable, continuing in memory only")
	return mem, nil
}

func newStore(blobs blobstore.BlobStore, opts []Option) *Store {
	st := &Store{blobs: blobs, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

func (s *Store) open(dsn string, conns int, lifetime time.Duration) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	if err := configureDB(db, conns, lifetime); err != nil {
		_ = db.Close()
		return err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Degraded reports whether the store is running memory-only.
func (s *Store) Degraded() bool { return s.memory }

// Path returns the database file path, empty for memory stores.
func (s *Store) Path() string { return s.path }

// Blobs returns the blob store holding asset bytes.
func (s *Store) Blobs() blobstore.BlobStore { return s.blobs }

// DB exposes the database handle for maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) publish(topic live.Topic, id string, op live.Op) {
	s.hub.Publish(live.Change{Topic: topic, ID: id, Op: op})
}

func configureDB(db *sql.DB, conns int, lifetime time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}

	// Tune connection pool for local usage before the first statement so
	// memory databases keep their single connection.
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(lifetime)

	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func connMaxLifetimeFromEnv() time.Duration {
	return durationFromEnv(connMaxLifetimeEnvKey, connMaxLifetime)
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String(), nil
}

func intFromEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// durationFromEnv accepts Go durations or a bare number of seconds.
func durationFromEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return models.NewOpError(op, models.ErrStorageUnavailable, err)
}
