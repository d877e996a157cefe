package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is stamped into PRAGMA user_version.
const currentSchemaVersion = 1

// timestampLayout is fixed-width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrNotFound is returned when a record id does not exist in the collection.
	ErrNotFound = errors.New("record not found")

	// ErrSchemaVersion is returned when the database was written by another schema version.
	ErrSchemaVersion = errors.New("unsupported store schema version")
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for last_updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store provides encrypted durable storage for synced records.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	sealer *sealer
	now    func() time.Time

	mu          sync.Mutex
	collections map[string]*Collection
}

// Open creates or opens a SQLite database at the given path.
// masterKey must be KeySize bytes; the same key must be used for every open
// of the same database, otherwise Open fails with ErrSealBroken.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
func Open(path string, masterKey []byte, opts ...Option) (*Store, error) {
	sealer, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		sealer.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		sealer.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		sealer.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		sealer.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:          db,
		sealer:      sealer,
		now:         time.Now,
		collections: make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.verifyKey(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.sealer != nil {
		s.sealer.Close()
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - rows hold sealed payloads.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Collection returns the handle for the named collection.
// Handles are shared: the same name always yields the same *Collection, so
// writers to one collection are serialized through a single lock.
func (s *Store) Collection(name string) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c := &Collection{name: name, store: s}
	s.collections[name] = c
	return c, nil
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps the schema version.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version != 0 && version != currentSchemaVersion {
		return fmt.Errorf("%w: database is version %d, expected %d", ErrSchemaVersion, version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyKey checks the master key against the key check value written on
// first open, writing it if this is a new database.
func (s *Store) verifyKey(ctx context.Context) error {
	var check []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'key_check'`).Scan(&check)
	if errors.Is(err, sql.ErrNoRows) {
		sealed, err := s.sealer.sealKeyCheck()
		if err != nil {
			return fmt.Errorf("write key check: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO meta (name, value) VALUES ('key_check', ?)`, sealed); err != nil {
			return fmt.Errorf("write key check: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key check: %w", err)
	}
	if err := s.sealer.openKeyCheck(check); err != nil {
		return fmt.Errorf("verify store key: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
