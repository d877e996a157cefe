package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/vaultsync/internal/config"
	"github.com/roach88/vaultsync/internal/store"
)

// session is an open store plus the collection a command works on.
type session struct {
	cfg   config.Config
	store *store.Store
	coll  *store.Collection
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// loadConfig reads --config and applies the global overrides.
func loadConfig(opts *RootOptions, formatter *OutputFormatter) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	return cfg, nil
}

// openSession loads config, reads the master key and opens the store.
func openSession(opts *RootOptions, formatter *OutputFormatter) (*session, error) {
	cfg, err := loadConfig(opts, formatter)
	if err != nil {
		return nil, err
	}
	return openSessionWith(cfg, opts, formatter)
}

func openSessionWith(cfg config.Config, opts *RootOptions, formatter *OutputFormatter) (*session, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read store master key", err)
	}

	path, err := cfg.StorePath()
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to resolve database path", err)
	}

	slog.Debug("opening database", "path", path, "collection", cfg.Collection)
	st, err := store.Open(path, key, store.WithClock(opts.now))
	if err != nil {
		if errors.Is(err, store.ErrSealBroken) {
			return nil, formatter.Fail(ExitCommandError, ErrCodeStore, "store master key does not match this database", err)
		}
		return nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}

	coll, err := st.Collection(cfg.Collection)
	if err != nil {
		st.Close()
		return nil, formatter.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("failed to open collection %q", cfg.Collection), err)
	}

	return &session{cfg: cfg, store: st, coll: coll}, nil
}
