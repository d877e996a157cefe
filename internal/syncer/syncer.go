package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/paginate"
	"github.com/roach88/vaultsync/internal/record"
	"github.com/roach88/vaultsync/internal/store"
)

// Syncer pulls a paginated source into one collection.
type Syncer struct {
	fetch  paginate.Fetcher
	coll   *store.Collection
	ctrl   *paginate.Controller
	limits paginate.Limits
	schema envelope.Schema
	logger *slog.Logger
	runID  func() string
	now    func() time.Time

	mu      sync.Mutex // guards lastRun
	lastRun store.Run
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLimits sets the page and record budgets.
//
// Default: paginate.DefaultLimits()
func WithLimits(limits paginate.Limits) Option {
	return func(s *Syncer) {
		s.limits = limits
	}
}

// WithSchema sets the fields every decoded envelope record must carry.
func WithSchema(schema envelope.Schema) Option {
	return func(s *Syncer) {
		s.schema = schema
	}
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunIDs sets the run id generator.
//
// Default: UUIDv7, so run ids sort by start time.
// Use testutil.SequentialIDs("run") for deterministic tests.
func WithRunIDs(next func() string) Option {
	return func(s *Syncer) {
		s.runID = next
	}
}

// WithClock sets the wall clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// New creates a Syncer that fetches pages with fetch and persists them into coll.
func New(fetch paginate.Fetcher, coll *store.Collection, opts ...Option) (*Syncer, error) {
	if fetch == nil {
		return nil, fmt.Errorf("syncer: fetch function is required")
	}
	if coll == nil {
		return nil, fmt.Errorf("syncer: collection is required")
	}

	s := &Syncer{
		fetch:  fetch,
		coll:   coll,
		limits: paginate.DefaultLimits(),
		logger: slog.Default(),
		runID:  newRunID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctrl, err := paginate.New(s.limits, s.logger)
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}
	s.ctrl = ctrl
	return s, nil
}

func newRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sync fetches every page, decodes envelope pages, and replaces the
// collection's contents with the result. It returns the persisted records in
// fetch order.
//
// A decode error (see envelope.IsCodecError) or a done context aborts the
// sync with the collection unchanged.
func (s *Syncer) Sync(ctx context.Context) ([]record.Record, error) {
	run := store.Run{
		ID:         s.runID(),
		Collection: s.coll.Name(),
		StartedAt:  s.now(),
	}
	logger := s.logger.With("run_id", run.ID, "collection", run.Collection)
	logger.Debug("sync starting")

	records, digest, err := s.pull(ctx)
	run.Pages = s.ctrl.State().Page
	if err == nil {
		err = s.coll.ReplaceAll(ctx, records)
		if err != nil {
			err = fmt.Errorf("persist records: %w", err)
		}
	}
	run.FinishedAt = s.now()

	if err != nil {
		run.Status = store.RunFailed
		run.Error = err.Error()
		logger.Error("sync failed", "pages", run.Pages, "error", err)
	} else {
		run.Status = store.RunOK
		run.Records = len(records)
		run.Digest = digest
		logger.Info("sync complete",
			"pages", run.Pages,
			"records", run.Records,
			"digest", run.Digest)
	}

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()

	// History is written even when ctx is done; the run already happened.
	if recErr := s.coll.RecordRun(context.WithoutCancel(ctx), run); recErr != nil {
		logger.Warn("failed to record sync run", "error", recErr)
	}

	if err != nil {
		return nil, err
	}
	return records, nil
}

// pull drives pagination and fingerprints the result.
func (s *Syncer) pull(ctx context.Context) ([]record.Record, string, error) {
	records, err := s.ctrl.FetchAllPages(ctx, s.fetch, s.resolve)
	if err != nil {
		return nil, "", fmt.Errorf("fetch pages: %w", err)
	}

	digest, err := record.Digest(records)
	if err != nil {
		return nil, "", err
	}
	return records, digest, nil
}

// resolve turns a page into records, opening it first if it is an envelope.
func (s *Syncer) resolve(_ context.Context, page paginate.Page) ([]record.Record, error) {
	if !page.Encrypted() {
		return page.Records, nil
	}
	return envelope.Decode(*page.Envelope, s.schema)
}

// LastRun returns the history entry of the most recent Sync call.
// The zero Run is returned before the first call.
func (s *Syncer) LastRun() store.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// State returns the pagination state left by the most recent Sync call.
func (s *Syncer) State() paginate.State {
	return s.ctrl.State()
}

// Limits returns the budgets this Syncer paginates under.
func (s *Syncer) Limits() paginate.Limits {
	return s.ctrl.Limits()
}
