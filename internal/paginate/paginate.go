// Package paginate drives sequential page fetches under page and record budgets.
//
// The controller is agnostic to encryption: a Page may carry an envelope, but
// turning it into records is the Resolver's job. Fetch failures and resolve
// failures are handled differently on purpose:
//   - a Fetcher error ends the loop and the records gathered so far are
//     returned without an error (missing data)
//   - a Resolver error is returned to the caller (corrupt data)
//
// Pages are never fetched concurrently: whether page N+1 is requested depends
// on the outcome of page N.
package paginate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/record"
)

// Default budgets.
const (
	DefaultMaxPages           = 10
	DefaultMaxRecords         = 1000
	DefaultShortPageThreshold = 50
)

// Page is one fetched page: a plain record batch, or an envelope that still
// has to be opened.
type Page struct {
	Records  []record.Record
	Envelope *envelope.Envelope
}

// Encrypted reports whether the page carries an envelope.
func (p Page) Encrypted() bool {
	return p.Envelope != nil
}

// Fetcher returns the page with the given 1-based number.
type Fetcher func(ctx context.Context, page int) (Page, error)

// Resolver turns a fetched page into its record batch.
type Resolver func(ctx context.Context, page Page) ([]record.Record, error)

// PlainResolver accepts only unencrypted pages.
func PlainResolver(_ context.Context, page Page) ([]record.Record, error) {
	if page.Encrypted() {
		return nil, fmt.Errorf("paginate: encrypted page without a resolver")
	}
	return page.Records, nil
}

// Limits bounds a single FetchAllPages call.
type Limits struct {
	MaxPages           int
	MaxRecords         int
	ShortPageThreshold int // a batch smaller than this signals end of data
}

// DefaultLimits returns 10 pages, 1000 records, short page below 50.
func DefaultLimits() Limits {
	return Limits{
		MaxPages:           DefaultMaxPages,
		MaxRecords:         DefaultMaxRecords,
		ShortPageThreshold: DefaultShortPageThreshold,
	}
}

// Validate rejects budgets that would never fetch anything.
func (l Limits) Validate() error {
	if l.MaxPages < 1 {
		return fmt.Errorf("max pages must be at least 1, got %d", l.MaxPages)
	}
	if l.MaxRecords < 1 {
		return fmt.Errorf("max records must be at least 1, got %d", l.MaxRecords)
	}
	if l.ShortPageThreshold < 0 {
		return fmt.Errorf("short page threshold must not be negative, got %d", l.ShortPageThreshold)
	}
	return nil
}

// State is the pagination state of the most recent FetchAllPages call.
type State struct {
	Page         int // last page requested
	TotalFetched int // records accepted
	MaxPages     int
	MaxRecords   int
	FetchErr     error // the fetch failure that ended the loop, if any
}

// Controller drives page fetches. It is safe for concurrent use, but each
// FetchAllPages call runs its own loop against a snapshot of the limits.
type Controller struct {
	mu     sync.Mutex
	limits Limits
	state  State
	logger *slog.Logger
}

// New creates a controller. A nil logger uses slog.Default().
func New(limits Limits, logger *slog.Logger) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("paginate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{limits: limits, logger: logger}, nil
}

// ConfigureLimits changes the page and record budgets for later calls.
// An in-flight FetchAllPages keeps the limits it started with.
func (c *Controller) ConfigureLimits(maxPages, maxRecords int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.limits
	next.MaxPages = maxPages
	next.MaxRecords = maxRecords
	if err := next.Validate(); err != nil {
		return fmt.Errorf("paginate: %w", err)
	}
	c.limits = next
	return nil
}

// Limits returns the current budgets.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// State returns the state left by the most recent FetchAllPages call.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FetchAllPages requests pages 1, 2, ... and returns their records in fetch
// order. It stops when:
//   - a batch is empty
//   - the next page would exceed MaxPages
//   - MaxRecords is reached (the last batch is truncated to fit)
//   - a batch is shorter than ShortPageThreshold (after accepting it)
//   - fetch fails (fail-soft: no error is returned)
//
// A resolve error or a done context is returned with nil records.
func (c *Controller) FetchAllPages(ctx context.Context, fetch Fetcher, resolve Resolver) ([]record.Record, error) {
	if resolve == nil {
		resolve = PlainResolver
	}

	c.mu.Lock()
	limits := c.limits
	c.mu.Unlock()

	state := State{MaxPages: limits.MaxPages, MaxRecords: limits.MaxRecords}
	defer func() {
		c.mu.Lock()
		c.state = state
		c.mu.Unlock()
	}()

	all := []record.Record{}
	for page := 1; page <= limits.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state.Page = page
		result, err := fetch(ctx, page)
		if err != nil {
			state.FetchErr = err
			c.logger.Warn("page fetch failed, treating as end of data",
				"page", page,
				"fetched", state.TotalFetched,
				"error", err)
			break
		}

		batch, err := resolve(ctx, result)
		if err != nil {
			return nil, fmt.Errorf("resolve page %d: %w", page, err)
		}

		if len(batch) == 0 {
			c.logger.Debug("empty page, stopping", "page", page)
			break
		}

		remaining := limits.MaxRecords - state.TotalFetched
		if len(batch) >= remaining {
			all = append(all, batch[:remaining]...)
			state.TotalFetched += remaining
			c.logger.Debug("record budget reached", "page", page, "max_records", limits.MaxRecords)
			break
		}

		all = append(all, batch...)
		state.TotalFetched += len(batch)

		if len(batch) < limits.ShortPageThreshold {
			c.logger.Debug("short page, stopping", "page", page, "size", len(batch))
			break
		}
	}

	return all, nil
}
