package store

import (
	"context"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunOK     = "ok"
	RunFailed = "failed"
)

// Run is the history entry of one sync.
type Run struct {
	ID         string
	Collection string
	StartedAt  time.Time
	FinishedAt time.Time
	Pages      int    // pages requested
	Records    int    // records persisted (0 for failed runs)
	Digest     string // BLAKE3 of the persisted record sequence; empty for failed runs
	Status     string // RunOK or RunFailed
	Error      string
}

// RecordRun appends a run to the collection's sync history.
func (c *Collection) RecordRun(ctx context.Context, run Run) error {
	if run.Status != RunOK && run.Status != RunFailed {
		return fmt.Errorf("record run: invalid status %q", run.Status)
	}

	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO sync_runs
		(id, collection, started_at, finished_at, pages, records, digest, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		c.name,
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		run.Pages,
		run.Records,
		run.Digest,
		run.Status,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Runs returns the collection's sync history, newest first.
// A limit <= 0 returns every run.
func (c *Collection) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := c.store.db.QueryContext(ctx, `
		SELECT id, collection, started_at, finished_at, pages, records, digest, status, error
		FROM sync_runs
		WHERE collection = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, c.name, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			run               Run
			started, finished string
		)
		if err := rows.Scan(&run.ID, &run.Collection, &started, &finished,
			&run.Pages, &run.Records, &run.Digest, &run.Status, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("scan run %q: started_at: %w", run.ID, err)
		}
		if run.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("scan run %q: finished_at: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}
