package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/vaultsync/internal/record"
)

// StoredRecord is a record as held by the store.
type StoredRecord struct {
	ID          string
	Record      record.Record
	Sequence    int64
	LastUpdated time.Time
	Digest      string
}

// Collection is one logical record collection inside a Store.
// Writes to a collection are serialized; reads run against committed state.
type Collection struct {
	name  string
	store *Store
	mu    sync.Mutex
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// ReplaceAll atomically replaces the collection's contents with records.
// Each record gets seq = its position in records and a fresh last_updated.
// Records without an id are keyed by position+1, or the next number after it
// that no other record in the batch uses. When two records share an id, the
// later one wins.
func (c *Collection) ReplaceAll(ctx context.Context, records []record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.store.timestamp()

	// Seal outside the transaction so the write lock is held briefly.
	type row struct {
		id      string
		payload []byte
		digest  string
	}

	taken := make(map[string]bool, len(records))
	for _, rec := range records {
		if id, ok := rec.ID(); ok {
			taken[id] = true
		}
	}

	rows := make([]row, len(records))
	for i, rec := range records {
		id, ok := rec.ID()
		if !ok {
			id = nextFreeID(taken, i+1)
			taken[id] = true
		}
		payload, digest, err := c.store.sealer.sealRecord(c.name, id, rec)
		if err != nil {
			return fmt.Errorf("replace all: %w", err)
		}
		rows[i] = row{id: id, payload: payload, digest: digest}
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace all: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, c.name); err != nil {
		return fmt.Errorf("replace all: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (collection, id, seq, payload, digest, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			seq = excluded.seq,
			payload = excluded.payload,
			digest = excluded.digest,
			last_updated = excluded.last_updated
	`)
	if err != nil {
		return fmt.Errorf("replace all: prepare: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, c.name, r.id, i, r.payload, r.digest, now); err != nil {
			return fmt.Errorf("replace all: insert %q: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace all: commit: %w", err)
	}
	return nil
}

// nextFreeID returns the first number from n upward that is not in taken.
func nextFreeID(taken map[string]bool, n int) string {
	for {
		id := strconv.Itoa(n)
		if !taken[id] {
			return id
		}
		n++
	}
}

// GetAll returns every record in the collection ordered by seq.
// Returns an empty slice (not nil) for an empty collection.
func (c *Collection) GetAll(ctx context.Context) ([]StoredRecord, error) {
	rows, err := c.store.db.QueryContext(ctx, `
		SELECT id, seq, payload, digest, last_updated
		FROM records
		WHERE collection = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, c.name)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []StoredRecord{}
	for rows.Next() {
		rec, err := c.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// GetByID returns one record. Returns ErrNotFound if the id is absent.
func (c *Collection) GetByID(ctx context.Context, id string) (StoredRecord, error) {
	row := c.store.db.QueryRowContext(ctx, `
		SELECT id, seq, payload, digest, last_updated
		FROM records
		WHERE collection = ? AND id = ?
	`, c.name, id)

	rec, err := c.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredRecord{}, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return rec, err
}

// Update merges fields into an existing record and refreshes last_updated.
// The id field in fields is ignored. Returns ErrNotFound, leaving the store
// unchanged, if the id is absent.
func (c *Collection) Update(ctx context.Context, id string, fields record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %q: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT payload FROM records WHERE collection = ? AND id = ?
	`, c.name, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update %q: select: %w", id, err)
	}

	existing, err := c.store.sealer.openRecord(c.name, id, payload)
	if err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}

	merged := existing.Merge(fields)
	sealed, digest, err := c.store.sealer.sealRecord(c.name, id, merged)
	if err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET payload = ?, digest = ?, last_updated = ?
		WHERE collection = ? AND id = ?
	`, sealed, digest, c.store.timestamp(), c.name, id); err != nil {
		return fmt.Errorf("update %q: write: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update %q: commit: %w", id, err)
	}
	return nil
}

// Remove deletes a record. Removing an absent id is not an error.
func (c *Collection) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.db.ExecContext(ctx, `
		DELETE FROM records WHERE collection = ? AND id = ?
	`, c.name, id); err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}
	return nil
}

// Clear deletes every record in the collection. Sync history is kept.
func (c *Collection) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, c.name); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Count returns the number of records in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE collection = ?
	`, c.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (c *Collection) scanRecord(s scanner) (StoredRecord, error) {
	var (
		rec         StoredRecord
		payload     []byte
		lastUpdated string
	)
	if err := s.Scan(&rec.ID, &rec.Sequence, &payload, &rec.Digest, &lastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredRecord{}, err
		}
		return StoredRecord{}, fmt.Errorf("scan record: %w", err)
	}

	ts, err := parseTime(lastUpdated)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("scan record %q: last_updated: %w", rec.ID, err)
	}
	rec.LastUpdated = ts

	rec.Record, err = c.store.sealer.openRecord(c.name, rec.ID, payload)
	if err != nil {
		return StoredRecord{}, err
	}
	return rec, nil
}
