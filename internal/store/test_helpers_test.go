package store

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/record"
	"github.com/roach88/vaultsync/internal/testutil"
)

var testKey = bytes.Repeat([]byte{0x42}, KeySize)

// createTestStore creates a new store in a temp dir with a stepping clock.
func createTestStore(t *testing.T) (*Store, *testutil.StepClock) {
	t.Helper()
	clock := testutil.NewStepClock(time.Second)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testKey, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createTestCollection returns the "users" collection of a fresh store.
func createTestCollection(t *testing.T) (*Collection, *testutil.StepClock) {
	t.Helper()
	s, clock := createTestStore(t)
	c, err := s.Collection("users")
	require.NoError(t, err)
	return c, clock
}

func storedIDs(records []StoredRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func testRecords(prefix string, n int) []record.Record {
	return testutil.Records(prefix, n)
}
