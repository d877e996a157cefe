package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/vaultsync/internal/record"
)

// SequentialIDs returns a generator yielding prefix-0001, prefix-0002, ...
//
// This enables deterministic run ids in tests and golden snapshots.
// Thread-safety: the returned func is safe for concurrent use.
func SequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%04d", prefix, n)
	}
}

// Records builds n records with ids "<prefix>-<i>" and a position field.
func Records(prefix string, n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{
			"id":       fmt.Sprintf("%s-%d", prefix, i),
			"position": i,
		}
	}
	return out
}
