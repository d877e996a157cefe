// Package store provides the encrypted SQLite cache for synced records.
//
// The store holds named collections. Each collection is replaced wholesale by
// a sync and can be read back in the original fetch order.
//
// # Critical Patterns
//
// Atomic Replace
//   - ReplaceAll clears the collection and writes every record inside one
//     transaction; readers see the old set or the new set, never a mix
//
// Logical Order
//   - Retrieval order is the seq column (input position), NEVER last_updated
//   - All list queries: ORDER BY seq ASC, id ASC COLLATE BINARY
//
// Sealed At Rest
//   - payload = XChaCha20-Poly1305(zstd(canonical JSON))
//   - AAD binds each row to its collection and id, so rows cannot be swapped
//   - digest is a keyed BLAKE3 fingerprint; it reveals nothing without the key
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection: SQLite allows a single writer
//
// The schema is versioned with PRAGMA user_version. There are no migrations;
// a database from another schema version is refused.
package store
