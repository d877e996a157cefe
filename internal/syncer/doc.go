// Package syncer runs one end-to-end sync of a remote record source into a
// local collection.
//
// A sync pulls pages through a paginate.Controller, routes envelope pages
// through envelope.Decode, and persists the concatenated batches with a
// single store.Collection.ReplaceAll. Every run, successful or not, is
// appended to the collection's sync history.
//
// Failure policy:
//   - a page fetch failure ends pagination early; whatever was gathered is
//     persisted and the run is recorded as ok
//   - a decode failure aborts the sync before anything is written; the
//     collection keeps its prior contents and the run is recorded as failed
//
// A Syncer holds no lock across Sync calls. Callers that share a collection
// between Syncers must serialize their syncs.
package syncer
