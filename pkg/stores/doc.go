// Package stores persists devstate state and run history.
//
// Persisted state is one JSON document holding the manifest hash and the last
// observation of every plan item. It lives in a local file (FileBackend,
// written atomically) or in an S3 object (S3Backend). Both implement
// engine.StateBackend.
//
// Run history is an append-only SQLite database (SQLiteHistory) with
// migrations embedded in the binary. It keeps one row per run and one per
// observation, and prunes old runs beyond the configured retention.
package stores
