// Package store provides the SQLite-backed recording archive.
//
// The archive is static storage for recorded-file documents, keyed by
// scenario name. It is an input to the recording loader, not a place where
// run state is kept: playback never writes to it.
//
// # Layout
//
//   - recordings: one row per scenario holding the raw JSON document,
//     a SHA-256 digest of its NFC-normalized bytes, and listing metadata.
//   - seq: monotonically increasing import counter, so re-imports are visible
//     in listings without relying on wall-clock time.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during imports
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// Listings are ordered by scenario COLLATE BINARY so output is stable.
package store
