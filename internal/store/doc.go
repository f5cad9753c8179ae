// Package store persists opaque per-agent state with ETag optimistic
// concurrency, backed by SQLite or an in-memory map.
package store
