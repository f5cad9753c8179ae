// ABOUTME: StateStore interface and data types for per-agent persisted state.
// ABOUTME: Writes use ETag optimistic concurrency; conflicts are typed errors.

package store

import (
	"context"
	"errors"

	"github.com/2389/loom-runtime/internal/wire"
)

// ErrETagMismatch is returned when a write carries a non-empty ETag that does
// not match the stored one. The caller must re-read and retry; there is no
// automatic merge.
var ErrETagMismatch = errors.New("etag mismatch: state was modified concurrently")

// State is one agent's persisted state blob plus its version token.
type State struct {
	Data []byte
	ETag string
}

// StateStore reads and writes opaque per-agent state with optimistic
// concurrency control.
//
// Write semantics: a write succeeds unconditionally when the stored ETag is
// empty (first write) or the caller passes an empty ETag (opting out of
// concurrency checking). Otherwise the passed ETag must exactly match the
// stored one, or the write fails with ErrETagMismatch and leaves the stored
// state untouched. Every successful write establishes a fresh ETag.
type StateStore interface {
	// Read returns the state for agentID. Missing state reads as an empty
	// State with an empty ETag, not an error.
	Read(ctx context.Context, agentID wire.AgentID) (State, error)

	// Write stores data for agentID under the ETag rules above and returns
	// the new ETag.
	Write(ctx context.Context, agentID wire.AgentID, data []byte, etag string) (string, error)

	// Close releases underlying resources.
	Close() error
}
