// ABOUTME: In-memory StateStore for tests and ephemeral deployments.
// ABOUTME: Same ETag semantics as the SQLite store, pinned by shared tests.

package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/loom-runtime/internal/wire"
)

// MemoryStore implements StateStore over a mutex-guarded map.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[wire.AgentID]State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[wire.AgentID]State)}
}

// Read returns the state for agentID; missing state reads as empty.
func (s *MemoryStore) Read(_ context.Context, agentID wire.AgentID) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[agentID]
	if !ok {
		return State{}, nil
	}
	// Copy so callers cannot mutate stored bytes.
	out := State{Data: append([]byte(nil), st.Data...), ETag: st.ETag}
	return out, nil
}

// Write stores data under the StateStore ETag rules and returns the new ETag.
func (s *MemoryStore) Write(_ context.Context, agentID wire.AgentID, data []byte, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.states[agentID].ETag
	if stored != "" && etag != "" && etag != stored {
		return "", ErrETagMismatch
	}

	newETag := uuid.New().String()
	s.states[agentID] = State{Data: append([]byte(nil), data...), ETag: newETag}
	return newETag, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
