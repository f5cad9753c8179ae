// ABOUTME: Conformance tests for StateStore ETag semantics, run against both
// ABOUTME: the SQLite and in-memory implementations.

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-runtime/internal/wire"
)

func stores(t *testing.T) map[string]StateStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mem := NewMemoryStore()
	return map[string]StateStore{"sqlite": sqlite, "memory": mem}
}

func TestStateStoreConformance(t *testing.T) {
	agent := wire.AgentID{Type: "writer", Key: "conv-1"}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing state reads empty", func(t *testing.T) {
				st, err := s.Read(ctx, wire.AgentID{Type: "writer", Key: "nobody"})
				require.NoError(t, err)
				assert.Empty(t, st.Data)
				assert.Empty(t, st.ETag)
			})

			t.Run("first write establishes etag", func(t *testing.T) {
				etag, err := s.Write(ctx, agent, []byte(`{"n":1}`), "")
				require.NoError(t, err)
				require.NotEmpty(t, etag)

				st, err := s.Read(ctx, agent)
				require.NoError(t, err)
				assert.Equal(t, []byte(`{"n":1}`), st.Data)
				assert.Equal(t, etag, st.ETag)
			})

			t.Run("matching etag succeeds and rotates", func(t *testing.T) {
				st, err := s.Read(ctx, agent)
				require.NoError(t, err)

				etag, err := s.Write(ctx, agent, []byte(`{"n":2}`), st.ETag)
				require.NoError(t, err)
				assert.NotEqual(t, st.ETag, etag, "every successful write must mint a fresh etag")
			})

			t.Run("stale etag is rejected and state untouched", func(t *testing.T) {
				before, err := s.Read(ctx, agent)
				require.NoError(t, err)

				_, err = s.Write(ctx, agent, []byte(`{"n":99}`), "stale-etag")
				require.ErrorIs(t, err, ErrETagMismatch)

				after, err := s.Read(ctx, agent)
				require.NoError(t, err)
				assert.Equal(t, before.Data, after.Data, "failed write must not modify state")
				assert.Equal(t, before.ETag, after.ETag)
			})

			t.Run("empty etag overwrites unconditionally", func(t *testing.T) {
				etag, err := s.Write(ctx, agent, []byte(`{"n":3}`), "")
				require.NoError(t, err)
				require.NotEmpty(t, etag)

				st, err := s.Read(ctx, agent)
				require.NoError(t, err)
				assert.Equal(t, []byte(`{"n":3}`), st.Data)
			})

			t.Run("concurrent guarded writes admit exactly one", func(t *testing.T) {
				id := wire.AgentID{Type: "writer", Key: "contended"}
				base, err := s.Write(ctx, id, []byte("base"), "")
				require.NoError(t, err)

				const writers = 10
				var wg sync.WaitGroup
				errs := make([]error, writers)
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, errs[i] = s.Write(ctx, id, []byte("update"), base)
					}(i)
				}
				wg.Wait()

				wins := 0
				for _, err := range errs {
					if err == nil {
						wins++
					} else {
						require.ErrorIs(t, err, ErrETagMismatch)
					}
				}
				assert.Equal(t, 1, wins, "exactly one writer holding the old etag may win")
			})
		})
	}
}

func TestSQLiteStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	agent := wire.AgentID{Type: "writer", Key: "conv-1"}
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	etag, err := s.Write(ctx, agent, []byte("survives"), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	st, err := reopened.Read(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), st.Data)
	assert.Equal(t, etag, st.ETag)
}

func TestSQLiteStoreKeyIsolation(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// Same key under different types, same type under different keys.
	a := wire.AgentID{Type: "writer", Key: "k"}
	b := wire.AgentID{Type: "critic", Key: "k"}
	c := wire.AgentID{Type: "writer", Key: "other"}

	_, err = s.Write(ctx, a, []byte("a"), "")
	require.NoError(t, err)
	_, err = s.Write(ctx, b, []byte("b"), "")
	require.NoError(t, err)

	st, err := s.Read(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), st.Data)
	st, err = s.Read(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), st.Data)
	st, err = s.Read(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, st.Data)
}
