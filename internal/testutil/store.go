// Package testutil opens throwaway stores and builds valid domain
// fixtures for store-backed tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/store"
)

// OpenStore opens a fully migrated in-memory store, closed with the test.
func OpenStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
