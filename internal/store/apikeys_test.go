package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
)

func TestAPIKeyRepo_CreateGetByPrefix(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	worker := createTestWorker(t, s, "mach-keys-1")
	expires := time.Now().UTC().Add(24 * time.Hour)
	key := domain.NewWorkerAPIKey(worker.ID, "a1b2c3d4", "deadbeef", &expires)
	require.NoError(t, s.APIKeys().Create(ctx, key))

	got, err := s.APIKeys().GetByPrefix(ctx, "a1b2c3d4")
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)
	require.Equal(t, worker.ID, got.WorkerID)
	require.Equal(t, "deadbeef", got.Hash)
	require.Nil(t, got.RevokedAt)
	require.NotNil(t, got.ExpiresAt)
	require.Equal(t, expires.UnixMilli(), got.ExpiresAt.UnixMilli())

	_, err = s.APIKeys().GetByPrefix(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAPIKeyRepo_PrefixUnique(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	worker := createTestWorker(t, s, "mach-keys-2")
	require.NoError(t, s.APIKeys().Create(ctx, domain.NewWorkerAPIKey(worker.ID, "same", "h1", nil)))
	err := s.APIKeys().Create(ctx, domain.NewWorkerAPIKey(worker.ID, "same", "h2", nil))
	require.Error(t, err, "prefix is the lookup key and must be unique")
}

func TestAPIKeyRepo_Revoke(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	worker := createTestWorker(t, s, "mach-keys-3")
	key := domain.NewWorkerAPIKey(worker.ID, "revoked1", "h", nil)
	require.NoError(t, s.APIKeys().Create(ctx, key))

	at := time.Now().UTC()
	require.NoError(t, s.APIKeys().Revoke(ctx, key.ID, at))

	got, err := s.APIKeys().Get(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	require.Equal(t, at.UnixMilli(), got.RevokedAt.UnixMilli())

	// Revoking twice is an error: the row is already revoked.
	err = s.APIKeys().Revoke(ctx, key.ID, at.Add(time.Second))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAPIKeyRepo_ListByWorker(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	worker := createTestWorker(t, s, "mach-keys-4")
	other := createTestWorker(t, s, "mach-keys-5")

	first := domain.NewWorkerAPIKey(worker.ID, "k1", "h1", nil)
	second := domain.NewWorkerAPIKey(worker.ID, "k2", "h2", nil)
	foreign := domain.NewWorkerAPIKey(other.ID, "k3", "h3", nil)
	require.NoError(t, s.APIKeys().Create(ctx, first))
	require.NoError(t, s.APIKeys().Create(ctx, second))
	require.NoError(t, s.APIKeys().Create(ctx, foreign))

	got, err := s.APIKeys().ListByWorker(ctx, worker.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	require.Equal(t, second.ID, got[0].ID)
	require.Equal(t, first.ID, got[1].ID)
}
