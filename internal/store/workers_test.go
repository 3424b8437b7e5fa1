package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
)

func TestWorkerRepo_CreateGet_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	cpu, mem, disk := 42.5, 71.0, 12.25
	now := time.Now().UTC()
	w := &domain.Worker{
		ID:          domain.NewWorkerID(),
		MachineID:   "mach-01",
		MachineName: "builder-1",
		Status:      domain.WorkerOnline,
		Tools:       []string{"claude_code", "ollama"},
		Resources: domain.ResourceUsage{
			CPUPercent:    &cpu,
			MemoryPercent: &mem,
			DiskPercent:   &disk,
		},
		LastHeartbeat: now,
		SystemInfo:    map[string]any{"os": "linux", "cores": float64(16)},
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.Workers().Create(ctx, w))

	got, err := s.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, "mach-01", got.MachineID)
	require.Equal(t, "builder-1", got.MachineName)
	require.Equal(t, domain.WorkerOnline, got.Status)
	require.Equal(t, []string{"claude_code", "ollama"}, got.Tools)
	require.NotNil(t, got.Resources.CPUPercent)
	require.InDelta(t, 42.5, *got.Resources.CPUPercent, 0.001)
	require.InDelta(t, 71.0, *got.Resources.MemoryPercent, 0.001)
	require.InDelta(t, 12.25, *got.Resources.DiskPercent, 0.001)
	require.Equal(t, "linux", got.SystemInfo["os"])
	require.Equal(t, now.UnixMilli(), got.LastHeartbeat.UnixMilli())
}

func TestWorkerRepo_UnknownResourcesStayNil(t *testing.T) {
	s := setupStore(t)

	w := createTestWorker(t, s, "mach-02")
	got, err := s.Workers().Get(context.Background(), w.ID)
	require.NoError(t, err)
	require.Nil(t, got.Resources.CPUPercent)
	require.Nil(t, got.Resources.MemoryPercent)
	require.Nil(t, got.Resources.DiskPercent)
}

func TestWorkerRepo_GetByMachineID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	w := createTestWorker(t, s, "mach-03")

	got, err := s.Workers().GetByMachineID(ctx, "mach-03")
	require.NoError(t, err)
	require.Equal(t, w.ID, got.ID)

	_, err = s.Workers().GetByMachineID(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkerRepo_MachineIDUnique(t *testing.T) {
	s := setupStore(t)

	createTestWorker(t, s, "mach-04")
	dup := &domain.Worker{
		ID:            domain.NewWorkerID(),
		MachineID:     "mach-04",
		MachineName:   "imposter",
		Status:        domain.WorkerOnline,
		LastHeartbeat: time.Now().UTC(),
		RegisteredAt:  time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.Error(t, s.Workers().Create(context.Background(), dup),
		"machine_id carries a unique constraint")
}

func TestWorkerRepo_Update(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	w := createTestWorker(t, s, "mach-05")
	w.Status = domain.WorkerBusy
	cpu := 99.0
	w.Resources.CPUPercent = &cpu
	w.LastHeartbeat = time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.Workers().Update(ctx, w))

	got, err := s.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerBusy, got.Status)
	require.InDelta(t, 99.0, *got.Resources.CPUPercent, 0.001)
}

func TestWorkerRepo_ListByStatuses(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	online := createTestWorker(t, s, "mach-06")
	offline := createTestWorker(t, s, "mach-07")
	offline.Status = domain.WorkerOffline
	require.NoError(t, s.Workers().Update(ctx, offline))

	got, err := s.Workers().ListByStatuses(ctx, domain.WorkerOnline, domain.WorkerIdle)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, online.ID, got[0].ID)
}

func TestWorkerRepo_ListHeartbeatBefore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	stale := createTestWorker(t, s, "mach-08")
	stale.LastHeartbeat = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.Workers().Update(ctx, stale))

	fresh := createTestWorker(t, s, "mach-09")
	fresh.LastHeartbeat = time.Now().UTC()
	require.NoError(t, s.Workers().Update(ctx, fresh))

	alreadyOffline := createTestWorker(t, s, "mach-10")
	alreadyOffline.Status = domain.WorkerOffline
	alreadyOffline.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Workers().Update(ctx, alreadyOffline))

	cutoff := time.Now().UTC().Add(-5 * time.Minute)
	got, err := s.Workers().ListHeartbeatBefore(ctx, cutoff, domain.WorkerOnline, domain.WorkerIdle, domain.WorkerBusy)
	require.NoError(t, err)
	require.Len(t, got, 1, "only stale non-offline workers are reaped")
	require.Equal(t, stale.ID, got[0].ID)
}
