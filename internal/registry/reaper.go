package registry

import (
	"context"

	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
)

// ReapOffline flips every worker whose last heartbeat is older than the
// configured timeout to offline and clears its mirrors. Returns how many
// workers were reaped. One worker's failure never stops the sweep; the
// next pass picks up whatever this one missed.
func (r *Registry) ReapOffline(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)
	stale, err := r.store.Workers().ListHeartbeatBefore(ctx, cutoff,
		domain.WorkerOnline, domain.WorkerIdle, domain.WorkerBusy)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, worker := range stale {
		worker.Status = domain.WorkerOffline
		worker.UpdatedAt = r.now()
		if err := r.store.Workers().Update(ctx, worker); err != nil {
			r.log.Warn("failed to mark worker offline", "worker_id", worker.ID, "error", err)
			continue
		}
		r.clearMirrors(ctx, worker.ID)
		r.events.WorkerUpdate(ctx, events.WorkerUpdate{WorkerID: worker.ID, Status: domain.WorkerOffline})
		r.log.Info("worker reaped offline",
			"worker_id", worker.ID, "machine_id", worker.MachineID,
			"last_heartbeat", worker.LastHeartbeat)
		reaped++
	}
	return reaped, nil
}
