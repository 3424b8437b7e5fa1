package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
)

// Reconciler rebuilds the coordinator mirrors from the store: the
// pending queue, the in-progress set, status mirrors and worker slots
// all follow the durable rows, stale keys are swept. It never writes
// the store side.
type Reconciler struct {
	store store.Store
	coord coordinator.Coordinator

	heartbeatTimeout time.Duration
	statusTTL        time.Duration

	now func() time.Time
	log *slog.Logger
}

// NewReconciler wires the rebuild pass.
func NewReconciler(st store.Store, coord coordinator.Coordinator, cfg config.WorkerConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:            st,
		coord:            coord,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		statusTTL:        cfg.StatusTTL(),
		now:              time.Now,
		log:              log.ForComponent(logger, "reconcile"),
	}
}

// Reconcile runs one rebuild pass. It takes no locks: every queue entry
// and mirror is re-validated against the store at use time, so a racing
// allocator only ever sees staleness it already tolerates.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	started := r.now()

	queued, err := r.rebuildQueue(ctx)
	if err != nil {
		return err
	}

	live, err := r.store.Subtasks().ListByStatuses(ctx, domain.SubtaskQueued, domain.SubtaskInProgress)
	if err != nil {
		return fmt.Errorf("failed to list live subtasks: %w", err)
	}

	held, err := r.rebuildInProgress(ctx, live)
	if err != nil {
		return err
	}
	staleSubtasks, err := r.mirrorSubtasks(ctx, live)
	if err != nil {
		return err
	}
	staleTasks, err := r.mirrorTasks(ctx)
	if err != nil {
		return err
	}
	staleSlots, err := r.rebuildSlots(ctx, live)
	if err != nil {
		return err
	}
	primed, pruned, err := r.refreshWorkers(ctx)
	if err != nil {
		return err
	}

	r.log.Info("mirrors reconciled",
		"queued", queued,
		"in_flight", held,
		"stale_keys", staleSubtasks+staleTasks+staleSlots,
		"workers_primed", primed,
		"connections_pruned", pruned,
		"elapsed", r.now().Sub(started))
	return nil
}

// rebuildQueue replaces the pending queue with the queued, unassigned
// subtasks in allocation order.
func (r *Reconciler) rebuildQueue(ctx context.Context) (int, error) {
	parked, err := r.store.Subtasks().ListQueuedUnassigned(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list parked subtasks: %w", err)
	}
	if err := r.coord.Del(ctx, coordinator.PendingQueue); err != nil {
		return 0, fmt.Errorf("failed to reset pending queue: %w", err)
	}
	if len(parked) == 0 {
		return 0, nil
	}
	ids := make([]string, len(parked))
	for i, sub := range parked {
		ids[i] = sub.ID.String()
	}
	if err := r.coord.PushRight(ctx, coordinator.PendingQueue, ids...); err != nil {
		return 0, fmt.Errorf("failed to rebuild pending queue: %w", err)
	}
	return len(ids), nil
}

// rebuildInProgress replaces the in-progress set with every subtask a
// worker currently holds, whether queued on its channel or executing.
func (r *Reconciler) rebuildInProgress(ctx context.Context, live []*domain.Subtask) (int, error) {
	var held []string
	for _, sub := range live {
		if sub.AssignedWorker != "" {
			held = append(held, sub.ID.String())
		}
	}
	if err := r.coord.Del(ctx, coordinator.InProgressSet); err != nil {
		return 0, fmt.Errorf("failed to reset in-progress set: %w", err)
	}
	if len(held) == 0 {
		return 0, nil
	}
	if err := r.coord.SetAdd(ctx, coordinator.InProgressSet, held...); err != nil {
		return 0, fmt.Errorf("failed to rebuild in-progress set: %w", err)
	}
	return len(held), nil
}

// mirrorSubtasks rewrites the status mirrors of the live subtasks and
// sweeps mirrors whose rows have since reached a terminal status.
func (r *Reconciler) mirrorSubtasks(ctx context.Context, live []*domain.Subtask) (int, error) {
	want := make(map[string]string, len(live))
	for _, sub := range live {
		want[coordinator.SubtaskStatusKey(sub.ID)] = sub.Status.String()
	}
	for key, status := range want {
		if err := r.coord.Set(ctx, key, status); err != nil {
			return 0, fmt.Errorf("failed to mirror subtask status: %w", err)
		}
	}

	keys, err := r.coord.Keys(ctx, coordinator.SubtaskStatusPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to scan subtask mirrors: %w", err)
	}
	stale := 0
	for _, key := range keys {
		if _, ok := want[key]; ok {
			continue
		}
		if err := r.coord.Del(ctx, key); err != nil {
			return 0, fmt.Errorf("failed to drop stale mirror %s: %w", key, err)
		}
		stale++
	}
	return stale, nil
}

// mirrorTasks rewrites the status and progress mirrors of active tasks
// and sweeps the mirrors of tasks that have since finished.
func (r *Reconciler) mirrorTasks(ctx context.Context) (int, error) {
	active, err := r.store.Tasks().ListByStatuses(ctx,
		domain.TaskPending, domain.TaskInitializing, domain.TaskInProgress, domain.TaskCheckpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to list active tasks: %w", err)
	}
	want := make(map[string]bool, len(active))
	for _, task := range active {
		want[coordinator.TaskStatusKey(task.ID)] = true
		if err := r.coord.Set(ctx, coordinator.TaskStatusKey(task.ID), task.Status.String()); err != nil {
			return 0, fmt.Errorf("failed to mirror task status: %w", err)
		}
		if err := r.coord.Set(ctx, coordinator.TaskProgressKey(task.ID), strconv.Itoa(task.Progress)); err != nil {
			return 0, fmt.Errorf("failed to mirror task progress: %w", err)
		}
	}

	keys, err := r.coord.Keys(ctx, coordinator.TaskStatusPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to scan task mirrors: %w", err)
	}
	stale := 0
	for _, key := range keys {
		if want[key] {
			continue
		}
		// The progress mirror shares the id segment with the status key;
		// both go together.
		progress := strings.TrimSuffix(key, ":status") + ":progress"
		if err := r.coord.Del(ctx, key, progress); err != nil {
			return 0, fmt.Errorf("failed to drop stale mirror %s: %w", key, err)
		}
		stale++
	}
	return stale, nil
}

// rebuildSlots rewrites worker:{id}:current_task from the held subtasks
// and sweeps slots no live assignment backs.
func (r *Reconciler) rebuildSlots(ctx context.Context, live []*domain.Subtask) (int, error) {
	want := make(map[string]string)
	for _, sub := range live {
		if sub.AssignedWorker != "" {
			want[coordinator.WorkerCurrentTaskKey(sub.AssignedWorker)] = sub.TaskID.String()
		}
	}
	for key, taskID := range want {
		if err := r.coord.Set(ctx, key, taskID); err != nil {
			return 0, fmt.Errorf("failed to mirror worker slot: %w", err)
		}
	}

	keys, err := r.coord.Keys(ctx, coordinator.WorkerCurrentTaskPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to scan worker slots: %w", err)
	}
	stale := 0
	for _, key := range keys {
		if _, ok := want[key]; ok {
			continue
		}
		if err := r.coord.Del(ctx, key); err != nil {
			return 0, fmt.Errorf("failed to drop stale slot %s: %w", key, err)
		}
		stale++
	}
	return stale, nil
}

// refreshWorkers primes status mirrors for workers the store believes
// are live and prunes connected-set members without a live row. Status
// keys carry the usual TTL, so a primed worker that never comes back
// expires the same way a silent one does. Worker status and info keys
// are the TTL families; they need no sweep.
func (r *Reconciler) refreshWorkers(ctx context.Context) (primed, pruned int, err error) {
	workers, err := r.store.Workers().ListByStatuses(ctx,
		domain.WorkerOnline, domain.WorkerIdle, domain.WorkerBusy)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list live workers: %w", err)
	}
	now := r.now()
	liveIDs := make(map[string]bool, len(workers))
	for _, w := range workers {
		liveIDs[w.ID.String()] = true
		if w.HeartbeatExpired(now, r.heartbeatTimeout) {
			// The reaper owns this transition; an expired worker gets no
			// fresh mirror.
			continue
		}
		if err := r.coord.SetEx(ctx, coordinator.WorkerStatusKey(w.ID), w.Status.String(), r.statusTTL); err != nil {
			return primed, pruned, fmt.Errorf("failed to mirror worker status: %w", err)
		}
		primed++
	}

	members, err := r.coord.SetMembers(ctx, coordinator.ConnectedSet)
	if err != nil {
		return primed, pruned, fmt.Errorf("failed to read connected set: %w", err)
	}
	for _, member := range members {
		if liveIDs[member] {
			continue
		}
		if err := r.coord.SetRemove(ctx, coordinator.ConnectedSet, member); err != nil {
			return primed, pruned, fmt.Errorf("failed to prune connected set: %w", err)
		}
		pruned++
	}
	return primed, pruned, nil
}
