package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
)

// Publisher serialises typed events into envelopes and publishes them on
// the coordinator channels. Delivery is best-effort: publish failures are
// logged, never propagated, because no caller may fail its own commit over
// a notification. Lost task assignments are re-driven by the scheduler's
// requeue pass.
type Publisher struct {
	coord coordinator.Coordinator
	log   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewPublisher creates a Publisher over the given coordinator.
func NewPublisher(coord coordinator.Coordinator, logger *slog.Logger) *Publisher {
	return &Publisher{
		coord: coord,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// TaskUpdate publishes on events:task_update.
func (p *Publisher) TaskUpdate(ctx context.Context, ev TaskUpdate) {
	p.publish(ctx, coordinator.ChannelTaskUpdate, TypeTaskUpdate, ev)
}

// WorkerUpdate publishes on events:worker_update.
func (p *Publisher) WorkerUpdate(ctx context.Context, ev WorkerUpdate) {
	p.publish(ctx, coordinator.ChannelWorkerUpdate, TypeWorkerUpdate, ev)
}

// SubtaskComplete publishes on events:subtask_complete.
func (p *Publisher) SubtaskComplete(ctx context.Context, ev SubtaskComplete) {
	p.publish(ctx, coordinator.ChannelSubtaskComplete, TypeSubtaskComplete, ev)
}

// Checkpoint publishes on events:checkpoint.
func (p *Publisher) Checkpoint(ctx context.Context, ev Checkpoint) {
	p.publish(ctx, coordinator.ChannelCheckpoint, TypeCheckpoint, ev)
}

// CheckpointRollback publishes on events:checkpoint.
func (p *Publisher) CheckpointRollback(ctx context.Context, ev CheckpointRollback) {
	p.publish(ctx, coordinator.ChannelCheckpoint, TypeCheckpointRollback, ev)
}

// TaskAssignment publishes on the worker's private task channel.
func (p *Publisher) TaskAssignment(ctx context.Context, workerID domain.WorkerID, ev TaskAssignment) {
	p.publish(ctx, coordinator.WorkerTaskChannel(workerID), TypeTaskAssignment, ev)
}

func (p *Publisher) publish(ctx context.Context, channel, eventType string, data any) {
	payload, err := json.Marshal(Envelope[any]{
		Type:      eventType,
		Timestamp: p.now(),
		Data:      data,
	})
	if err != nil {
		p.log.Warn("failed to encode event", "type", eventType, "error", err)
		return
	}
	if err := p.coord.Publish(ctx, channel, payload); err != nil {
		p.log.Warn("failed to publish event", "type", eventType, "channel", channel, "error", err)
	}
}
