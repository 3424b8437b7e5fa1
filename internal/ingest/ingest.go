// Package ingest accepts worker results and fans them out. The upload
// is the only write path for terminal subtask state: it validates the
// row is still claimable, persists the outcome and the correction
// bookkeeping in one transaction, releases the worker, then hands the
// completion to the checkpoint engine, the review chain and the
// scheduler in that order. Checkpoint evaluation runs first so a fresh
// pause always beats new allocation.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomctl/loom/internal/allocate"
	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/review"
	"github.com/loomctl/loom/internal/schedule"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/tracing"
)

var tracer = otel.Tracer("loom/ingest")

// SubtaskResult is a worker's terminal report for one subtask.
type SubtaskResult struct {
	SubtaskID domain.SubtaskID
	// Status is the outcome the worker claims: completed or failed.
	Status domain.SubtaskStatus
	// Result is stored verbatim as the subtask's output.
	Result map[string]any
	// ExecutionTime is the worker-side wall clock in seconds.
	ExecutionTime float64
	Error         string
}

// Pipeline ingests results uploaded by workers.
type Pipeline struct {
	store  store.Store
	coord  coordinator.Coordinator
	alloc  *allocate.Allocator
	sched  *schedule.Scheduler
	engine *checkpoint.Engine
	review *review.Coordinator
	events *events.Publisher

	log *slog.Logger
}

// New creates a Pipeline over the store and the downstream components.
func New(st store.Store, coord coordinator.Coordinator, alloc *allocate.Allocator, sched *schedule.Scheduler, engine *checkpoint.Engine, rev *review.Coordinator, pub *events.Publisher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:  st,
		coord:  coord,
		alloc:  alloc,
		sched:  sched,
		engine: engine,
		review: rev,
		events: pub,
		log:    log.ForComponent(logger, "ingest"),
	}
}

// Submit records a worker result. Uploads are at-least-once: only a
// subtask still in in_progress or queued accepts one, so a retry after
// a successful upload gets a bad-state error and nothing changes. A
// queued subtask of a paused task keeps its state until the decision
// lands, because a pending checkpoint freezes the unstarted frontier;
// in-flight work may still finish. Failures past the commit are logged
// and absorbed, the periodic cycle and the reconciler re-drive them.
func (p *Pipeline) Submit(ctx context.Context, res SubtaskResult) (sub *domain.Subtask, err error) {
	if res.Status != domain.SubtaskCompleted && res.Status != domain.SubtaskFailed {
		return nil, &domain.ValidationError{Field: "status",
			Msg: fmt.Sprintf("result status must be completed or failed, got %q", res.Status)}
	}

	ctx, span := tracer.Start(ctx, tracing.SpanIngestResult)
	span.SetAttributes(
		attribute.String(tracing.AttrSubtaskID, res.SubtaskID.String()),
		attribute.String(tracing.AttrResultStatus, string(res.Status)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var (
		subtask *domain.Subtask
		task    *domain.Task
		worker  domain.WorkerID
	)
	err = p.store.InTx(ctx, func(tx store.Store) error {
		var err error
		subtask, err = tx.Subtasks().Get(ctx, res.SubtaskID)
		if err != nil {
			return err
		}
		if subtask.Status != domain.SubtaskInProgress && subtask.Status != domain.SubtaskQueued {
			return &domain.BadStateError{Entity: "subtask", ID: subtask.ID.String(),
				Msg: fmt.Sprintf("cannot accept a result while %s", subtask.Status)}
		}
		task, err = tx.Tasks().Get(ctx, subtask.TaskID)
		if err != nil {
			return err
		}
		if task.Status == domain.TaskCheckpoint && subtask.Status == domain.SubtaskQueued {
			return &domain.BadStateError{Entity: "task", ID: task.ID.String(),
				Msg: "task is paused for review, re-upload after the decision"}
		}
		worker = subtask.AssignedWorker

		output := make(map[string]any, len(res.Result)+1)
		maps.Copy(output, res.Result)
		if res.ExecutionTime > 0 {
			output["execution_time"] = res.ExecutionTime
		}
		subtask.Output = output
		subtask.Error = res.Error
		if err := subtask.TransitionTo(res.Status); err != nil {
			return err
		}
		if subtask.Status == domain.SubtaskFailed {
			subtask.Progress = 0
		}
		if err := tx.Subtasks().Update(ctx, subtask); err != nil {
			return err
		}
		return p.settleCorrections(ctx, tx, subtask)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String(tracing.AttrTaskID, task.ID.String()),
		attribute.String(tracing.AttrWorkerID, worker.String()),
	)

	p.mirrorSubtask(ctx, subtask)
	if err := p.coord.SetRemove(ctx, coordinator.InProgressSet, subtask.ID.String()); err != nil {
		p.log.Warn("failed to leave in-progress set", "subtask_id", subtask.ID, "error", err)
	}
	if worker != "" {
		if err := p.alloc.ReleaseWorker(ctx, worker); err != nil {
			p.log.Warn("failed to release worker", "worker_id", worker, "error", err)
		}
	}
	p.events.SubtaskComplete(ctx, events.SubtaskComplete{
		SubtaskID: subtask.ID,
		TaskID:    task.ID,
		Status:    subtask.Status,
		WorkerID:  worker,
	})
	p.log.Info("result ingested",
		"subtask_id", subtask.ID,
		"task_id", task.ID,
		"status", subtask.Status,
		"worker_id", worker)

	p.fanOut(ctx, task, subtask)
	return subtask, nil
}

// settleCorrections closes the pending corrections a re-run answered.
// A successful re-run stops them counting toward the cycle limit; a
// failed one keeps them open so the ceiling can still trip.
func (p *Pipeline) settleCorrections(ctx context.Context, tx store.Store, subtask *domain.Subtask) error {
	corrections, err := tx.Corrections().ListBySubtask(ctx, subtask.ID)
	if err != nil {
		return err
	}
	outcome := domain.CorrectionSuccess
	if subtask.Status == domain.SubtaskFailed {
		outcome = domain.CorrectionFailed
	}
	for _, corr := range corrections {
		if corr.Result != domain.CorrectionPending {
			continue
		}
		corr.Result = outcome
		corr.RetryCount++
		if err := tx.Corrections().Update(ctx, corr); err != nil {
			return fmt.Errorf("failed to settle correction %s: %w", corr.ID, err)
		}
	}
	return nil
}

// fanOut runs the post-commit reactions in their required order:
// checkpoint evaluation, then the review chain, then scheduling. The
// review spawn precedes the scheduler's terminal check so a chain
// started by the last completion keeps the task open. A task paused by
// the evaluation still reaches the later stages, which are pause-aware
// and restrict themselves to bookkeeping.
func (p *Pipeline) fanOut(ctx context.Context, task *domain.Task, subtask *domain.Subtask) {
	score := p.latestScore(ctx, subtask.ID)
	errored := subtask.Status == domain.SubtaskFailed || subtask.Error != ""
	if _, err := p.engine.CheckAndTrigger(ctx, task, subtask, score, errored); err != nil {
		p.log.Error("checkpoint evaluation failed", "subtask_id", subtask.ID, "error", err)
	}

	if task.Status.IsTerminal() {
		// A straggler on a cancelled task is recorded and goes no further.
		return
	}
	if _, err := p.review.OnSubtaskComplete(ctx, task, subtask); err != nil {
		p.log.Error("review chain failed to advance", "subtask_id", subtask.ID, "error", err)
	}
	if err := p.sched.OnSubtaskComplete(ctx, subtask.ID); err != nil {
		p.log.Error("post-completion scheduling failed", "subtask_id", subtask.ID, "error", err)
	}
}

// latestScore loads the authoritative evaluation for the subtask, nil
// when none was recorded.
func (p *Pipeline) latestScore(ctx context.Context, subtaskID domain.SubtaskID) *float64 {
	eval, err := p.store.Evaluations().LatestBySubtask(ctx, subtaskID)
	switch {
	case err == nil:
		return &eval.OverallScore
	case domain.IsNotFound(err):
		return nil
	default:
		p.log.Warn("failed to load latest evaluation", "subtask_id", subtaskID, "error", err)
		return nil
	}
}

func (p *Pipeline) mirrorSubtask(ctx context.Context, subtask *domain.Subtask) {
	if err := p.coord.Set(ctx, coordinator.SubtaskStatusKey(subtask.ID), subtask.Status.String()); err != nil {
		p.log.Warn("failed to mirror subtask status", "subtask_id", subtask.ID, "error", err)
	}
}
