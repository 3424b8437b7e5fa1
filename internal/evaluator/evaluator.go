// Package evaluator holds the external code-evaluation boundary: the
// capability contract the control plane depends on, an HTTP client for
// a remote evaluator service, and the service glue that stores reports
// and feeds the checkpoint engine.
package evaluator

import (
	"context"
	"errors"

	"github.com/loomctl/loom/internal/domain"
)

// ErrDisabled is returned when no evaluator service is configured.
var ErrDisabled = errors.New("evaluator is not configured")

// Request carries the material the evaluator scores.
type Request struct {
	SubtaskID   domain.SubtaskID   `json:"subtask_id"`
	TaskID      domain.TaskID      `json:"task_id"`
	SubtaskType domain.SubtaskType `json:"subtask_type"`
	Description string             `json:"description"`
	// Output is the worker result under evaluation.
	Output map[string]any `json:"output"`
	// Context is extra material the caller wants scored alongside the
	// output, correction guidance for instance.
	Context map[string]any `json:"context,omitempty"`
}

// Evaluator scores a subtask's output. Implementations must be safe for
// concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*domain.Evaluation, error)
}

// Disabled is the Evaluator used when no service URL is configured.
type Disabled struct{}

// Evaluate always reports the evaluator as unconfigured.
func (Disabled) Evaluate(context.Context, Request) (*domain.Evaluation, error) {
	return nil, ErrDisabled
}
