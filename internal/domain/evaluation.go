package domain

import (
	"time"

	"github.com/google/uuid"
)

// Evaluation is a quality report produced by the external evaluator for
// one subtask's output. The most recent row per subtask is the
// authoritative score.
type Evaluation struct {
	ID        string
	SubtaskID SubtaskID

	CodeQuality  float64
	Completeness float64
	Security     float64
	// Architecture and Testability are optional dimensions some
	// evaluators do not report.
	Architecture *float64
	Testability  *float64

	// OverallScore is the evaluator's aggregate in [0,10]; scores below
	// the configured threshold trigger a checkpoint.
	OverallScore float64

	Details     map[string]any
	EvaluatedAt time.Time
}

// NewEvaluation creates an evaluation row stamped now.
func NewEvaluation(subtaskID SubtaskID, overall float64) *Evaluation {
	return &Evaluation{
		ID:           uuid.New().String(),
		SubtaskID:    subtaskID,
		OverallScore: overall,
		EvaluatedAt:  time.Now().UTC(),
	}
}
