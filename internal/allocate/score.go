package allocate

import (
	"sort"

	"github.com/loomctl/loom/internal/domain"
)

// Score is the component breakdown of one worker's fit for a subtask.
type Score struct {
	Tool     float64
	Resource float64
	Privacy  float64
	Total    float64
}

// weights are the normalised scoring weights.
type weights struct {
	tool     float64
	resource float64
	privacy  float64
}

// scoreWorker computes the fit of one worker for a subtask of a task.
//
// Tool: 1.0 on a match or when the subtask recommends nothing, 0.5 on a
// mismatch, 0.0 for a worker advertising no tools. Resource: weighted
// headroom per component, unknown components count 0.5. Privacy: normal
// tasks score any tooled worker 1.0; sensitive tasks prefer local-only
// (1.0) over mixed (0.8) over cloud-only (0.5) fleets.
func scoreWorker(w weights, tools *domain.ToolSet, privacy domain.PrivacyLevel, recommendedTool string, worker *domain.Worker) Score {
	s := Score{
		Tool:     toolScore(recommendedTool, worker.Tools),
		Resource: resourceScore(worker.Resources),
		Privacy:  privacyScore(tools, privacy, worker.Tools),
	}
	s.Total = w.tool*s.Tool + w.resource*s.Resource + w.privacy*s.Privacy
	return s
}

func toolScore(recommended string, workerTools []string) float64 {
	if len(workerTools) == 0 {
		return 0
	}
	if recommended == "" {
		return 1
	}
	for _, t := range workerTools {
		if t == recommended {
			return 1
		}
	}
	return 0.5
}

func resourceScore(r domain.ResourceUsage) float64 {
	return 0.4*headroom(r.CPUPercent) + 0.4*headroom(r.MemoryPercent) + 0.2*headroom(r.DiskPercent)
}

// headroom maps a usage percentage to [0,1] free capacity; unknown
// components score neutrally.
func headroom(pct *float64) float64 {
	if pct == nil {
		return 0.5
	}
	h := 1 - *pct/100
	if h < 0 {
		return 0
	}
	if h > 1 {
		return 1
	}
	return h
}

func privacyScore(tools *domain.ToolSet, privacy domain.PrivacyLevel, workerTools []string) float64 {
	if len(workerTools) == 0 {
		return 0
	}
	if privacy != domain.PrivacySensitive {
		return 1
	}
	switch {
	case tools.OnlyLocal(workerTools):
		return 1
	case tools.HasLocal(workerTools):
		return 0.8
	default:
		return 0.5
	}
}

// candidate pairs a worker with its score for ranking.
type candidate struct {
	worker *domain.Worker
	score  Score
}

// rank orders candidates best first: highest total, then lowest mean
// known resource usage, then worker id ascending. The ordering is total,
// so equal inputs always rank the same way.
func rank(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score.Total != candidates[j].score.Total {
			return candidates[i].score.Total > candidates[j].score.Total
		}
		mi, mj := candidates[i].worker.Resources.Mean(), candidates[j].worker.Resources.Mean()
		if mi != mj {
			return mi < mj
		}
		return candidates[i].worker.ID < candidates[j].worker.ID
	})
}
