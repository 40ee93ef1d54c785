package milestone

import (
	"errors"
	"fmt"
	"math"

	"conveyflow/auth"
)

// ErrUnknownStage is returned under UnknownStageReject when a stored stage
// does not name any milestone.
var ErrUnknownStage = errors.New("milestone: unknown stage")

type Status string

const (
	StatusCompleted Status = "completed"
	StatusCurrent   Status = "current"
	StatusLocked    Status = "locked"
)

// UnknownStagePolicy decides how a stored stage outside the catalog is read.
type UnknownStagePolicy int

const (
	// UnknownStageNotStarted reads an unknown stage as nothing completed.
	UnknownStageNotStarted UnknownStagePolicy = iota
	// UnknownStageReject fails with ErrUnknownStage.
	UnknownStageReject
)

// Step is a definition annotated for one transaction.
type Step struct {
	Definition
	Status     Status
	CanAdvance bool
}

// CompletedCount returns how many milestones stage implies are complete.
func (c *Catalog) CompletedCount(stage *string, policy UnknownStagePolicy) (int, error) {
	if stage == nil || *stage == "" {
		return 0, nil
	}
	i, ok := c.index[*stage]
	if !ok {
		if policy == UnknownStageReject {
			return 0, fmt.Errorf("%w: %q", ErrUnknownStage, *stage)
		}
		return 0, nil
	}
	return i + 1, nil
}

// Derive annotates every milestone as completed, current or locked. The role
// only drives Step.CanAdvance, which is set on the current step alone.
func (c *Catalog) Derive(stage *string, policy UnknownStagePolicy, role auth.Role) ([]Step, error) {
	completed, err := c.CompletedCount(stage, policy)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, len(c.defs))
	for i, d := range c.defs {
		s := Step{Definition: d}
		switch {
		case i < completed:
			s.Status = StatusCompleted
		case i == completed:
			s.Status = StatusCurrent
			s.CanAdvance = CanAdvance(d, role)
		default:
			s.Status = StatusLocked
		}
		steps[i] = s
	}
	return steps, nil
}

// Progress returns round(completed / total * 100).
func Progress(completed, total int) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return int(math.Round(float64(completed) * 100 / float64(total)))
}
