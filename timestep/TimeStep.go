// Package timestep implements timesteps of the agent-environment
// interaction and the transition records stored by replay buffers
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepType denotes the type of step that a TimeStep can be, either a first
// environmental step, a middle step, or a last step
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// TimeStep packages together a single timestep in an environment.
// Truncated is only meaningful on a Last step and indicates that the
// episode was cut off by a time limit rather than ending naturally.
type TimeStep struct {
	stepType    StepType
	Reward      float64
	Observation mat.Vector
	Truncated   bool
	Number      int
}

func New(t StepType, r float64, o mat.Vector, truncated bool, n int) TimeStep {
	return TimeStep{t, r, o, truncated, n}
}

// First returns whether a TimeStep is the first in an environment
func (t *TimeStep) First() bool {
	return t.stepType == First
}

// Mid returns whether a TimeStep is a middle step in an environment
func (t *TimeStep) Mid() bool {
	return t.stepType == Mid
}

// Last returns whether a TimeStep is the last step in an environment
func (t *TimeStep) Last() bool {
	return t.stepType == Last
}

// Terminated returns whether a TimeStep ended its episode naturally,
// as opposed to being truncated by a time limit
func (t *TimeStep) Terminated() bool {
	return t.stepType == Last && !t.Truncated
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Reward:  %.2f  |  Truncated: %v  |  " +
		"Step Number:  %v"

	return fmt.Sprintf(str, t.stepType, t.Reward, t.Truncated, t.Number)
}

// Transition packages together a single transition of the
// agent-environment interaction: the observation an action was taken
// in, the action, the resulting reward and episode-end flags, and the
// next observation. ObsNext may be nil when the consuming buffer
// reconstructs next observations instead of storing them.
//
// Extras holds named auxiliary per-transition vectors (log-likelihoods,
// value estimates, achieved/desired goals, ...). The set of extra
// fields a buffer stores is declared at buffer construction.
type Transition struct {
	Obs        mat.Vector
	Action     mat.Vector
	Reward     float64
	Terminated bool
	Truncated  bool
	ObsNext    mat.Vector
	Extras     map[string]mat.Vector
}

// Done returns whether the transition ends its episode, either by
// termination or by truncation
func (t Transition) Done() bool {
	return t.Terminated || t.Truncated
}

// FromSteps constructs a Transition from two consecutive timesteps and
// the action taken between them
func FromSteps(step TimeStep, action mat.Vector, next TimeStep) Transition {
	return Transition{
		Obs:        step.Observation,
		Action:     action,
		Reward:     next.Reward,
		Terminated: next.Terminated(),
		Truncated:  next.Truncated,
		ObsNext:    next.Observation,
	}
}
