// Package environment outlines the interface concrete environments
// implement. Environments are external collaborators of the replay
// core: opaque producers of timesteps that the training loop turns
// into transitions.
package environment

import (
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/timestep"
)

// Environment implements a simulated environment with a gym-style
// step/reset API
type Environment interface {
	// Reset starts a new episode and returns its first timestep
	Reset() (timestep.TimeStep, error)

	// Step takes an action in the environment and returns the
	// resulting timestep
	Step(action mat.Vector) (timestep.TimeStep, error)
}

// GoalConditioned is an Environment whose task is parameterized by a
// goal: it exposes the goal currently desired and the goal its state
// has achieved, for storage alongside each transition
type GoalConditioned interface {
	Environment

	// DesiredGoal returns the goal of the current episode
	DesiredGoal() mat.Vector

	// AchievedGoal returns the goal representation of the current
	// state
	AchievedGoal() mat.Vector
}
