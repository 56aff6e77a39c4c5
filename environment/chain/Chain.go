// Package chain implements a goal-conditioned random-walk environment
// on a line of cells. The agent starts in the leftmost cell and must
// reach a randomly drawn goal cell; reward is -1 per step until the
// goal is reached, after which the episode terminates. Episodes are
// truncated at a step limit.
package chain

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/timestep"
)

// Chain is a goal-conditioned chain-walk environment. Observations
// and goals are single-element vectors holding a cell index; actions
// are single-element vectors moved right when positive and left
// otherwise.
type Chain struct {
	cells     int
	stepLimit int

	position int
	goal     int
	step     int
	rng      *rand.Rand
}

// New returns a new Chain with the given number of cells and per
// episode step limit
func New(cells, stepLimit int, seed uint64) (*Chain, error) {
	if cells < 2 {
		return nil, fmt.Errorf("new: need at least 2 cells, got %v", cells)
	}
	if stepLimit <= 0 {
		return nil, fmt.Errorf("new: step limit must be > 0, got %v",
			stepLimit)
	}
	return &Chain{
		cells:     cells,
		stepLimit: stepLimit,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Reset starts a new episode in the leftmost cell with a fresh goal
func (c *Chain) Reset() (timestep.TimeStep, error) {
	c.position = 0
	c.goal = 1 + c.rng.Intn(c.cells-1)
	c.step = 0
	return timestep.New(timestep.First, 0, c.observation(), false, 0), nil
}

// Step moves the agent one cell right when the action is positive and
// one cell left otherwise, clipping at the chain's ends
func (c *Chain) Step(action mat.Vector) (timestep.TimeStep, error) {
	if action == nil || action.Len() != 1 {
		return timestep.TimeStep{}, fmt.Errorf("step: action must have "+
			"length 1, got %v", vecLen(action))
	}

	if action.AtVec(0) > 0 {
		if c.position < c.cells-1 {
			c.position++
		}
	} else if c.position > 0 {
		c.position--
	}
	c.step++

	reward := -1.0
	stepType := timestep.Mid
	truncated := false
	if c.position == c.goal {
		reward = 0
		stepType = timestep.Last
	} else if c.step >= c.stepLimit {
		stepType = timestep.Last
		truncated = true
	}

	return timestep.New(stepType, reward, c.observation(), truncated,
		c.step), nil
}

// DesiredGoal returns the episode's goal cell
func (c *Chain) DesiredGoal() mat.Vector {
	return mat.NewVecDense(1, []float64{float64(c.goal)})
}

// AchievedGoal returns the goal representation of the current state,
// which for a chain walk is simply the occupied cell
func (c *Chain) AchievedGoal() mat.Vector {
	return mat.NewVecDense(1, []float64{float64(c.position)})
}

func (c *Chain) observation() mat.Vector {
	return mat.NewVecDense(1, []float64{float64(c.position)})
}

func vecLen(v mat.Vector) int {
	if v == nil {
		return 0
	}
	return v.Len()
}

// GoalReward is the chain's goal-conditioned reward function: 0 when
// the achieved and desired cells coincide, -1 otherwise. Hindsight
// relabeling recomputes rewards through this function.
func GoalReward(achieved, desired mat.Vector) float64 {
	if achieved.AtVec(0) == desired.AtVec(0) {
		return 0
	}
	return -1
}
