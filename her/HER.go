// Package her implements hindsight experience replay: a sampling
// overlay that relabels the goals of goal-conditioned transitions with
// goals actually achieved later in the same episode, recomputing their
// rewards through an externally supplied reward function
package her

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/replay"
	"github.com/gorlkit/gorl/utils/intutils"
)

// Strategy selects where in an episode relabeled goals are drawn from
type Strategy int

const (
	// Final relabels with the goal achieved at the episode's last step
	Final Strategy = iota
	// Future relabels with the goal achieved at a uniformly random
	// strictly later step of the same episode
	Future
	// Episode relabels with the goal achieved at a uniformly random
	// step anywhere in the same episode
	Episode
)

func (s Strategy) String() string {
	switch s {
	case Final:
		return "Final"
	case Future:
		return "Future"
	case Episode:
		return "Episode"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// RewardFunc recomputes the reward of a relabeled transition from the
// goal its step achieved and the (relabeled) desired goal. It is a
// collaborator owned by the environment or task, not by this package.
type RewardFunc func(achieved, desired mat.Vector) float64

// Config configures a hindsight relabeler.
//
// AchievedKey and DesiredKey name the extra fields of the wrapped
// buffers holding the achieved and desired goals; both must be
// declared in the manager's configuration with equal dimension. Ratio
// is the fraction of sampled transitions to relabel. Horizon bounds
// the episode walk; 0 means the largest sub-buffer capacity.
type Config struct {
	Strategy    Strategy
	Ratio       float64
	AchievedKey string
	DesiredKey  string
	Horizon     int
	Reward      RewardFunc
	Seed        uint64
}

// Relabeler wraps a replay manager and rewrites goal-conditioned
// transitions on sample. Storage is never mutated: the relabel applies
// to the sampled batch copy only.
type Relabeler struct {
	m   *replay.Manager
	cfg Config
	rng *rand.Rand
}

// New creates and returns a Relabeler over a manager
func New(m *replay.Manager, cfg Config) (*Relabeler, error) {
	if cfg.Strategy < Final || cfg.Strategy > Episode {
		return nil, fmt.Errorf("new: unknown strategy %v", int(cfg.Strategy))
	}
	if cfg.Ratio < 0 || cfg.Ratio > 1 {
		return nil, fmt.Errorf("new: ratio must be in [0, 1], got %v",
			cfg.Ratio)
	}
	if cfg.Reward == nil {
		return nil, fmt.Errorf("new: no reward function")
	}
	if cfg.AchievedKey == "" || cfg.DesiredKey == "" {
		return nil, fmt.Errorf("new: goal field names must be set")
	}

	achievedDim, err := fieldDim(m.Config(), cfg.AchievedKey)
	if err != nil {
		return nil, err
	}
	desiredDim, err := fieldDim(m.Config(), cfg.DesiredKey)
	if err != nil {
		return nil, err
	}
	if achievedDim != desiredDim {
		return nil, fmt.Errorf("new: goal dims differ: %q is %v, %q is %v",
			cfg.AchievedKey, achievedDim, cfg.DesiredKey, desiredDim)
	}

	if cfg.Horizon <= 0 {
		capacities := make([]int, m.BufferCount())
		for k := range capacities {
			b, err := m.Buffer(k)
			if err != nil {
				return nil, err
			}
			capacities[k] = b.Capacity()
		}
		cfg.Horizon = intutils.Max(capacities...)
	}

	return &Relabeler{
		m:   m,
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// fieldDim looks up the dimension of a declared extra field
func fieldDim(cfg replay.Config, name string) (int, error) {
	for _, field := range cfg.Extras {
		if field.Name == name {
			return field.Dim, nil
		}
	}
	return 0, fmt.Errorf("new: field %q is not declared on the manager", name)
}

// Manager returns the wrapped manager
func (h *Relabeler) Manager() *replay.Manager {
	return h.m
}

// Sample draws a uniformly-sampled batch and relabels a Ratio-sized
// fraction of it: each selected transition's desired goal is replaced
// by a goal achieved later in its own episode (per the configured
// Strategy) and its reward is recomputed through the reward function.
func (h *Relabeler) Sample(batchSize int) (*replay.Batch, error) {
	indices, err := h.m.SampleIndices(batchSize)
	if err != nil {
		return nil, err
	}
	batch, err := h.m.Get(indices)
	if err != nil {
		return nil, err
	}
	if err := h.relabel(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// relabel rewrites the goals and rewards of a batch in place
func (h *Relabeler) relabel(batch *replay.Batch) error {
	desired, ok := batch.Extras[h.cfg.DesiredKey]
	if !ok {
		return fmt.Errorf("relabel: batch has no %q field", h.cfg.DesiredKey)
	}

	for row, g := range batch.Indices {
		if h.rng.Float64() >= h.cfg.Ratio {
			continue
		}

		source, ok, err := h.pickSource(g)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		goal, err := h.achievedAt(source)
		if err != nil {
			return err
		}

		// The transition's own outcome decides the recomputed reward:
		// compare the goal achieved after this step with the new goal
		outcome, err := h.m.Next(g)
		if err != nil {
			return err
		}
		achieved, err := h.achievedAt(outcome)
		if err != nil {
			return err
		}

		desired.SetRow(row, goal)
		batch.Rew[row] = h.cfg.Reward(
			mat.NewVecDense(len(achieved), achieved),
			mat.NewVecDense(len(goal), goal),
		)
	}
	return nil
}

// achievedAt reads the achieved goal stored at a global index
func (h *Relabeler) achievedAt(g int) ([]float64, error) {
	field, err := h.m.Field([]int{g}, h.cfg.AchievedKey, 1)
	if err != nil {
		return nil, err
	}
	return field.RawRowView(0), nil
}

// episodeTail returns the global indices strictly after g in its
// episode, in temporal order, stopping at the episode's last step, the
// most recent write, or the horizon
func (h *Relabeler) episodeTail(g int) ([]int, error) {
	var tail []int
	j := g
	for len(tail) < h.cfg.Horizon {
		next, err := h.m.Next(j)
		if err != nil {
			return nil, err
		}
		if next == j {
			break
		}
		tail = append(tail, next)
		j = next
	}
	return tail, nil
}

// episodeHead returns the global indices strictly before g in its
// episode, in temporal order, subject to the horizon
func (h *Relabeler) episodeHead(g int) ([]int, error) {
	var head []int
	j := g
	for len(head) < h.cfg.Horizon {
		prev, err := h.m.Prev(j)
		if err != nil {
			return nil, err
		}
		if prev == j {
			break
		}
		head = append(head, prev)
		j = prev
	}
	// Reverse into temporal order
	for i, j := 0, len(head)-1; i < j; i, j = i+1, j-1 {
		head[i], head[j] = head[j], head[i]
	}
	return head, nil
}

// pickSource selects the step whose achieved goal relabels the
// transition at g. The boolean is false when the strategy yields no
// candidate, e.g. Future at an episode's last step.
func (h *Relabeler) pickSource(g int) (int, bool, error) {
	tail, err := h.episodeTail(g)
	if err != nil {
		return 0, false, err
	}

	switch h.cfg.Strategy {
	case Final:
		if len(tail) == 0 {
			return 0, false, nil
		}
		return tail[len(tail)-1], true, nil
	case Future:
		if len(tail) == 0 {
			return 0, false, nil
		}
		return tail[h.rng.Intn(len(tail))], true, nil
	default: // Episode
		head, err := h.episodeHead(g)
		if err != nil {
			return 0, false, err
		}
		episode := append(append(head, g), tail...)
		return episode[h.rng.Intn(len(episode))], true, nil
	}
}
