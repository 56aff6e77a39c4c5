package replay

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/gorlkit/gorl/sumtree"
	"github.com/gorlkit/gorl/timestep"
)

// prioEps keeps updated priorities strictly positive so a visited slot
// can always be resampled
const prioEps = 1e-12

// PrioritizedManager is a Manager whose sampling is proportional to
// per-transition priorities. Each sub-buffer owns a sum tree holding
// priority^alpha per slot; sampling stratifies [0, total priority)
// across the batch and descends the trees, and each sampled transition
// carries an importance-sampling weight
//
//	w = (N * p / total)^(-beta)
//
// with N the number of valid entries, optionally normalized by the
// batch maximum. New transitions enter at the largest priority seen so
// far, so every transition is sampled at least once before its
// priority is adjusted.
type PrioritizedManager struct {
	*Manager

	trees []*sumtree.Tree
	prios [][]float64 // raw per-slot priorities, parallel to the trees

	alpha      float64
	beta       float64
	weightNorm bool
	maxPrio    float64
}

// NewPrioritizedManager creates and returns a PrioritizedManager
// described by the Config
func NewPrioritizedManager(cfg Config) (*PrioritizedManager, error) {
	if err := cfg.validatePrioritized(); err != nil {
		return nil, err
	}
	m, err := NewManager(cfg)
	if err != nil {
		return nil, err
	}

	trees := make([]*sumtree.Tree, len(m.buffers))
	prios := make([][]float64, len(m.buffers))
	for k, b := range m.buffers {
		trees[k], err = sumtree.New(b.capacity)
		if err != nil {
			return nil, err
		}
		prios[k] = make([]float64, b.capacity)
	}

	return &PrioritizedManager{
		Manager:    m,
		trees:      trees,
		prios:      prios,
		alpha:      cfg.Alpha,
		beta:       cfg.Beta,
		weightNorm: cfg.WeightNorm,
		maxPrio:    1.0,
	}, nil
}

// Alpha returns the priority exponent
func (p *PrioritizedManager) Alpha() float64 {
	return p.alpha
}

// Beta returns the current importance-sampling exponent
func (p *PrioritizedManager) Beta() float64 {
	return p.beta
}

// SetBeta sets the importance-sampling exponent; annealing schedules
// drive this between samples
func (p *PrioritizedManager) SetBeta(beta float64) error {
	if beta < 0 {
		return &BufferError{
			Op:  fmt.Sprintf("setBeta: beta %v", beta),
			Err: errInvalidConfig,
		}
	}
	p.beta = beta
	return nil
}

// Add routes one transition per environment to its sub-buffer and
// assigns each new entry the maximum priority seen so far
func (p *PrioritizedManager) Add(ts []timestep.Transition) ([]int,
	[]*EpisodeStat, error) {

	indices, stats, err := p.Manager.Add(ts)
	if err != nil {
		return nil, nil, err
	}
	for _, g := range indices {
		k, local, err := p.Locate(g)
		if err != nil {
			return nil, nil, err
		}
		p.prios[k][local] = p.maxPrio
		if err := p.trees[k].Update(local,
			math.Pow(p.maxPrio, p.alpha)); err != nil {
			return nil, nil, err
		}
	}
	return indices, stats, nil
}

// UpdatePriorities sets the priority of each listed transition,
// typically to its latest absolute TD error after a learner step.
// Priorities enter the trees as |priority|^alpha.
func (p *PrioritizedManager) UpdatePriorities(indices []int,
	priorities []float64) error {

	if len(indices) != len(priorities) {
		return fmt.Errorf("updatePriorities: %v indices, %v priorities",
			len(indices), len(priorities))
	}

	for n, g := range indices {
		k, local, err := p.Locate(g)
		if err != nil {
			return err
		}
		if err := p.buffers[k].checkIndex("updatePriorities",
			local); err != nil {
			return err
		}

		prio := math.Abs(priorities[n]) + prioEps
		p.prios[k][local] = prio
		if err := p.trees[k].Update(local,
			math.Pow(prio, p.alpha)); err != nil {
			return err
		}
		if prio > p.maxPrio {
			p.maxPrio = prio
		}
	}
	return nil
}

// totalPriority sums the trees' roots
func (p *PrioritizedManager) totalPriority() float64 {
	total := 0.0
	for _, tree := range p.trees {
		total += tree.Total()
	}
	return total
}

// SampleIndices draws batchSize global indices proportionally to
// priority using stratified sampling over the combined priority mass,
// and returns them alongside their importance-sampling weights
func (p *PrioritizedManager) SampleIndices(batchSize int) ([]int, []float64,
	error) {

	valid := p.Size()
	if valid == 0 {
		return nil, nil, &BufferError{Op: "sample", Err: errEmptyBuffer}
	}
	if batchSize <= 0 {
		return nil, nil, fmt.Errorf("sample: batch size must be > 0, got %v",
			batchSize)
	}
	total := p.totalPriority()
	if total <= 0 {
		return nil, nil, &BufferError{Op: "sample", Err: errEmptyBuffer}
	}

	indices := make([]int, batchSize)
	weights := make([]float64, batchSize)
	segment := total / float64(batchSize)
	for i := 0; i < batchSize; i++ {
		target := (float64(i) + p.rng.Float64()) * segment
		if target >= total {
			target = math.Nextafter(total, 0)
		}

		// Locate the owning tree by walking the per-tree mass, then
		// descend within it
		k := 0
		for k < len(p.trees)-1 && target >= p.trees[k].Total() {
			target -= p.trees[k].Total()
			k++
		}
		leaf, err := p.trees[k].Find(target)
		if err != nil {
			return nil, nil, err
		}

		prio, err := p.trees[k].Leaf(leaf)
		if err != nil {
			return nil, nil, err
		}
		indices[i] = p.offsets[k] + leaf
		weights[i] = math.Pow(float64(valid)*prio/total, -p.beta)
	}

	if p.weightNorm {
		if max := floats.Max(weights); max > 0 {
			floats.Scale(1/max, weights)
		}
	}
	return indices, weights, nil
}

// Sample draws a priority-sampled batch of transitions carrying
// importance-sampling weights
func (p *PrioritizedManager) Sample(batchSize int) (*Batch, error) {
	indices, weights, err := p.SampleIndices(batchSize)
	if err != nil {
		return nil, err
	}
	batch, err := p.Get(indices)
	if err != nil {
		return nil, err
	}
	batch.Weights = weights
	return batch, nil
}

// Priority returns the raw (pre-exponent) priority of the transition
// at global index g
func (p *PrioritizedManager) Priority(g int) (float64, error) {
	k, local, err := p.Locate(g)
	if err != nil {
		return 0, err
	}
	if err := p.buffers[k].checkIndex("priority", local); err != nil {
		return 0, err
	}
	return p.prios[k][local], nil
}

// Reset clears every sub-buffer and its priority tree
func (p *PrioritizedManager) Reset(keepStatistics bool) {
	p.Manager.Reset(keepStatistics)
	for k, tree := range p.trees {
		for i := 0; i < tree.Len(); i++ {
			// Update cannot fail within the tree's own length
			_ = tree.Update(i, 0)
		}
		for i := range p.prios[k] {
			p.prios[k][i] = 0
		}
	}
	p.maxPrio = 1.0
}
