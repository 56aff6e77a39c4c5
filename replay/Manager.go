package replay

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/timestep"
)

// Manager composes one replay buffer per parallel environment into a
// single addressable collection. Each sub-buffer stores its
// environment's transitions in arrival order; the manager presents a
// flat global index space of size equal to the summed sub-buffer
// capacities, with global index g mapping to (buffer, local) through a
// prefix-offset table fixed at construction.
type Manager struct {
	cfg      Config
	buffers  []*Buffer
	offsets  []int // offsets[k] = first global index of buffer k
	capacity int
	rng      *rand.Rand
}

// NewManager creates and returns a Manager with the Config's total
// capacity split across Config.BufferCount sub-buffers
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sizes := cfg.subCapacities()
	buffers := make([]*Buffer, len(sizes))
	offsets := make([]int, len(sizes))
	total := 0
	for k, size := range sizes {
		offsets[k] = total
		total += size
		buffers[k] = newBuffer(cfg, size,
			rand.New(rand.NewSource(cfg.Seed+uint64(k)+1)))
	}

	return &Manager{
		cfg:      cfg,
		buffers:  buffers,
		offsets:  offsets,
		capacity: total,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() Config {
	return m.cfg
}

// BufferCount returns the number of sub-buffers
func (m *Manager) BufferCount() int {
	return len(m.buffers)
}

// Capacity returns the summed capacity of all sub-buffers
func (m *Manager) Capacity() int {
	return m.capacity
}

// Size returns the total number of valid entries across sub-buffers
func (m *Manager) Size() int {
	size := 0
	for _, b := range m.buffers {
		size += b.size
	}
	return size
}

// Buffer returns the k-th sub-buffer
func (m *Manager) Buffer(k int) (*Buffer, error) {
	if k < 0 || k >= len(m.buffers) {
		return nil, &BufferError{
			Op:  fmt.Sprintf("buffer: index %v of %v", k, len(m.buffers)),
			Err: errOutOfRange,
		}
	}
	return m.buffers[k], nil
}

// Locate translates a global index into its owning sub-buffer and the
// local slot within it
func (m *Manager) Locate(g int) (int, int, error) {
	if g < 0 || g >= m.capacity {
		return 0, 0, &BufferError{
			Op:  fmt.Sprintf("locate: index %v, capacity %v", g, m.capacity),
			Err: errOutOfRange,
		}
	}
	k := sort.SearchInts(m.offsets, g+1) - 1
	return k, g - m.offsets[k], nil
}

// GlobalIndex translates a (sub-buffer, local slot) pair into its
// global index
func (m *Manager) GlobalIndex(k, local int) (int, error) {
	if k < 0 || k >= len(m.buffers) {
		return 0, &BufferError{
			Op:  fmt.Sprintf("globalIndex: buffer %v of %v", k, len(m.buffers)),
			Err: errOutOfRange,
		}
	}
	if local < 0 || local >= m.buffers[k].capacity {
		return 0, &BufferError{
			Op: fmt.Sprintf("globalIndex: slot %v, capacity %v", local,
				m.buffers[k].capacity),
			Err: errOutOfRange,
		}
	}
	return m.offsets[k] + local, nil
}

// Add routes one transition per environment to its owning sub-buffer
// and returns the global indices written to. The second return value
// has one entry per environment, non-nil where the transition finished
// an episode.
func (m *Manager) Add(ts []timestep.Transition) ([]int, []*EpisodeStat,
	error) {

	if len(ts) != len(m.buffers) {
		return nil, nil, fmt.Errorf("add: %v transitions for %v environments",
			len(ts), len(m.buffers))
	}

	indices := make([]int, len(ts))
	stats := make([]*EpisodeStat, len(ts))
	for k, t := range ts {
		local, stat, err := m.buffers[k].Add(t)
		if err != nil {
			return nil, nil, err
		}
		indices[k] = m.offsets[k] + local
		stats[k] = stat
	}
	return indices, stats, nil
}

// SampleIndices draws batchSize global indices uniformly at random,
// with replacement, across the valid entries of all sub-buffers
func (m *Manager) SampleIndices(batchSize int) ([]int, error) {
	total := m.Size()
	if total == 0 {
		return nil, &BufferError{Op: "sample", Err: errEmptyBuffer}
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("sample: batch size must be > 0, got %v",
			batchSize)
	}

	indices := make([]int, batchSize)
	for i := range indices {
		r := m.rng.Intn(total)
		for k, b := range m.buffers {
			if r < b.size {
				indices[i] = m.offsets[k] + r
				break
			}
			r -= b.size
		}
	}
	return indices, nil
}

// Prev returns the global index of the entry temporally preceding g
// within the same episode and sub-buffer, or g itself at a boundary
func (m *Manager) Prev(g int) (int, error) {
	k, local, err := m.Locate(g)
	if err != nil {
		return 0, err
	}
	p, err := m.buffers[k].Prev(local)
	if err != nil {
		return 0, err
	}
	return m.offsets[k] + p, nil
}

// Next returns the global index of the entry temporally following g
// within the same episode and sub-buffer, or g itself at a boundary
func (m *Manager) Next(g int) (int, error) {
	k, local, err := m.Locate(g)
	if err != nil {
		return 0, err
	}
	n, err := m.buffers[k].Next(local)
	if err != nil {
		return 0, err
	}
	return m.offsets[k] + n, nil
}

// Field retrieves the stacked value of a vector field at each global
// index, one row per index
func (m *Manager) Field(indices []int, field string, stackNum int) (*mat.Dense,
	error) {

	if len(indices) == 0 {
		return nil, fmt.Errorf("field: no indices")
	}
	if stackNum < 1 {
		return nil, fmt.Errorf("field: stack num must be >= 1, got %v",
			stackNum)
	}

	var out *mat.Dense
	for row, g := range indices {
		k, local, err := m.Locate(g)
		if err != nil {
			return nil, err
		}
		b := m.buffers[k]
		if err := b.checkIndex("field", local); err != nil {
			return nil, err
		}

		obsNext := field == FieldObsNext && b.ignoreObsNext
		var data []float64
		var dim int
		if obsNext {
			data, dim = b.obs, b.obsDim
			local = b.next(local)
		} else {
			data, dim, err = b.resolveField(field)
			if err != nil {
				return nil, err
			}
		}

		if out == nil {
			out = mat.NewDense(len(indices), stackNum*dim, nil)
		}
		b.fillStack(out.RawRowView(row), local, stackNum, data, dim)
	}
	return out, nil
}

// Get materializes the transitions at the given global indices into a
// Batch, dispatching each index to its owning sub-buffer. Observations
// and next observations are stacked with the configured stack number;
// actions and extra fields are returned plain.
func (m *Manager) Get(indices []int) (*Batch, error) {
	if m.Size() == 0 {
		return nil, &BufferError{Op: "get", Err: errEmptyBuffer}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("get: no indices")
	}

	n := len(indices)
	cfg := m.cfg
	batch := &Batch{
		Indices:    append([]int(nil), indices...),
		Obs:        mat.NewDense(n, cfg.StackNum*cfg.ObsDim, nil),
		Act:        mat.NewDense(n, cfg.ActionDim, nil),
		Rew:        make([]float64, n),
		Terminated: make([]bool, n),
		Truncated:  make([]bool, n),
		ObsNext:    mat.NewDense(n, cfg.StackNum*cfg.ObsDim, nil),
		Extras:     make(map[string]*mat.Dense, len(cfg.Extras)),
	}
	for _, field := range cfg.Extras {
		batch.Extras[field.Name] = mat.NewDense(n, field.Dim, nil)
	}

	for row, g := range indices {
		k, local, err := m.Locate(g)
		if err != nil {
			return nil, err
		}
		b := m.buffers[k]
		if err := b.checkIndex("get", local); err != nil {
			return nil, err
		}

		b.fillStack(batch.Obs.RawRowView(row), local, cfg.StackNum, b.obs,
			b.obsDim)
		b.fillObsNext(batch.ObsNext.RawRowView(row), local, cfg.StackNum)
		b.fillStack(batch.Act.RawRowView(row), local, 1, b.act, b.actDim)
		batch.Rew[row] = b.rew[local]
		batch.Terminated[row] = b.terminated[local]
		batch.Truncated[row] = b.truncated[local]
		for _, field := range b.fields {
			b.fillStack(batch.Extras[field.Name].RawRowView(row), local, 1,
				b.extras[field.Name], field.Dim)
		}
	}
	return batch, nil
}

// Sample draws a uniformly-sampled batch of transitions
func (m *Manager) Sample(batchSize int) (*Batch, error) {
	indices, err := m.SampleIndices(batchSize)
	if err != nil {
		return nil, err
	}
	return m.Get(indices)
}

// Reset clears every sub-buffer; see Buffer.Reset
func (m *Manager) Reset(keepStatistics bool) {
	for _, b := range m.buffers {
		b.Reset(keepStatistics)
	}
}
