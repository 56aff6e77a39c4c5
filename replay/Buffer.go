// Package replay implements fixed-capacity circular replay buffers
// for off-policy reinforcement learning: a single-buffer engine with
// episode-boundary-aware frame stacking, a manager composing one
// buffer per parallel environment behind a flat global index space, a
// prioritized variant backed by sum trees, and snapshot persistence.
package replay

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/timestep"
)

// Names of the built-in vector fields accepted by Get. Declared extra
// fields are addressed by their declared name.
const (
	FieldObs     = "obs"
	FieldObsNext = "obs_next"
	FieldAction  = "act"
)

// EpisodeStat reports the return and length of an episode that ended
// with the Add call that produced it
type EpisodeStat struct {
	Return float64
	Length int
}

// Buffer implements a single fixed-capacity circular replay buffer.
//
// Each transition field lives in its own flat array with a per-field
// stride. The write cursor advances circularly: once the buffer is
// full, new writes overwrite the oldest entry in FIFO order. Episode
// boundaries are rederived from the stored terminated/truncated flags,
// so stacked-observation reconstruction never crosses into a different
// episode.
type Buffer struct {
	capacity        int
	stackNum        int
	ignoreObsNext   bool
	saveOnlyLastObs bool

	obsDim   int // stored per-slot observation width
	inObsDim int // observation width Add expects
	actDim   int

	obs        []float64
	act        []float64
	rew        []float64
	terminated []bool
	truncated  []bool
	obsNext    []float64 // nil when ignoreObsNext
	extras     map[string][]float64
	fields     []Field // declared extras, in declaration order

	size        int // number of valid entries, grows to capacity
	cursor      int // next slot to write, cursor = count % capacity
	count       int // total number of Add calls
	lastWritten int // slot of the most recent write, -1 when empty

	epReturn float64
	epLength int

	rng *rand.Rand
}

// NewBuffer creates and returns a single replay buffer with the
// Config's total capacity. The Config's BufferCount is not consulted;
// use Config.Create for a multi-environment collection.
func NewBuffer(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newBuffer(cfg, cfg.Capacity, rand.New(rand.NewSource(cfg.Seed))), nil
}

// newBuffer constructs a buffer of the given capacity; the caller has
// already validated cfg
func newBuffer(cfg Config, capacity int, rng *rand.Rand) *Buffer {
	var obsNext []float64
	if !cfg.IgnoreObsNext {
		obsNext = make([]float64, capacity*cfg.ObsDim)
	}

	extras := make(map[string][]float64, len(cfg.Extras))
	for _, field := range cfg.Extras {
		extras[field.Name] = make([]float64, capacity*field.Dim)
	}

	return &Buffer{
		capacity:        capacity,
		stackNum:        cfg.StackNum,
		ignoreObsNext:   cfg.IgnoreObsNext,
		saveOnlyLastObs: cfg.SaveOnlyLastObs,

		obsDim:   cfg.ObsDim,
		inObsDim: cfg.incomingObsDim(),
		actDim:   cfg.ActionDim,

		obs:        make([]float64, capacity*cfg.ObsDim),
		act:        make([]float64, capacity*cfg.ActionDim),
		rew:        make([]float64, capacity),
		terminated: make([]bool, capacity),
		truncated:  make([]bool, capacity),
		obsNext:    obsNext,
		extras:     extras,
		fields:     cfg.Extras,

		lastWritten: -1,

		rng: rng,
	}
}

// Size returns the number of valid entries in the buffer
func (b *Buffer) Size() int {
	return b.size
}

// Capacity returns the maximum number of entries the buffer holds
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Cursor returns the slot the next Add will write to
func (b *Buffer) Cursor() int {
	return b.cursor
}

// done returns whether the entry at slot i ends its episode
func (b *Buffer) done(i int) bool {
	return b.terminated[i] || b.truncated[i]
}

// Add writes a transition at the cursor, overwriting the oldest entry
// once the buffer is full, and returns the slot written to. If the
// transition ends its episode, the second return value carries the
// finished episode's return and length; it is nil otherwise.
func (b *Buffer) Add(t timestep.Transition) (int, *EpisodeStat, error) {
	if err := b.checkShapes(t); err != nil {
		return 0, nil, err
	}

	index := b.cursor
	b.writeVec(b.obs, index, b.obsDim, t.Obs, b.saveOnlyLastObs)
	b.writeVec(b.act, index, b.actDim, t.Action, false)
	b.rew[index] = t.Reward
	b.terminated[index] = t.Terminated
	b.truncated[index] = t.Truncated
	if !b.ignoreObsNext {
		b.writeVec(b.obsNext, index, b.obsDim, t.ObsNext, b.saveOnlyLastObs)
	}
	for _, field := range b.fields {
		b.writeVec(b.extras[field.Name], index, field.Dim,
			t.Extras[field.Name], false)
	}

	b.lastWritten = index
	b.count++
	b.cursor = b.count % b.capacity
	if b.size < b.capacity {
		b.size++
	}

	b.epReturn += t.Reward
	b.epLength++
	var stat *EpisodeStat
	if t.Done() {
		stat = &EpisodeStat{Return: b.epReturn, Length: b.epLength}
		b.epReturn = 0
		b.epLength = 0
	}

	return index, stat, nil
}

// checkShapes validates a transition's field shapes against the shapes
// declared at construction
func (b *Buffer) checkShapes(t timestep.Transition) error {
	if t.Obs == nil || t.Obs.Len() != b.inObsDim {
		return &BufferError{
			Op: fmt.Sprintf("add: obs length %v, want %v",
				vecLen(t.Obs), b.inObsDim),
			Err: errShapeMismatch,
		}
	}
	if t.Action == nil || t.Action.Len() != b.actDim {
		return &BufferError{
			Op: fmt.Sprintf("add: action length %v, want %v",
				vecLen(t.Action), b.actDim),
			Err: errShapeMismatch,
		}
	}
	if !b.ignoreObsNext && (t.ObsNext == nil || t.ObsNext.Len() != b.inObsDim) {
		return &BufferError{
			Op: fmt.Sprintf("add: next obs length %v, want %v",
				vecLen(t.ObsNext), b.inObsDim),
			Err: errShapeMismatch,
		}
	}
	for _, field := range b.fields {
		v, ok := t.Extras[field.Name]
		if !ok || v.Len() != field.Dim {
			return &BufferError{
				Op: fmt.Sprintf("add: field %q length %v, want %v",
					field.Name, vecLen(v), field.Dim),
				Err: errShapeMismatch,
			}
		}
	}
	for name := range t.Extras {
		if _, ok := b.extras[name]; !ok {
			return &BufferError{
				Op:  fmt.Sprintf("add: undeclared field %q", name),
				Err: errShapeMismatch,
			}
		}
	}
	return nil
}

// writeVec copies v into slot index of a field array with the given
// stride. With lastOnly, only the trailing dim elements of v are kept.
func (b *Buffer) writeVec(data []float64, index, dim int, v mat.Vector,
	lastOnly bool) {

	offset := 0
	if lastOnly {
		offset = v.Len() - dim
	}
	start := index * dim
	for i := 0; i < dim; i++ {
		data[start+i] = v.AtVec(offset + i)
	}
}

// vecLen reports a vector's length, tolerating nil
func vecLen(v mat.Vector) int {
	if v == nil {
		return 0
	}
	return v.Len()
}

// prev returns the slot temporally preceding i, or i itself when i is
// the first in-episode entry or the oldest entry in the buffer. The
// slot before the oldest entry is the most recently written one, which
// belongs to a different point in time and is masked out.
func (b *Buffer) prev(i int) int {
	j := i - 1
	if j < 0 {
		j += b.size
	}
	if b.done(j) || j == b.lastWritten {
		return i
	}
	return j
}

// next returns the slot temporally following i, or i itself when i
// ends its episode or is the most recently written entry. The slot
// after the most recent write is either unwritten or the oldest entry,
// neither of which is temporally adjacent.
func (b *Buffer) next(i int) int {
	if b.done(i) || i == b.lastWritten {
		return i
	}
	return (i + 1) % b.size
}

// Prev returns the index of the entry temporally preceding i within
// the same episode, or i itself at an episode or buffer boundary
func (b *Buffer) Prev(i int) (int, error) {
	if err := b.checkIndex("prev", i); err != nil {
		return 0, err
	}
	return b.prev(i), nil
}

// Next returns the index of the entry temporally following i within
// the same episode, or i itself at an episode or buffer boundary
func (b *Buffer) Next(i int) (int, error) {
	if err := b.checkIndex("next", i); err != nil {
		return 0, err
	}
	return b.next(i), nil
}

// checkIndex verifies that i addresses a valid entry
func (b *Buffer) checkIndex(op string, i int) error {
	if i < 0 || i >= b.size {
		return &BufferError{
			Op:  fmt.Sprintf("%v: index %v, size %v", op, i, b.size),
			Err: errOutOfRange,
		}
	}
	return nil
}

// resolveField maps a field name to its backing array and per-slot
// width. FieldObsNext resolves to the stored next-observation array
// only when one exists; reconstruction is handled by the callers.
func (b *Buffer) resolveField(field string) ([]float64, int, error) {
	switch field {
	case FieldObs:
		return b.obs, b.obsDim, nil
	case FieldObsNext:
		if b.ignoreObsNext {
			return nil, 0, fmt.Errorf("resolveField: %q is not stored",
				FieldObsNext)
		}
		return b.obsNext, b.obsDim, nil
	case FieldAction:
		return b.act, b.actDim, nil
	default:
		if data, ok := b.extras[field]; ok {
			for _, f := range b.fields {
				if f.Name == field {
					return data, f.Dim, nil
				}
			}
		}
		return nil, 0, fmt.Errorf("resolveField: unknown field %q", field)
	}
}

// fillStack writes the stacked value for slot i into dst, which must
// hold stackNum*dim elements. The stack is the ordered concatenation
// (oldest first) of the last stackNum entries of the field, clipped at
// the nearest preceding episode boundary; the earliest in-episode
// entry repeats when there is insufficient history.
func (b *Buffer) fillStack(dst []float64, i, stackNum int, data []float64,
	dim int) {

	j := i
	for k := stackNum - 1; k >= 0; k-- {
		copy(dst[k*dim:(k+1)*dim], data[j*dim:(j+1)*dim])
		j = b.prev(j)
	}
}

// fillObsNext writes the stacked next observation for slot i into dst.
// When next observations are not stored they are reconstructed as the
// observation stack ending at the temporally following slot.
func (b *Buffer) fillObsNext(dst []float64, i, stackNum int) {
	if b.ignoreObsNext {
		b.fillStack(dst, b.next(i), stackNum, b.obs, b.obsDim)
		return
	}
	b.fillStack(dst, i, stackNum, b.obsNext, b.obsDim)
}

// Get retrieves, for each requested index, the stacked value of a
// vector field as one row of the returned matrix. A stackNum of 1
// degenerates to plain retrieval. FieldObsNext is reconstructed from
// the following slot's observation when next observations are not
// stored.
func (b *Buffer) Get(indices []int, field string, stackNum int) (*mat.Dense,
	error) {

	if b.size == 0 {
		return nil, &BufferError{Op: "get", Err: errEmptyBuffer}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("get: no indices")
	}
	if stackNum < 1 {
		return nil, fmt.Errorf("get: stack num must be >= 1, got %v", stackNum)
	}
	for _, i := range indices {
		if err := b.checkIndex("get", i); err != nil {
			return nil, err
		}
	}

	obsNext := field == FieldObsNext && b.ignoreObsNext
	var data []float64
	var dim int
	if obsNext {
		data, dim = b.obs, b.obsDim
	} else {
		var err error
		data, dim, err = b.resolveField(field)
		if err != nil {
			return nil, err
		}
	}

	out := mat.NewDense(len(indices), stackNum*dim, nil)
	for row, i := range indices {
		if obsNext {
			i = b.next(i)
		}
		b.fillStack(out.RawRowView(row), i, stackNum, data, dim)
	}
	return out, nil
}

// Rewards returns the rewards stored at the given indices
func (b *Buffer) Rewards(indices []int) ([]float64, error) {
	if b.size == 0 {
		return nil, &BufferError{Op: "rewards", Err: errEmptyBuffer}
	}
	out := make([]float64, len(indices))
	for n, i := range indices {
		if err := b.checkIndex("rewards", i); err != nil {
			return nil, err
		}
		out[n] = b.rew[i]
	}
	return out, nil
}

// Flags returns the terminated and truncated flags stored at the given
// indices
func (b *Buffer) Flags(indices []int) ([]bool, []bool, error) {
	if b.size == 0 {
		return nil, nil, &BufferError{Op: "flags", Err: errEmptyBuffer}
	}
	terminated := make([]bool, len(indices))
	truncated := make([]bool, len(indices))
	for n, i := range indices {
		if err := b.checkIndex("flags", i); err != nil {
			return nil, nil, err
		}
		terminated[n] = b.terminated[i]
		truncated[n] = b.truncated[i]
	}
	return terminated, truncated, nil
}

// SampleIndices draws batchSize indices uniformly at random, with
// replacement, from the buffer's valid entries
func (b *Buffer) SampleIndices(batchSize int) ([]int, error) {
	if b.size == 0 {
		return nil, &BufferError{Op: "sample", Err: errEmptyBuffer}
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("sample: batch size must be > 0, got %v",
			batchSize)
	}

	indices := make([]int, batchSize)
	for i := range indices {
		indices[i] = b.rng.Intn(b.size)
	}
	return indices, nil
}

// Reset clears the buffer's entries, cursor, and episode trackers.
// With keepStatistics, the running return and length of the current
// unfinished episode survive the reset.
func (b *Buffer) Reset(keepStatistics bool) {
	b.size = 0
	b.cursor = 0
	b.count = 0
	b.lastWritten = -1
	if !keepStatistics {
		b.epReturn = 0
		b.epLength = 0
	}
}
