package replay

import "fmt"

// Field declares a named auxiliary per-transition vector field, such
// as a log-likelihood, a value estimate, or a goal. The set of extra
// fields is fixed at construction; every added transition must supply
// each declared field with the declared dimension.
type Field struct {
	Name string `json:"name"`
	Dim  int    `json:"dim"`
}

// Config implements a specific configuration of a replay buffer
// collection.
//
// Capacity is the total capacity summed over all sub-buffers; it is
// split across BufferCount sub-buffers, with any remainder going one
// slot at a time to the leading sub-buffers. StackNum is the number of
// consecutive observations concatenated per retrieved step; 1 disables
// stacking. IgnoreObsNext drops next-observation storage and
// reconstructs it on read from the following slot. SaveOnlyLastObs
// stores only the newest frame of an already-stacked incoming
// observation and rebuilds full stacks on read.
//
// Alpha, Beta and WeightNorm only affect the prioritized variant:
// priorities are exponentiated by Alpha before entering the sum tree,
// importance-sampling weights use exponent -Beta, and WeightNorm
// normalizes each sampled batch's weights by their maximum.
type Config struct {
	Capacity    int
	BufferCount int

	ObsDim    int
	ActionDim int

	StackNum        int
	IgnoreObsNext   bool
	SaveOnlyLastObs bool
	Extras          []Field

	Alpha      float64
	Beta       float64
	WeightNorm bool

	Seed uint64
}

// Validate checks the configuration for use by the uniform variant
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &BufferError{
			Op:  fmt.Sprintf("validate: capacity %v", c.Capacity),
			Err: errInvalidConfig,
		}
	}
	if c.BufferCount <= 0 {
		return &BufferError{
			Op:  fmt.Sprintf("validate: buffer count %v", c.BufferCount),
			Err: errInvalidConfig,
		}
	}
	if c.Capacity < c.BufferCount {
		return &BufferError{
			Op: fmt.Sprintf("validate: capacity %v below buffer count %v",
				c.Capacity, c.BufferCount),
			Err: errInvalidConfig,
		}
	}
	if c.ObsDim <= 0 || c.ActionDim <= 0 {
		return &BufferError{
			Op: fmt.Sprintf("validate: obs dim %v, action dim %v",
				c.ObsDim, c.ActionDim),
			Err: errInvalidConfig,
		}
	}
	if c.StackNum < 1 {
		return &BufferError{
			Op:  fmt.Sprintf("validate: stack num %v", c.StackNum),
			Err: errInvalidConfig,
		}
	}
	for _, field := range c.Extras {
		if field.Name == "" || field.Dim <= 0 {
			return &BufferError{
				Op: fmt.Sprintf("validate: extra field %q dim %v",
					field.Name, field.Dim),
				Err: errInvalidConfig,
			}
		}
	}
	return nil
}

// validatePrioritized additionally checks the priority exponents
func (c Config) validatePrioritized() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Alpha <= 0 {
		return &BufferError{
			Op:  fmt.Sprintf("validate: alpha %v", c.Alpha),
			Err: errInvalidConfig,
		}
	}
	if c.Beta < 0 {
		return &BufferError{
			Op:  fmt.Sprintf("validate: beta %v", c.Beta),
			Err: errInvalidConfig,
		}
	}
	return nil
}

// Create creates and returns the uniformly-sampled buffer collection
// described by the Config
func (c Config) Create() (*Manager, error) {
	return NewManager(c)
}

// CreatePrioritized creates and returns the priority-sampled buffer
// collection described by the Config
func (c Config) CreatePrioritized() (*PrioritizedManager, error) {
	return NewPrioritizedManager(c)
}

// subCapacities splits the total capacity across sub-buffers: every
// sub-buffer gets Capacity/BufferCount slots and the remainder is
// distributed one slot at a time to the leading sub-buffers, so e.g.
// capacity 10 over 3 buffers yields sizes 4, 3, 3.
func (c Config) subCapacities() []int {
	base := c.Capacity / c.BufferCount
	rem := c.Capacity % c.BufferCount

	sizes := make([]int, c.BufferCount)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes
}

// incomingObsDim is the observation width Add expects: with
// SaveOnlyLastObs the incoming observation is a StackNum-frame stack
// of which only the newest ObsDim-wide frame is kept per slot
func (c Config) incomingObsDim() int {
	if c.SaveOnlyLastObs {
		return c.StackNum * c.ObsDim
	}
	return c.ObsDim
}
