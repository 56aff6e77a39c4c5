package replay

import "gonum.org/v1/gonum/mat"

// Batch holds a sampled batch of transitions in struct-of-arrays form.
// Row i of every matrix and element i of every slice belong to the
// same transition, addressed globally by Indices[i].
//
// Obs and ObsNext rows are the stacked observations (stackNum
// consecutive frames, oldest first); Act and the Extras are plain,
// unstacked values. Weights holds importance-sampling weights and is
// only set by the prioritized variant; it is nil for uniform samples.
type Batch struct {
	Indices []int

	Obs        *mat.Dense
	Act        *mat.Dense
	Rew        []float64
	Terminated []bool
	Truncated  []bool
	ObsNext    *mat.Dense
	Extras     map[string]*mat.Dense

	Weights []float64
}

// Len returns the number of transitions in the batch
func (b *Batch) Len() int {
	return len(b.Indices)
}
