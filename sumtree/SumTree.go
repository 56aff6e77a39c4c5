// Package sumtree implements a binary sum tree over leaf priorities,
// supporting O(log n) priority update and O(log n) proportional
// sampling by prefix-sum descent
package sumtree

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// Tree is a complete binary tree stored in a flat array. The root
// lives at index 1 and the leaves start at leafOffset, which is the
// next power of two >= the number of leaves. Every internal node holds
// the sum of its two children. Unwritten leaves hold zero and are
// therefore never reached by a prefix-sum descent.
type Tree struct {
	nodes      []float64
	leafOffset int
	leaves     int
}

// New returns a new Tree with capacity for n leaves
func New(n int) (*Tree, error) {
	if n <= 0 {
		return nil, fmt.Errorf("new: number of leaves must be > 0, got %v", n)
	}

	leafOffset := 1
	for leafOffset < n {
		leafOffset *= 2
	}

	return &Tree{
		nodes:      make([]float64, 2*leafOffset),
		leafOffset: leafOffset,
		leaves:     n,
	}, nil
}

// Len returns the number of leaves the tree was created with
func (t *Tree) Len() int {
	return t.leaves
}

// Total returns the sum of all leaf values
func (t *Tree) Total() float64 {
	return t.nodes[1]
}

// Leaf returns the value stored at leaf i
func (t *Tree) Leaf(i int) (float64, error) {
	if i < 0 || i >= t.leaves {
		return 0, fmt.Errorf("leaf: index %v out of range [0, %v)", i,
			t.leaves)
	}
	return t.nodes[t.leafOffset+i], nil
}

// Update sets leaf i to value and propagates the change to every
// ancestor up to the root. Updating a leaf outside the tree's capacity
// is a programming error and fails immediately.
func (t *Tree) Update(i int, value float64) error {
	if i < 0 || i >= t.leaves {
		return fmt.Errorf("update: index %v out of range [0, %v)", i,
			t.leaves)
	}

	node := t.leafOffset + i
	delta := value - t.nodes[node]
	for node >= 1 {
		t.nodes[node] += delta
		node /= 2
	}
	return nil
}

// find descends from the root following the cumulative-sum comparison
// at each node: go left when the target is below the left child's sum,
// otherwise subtract the left sum and go right. Returns the leaf index
// whose cumulative-priority interval contains target.
func (t *Tree) find(target float64) int {
	node := 1
	for node < t.leafOffset {
		left := 2 * node
		if target < t.nodes[left] {
			node = left
		} else {
			target -= t.nodes[left]
			node = left + 1
		}
	}
	return node - t.leafOffset
}

// Find returns the leaf whose cumulative-priority interval contains
// target, which must lie in [0, Total())
func (t *Tree) Find(target float64) (int, error) {
	if target < 0 || target >= t.Total() {
		return 0, fmt.Errorf("find: target %v outside [0, %v)", target,
			t.Total())
	}
	return t.find(target), nil
}

// Sample draws n leaves proportionally to their values using
// stratified sampling: [0, Total()) is split into n equal-width
// segments and one uniform target is drawn per segment. Returns the
// sampled leaf indices and their values.
func (t *Tree) Sample(n int, rng *rand.Rand) ([]int, []float64, error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("sample: batch size must be > 0, got %v",
			n)
	}
	if t.Total() <= 0 {
		return nil, nil, fmt.Errorf("sample: tree has no mass")
	}

	indices := make([]int, n)
	values := make([]float64, n)
	segment := t.Total() / float64(n)
	for i := 0; i < n; i++ {
		target := (float64(i) + rng.Float64()) * segment
		// Rounding in the last segment can land on Total() exactly,
		// which belongs to no leaf
		if target >= t.Total() {
			target = math.Nextafter(t.Total(), 0)
		}
		leaf := t.find(target)
		indices[i] = leaf
		values[i] = t.nodes[t.leafOffset+leaf]
	}
	return indices, values, nil
}
