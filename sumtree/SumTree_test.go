package sumtree

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// checkInvariant verifies that every internal node equals the sum of
// its two children
func checkInvariant(t *testing.T, tree *Tree) {
	t.Helper()
	for node := 1; node < tree.leafOffset; node++ {
		left := tree.nodes[2*node]
		right := tree.nodes[2*node+1]
		assert.InDelta(t, left+right, tree.nodes[node], 1e-9,
			"node %v does not equal the sum of its children", node)
	}
}

func TestNewRoundsUpToPowerOfTwo(t *testing.T) {
	tree, err := New(5)
	require.NoError(t, err)
	assert.Equal(t, 8, tree.leafOffset)
	assert.Equal(t, 16, len(tree.nodes))
	assert.Equal(t, 5, tree.Len())

	tree, err = New(8)
	require.NoError(t, err)
	assert.Equal(t, 8, tree.leafOffset)

	_, err = New(0)
	assert.Error(t, err)
}

func TestUpdatePropagatesToRoot(t *testing.T) {
	tree, err := New(4)
	require.NoError(t, err)

	require.NoError(t, tree.Update(0, 1.0))
	require.NoError(t, tree.Update(1, 2.0))
	require.NoError(t, tree.Update(2, 3.0))
	require.NoError(t, tree.Update(3, 4.0))
	assert.InDelta(t, 10.0, tree.Total(), 1e-9)

	// Overwriting a leaf adjusts the total by the delta
	require.NoError(t, tree.Update(1, 5.0))
	assert.InDelta(t, 13.0, tree.Total(), 1e-9)
	checkInvariant(t, tree)
}

func TestUpdateOutOfRangeFailsFast(t *testing.T) {
	tree, err := New(6)
	require.NoError(t, err)

	// Leaves 6 and 7 exist in the backing array but are beyond the
	// declared capacity
	assert.Error(t, tree.Update(6, 1.0))
	assert.Error(t, tree.Update(-1, 1.0))

	_, err = tree.Leaf(6)
	assert.Error(t, err)
}

func TestInvariantAfterRandomizedUpdates(t *testing.T) {
	tree, err := New(33)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	total := 0.0
	leafValues := make([]float64, 33)
	for i := 0; i < 1000; i++ {
		leaf := rng.Intn(33)
		value := rng.Float64() * 10
		total += value - leafValues[leaf]
		leafValues[leaf] = value
		require.NoError(t, tree.Update(leaf, value))
	}

	checkInvariant(t, tree)
	assert.InDelta(t, total, tree.Total(), 1e-6)

	sum := 0.0
	for i := 0; i < tree.Len(); i++ {
		v, err := tree.Leaf(i)
		require.NoError(t, err)
		sum += v
	}
	assert.InDelta(t, sum, tree.Total(), 1e-6)
}

// TestStratifiedSegments checks that the i-th sampled leaf's cumulative
// priority interval overlaps the i-th equal-width segment of
// [0, Total()).
func TestStratifiedSegments(t *testing.T) {
	tree, err := New(10)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Update(i, float64(i+1)))
	}

	rng := rand.New(rand.NewSource(7))
	batch := 5
	indices, values, err := tree.Sample(batch, rng)
	require.NoError(t, err)
	require.Len(t, indices, batch)

	// Cumulative sum up to (exclusive) each leaf
	cumulative := make([]float64, tree.Len()+1)
	for i := 0; i < tree.Len(); i++ {
		v, err := tree.Leaf(i)
		require.NoError(t, err)
		cumulative[i+1] = cumulative[i] + v
	}

	segment := tree.Total() / float64(batch)
	for i, leaf := range indices {
		lo := float64(i) * segment
		hi := float64(i+1) * segment
		// The leaf's cumulative interval [cumulative[leaf],
		// cumulative[leaf+1]) must contain some point of segment i
		assert.Less(t, cumulative[leaf], hi,
			"leaf %v starts past segment %v", leaf, i)
		assert.Greater(t, cumulative[leaf+1], lo,
			"leaf %v ends before segment %v", leaf, i)
		assert.InDelta(t, cumulative[leaf+1]-cumulative[leaf], values[i],
			1e-9)
	}
}

func TestZeroLeafNeverSampled(t *testing.T) {
	tree, err := New(8)
	require.NoError(t, err)

	// Mass only on leaves 2 and 5
	require.NoError(t, tree.Update(2, 1.0))
	require.NoError(t, tree.Update(5, 3.0))

	rng := rand.New(rand.NewSource(13))
	for trial := 0; trial < 50; trial++ {
		indices, _, err := tree.Sample(4, rng)
		require.NoError(t, err)
		for _, leaf := range indices {
			assert.Contains(t, []int{2, 5}, leaf)
		}
	}
}

// Leaf values of 0.1 are inexact in binary, so segment arithmetic can
// round a last-segment target up to Total() exactly; such a target
// must still land on a real leaf.
func TestSampleStaysInLeafRange(t *testing.T) {
	tree, err := New(5)
	require.NoError(t, err)
	for i := 0; i < tree.Len(); i++ {
		require.NoError(t, tree.Update(i, 0.1))
	}

	rng := rand.New(rand.NewSource(99))
	for trial := 0; trial < 200; trial++ {
		indices, values, err := tree.Sample(3, rng)
		require.NoError(t, err)
		for j, leaf := range indices {
			assert.GreaterOrEqual(t, leaf, 0)
			assert.Less(t, leaf, tree.Len())
			assert.Greater(t, values[j], 0.0)
		}
	}

	// A target clamped just below Total() descends to the last leaf
	assert.Equal(t, tree.Len()-1,
		tree.find(math.Nextafter(tree.Total(), 0)))
}

func TestSampleEmptyTree(t *testing.T) {
	tree, err := New(4)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	_, _, err = tree.Sample(2, rng)
	assert.Error(t, err)
}
