package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/timestep"
)

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := managerConfig()
	cfg.Extras = []Field{{Name: "logp", Dim: 1}}
	m, err := cfg.Create()
	require.NoError(t, err)

	// Overfill the leading sub-buffer so FIFO state is non-trivial
	for i := 0; i < 6; i++ {
		ts := perEnv(3, float64(i), i == 2)
		for j := range ts {
			ts[j].Extras = map[string]mat.Vector{
				"logp": vec(float64(i) + 0.25),
			}
		}
		_, _, err := m.Add(ts)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	loaded, err := Load(dir, cfg)
	require.NoError(t, err)
	require.Equal(t, m.Size(), loaded.Size())

	indices := make([]int, 0, loaded.Size())
	for k := 0; k < cfg.BufferCount; k++ {
		orig, err := m.Buffer(k)
		require.NoError(t, err)
		b, err := loaded.Buffer(k)
		require.NoError(t, err)
		assert.Equal(t, orig.Size(), b.Size())
		assert.Equal(t, orig.Cursor(), b.Cursor())

		for local := 0; local < b.Size(); local++ {
			g, err := loaded.GlobalIndex(k, local)
			require.NoError(t, err)
			indices = append(indices, g)
		}
	}

	want, err := m.Get(indices)
	require.NoError(t, err)
	got, err := loaded.Get(indices)
	require.NoError(t, err)

	assert.True(t, mat.Equal(want.Obs, got.Obs))
	assert.True(t, mat.Equal(want.Act, got.Act))
	assert.True(t, mat.Equal(want.ObsNext, got.ObsNext))
	assert.True(t, mat.Equal(want.Extras["logp"], got.Extras["logp"]))
	assert.Equal(t, want.Rew, got.Rew)
	assert.Equal(t, want.Terminated, got.Terminated)
	assert.Equal(t, want.Truncated, got.Truncated)

	// Episode boundaries survive: Prev/Next agree everywhere
	for _, g := range indices {
		wantPrev, err := m.Prev(g)
		require.NoError(t, err)
		gotPrev, err := loaded.Prev(g)
		require.NoError(t, err)
		assert.Equal(t, wantPrev, gotPrev)

		wantNext, err := m.Next(g)
		require.NoError(t, err)
		gotNext, err := loaded.Next(g)
		require.NoError(t, err)
		assert.Equal(t, wantNext, gotNext)
	}
}

func TestSnapshotRoundTripPrioritized(t *testing.T) {
	cfg := prioritizedConfig()
	p, err := cfg.CreatePrioritized()
	require.NoError(t, err)
	fillPrioritized(t, p, 4)
	require.NoError(t, p.UpdatePriorities([]int{0, 1, 2},
		[]float64{3, 7, 0.5}))

	dir := t.TempDir()
	require.NoError(t, p.Save(dir))

	loaded, err := LoadPrioritized(dir, cfg)
	require.NoError(t, err)

	for g := 0; g < 4; g++ {
		want, err := p.Priority(g)
		require.NoError(t, err)
		got, err := loaded.Priority(g)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-12)
	}

	// The maximum priority is restored too: the buffer is full, so the
	// next add overwrites slot 0 at the persisted maximum
	_, _, err = loaded.Add([]timestep.Transition{tagged(99, false, false)})
	require.NoError(t, err)
	prio, err := loaded.Priority(0)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, prio, 1e-6)

	_, weights, err := loaded.SampleIndices(8)
	require.NoError(t, err)
	for _, w := range weights {
		assert.Greater(t, w, 0.0)
	}
}

func TestSnapshotConfigMismatch(t *testing.T) {
	cfg := managerConfig()
	m, err := cfg.Create()
	require.NoError(t, err)
	_, _, err = m.Add(perEnv(3, 0, false))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	bad := cfg
	bad.Capacity = 12
	_, err = Load(dir, bad)
	assert.True(t, IsInvalidConfig(err))

	bad = cfg
	bad.ObsDim = 2
	_, err = Load(dir, bad)
	assert.True(t, IsInvalidConfig(err))

	bad = cfg
	bad.IgnoreObsNext = true
	_, err = Load(dir, bad)
	assert.True(t, IsInvalidConfig(err))
}

// A uniform snapshot cannot be loaded as a prioritized manager, and
// vice versa
func TestSnapshotPrioritizationMismatch(t *testing.T) {
	cfg := prioritizedConfig()
	m, err := cfg.Create()
	require.NoError(t, err)
	_, _, err = m.Add([]timestep.Transition{tagged(0, false, false)})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	_, err = LoadPrioritized(dir, cfg)
	assert.True(t, IsInvalidConfig(err))

	p, err := cfg.CreatePrioritized()
	require.NoError(t, err)
	fillPrioritized(t, p, 1)
	prioDir := t.TempDir()
	require.NoError(t, p.Save(prioDir))

	_, err = Load(prioDir, cfg)
	assert.True(t, IsInvalidConfig(err))
}

// A snapshot whose recorded buffer state exceeds the buffer's bounds
// is rejected at load time rather than exploding on first read
func TestSnapshotCorruptStateRejected(t *testing.T) {
	cfg := managerConfig()
	m, err := cfg.Create()
	require.NoError(t, err)
	_, _, err = m.Add(perEnv(3, 0, false))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	path := filepath.Join(dir, metadataFile)
	pristine, err := os.ReadFile(path)
	require.NoError(t, err)

	corrupt := func(mutate func(*snapshotMeta)) error {
		var meta snapshotMeta
		require.NoError(t, json.Unmarshal(pristine, &meta))
		mutate(&meta)
		encoded, err := json.Marshal(meta)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, encoded, 0o644))
		_, err = Load(dir, cfg)
		return err
	}

	err = corrupt(func(meta *snapshotMeta) {
		meta.Buffers[0].Size = meta.Buffers[0].Capacity + 1
	})
	assert.True(t, IsInvalidConfig(err))

	err = corrupt(func(meta *snapshotMeta) {
		meta.Buffers[0].Cursor = meta.Buffers[0].Capacity
	})
	assert.True(t, IsInvalidConfig(err))

	err = corrupt(func(meta *snapshotMeta) {
		meta.Buffers[0].LastWritten = meta.Buffers[0].Capacity
	})
	assert.True(t, IsInvalidConfig(err))

	err = corrupt(func(meta *snapshotMeta) {
		meta.Buffers[0].Size = -1
	})
	assert.True(t, IsInvalidConfig(err))
}

func TestSnapshotMissingDirectory(t *testing.T) {
	_, err := Load(t.TempDir(), managerConfig())
	assert.Error(t, err)
}
