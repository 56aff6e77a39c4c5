package her

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/replay"
	"github.com/gorlkit/gorl/timestep"
)

// diffReward makes relabeled rewards traceable: the reward is the
// achieved goal minus the desired goal
func diffReward(achieved, desired mat.Vector) float64 {
	return achieved.AtVec(0) - desired.AtVec(0)
}

func goalConfig() replay.Config {
	return replay.Config{
		Capacity:    20,
		BufferCount: 1,
		ObsDim:      1,
		ActionDim:   1,
		StackNum:    1,
		Seed:        3,
		Extras: []replay.Field{
			{Name: "achieved_goal", Dim: 1},
			{Name: "desired_goal", Dim: 1},
		},
	}
}

// goalStep builds one step of a goal-conditioned episode. The achieved
// goal is base+t, so later steps always achieve strictly larger goals,
// and the stored desired goal is -1, which no step ever achieves.
func goalStep(base, t float64, terminated bool) timestep.Transition {
	return timestep.Transition{
		Obs:        mat.NewVecDense(1, []float64{base + t}),
		Action:     mat.NewVecDense(1, []float64{0}),
		Reward:     0.5,
		Terminated: terminated,
		ObsNext:    mat.NewVecDense(1, []float64{base + t + 1}),
		Extras: map[string]mat.Vector{
			"achieved_goal": mat.NewVecDense(1, []float64{base + t}),
			"desired_goal":  mat.NewVecDense(1, []float64{-1}),
		},
	}
}

// twoEpisodes fills a manager with a 5-step episode achieving
// 100..104 (globals 0..4) and a 4-step episode achieving 200..203
// (globals 5..8)
func twoEpisodes(t *testing.T) *replay.Manager {
	t.Helper()
	m, err := goalConfig().Create()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := m.Add([]timestep.Transition{
			goalStep(100, float64(i), i == 4),
		})
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, _, err := m.Add([]timestep.Transition{
			goalStep(200, float64(i), i == 3),
		})
		require.NoError(t, err)
	}
	return m
}

// episodeOf reports the achieved-goal base and last achieved goal of
// the episode owning global index g
func episodeOf(g int) (base, last float64) {
	if g <= 4 {
		return 100, 104
	}
	return 200, 203
}

// achievedOf reports the goal achieved at global index g
func achievedOf(g int) float64 {
	if g <= 4 {
		return 100 + float64(g)
	}
	return 200 + float64(g-5)
}

func TestHERFinalRelabelsToEpisodeEnd(t *testing.T) {
	m := twoEpisodes(t)
	h, err := New(m, Config{
		Strategy:    Final,
		Ratio:       1.0,
		AchievedKey: "achieved_goal",
		DesiredKey:  "desired_goal",
		Reward:      diffReward,
		Seed:        7,
	})
	require.NoError(t, err)

	batch, err := h.Sample(64)
	require.NoError(t, err)

	for row, g := range batch.Indices {
		desired := batch.Extras["desired_goal"].At(row, 0)
		if g == 4 || g == 8 {
			// Episode-final steps have no later step to borrow a goal
			// from and stay untouched
			assert.Equal(t, -1.0, desired, "index %v", g)
			assert.Equal(t, 0.5, batch.Rew[row], "index %v", g)
			continue
		}

		_, last := episodeOf(g)
		assert.Equal(t, last, desired, "index %v", g)
		// The recomputed reward compares the goal achieved after this
		// step with the new goal
		assert.Equal(t, achievedOf(g+1)-last, batch.Rew[row],
			"index %v", g)
	}
}

func TestHERFutureRelabelsStrictlyLater(t *testing.T) {
	m := twoEpisodes(t)
	h, err := New(m, Config{
		Strategy:    Future,
		Ratio:       1.0,
		AchievedKey: "achieved_goal",
		DesiredKey:  "desired_goal",
		Reward:      diffReward,
		Seed:        7,
	})
	require.NoError(t, err)

	batch, err := h.Sample(128)
	require.NoError(t, err)

	for row, g := range batch.Indices {
		desired := batch.Extras["desired_goal"].At(row, 0)
		if g == 4 || g == 8 {
			assert.Equal(t, -1.0, desired, "index %v", g)
			continue
		}

		_, last := episodeOf(g)
		assert.Greater(t, desired, achievedOf(g), "index %v", g)
		assert.LessOrEqual(t, desired, last, "index %v", g)
	}
}

func TestHEREpisodeRelabelsWithinEpisode(t *testing.T) {
	m := twoEpisodes(t)
	h, err := New(m, Config{
		Strategy:    Episode,
		Ratio:       1.0,
		AchievedKey: "achieved_goal",
		DesiredKey:  "desired_goal",
		Reward:      diffReward,
		Seed:        7,
	})
	require.NoError(t, err)

	batch, err := h.Sample(128)
	require.NoError(t, err)

	for row, g := range batch.Indices {
		desired := batch.Extras["desired_goal"].At(row, 0)
		base, last := episodeOf(g)
		assert.GreaterOrEqual(t, desired, base, "index %v", g)
		assert.LessOrEqual(t, desired, last, "index %v", g)
	}
}

func TestHERRatioZeroLeavesBatchAlone(t *testing.T) {
	m := twoEpisodes(t)
	h, err := New(m, Config{
		Strategy:    Future,
		Ratio:       0,
		AchievedKey: "achieved_goal",
		DesiredKey:  "desired_goal",
		Reward:      diffReward,
	})
	require.NoError(t, err)

	batch, err := h.Sample(32)
	require.NoError(t, err)

	for row := range batch.Indices {
		assert.Equal(t, -1.0, batch.Extras["desired_goal"].At(row, 0))
		assert.Equal(t, 0.5, batch.Rew[row])
	}
}

// Relabeling is copy-on-sample: the stored goals never change
func TestHERStorageUntouched(t *testing.T) {
	m := twoEpisodes(t)
	h, err := New(m, Config{
		Strategy:    Final,
		Ratio:       1.0,
		AchievedKey: "achieved_goal",
		DesiredKey:  "desired_goal",
		Reward:      diffReward,
		Seed:        7,
	})
	require.NoError(t, err)

	_, err = h.Sample(64)
	require.NoError(t, err)

	indices := []int{0, 1, 2, 3, 4, 5, 6, 7, 8}
	stored, err := m.Field(indices, "desired_goal", 1)
	require.NoError(t, err)
	for i := range indices {
		assert.Equal(t, -1.0, stored.At(i, 0))
	}
}

func TestHERConfigValidation(t *testing.T) {
	m := twoEpisodes(t)
	base := Config{
		Strategy:    Future,
		Ratio:       0.8,
		AchievedKey: "achieved_goal",
		DesiredKey:  "desired_goal",
		Reward:      diffReward,
	}

	_, err := New(m, base)
	assert.NoError(t, err)

	bad := base
	bad.Ratio = 1.5
	_, err = New(m, bad)
	assert.Error(t, err)

	bad = base
	bad.Reward = nil
	_, err = New(m, bad)
	assert.Error(t, err)

	bad = base
	bad.AchievedKey = ""
	_, err = New(m, bad)
	assert.Error(t, err)

	bad = base
	bad.DesiredKey = "no_such_field"
	_, err = New(m, bad)
	assert.Error(t, err)

	bad = base
	bad.Strategy = Strategy(42)
	_, err = New(m, bad)
	assert.Error(t, err)
}

func TestHERMismatchedGoalDims(t *testing.T) {
	cfg := goalConfig()
	cfg.Extras = []replay.Field{
		{Name: "achieved_goal", Dim: 2},
		{Name: "desired_goal", Dim: 1},
	}
	m, err := cfg.Create()
	require.NoError(t, err)

	_, err = New(m, Config{
		Strategy:    Final,
		Ratio:       1.0,
		AchievedKey: "achieved_goal",
		DesiredKey:  "desired_goal",
		Reward:      diffReward,
	})
	assert.Error(t, err)
}
