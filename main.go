// Demo of the replay toolkit: runs goal-conditioned chain-walk
// environments in parallel, feeds their transitions into a prioritized
// vector buffer, samples with an annealed importance-sampling
// exponent, feeds synthetic TD errors back as priorities, and saves a
// snapshot of the final buffer state.
package main

import (
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog"
	"github.com/samuelfneumann/progressbar"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gorlkit/gorl/environment"
	"github.com/gorlkit/gorl/environment/chain"
	"github.com/gorlkit/gorl/replay"
	"github.com/gorlkit/gorl/timestep"
)

const (
	numEnvs   = 4
	steps     = 10_000
	batchSize = 32
	betaFinal = 1.0
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg := replay.Config{
		Capacity:      2_000,
		BufferCount:   numEnvs,
		ObsDim:        1,
		ActionDim:     1,
		StackNum:      1,
		IgnoreObsNext: true,
		Extras: []replay.Field{
			{Name: "achieved_goal", Dim: 1},
			{Name: "desired_goal", Dim: 1},
		},
		Alpha:      0.6,
		Beta:       0.4,
		WeightNorm: true,
		Seed:       192382,
	}
	buffer, err := cfg.CreatePrioritized()
	if err != nil {
		log.Fatal().Err(err).Msg("could not create buffer")
	}

	envs := make([]environment.GoalConditioned, numEnvs)
	last := make([]timestep.TimeStep, numEnvs)
	for i := range envs {
		env, err := chain.New(16, 64, uint64(1000+i))
		if err != nil {
			log.Fatal().Err(err).Msg("could not create environment")
		}
		envs[i] = env
		if last[i], err = env.Reset(); err != nil {
			log.Fatal().Err(err).Msg("could not reset environment")
		}
	}

	bar := progressbar.NewManual(65, steps)
	rng := rand.New(rand.NewSource(7))
	betaStart := cfg.Beta
	for step := 0; step < steps; step++ {
		ts := make([]timestep.Transition, numEnvs)
		for i, env := range envs {
			// Random-walk behaviour policy
			direction := 1.0
			if rng.Float64() < 0.5 {
				direction = -1.0
			}
			action := mat.NewVecDense(1, []float64{direction})

			next, err := env.Step(action)
			if err != nil {
				log.Fatal().Err(err).Msg("environment step failed")
			}

			t := timestep.FromSteps(last[i], action, next)
			t.Extras = map[string]mat.Vector{
				"achieved_goal": env.AchievedGoal(),
				"desired_goal":  env.DesiredGoal(),
			}
			ts[i] = t

			if next.Last() {
				if last[i], err = env.Reset(); err != nil {
					log.Fatal().Err(err).Msg("could not reset environment")
				}
			} else {
				last[i] = next
			}
		}

		_, stats, err := buffer.Add(ts)
		if err != nil {
			log.Fatal().Err(err).Msg("could not add transitions")
		}
		for i, stat := range stats {
			if stat != nil {
				log.Debug().Int("env", i).Float64("return", stat.Return).
					Int("length", stat.Length).Msg("episode finished")
			}
		}

		// Anneal beta towards 1 over the run
		fraction := float64(step) / float64(steps)
		if err := buffer.SetBeta(betaStart +
			fraction*(betaFinal-betaStart)); err != nil {
			log.Fatal().Err(err).Msg("could not anneal beta")
		}

		if buffer.Size() >= batchSize {
			batch, err := buffer.Sample(batchSize)
			if err != nil {
				log.Fatal().Err(err).Msg("could not sample")
			}

			// Stand-in TD errors: distance between achieved and
			// desired goals
			tdErrors := make([]float64, batch.Len())
			achieved := batch.Extras["achieved_goal"]
			desired := batch.Extras["desired_goal"]
			for i := range tdErrors {
				tdErrors[i] = math.Abs(achieved.At(i, 0) - desired.At(i, 0))
			}
			if err := buffer.UpdatePriorities(batch.Indices,
				tdErrors); err != nil {
				log.Fatal().Err(err).Msg("could not update priorities")
			}
		}

		bar.Increment()
		if step%100 == 0 {
			bar.Display()
		}
	}
	bar.Display()
	fmt.Println()

	dir := "./replay-snapshot"
	if err := buffer.Save(dir); err != nil {
		log.Fatal().Err(err).Msg("could not save snapshot")
	}
	log.Info().Int("size", buffer.Size()).Float64("beta", buffer.Beta()).
		Str("dir", dir).Msg("saved replay snapshot")
}
