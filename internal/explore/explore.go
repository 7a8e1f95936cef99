// Package explore runs the Go-Explore loop: select a promising cell
// from the archive, restore the environment to that cell's best known
// transition, explore onward for a geometrically sampled horizon and
// append everything back into the archive. The cell representation is
// the inverse model's encoder, retrained on the archive by the
// learner callback and periodically re-applied to every stored
// transition by the recompute callback.
package explore

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"

	"github.com/qgallouedec/go-explore/internal/archive"
	"github.com/qgallouedec/go-explore/internal/cells"
	"github.com/qgallouedec/go-explore/internal/inverse"
	"github.com/qgallouedec/go-explore/internal/metrics"
	"github.com/qgallouedec/go-explore/internal/sampling"
)

// #region spaces

// Space describes an observation or action space by shape alone.
// Rank-1 shapes are vector spaces; rank-3 shapes (channels, height,
// width) are image spaces.
type Space struct {
	Shape []int
}

// Size returns the flattened width.
func (s Space) Size() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// IsImage reports whether the space is a channel-height-width image.
func (s Space) IsImage() bool {
	return len(s.Shape) == 3
}

// #endregion spaces

// #region contracts

// Environment is the consumed environment contract: step/reset
// semantics plus a state-restore primitive. Restore must
// deterministically put the environment back into the state that
// produced the given observation. Returned observation slices become
// owned by the caller and must be fresh on every call.
type Environment interface {
	Reset() []float64
	Step(action []float64) (obs []float64, reward float64, done bool)
	Restore(obs []float64)
	ObservationSpace() Space
	ActionSpace() Space
}

// Policy is the trainer's action selection, consumed as-is.
type Policy interface {
	SelectAction(obs []float64) []float64
}

// Callback runs once per environment step, in list order. Weight
// updates and relabeling are sequenced here: the learner callback
// must precede the recompute callback so a relabel always observes a
// fully-updated snapshot.
type Callback interface {
	OnStep(step int) error
}

// #endregion contracts

// #region config

// Config holds the exploration hyperparameters.
type Config struct {
	// CountPow is the cell-selection exponent (see archive.Config).
	CountPow float64

	// LatentSize overrides the cell dimensionality. Zero selects the
	// default for the space kind: 2 for vectors, 16 for images.
	LatentSize int

	// Width is the hidden width of the linear inverse model.
	Width int

	LearningRate float64
	BatchSize    int

	// MeanHorizon and MaxHorizon parameterize the geometric draw for
	// each onward-exploration burst.
	MeanHorizon float64
	MaxHorizon  float64

	BufferCapacity int
	Seed           int64
}

// DefaultConfig returns the standard exploration configuration.
func DefaultConfig() Config {
	return Config{
		CountPow:       1,
		Width:          16,
		LearningRate:   1e-3,
		BatchSize:      128,
		MeanHorizon:    10,
		MaxHorizon:     100,
		BufferCapacity: 100_000,
		Seed:           1,
	}
}

const (
	defaultVectorLatent = 2
	defaultImageLatent  = 16
)

// #endregion config

// #region explorer

// Explorer drives the loop and owns the wiring between the inverse
// model, the cell factory and the archive.
type Explorer struct {
	env    Environment
	policy Policy
	cfg    Config

	model   inverse.Model
	factory *cells.InverseModelCelling
	buffer  *archive.Buffer

	rng          *rand.Rand
	runID        string
	numTimesteps int
}

// New builds an explorer for env, choosing the encoder variant from
// the observation space. Shape problems surface here, not per step.
func New(env Environment, policy Policy, cfg Config) (*Explorer, error) {
	if cfg.MaxHorizon <= 1 {
		return nil, fmt.Errorf("explore: max horizon must exceed 1, got %g", cfg.MaxHorizon)
	}

	obsSpace := env.ObservationSpace()
	actionSize := env.ActionSpace().Size()
	rng := rand.New(rand.NewSource(cfg.Seed))

	var model inverse.Model
	var err error
	switch {
	case obsSpace.IsImage():
		if obsSpace.Size() != inverse.ConvObsSize {
			return nil, fmt.Errorf("explore: image space %v, conv encoder expects %dx%dx%d",
				obsSpace.Shape, inverse.ConvChannels, inverse.ConvHeight, inverse.ConvWidth)
		}
		model, err = inverse.NewConv(rng, actionSize, latentOr(cfg.LatentSize, defaultImageLatent))
	case len(obsSpace.Shape) == 1:
		model, err = inverse.NewLinear(rng, obsSpace.Size(), actionSize,
			latentOr(cfg.LatentSize, defaultVectorLatent), cfg.Width)
	default:
		return nil, fmt.Errorf("explore: unsupported observation shape %v", obsSpace.Shape)
	}
	if err != nil {
		return nil, fmt.Errorf("explore: build inverse model: %w", err)
	}

	factory := cells.NewInverseModelCelling(model)
	buffer, err := archive.NewBuffer(archive.Config{
		Capacity:       cfg.BufferCapacity,
		CountPow:       cfg.CountPow,
		RecomputeBatch: 256,
		Seed:           uint64(cfg.Seed),
	}, factory, obsSpace.Size(), actionSize)
	if err != nil {
		return nil, fmt.Errorf("explore: build archive: %w", err)
	}

	return &Explorer{
		env:     env,
		policy:  policy,
		cfg:     cfg,
		model:   model,
		factory: factory,
		buffer:  buffer,
		rng:     rng,
		runID:   uuid.New().String(),
	}, nil
}

func latentOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Archive returns the explorer's archive buffer.
func (e *Explorer) Archive() *archive.Buffer {
	return e.buffer
}

// Model returns the inverse model whose encoder defines the cells.
func (e *Explorer) Model() inverse.Model {
	return e.model
}

// RunID identifies this explorer instance.
func (e *Explorer) RunID() string {
	return e.runID
}

// NumTimesteps returns the running environment step count.
func (e *Explorer) NumTimesteps() int {
	return e.numTimesteps
}

// #endregion explorer

// #region explore

// Explore runs the loop for totalTimesteps environment steps,
// invoking every callback once per step. Cancellation is
// coarse-grained: ctx is checked between steps only.
func (e *Explorer) Explore(ctx context.Context, totalTimesteps int, callbacks []Callback, resetNumTimesteps bool) error {
	if resetNumTimesteps {
		e.numTimesteps = 0
	}
	budget := e.numTimesteps + totalTimesteps
	obs := e.env.Reset()

	for e.numTimesteps < budget {
		// Go back to a promising cell when the archive has one; the
		// very first burst explores from the initial state instead.
		if e.buffer.CellCount() > 0 {
			rec, err := e.buffer.SelectCell()
			if err != nil {
				return fmt.Errorf("explore: %w", err)
			}
			target := e.buffer.Get(rec.BestIndex)
			e.env.Restore(target.Obs)
			obs = append([]float64(nil), target.Obs...)
		}

		horizon, err := sampling.Geometric(e.rng, e.cfg.MeanHorizon, e.cfg.MaxHorizon)
		if err != nil {
			return fmt.Errorf("explore: %w", err)
		}

		for h := 0; h < horizon && e.numTimesteps < budget; h++ {
			select {
			case <-ctx.Done():
				log.Printf("[EXPLORE] stopped at step %d: %v", e.numTimesteps, ctx.Err())
				return ctx.Err()
			default:
			}

			action := e.policy.SelectAction(obs)
			next, reward, done := e.env.Step(action)
			_, err := e.buffer.Append(archive.Transition{
				Obs:     obs,
				NextObs: next,
				Action:  action,
				Reward:  reward,
				Done:    done,
			})
			if err != nil {
				return fmt.Errorf("explore: append: %w", err)
			}
			e.numTimesteps++

			for _, cb := range callbacks {
				if err := cb.OnStep(e.numTimesteps); err != nil {
					return fmt.Errorf("explore: callback at step %d: %w", e.numTimesteps, err)
				}
			}

			if done {
				obs = e.env.Reset()
				break
			}
			obs = next
		}
	}
	return nil
}

// ExploreOptions configures ExploreWithDefaults.
type ExploreOptions struct {
	// UpdateCellFactoryFreq is both the training trigger and the
	// relabel trigger, in environment steps.
	UpdateCellFactoryFreq int

	// SnapshotDir enables periodic cell-scatter dumps when non-empty.
	SnapshotDir  string
	SnapshotFreq int

	// Store, when set, receives recompute provenance entries.
	Store *archive.Store

	Recorder          metrics.Recorder
	ResetNumTimesteps bool
}

// ExploreWithDefaults is the standard entry point: it wires the
// learner, recompute and snapshot callbacks the way a full run uses
// them and delegates to Explore. The learner precedes the recompute
// callback, so a relabel within the same step always sees the
// finished weight update.
func (e *Explorer) ExploreWithDefaults(ctx context.Context, totalTimesteps int, opts ExploreOptions) error {
	if opts.UpdateCellFactoryFreq <= 0 {
		opts.UpdateCellFactoryFreq = 3000
	}
	if opts.SnapshotFreq <= 0 {
		opts.SnapshotFreq = 1000
	}
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.LogRecorder{}
	}

	trainer := inverse.NewTrainer(e.model, e.cfg.LearningRate)
	callbacks := []Callback{
		NewInverseModelLearner(trainer, e.buffer, LearnerConfig{
			BatchSize:     e.cfg.BatchSize,
			TrainFreq:     opts.UpdateCellFactoryFreq,
			GradientSteps: opts.UpdateCellFactoryFreq,
		}, rec),
		NewRecomputeCell(e.buffer, opts.UpdateCellFactoryFreq, opts.Store),
	}
	if opts.SnapshotDir != "" {
		callbacks = append(callbacks, NewCellScatter(e.buffer, opts.SnapshotFreq, opts.SnapshotDir))
	}

	log.Printf("[EXPLORE] run %s: %d timesteps, update freq %d", e.runID, totalTimesteps, opts.UpdateCellFactoryFreq)
	return e.Explore(ctx, totalTimesteps, callbacks, opts.ResetNumTimesteps)
}

// #endregion explore
