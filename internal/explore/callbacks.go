package explore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/qgallouedec/go-explore/internal/archive"
	"github.com/qgallouedec/go-explore/internal/inverse"
	"github.com/qgallouedec/go-explore/internal/metrics"
)

// #region learner

// LearnerConfig tunes the inverse-model training callback.
type LearnerConfig struct {
	BatchSize     int
	TrainFreq     int
	GradientSteps int
}

// DefaultLearnerConfig returns the standard learner settings.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		BatchSize:     128,
		TrainFreq:     4000,
		GradientSteps: 4000,
	}
}

// InverseModelLearner retrains the inverse model from archive samples
// every TrainFreq environment steps. An under-filled archive is not
// an error: the gradient step is skipped until enough data exists.
type InverseModelLearner struct {
	trainer *inverse.Trainer
	buffer  *archive.Buffer
	cfg     LearnerConfig
	rec     metrics.Recorder
}

// NewInverseModelLearner wires a learner callback. Zero config fields
// fall back to defaults.
func NewInverseModelLearner(trainer *inverse.Trainer, buffer *archive.Buffer, cfg LearnerConfig, rec metrics.Recorder) *InverseModelLearner {
	def := DefaultLearnerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.TrainFreq <= 0 {
		cfg.TrainFreq = def.TrainFreq
	}
	if cfg.GradientSteps <= 0 {
		cfg.GradientSteps = def.GradientSteps
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &InverseModelLearner{trainer: trainer, buffer: buffer, cfg: cfg, rec: rec}
}

func (l *InverseModelLearner) OnStep(step int) error {
	if step%l.cfg.TrainFreq != 0 {
		return nil
	}
	for i := 0; i < l.cfg.GradientSteps; i++ {
		if err := l.TrainOnce(step); err != nil {
			return err
		}
	}
	return nil
}

// TrainOnce draws one batch and runs one gradient step, recording the
// prediction loss. It silently no-ops when the archive is too small.
func (l *InverseModelLearner) TrainOnce(step int) error {
	batch, err := l.buffer.Sample(l.cfg.BatchSize)
	if errors.Is(err, archive.ErrNotEnoughSamples) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("learner: %w", err)
	}
	loss, err := l.trainer.Step(batch.Obs, batch.NextObs, batch.Actions)
	if err != nil {
		return fmt.Errorf("learner: %w", err)
	}
	l.rec.Record("inverse_model/pred_loss", loss, step)
	return nil
}

// #endregion learner

// #region recompute

// RecomputeCell relabels the whole archive every freq environment
// steps. It must be placed after the learner in the callback list so
// the relabel sees the completed weight update for the same step.
type RecomputeCell struct {
	buffer *archive.Buffer
	freq   int
	store  *archive.Store // optional provenance sink
}

// NewRecomputeCell wires a recompute callback. store may be nil.
func NewRecomputeCell(buffer *archive.Buffer, freq int, store *archive.Store) *RecomputeCell {
	return &RecomputeCell{buffer: buffer, freq: freq, store: store}
}

func (r *RecomputeCell) OnStep(step int) error {
	if step%r.freq != 0 {
		return nil
	}
	if err := r.buffer.RecomputeCells(); err != nil {
		return fmt.Errorf("recompute: %w", err)
	}
	log.Printf("[ARCHIVE] relabeled %d transitions into %d cells (snapshot %s)",
		r.buffer.Len(), r.buffer.CellCount(), r.buffer.SnapshotID())
	if r.store != nil {
		err := r.store.LogRecompute(archive.RecomputeEntry{
			SnapshotID:  r.buffer.SnapshotID(),
			Transitions: r.buffer.Len(),
			Cells:       r.buffer.CellCount(),
		})
		if err != nil {
			// Provenance is a side effect; losing an entry is not
			// worth stopping the run.
			log.Printf("[ARCHIVE] recompute log failed: %v", err)
		}
	}
	return nil
}

// #endregion recompute

// #region snapshot

// CellScatter periodically renders the archive's cells (first two
// latent coordinates, sized by visit count) to a PNG. Pure
// diagnostics: every failure is logged and swallowed.
type CellScatter struct {
	buffer *archive.Buffer
	freq   int
	outDir string
}

// NewCellScatter wires a snapshot callback writing into outDir.
func NewCellScatter(buffer *archive.Buffer, freq int, outDir string) *CellScatter {
	return &CellScatter{buffer: buffer, freq: freq, outDir: outDir}
}

func (c *CellScatter) OnStep(step int) error {
	if step%c.freq != 0 {
		return nil
	}
	if err := c.render(step); err != nil {
		log.Printf("[SNAP] cell scatter at step %d failed: %v", step, err)
	}
	return nil
}

func (c *CellScatter) render(step int) error {
	records := c.buffer.Records()
	if len(records) == 0 {
		return nil
	}
	pts := make(plotter.XYs, len(records))
	for i, rec := range records {
		pts[i].X = rec.Cell[0]
		if len(rec.Cell) > 1 {
			pts[i].Y = rec.Cell[1]
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("archive cells, step %d (%d cells)", step, len(records))
	p.X.Label.Text = "latent[0]"
	p.Y.Label.Text = "latent[1]"
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("build scatter: %w", err)
	}
	p.Add(scatter)

	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	name := filepath.Join(c.outDir, fmt.Sprintf("cells_%08d.png", step))
	if err := p.Save(4*vg.Inch, 4*vg.Inch, name); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// #endregion snapshot
