// Package archive implements the exploration archive: a replay buffer
// whose transitions carry cell labels, plus the per-cell bookkeeping
// (visit counts, best restore points) that drives cell selection.
// Labels are always consistent with exactly one encoder snapshot: the
// one current at the last full relabel, or at append time for
// transitions added since. RecomputeCells closes the staleness window
// after the encoder is retrained.
package archive

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/qgallouedec/go-explore/internal/cells"
	"github.com/qgallouedec/go-explore/internal/sampling"
)

// #region errors

// ErrNotEnoughSamples signals a sample request larger than the stored
// transition count. Callers skip the training step on it.
var ErrNotEnoughSamples = errors.New("archive: not enough stored transitions")

// #endregion errors

// #region types

// Transition is one environment step. Once appended it is owned by
// the buffer; only the Cell label is ever rewritten, in bulk, during
// recomputation.
type Transition struct {
	Obs     []float64
	NextObs []float64
	Action  []float64
	Reward  float64
	Done    bool
	Cell    cells.Cell
}

// CellRecord aggregates one distinct cell: how often it was visited
// and which transition to restore to when it is selected. The most
// recent visit always holds the restore point.
type CellRecord struct {
	Cell      cells.Cell
	Count     int
	BestIndex int
}

// Batch is a uniform sample of stored transitions, one row per
// transition.
type Batch struct {
	Obs     *mat.Dense
	NextObs *mat.Dense
	Actions *mat.Dense
	Rewards []float64
	Dones   []bool
}

// Config holds buffer tuning knobs.
type Config struct {
	// Capacity is the ring size; the oldest transitions are
	// overwritten once it is reached.
	Capacity int

	// CountPow shapes selection: a cell visited c times is weighted
	// 1/c^CountPow. Higher values favor rare cells more aggressively.
	CountPow float64

	// RecomputeBatch bounds how many observations are encoded per
	// chunk during a full relabel.
	RecomputeBatch int

	// Seed feeds the buffer's sampling RNGs.
	Seed uint64
}

// DefaultConfig returns the standard buffer configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:       100_000,
		CountPow:       1,
		RecomputeBatch: 256,
		Seed:           1,
	}
}

// #endregion types

// #region buffer

// Buffer is the exploration archive.
type Buffer struct {
	cfg        Config
	factory    cells.Factory
	obsSize    int
	actionSize int

	transitions []Transition
	pos         int
	full        bool

	records map[string]*CellRecord
	keys    []string // distinct cells in first-seen order

	snapshotID string
	rng        *rand.Rand
	src        xrand.Source
}

// NewBuffer creates an archive that labels observations of width
// obsSize through factory.
func NewBuffer(cfg Config, factory cells.Factory, obsSize, actionSize int) (*Buffer, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("archive: capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.RecomputeBatch <= 0 {
		return nil, fmt.Errorf("archive: recompute batch must be positive, got %d", cfg.RecomputeBatch)
	}
	if obsSize <= 0 || actionSize <= 0 {
		return nil, fmt.Errorf("archive: non-positive shape (obs=%d action=%d)", obsSize, actionSize)
	}
	return &Buffer{
		cfg:         cfg,
		factory:     factory,
		obsSize:     obsSize,
		actionSize:  actionSize,
		transitions: make([]Transition, 0, cfg.Capacity),
		records:     make(map[string]*CellRecord),
		snapshotID:  uuid.New().String(),
		rng:         rand.New(rand.NewSource(int64(cfg.Seed))),
		src:         xrand.NewSource(cfg.Seed),
	}, nil
}

// #endregion buffer

// #region append

// Append stores t, labels it under the current encoder snapshot and
// updates its cell's record. It returns the storage index.
func (b *Buffer) Append(t Transition) (int, error) {
	if len(t.Obs) != b.obsSize || len(t.NextObs) != b.obsSize {
		return 0, fmt.Errorf("archive: observation width %d/%d, want %d", len(t.Obs), len(t.NextObs), b.obsSize)
	}
	if len(t.Action) != b.actionSize {
		return 0, fmt.Errorf("archive: action width %d, want %d", len(t.Action), b.actionSize)
	}

	obs := mat.NewDense(1, b.obsSize, t.Obs)
	t.Cell = b.factory.ComputeCells(obs)[0]

	idx := b.pos
	if b.full {
		evicted := b.transitions[idx]
		b.transitions[idx] = t
		b.advance()
		if b.evict(evicted, idx) {
			// The rebuild already replayed the slot's new occupant.
			return idx, nil
		}
	} else {
		b.transitions = append(b.transitions, t)
		b.advance()
	}
	b.visit(t.Cell, idx)
	return idx, nil
}

func (b *Buffer) advance() {
	b.pos++
	if b.pos == b.cfg.Capacity {
		b.pos = 0
		b.full = true
	}
}

// visit applies one observation of cell at index idx to the record
// table. The latest visit takes the restore point.
func (b *Buffer) visit(cell cells.Cell, idx int) {
	key := cell.Key()
	rec, ok := b.records[key]
	if !ok {
		rec = &CellRecord{Cell: append(cells.Cell(nil), cell...)}
		b.records[key] = rec
		b.keys = append(b.keys, key)
	}
	rec.Count++
	rec.BestIndex = idx
}

// evict removes the overwritten transition's contribution. If the
// record's restore point died with the slot, the whole table is
// rebuilt (reporting true); otherwise only the count drops.
func (b *Buffer) evict(old Transition, idx int) bool {
	key := old.Cell.Key()
	rec, ok := b.records[key]
	if !ok {
		return false
	}
	if rec.BestIndex == idx {
		b.rebuildRecords()
		return true
	}
	rec.Count--
	if rec.Count <= 0 {
		delete(b.records, key)
		b.removeKey(key)
	}
	return false
}

func (b *Buffer) removeKey(key string) {
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			return
		}
	}
}

// #endregion append

// #region sample

// Sample draws batchSize transitions uniformly at random. It returns
// ErrNotEnoughSamples when fewer transitions are stored; callers must
// treat that as "skip this step", not as fatal.
func (b *Buffer) Sample(batchSize int) (Batch, error) {
	n := b.Len()
	if batchSize <= 0 {
		return Batch{}, fmt.Errorf("archive: batch size must be positive, got %d", batchSize)
	}
	if n < batchSize {
		return Batch{}, fmt.Errorf("%w: have %d, want %d", ErrNotEnoughSamples, n, batchSize)
	}

	batch := Batch{
		Obs:     mat.NewDense(batchSize, b.obsSize, nil),
		NextObs: mat.NewDense(batchSize, b.obsSize, nil),
		Actions: mat.NewDense(batchSize, b.actionSize, nil),
		Rewards: make([]float64, batchSize),
		Dones:   make([]bool, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		t := b.transitions[b.rng.Intn(n)]
		batch.Obs.SetRow(i, t.Obs)
		batch.NextObs.SetRow(i, t.NextObs)
		batch.Actions.SetRow(i, t.Action)
		batch.Rewards[i] = t.Reward
		batch.Dones[i] = t.Done
	}
	return batch, nil
}

// #endregion sample

// #region recompute

// RecomputeCells relabels every stored transition under the cell
// factory's current encoder snapshot, then rebuilds the record table
// from scratch. Labels from different snapshots are not comparable,
// so nothing is patched incrementally.
func (b *Buffer) RecomputeCells() error {
	n := b.Len()
	for start := 0; start < n; start += b.cfg.RecomputeBatch {
		end := start + b.cfg.RecomputeBatch
		if end > n {
			end = n
		}
		obs := mat.NewDense(end-start, b.obsSize, nil)
		for i := start; i < end; i++ {
			obs.SetRow(i-start, b.transitions[i].Obs)
		}
		for i, cell := range b.factory.ComputeCells(obs) {
			b.transitions[start+i].Cell = cell
		}
	}
	b.rebuildRecords()
	b.snapshotID = uuid.New().String()
	return nil
}

// rebuildRecords replays all stored transitions oldest-first, so the
// most recent visit to each cell ends up holding the restore point.
func (b *Buffer) rebuildRecords() {
	b.records = make(map[string]*CellRecord)
	b.keys = nil
	for _, idx := range b.chrono() {
		b.visit(b.transitions[idx].Cell, idx)
	}
}

// chrono returns storage indices from oldest to newest.
func (b *Buffer) chrono() []int {
	n := b.Len()
	idxs := make([]int, 0, n)
	if b.full {
		for i := b.pos; i < n; i++ {
			idxs = append(idxs, i)
		}
	}
	for i := 0; i < b.pos; i++ {
		idxs = append(idxs, i)
	}
	return idxs
}

// #endregion recompute

// #region select

// SelectCell picks the next cell to return to, weighted by
// 1/count^CountPow: rarely-visited cells are favored. An archive with
// no cells yields sampling.ErrInvalidDistribution, which is a hard
// failure (nothing to explore from).
func (b *Buffer) SelectCell() (CellRecord, error) {
	weights := make([]float64, len(b.keys))
	for i, key := range b.keys {
		rec := b.records[key]
		weights[i] = 1 / math.Pow(float64(rec.Count), b.cfg.CountPow)
	}
	idx, err := sampling.Categorical(b.src, weights)
	if err != nil {
		return CellRecord{}, fmt.Errorf("select cell: %w", err)
	}
	return *b.records[b.keys[idx]], nil
}

// #endregion select

// #region accessors

// Len returns the number of stored transitions.
func (b *Buffer) Len() int {
	if b.full {
		return b.cfg.Capacity
	}
	return b.pos
}

// Get returns the transition at storage index i.
func (b *Buffer) Get(i int) Transition {
	return b.transitions[i]
}

// CellCount returns the number of distinct cells currently recorded.
func (b *Buffer) CellCount() int {
	return len(b.records)
}

// Records returns a copy of every cell record, in first-seen order.
func (b *Buffer) Records() []CellRecord {
	out := make([]CellRecord, 0, len(b.keys))
	for _, key := range b.keys {
		out = append(out, *b.records[key])
	}
	return out
}

// Record returns the record for cell, if any.
func (b *Buffer) Record(cell cells.Cell) (CellRecord, bool) {
	rec, ok := b.records[cell.Key()]
	if !ok {
		return CellRecord{}, false
	}
	return *rec, true
}

// IndexesOfCell returns every storage index whose label equals cell.
func (b *Buffer) IndexesOfCell(cell cells.Cell) []int {
	labels := make([][]float64, b.Len())
	for i := 0; i < b.Len(); i++ {
		labels[i] = b.transitions[i].Cell
	}
	return sampling.AllIndexes(cell, labels)
}

// SnapshotID identifies the encoder snapshot the stored labels
// correspond to. It changes on every full relabel.
func (b *Buffer) SnapshotID() string {
	return b.snapshotID
}

// Restore refills an empty buffer from previously stored transitions,
// preserving their labels, and rebuilds the record table.
func (b *Buffer) Restore(ts []Transition) error {
	if b.Len() != 0 {
		return errors.New("archive: restore into non-empty buffer")
	}
	for _, t := range ts {
		if len(t.Obs) != b.obsSize || len(t.NextObs) != b.obsSize || len(t.Action) != b.actionSize {
			return fmt.Errorf("archive: stored transition shape mismatch")
		}
		if b.full {
			b.transitions[b.pos] = t
		} else {
			b.transitions = append(b.transitions, t)
		}
		b.advance()
	}
	b.rebuildRecords()
	return nil
}

// #endregion accessors
