package archive

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/qgallouedec/go-explore/internal/cells"
	"github.com/qgallouedec/go-explore/internal/sampling"
)

// stubFactory quantizes the first two observation coordinates after
// scaling. Changing Scale stands in for an encoder weight update.
type stubFactory struct {
	Scale float64
}

func (f *stubFactory) ComputeCells(obs *mat.Dense) []cells.Cell {
	rows, _ := obs.Dims()
	out := make([]cells.Cell, rows)
	for i := 0; i < rows; i++ {
		out[i] = cells.Cell{
			math.Round(obs.At(i, 0) * f.Scale),
			math.Round(obs.At(i, 1) * f.Scale),
		}
	}
	return out
}

func (f *stubFactory) CellSize() int { return 2 }

func testBuffer(t *testing.T, factory cells.Factory) *Buffer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = 64
	b, err := NewBuffer(cfg, factory, 3, 2)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	return b
}

func trans(obs ...float64) Transition {
	return Transition{
		Obs:     obs,
		NextObs: []float64{0, 0, 0},
		Action:  []float64{0, 0},
	}
}

func TestAppendCreatesAndCountsRecords(t *testing.T) {
	b := testBuffer(t, &stubFactory{Scale: 1})

	// Two observations in cell (1,0), one in cell (2,0).
	for _, obs := range [][]float64{{1, 0, 0}, {1.2, 0, 5}, {2, 0, 0}} {
		if _, err := b.Append(trans(obs...)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if b.Len() != 3 {
		t.Fatalf("expected 3 transitions, got %d", b.Len())
	}
	if b.CellCount() != 2 {
		t.Fatalf("expected 2 cells, got %d", b.CellCount())
	}

	rec, ok := b.Record(cells.Cell{1, 0})
	if !ok {
		t.Fatal("expected record for cell (1,0)")
	}
	if rec.Count != 2 {
		t.Fatalf("expected count 2, got %d", rec.Count)
	}
	// Most recent visit holds the restore point.
	if rec.BestIndex != 1 {
		t.Fatalf("expected best index 1, got %d", rec.BestIndex)
	}
}

func TestAppendRejectsShapeMismatch(t *testing.T) {
	b := testBuffer(t, &stubFactory{Scale: 1})
	if _, err := b.Append(Transition{Obs: []float64{1}, NextObs: []float64{0, 0, 0}, Action: []float64{0, 0}}); err == nil {
		t.Fatal("expected error on observation width mismatch")
	}
	if _, err := b.Append(Transition{Obs: []float64{0, 0, 0}, NextObs: []float64{0, 0, 0}, Action: []float64{0}}); err == nil {
		t.Fatal("expected error on action width mismatch")
	}
}

func TestSampleInsufficientBuffer(t *testing.T) {
	b := testBuffer(t, &stubFactory{Scale: 1})
	for i := 0; i < 5; i++ {
		if _, err := b.Append(trans(float64(i), 0, 0)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_, err := b.Sample(10)
	if !errors.Is(err, ErrNotEnoughSamples) {
		t.Fatalf("expected ErrNotEnoughSamples, got %v", err)
	}
}

func TestSampleShapes(t *testing.T) {
	b := testBuffer(t, &stubFactory{Scale: 1})
	for i := 0; i < 20; i++ {
		if _, err := b.Append(trans(float64(i), 1, 2)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	batch, err := b.Sample(8)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if r, c := batch.Obs.Dims(); r != 8 || c != 3 {
		t.Fatalf("obs batch %dx%d, want 8x3", r, c)
	}
	if r, c := batch.Actions.Dims(); r != 8 || c != 2 {
		t.Fatalf("action batch %dx%d, want 8x2", r, c)
	}
	if len(batch.Rewards) != 8 || len(batch.Dones) != 8 {
		t.Fatal("rewards/dones length mismatch")
	}
}

func TestRecomputeRelabelsEverything(t *testing.T) {
	factory := &stubFactory{Scale: 1}
	b := testBuffer(t, factory)
	for i := 0; i < 30; i++ {
		if _, err := b.Append(trans(float64(i%5), float64(i%3), 0)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	before := b.SnapshotID()

	// Representation drift: the factory now maps observations
	// elsewhere. Until recompute, labels are stale by contract.
	factory.Scale = 2
	if err := b.RecomputeCells(); err != nil {
		t.Fatalf("RecomputeCells: %v", err)
	}

	if b.SnapshotID() == before {
		t.Fatal("snapshot ID must change on relabel")
	}
	for i := 0; i < b.Len(); i++ {
		tr := b.Get(i)
		want := factory.ComputeCells(mat.NewDense(1, 3, tr.Obs))[0]
		if !tr.Cell.Equal(want) {
			t.Fatalf("transition %d label %v, want %v", i, tr.Cell, want)
		}
	}

	// Record table must be fully consistent with the new labels.
	total := 0
	for _, rec := range b.Records() {
		total += rec.Count
		if !b.Get(rec.BestIndex).Cell.Equal(rec.Cell) {
			t.Fatalf("best index %d does not lie in cell %v", rec.BestIndex, rec.Cell)
		}
	}
	if total != b.Len() {
		t.Fatalf("record counts sum to %d, want %d", total, b.Len())
	}
}

func TestRecomputeIdempotent(t *testing.T) {
	factory := &stubFactory{Scale: 1.5}
	b := testBuffer(t, factory)
	for i := 0; i < 25; i++ {
		if _, err := b.Append(trans(float64(i)/3, float64(i)/7, 0)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := b.RecomputeCells(); err != nil {
		t.Fatalf("RecomputeCells: %v", err)
	}
	labels1 := make([]cells.Cell, b.Len())
	for i := range labels1 {
		labels1[i] = b.Get(i).Cell
	}
	records1 := b.Records()

	if err := b.RecomputeCells(); err != nil {
		t.Fatalf("RecomputeCells: %v", err)
	}
	for i := 0; i < b.Len(); i++ {
		if !b.Get(i).Cell.Equal(labels1[i]) {
			t.Fatalf("label %d changed without a weight update", i)
		}
	}
	records2 := b.Records()
	if len(records1) != len(records2) {
		t.Fatalf("record count changed: %d vs %d", len(records1), len(records2))
	}
	for i := range records1 {
		if !records1[i].Cell.Equal(records2[i].Cell) ||
			records1[i].Count != records2[i].Count ||
			records1[i].BestIndex != records2[i].BestIndex {
			t.Fatalf("record %d changed: %+v vs %+v", i, records1[i], records2[i])
		}
	}
}

func TestSelectCellFavorsRareCells(t *testing.T) {
	b := testBuffer(t, &stubFactory{Scale: 1})
	// Cell (0,0) visited once, cell (1,0) visited nine times.
	if _, err := b.Append(trans(0, 0, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	for i := 0; i < 9; i++ {
		if _, err := b.Append(trans(1, 0, 0)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rare := 0
	n := 5000
	for i := 0; i < n; i++ {
		rec, err := b.SelectCell()
		if err != nil {
			t.Fatalf("SelectCell: %v", err)
		}
		if rec.Cell.Equal(cells.Cell{0, 0}) {
			rare++
		}
	}
	// With count_pow=1 the rare cell carries weight 1 vs 1/9.
	got := float64(rare) / float64(n)
	if got <= 0.5 {
		t.Fatalf("rare cell selected %f of the time, expected a strong majority", got)
	}
}

func TestSelectCellEmptyArchive(t *testing.T) {
	b := testBuffer(t, &stubFactory{Scale: 1})
	if _, err := b.SelectCell(); !errors.Is(err, sampling.ErrInvalidDistribution) {
		t.Fatalf("expected ErrInvalidDistribution, got %v", err)
	}
}

func TestRingEvictionKeepsRecordsConsistent(t *testing.T) {
	factory := &stubFactory{Scale: 1}
	cfg := DefaultConfig()
	cfg.Capacity = 4
	b, err := NewBuffer(cfg, factory, 3, 2)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := b.Append(trans(float64(i), 0, 0)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if b.Len() != 4 {
		t.Fatalf("expected capacity-bounded length 4, got %d", b.Len())
	}

	total := 0
	for _, rec := range b.Records() {
		total += rec.Count
		if !b.Get(rec.BestIndex).Cell.Equal(rec.Cell) {
			t.Fatalf("best index %d stale for cell %v", rec.BestIndex, rec.Cell)
		}
	}
	if total != 4 {
		t.Fatalf("record counts sum to %d, want 4", total)
	}
}

func TestIndexesOfCell(t *testing.T) {
	b := testBuffer(t, &stubFactory{Scale: 1})
	for _, obs := range [][]float64{{1, 1, 0}, {2, 2, 0}, {1, 1, 9}} {
		if _, err := b.Append(trans(obs...)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	idxs := b.IndexesOfCell(cells.Cell{1, 1})
	if len(idxs) != 2 || idxs[0] != 0 || idxs[1] != 2 {
		t.Fatalf("expected indexes [0 2], got %v", idxs)
	}
	if got := b.IndexesOfCell(cells.Cell{9, 9}); len(got) != 0 {
		t.Fatalf("expected no indexes, got %v", got)
	}
}
