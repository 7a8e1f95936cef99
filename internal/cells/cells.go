// Package cells defines the discrete abstraction of observations: a
// cell is an encoder latent rounded to the nearest integer grid
// point. Many observations map to one cell; two cells are the same
// exactly when their quantized vectors are elementwise equal.
package cells

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/qgallouedec/go-explore/internal/inverse"
)

// #region cell

// Cell is a quantized latent vector. Every coordinate is an integer
// value stored as float64.
type Cell []float64

// Key returns a string form usable as a map key. Cells are equal iff
// their keys are equal.
func (c Cell) Key() string {
	var b strings.Builder
	for i, v := range c {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(int64(v), 10))
	}
	return b.String()
}

// ParseKey reconstructs a cell from its Key form.
func ParseKey(key string) (Cell, error) {
	if key == "" {
		return nil, errors.New("cells: empty key")
	}
	parts := strings.Split(key, ",")
	cell := make(Cell, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cells: parse key %q: %w", key, err)
		}
		cell[i] = float64(v)
	}
	return cell, nil
}

// Equal reports elementwise equality.
func (c Cell) Equal(other Cell) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// #endregion cell

// #region factory

// Factory derives cells from observations. Implementations must not
// mutate any shared state beyond a transient inference-mode toggle;
// callers serialize ComputeCells against weight updates.
type Factory interface {
	// ComputeCells maps a batch of flattened observations (one per
	// row) to their cells under the current encoder snapshot.
	ComputeCells(obs *mat.Dense) []Cell

	// CellSize returns the cell dimensionality.
	CellSize() int
}

// #endregion factory

// #region inverse-model-celling

// InverseModelCelling derives cells from the inverse model's encoder.
// It reads the shared weights, never writes them.
type InverseModelCelling struct {
	model inverse.Model
}

// NewInverseModelCelling wraps model as a cell factory.
func NewInverseModelCelling(model inverse.Model) *InverseModelCelling {
	return &InverseModelCelling{model: model}
}

func (f *InverseModelCelling) ComputeCells(obs *mat.Dense) []Cell {
	f.model.SetTraining(false)
	latent := f.model.Encode(obs)
	rows, cols := latent.Dims()
	out := make([]Cell, rows)
	for i := 0; i < rows; i++ {
		cell := make(Cell, cols)
		for j := 0; j < cols; j++ {
			// +0 normalizes -0 so keys stay canonical.
			cell[j] = math.Round(latent.At(i, j)) + 0
		}
		out[i] = cell
	}
	return out
}

func (f *InverseModelCelling) CellSize() int {
	return f.model.LatentSize()
}

// #endregion inverse-model-celling
