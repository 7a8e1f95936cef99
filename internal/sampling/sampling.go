package sampling

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// #region errors
var (
	// ErrInvalidDistribution signals weights that cannot form a
	// probability simplex (all zero, or containing a negative entry).
	ErrInvalidDistribution = errors.New("sampling: invalid distribution")

	// ErrDegenerateBound signals a geometric upper bound of 1 or less,
	// for which no valid draw exists.
	ErrDegenerateBound = errors.New("sampling: geometric bound must exceed 1")
)

// #endregion errors

// #region index

// FirstIndex returns the index of the first row of haystack that
// elementwise-equals needle. The second return is false when no row
// matches, including for an empty haystack.
func FirstIndex(needle []float64, haystack [][]float64) (int, bool) {
	idxs := AllIndexes(needle, haystack)
	if len(idxs) == 0 {
		return 0, false
	}
	return idxs[0], true
}

// AllIndexes returns every index of haystack whose row
// elementwise-equals needle. An empty haystack yields an empty slice.
func AllIndexes(needle []float64, haystack [][]float64) []int {
	idxs := []int{}
	for i, row := range haystack {
		if equal(needle, row) {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// #endregion index

// #region geometric

// Geometric draws from a geometric distribution with success
// probability 1/mean, resampling until the draw is strictly below
// maxValue. The mean is clamped below at maxValue/20 so the expected
// number of resampling attempts stays bounded. The returned value is
// always in [1, maxValue).
//
// maxValue <= 1 leaves no admissible value and would loop forever, so
// it is rejected with ErrDegenerateBound.
func Geometric(rng *rand.Rand, mean, maxValue float64) (int, error) {
	if maxValue <= 1 {
		return 0, fmt.Errorf("%w: maxValue=%g", ErrDegenerateBound, maxValue)
	}
	if mean < maxValue/20 {
		mean = maxValue / 20
	}
	p := 1 / mean
	for {
		value := draw(rng, p)
		if float64(value) < maxValue {
			return value, nil
		}
	}
}

// draw samples the support {1, 2, ...} by inverting the geometric CDF.
func draw(rng *rand.Rand, p float64) int {
	if p >= 1 {
		return 1
	}
	u := rng.Float64()
	return 1 + int(math.Floor(math.Log1p(-u)/math.Log(1-p)))
}

// #endregion geometric

// #region categorical

// Categorical normalizes weights to a probability simplex and draws
// one index proportionally. Weights that are all zero or contain a
// negative entry yield ErrInvalidDistribution.
func Categorical(src xrand.Source, weights []float64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("%w: no weights", ErrInvalidDistribution)
	}
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return 0, fmt.Errorf("%w: negative weight %g", ErrInvalidDistribution, w)
		}
		sum += w
	}
	if sum == 0 {
		return 0, fmt.Errorf("%w: weights sum to zero", ErrInvalidDistribution)
	}
	dist := distuv.NewCategorical(weights, src)
	return int(dist.Rand()), nil
}

// #endregion categorical
