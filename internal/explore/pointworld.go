package explore

import "math/rand"

// #region pointworld

// PointWorld is a deterministic continuous world used by the explore
// binary and the tests: the agent is a point in a bounded box, the
// action is a displacement, the observation is the position. Restore
// teleports the point, which makes the state-restore contract exact.
type PointWorld struct {
	dim        int
	bound      float64
	episodeLen int

	pos []float64
	t   int
}

// NewPointWorld creates a dim-dimensional world bounded to
// [-bound, bound] with episodes of episodeLen steps.
func NewPointWorld(dim, episodeLen int, bound float64) *PointWorld {
	return &PointWorld{
		dim:        dim,
		bound:      bound,
		episodeLen: episodeLen,
		pos:        make([]float64, dim),
	}
}

func (w *PointWorld) Reset() []float64 {
	for i := range w.pos {
		w.pos[i] = 0
	}
	w.t = 0
	return w.observation()
}

func (w *PointWorld) Step(action []float64) ([]float64, float64, bool) {
	for i := range w.pos {
		w.pos[i] += clip(action[i], -1, 1)
		w.pos[i] = clip(w.pos[i], -w.bound, w.bound)
	}
	w.t++
	return w.observation(), 0, w.t >= w.episodeLen
}

func (w *PointWorld) Restore(obs []float64) {
	copy(w.pos, obs)
	w.t = 0
}

func (w *PointWorld) ObservationSpace() Space {
	return Space{Shape: []int{w.dim}}
}

func (w *PointWorld) ActionSpace() Space {
	return Space{Shape: []int{w.dim}}
}

func (w *PointWorld) observation() []float64 {
	return append([]float64(nil), w.pos...)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion pointworld

// #region uniform-policy

// UniformPolicy samples actions uniformly from [-scale, scale] per
// coordinate. It stands in for the trainer's action selection when
// exploring without a learned policy.
type UniformPolicy struct {
	rng   *rand.Rand
	size  int
	scale float64
}

// NewUniformPolicy creates a uniform policy over space.
func NewUniformPolicy(rng *rand.Rand, space Space, scale float64) *UniformPolicy {
	return &UniformPolicy{rng: rng, size: space.Size(), scale: scale}
}

func (p *UniformPolicy) SelectAction(obs []float64) []float64 {
	action := make([]float64, p.size)
	for i := range action {
		action[i] = (p.rng.Float64()*2 - 1) * p.scale
	}
	return action
}

// #endregion uniform-policy
