package nnet

import "math"

// #region adam

// Adam is the adaptive gradient optimizer used to fit the inverse
// model. It reads each Param's Grad on Step and updates Value in
// place.
type Adam struct {
	lr      float64
	beta1   float64
	beta2   float64
	epsilon float64
	t       int

	params []*Param
	m, v   [][]float64
}

// NewAdam creates an Adam optimizer over params with the standard
// moment coefficients (0.9, 0.999).
func NewAdam(params []*Param, lr float64) *Adam {
	a := &Adam{
		lr:      lr,
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
		params:  params,
		m:       make([][]float64, len(params)),
		v:       make([][]float64, len(params)),
	}
	for i, p := range params {
		n := len(p.Value.RawMatrix().Data)
		a.m[i] = make([]float64, n)
		a.v[i] = make([]float64, n)
	}
	return a
}

// Step applies one update from the current gradients.
func (a *Adam) Step() {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, p := range a.params {
		val := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		m, v := a.m[i], a.v[i]
		for j := range val {
			g := grad[j]
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g
			mHat := m[j] / c1
			vHat := v[j] / c2
			val[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.epsilon)
		}
	}
}

// #endregion adam
