// Package nnet provides the small differentiable blocks the inverse
// dynamics model is assembled from: dense and convolutional layers,
// ReLU, dropout, an Adam optimizer and a mean-squared-error loss.
// Batches are gonum row-major matrices, one sample per row.
package nnet

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// #region param

// Param is one trainable tensor. Backward overwrites Grad; the
// optimizer consumes it on Step.
type Param struct {
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(r, c int) *Param {
	return &Param{
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
	}
}

// #endregion param

// #region layer

// Layer is a differentiable block. Forward caches whatever Backward
// needs, so a Forward/Backward pair forms one step and calls must not
// interleave across steps.
type Layer interface {
	Forward(x *mat.Dense, training bool) *mat.Dense
	Backward(grad *mat.Dense) *mat.Dense
	Params() []*Param
}

// #endregion layer

// #region network

// Network chains layers and carries the train/eval mode toggle.
type Network struct {
	layers   []Layer
	training bool
}

// NewNetwork builds a network from layers, in eval mode.
func NewNetwork(layers ...Layer) *Network {
	return &Network{layers: layers}
}

// SetTraining switches dropout (and any future mode-dependent layer)
// between train and inference behavior.
func (n *Network) SetTraining(v bool) {
	n.training = v
}

// Training reports the current mode.
func (n *Network) Training() bool {
	return n.training
}

// Forward runs the batch through every layer in order.
func (n *Network) Forward(x *mat.Dense) *mat.Dense {
	for _, l := range n.layers {
		x = l.Forward(x, n.training)
	}
	return x
}

// Backward propagates the output gradient through every layer in
// reverse order and returns the input gradient.
func (n *Network) Backward(grad *mat.Dense) *mat.Dense {
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = n.layers[i].Backward(grad)
	}
	return grad
}

// Params returns all trainable parameters in layer order.
func (n *Network) Params() []*Param {
	var params []*Param
	for _, l := range n.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// #endregion network

// #region dense

// Dense is a fully-connected layer: y = xW + b.
type Dense struct {
	w, b *Param
	x    *mat.Dense // cached input
}

// NewDense creates a dense layer with He-scaled uniform weights.
func NewDense(rng *rand.Rand, in, out int) *Dense {
	d := &Dense{w: newParam(in, out), b: newParam(1, out)}
	scale := math.Sqrt(2.0 / float64(in))
	data := d.w.Value.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	return d
}

func (d *Dense) Forward(x *mat.Dense, training bool) *mat.Dense {
	d.x = x
	var y mat.Dense
	y.Mul(x, d.w.Value)
	rows, cols := y.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			y.Set(i, j, y.At(i, j)+d.b.Value.At(0, j))
		}
	}
	return &y
}

func (d *Dense) Backward(grad *mat.Dense) *mat.Dense {
	d.w.Grad.Mul(d.x.T(), grad)
	rows, cols := grad.Dims()
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += grad.At(i, j)
		}
		d.b.Grad.Set(0, j, sum)
	}
	var gx mat.Dense
	gx.Mul(grad, d.w.Value.T())
	return &gx
}

func (d *Dense) Params() []*Param {
	return []*Param{d.w, d.b}
}

// #endregion dense

// #region relu

// ReLU zeroes negative activations.
type ReLU struct {
	x *mat.Dense
}

func NewReLU() *ReLU {
	return &ReLU{}
}

func (r *ReLU) Forward(x *mat.Dense, training bool) *mat.Dense {
	r.x = x
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		return math.Max(0, v)
	}, x)
	return &y
}

func (r *ReLU) Backward(grad *mat.Dense) *mat.Dense {
	var gx mat.Dense
	gx.Apply(func(i, j int, v float64) float64 {
		if r.x.At(i, j) > 0 {
			return v
		}
		return 0
	}, grad)
	return &gx
}

func (r *ReLU) Params() []*Param {
	return nil
}

// #endregion relu

// #region dropout

// Dropout zeroes each activation with probability rate during
// training, scaling survivors by 1/(1-rate). In eval mode it is the
// identity.
type Dropout struct {
	rate float64
	rng  *rand.Rand
	mask *mat.Dense // nil when the last forward ran in eval mode
}

func NewDropout(rng *rand.Rand, rate float64) *Dropout {
	return &Dropout{rate: rate, rng: rng}
}

func (d *Dropout) Forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.rate == 0 {
		d.mask = nil
		return x
	}
	keep := 1 - d.rate
	rows, cols := x.Dims()
	d.mask = mat.NewDense(rows, cols, nil)
	var y mat.Dense
	y.CloneFrom(x)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if d.rng.Float64() < d.rate {
				d.mask.Set(i, j, 0)
				y.Set(i, j, 0)
			} else {
				d.mask.Set(i, j, 1/keep)
				y.Set(i, j, y.At(i, j)/keep)
			}
		}
	}
	return &y
}

func (d *Dropout) Backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	var gx mat.Dense
	gx.MulElem(grad, d.mask)
	return &gx
}

func (d *Dropout) Params() []*Param {
	return nil
}

// #endregion dropout
