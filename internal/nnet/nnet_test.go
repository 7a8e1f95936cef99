package nnet

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestDenseForwardShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := NewDense(rng, 4, 3)
	x := mat.NewDense(5, 4, nil)
	y := d.Forward(x, false)
	rows, cols := y.Dims()
	if rows != 5 || cols != 3 {
		t.Fatalf("expected 5x3, got %dx%d", rows, cols)
	}
}

func TestMSEZeroOnEqual(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	loss, grad := MSE(a, b)
	if loss != 0 {
		t.Fatalf("expected zero loss, got %f", loss)
	}
	if mat.Norm(grad, 2) != 0 {
		t.Fatal("expected zero gradient")
	}
}

func TestMSEKnownValue(t *testing.T) {
	a := mat.NewDense(1, 2, []float64{1, 1})
	b := mat.NewDense(1, 2, []float64{0, 3})
	loss, _ := MSE(a, b)
	// (1 + 4) / 2
	if math.Abs(loss-2.5) > 1e-12 {
		t.Fatalf("expected 2.5, got %f", loss)
	}
}

// Finite-difference check of the full backward pass through a small
// dense-relu-dense network.
func TestNetworkGradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	net := NewNetwork(
		NewDense(rng, 3, 5),
		NewReLU(),
		NewDense(rng, 5, 2),
	)
	x := mat.NewDense(4, 3, nil)
	target := mat.NewDense(4, 2, nil)
	for _, m := range []*mat.Dense{x, target} {
		data := m.RawMatrix().Data
		for i := range data {
			data[i] = rng.NormFloat64()
		}
	}

	_, grad := MSE(net.Forward(x), target)
	net.Backward(grad)

	const eps = 1e-6
	for pi, p := range net.Params() {
		val := p.Value.RawMatrix().Data
		analytic := append([]float64(nil), p.Grad.RawMatrix().Data...)
		for j := range val {
			orig := val[j]
			val[j] = orig + eps
			lossPlus, _ := MSE(net.Forward(x), target)
			val[j] = orig - eps
			lossMinus, _ := MSE(net.Forward(x), target)
			val[j] = orig
			numeric := (lossPlus - lossMinus) / (2 * eps)
			if math.Abs(numeric-analytic[j]) > 1e-5 {
				t.Fatalf("param %d index %d: numeric %g vs analytic %g", pi, j, numeric, analytic[j])
			}
		}
	}
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := NewDropout(rng, 0.5)
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	y := d.Forward(x, false)
	if !mat.Equal(x, y) {
		t.Fatal("dropout in eval mode must pass through unchanged")
	}
}

func TestDropoutTrainMasksAndScales(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := NewDropout(rng, 0.5)
	x := mat.NewDense(1, 1000, nil)
	for i := 0; i < 1000; i++ {
		x.Set(0, i, 1)
	}
	y := d.Forward(x, true)
	zeros, twos := 0, 0
	for i := 0; i < 1000; i++ {
		switch v := y.At(0, i); v {
		case 0:
			zeros++
		case 2:
			twos++
		default:
			t.Fatalf("unexpected value %f", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Fatalf("expected roughly half dropped, got %d", zeros)
	}
	if zeros+twos != 1000 {
		t.Fatal("values must be dropped or scaled by 1/keep")
	}
}

func TestConv2DOutputShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	// The image encoder schedule: 84 -> 20 -> 9 -> 7.
	c1 := NewConv2D(rng, 3, 84, 84, 32, 8, 4)
	c2 := NewConv2D(rng, 32, 20, 20, 64, 4, 2)
	c3 := NewConv2D(rng, 64, 9, 9, 64, 3, 1)

	if c1.OutputSize() != 32*20*20 {
		t.Fatalf("conv1 output %d, want %d", c1.OutputSize(), 32*20*20)
	}
	if c2.OutputSize() != 64*9*9 {
		t.Fatalf("conv2 output %d, want %d", c2.OutputSize(), 64*9*9)
	}
	if c3.OutputSize() != 64*7*7 {
		t.Fatalf("conv3 output %d, want %d", c3.OutputSize(), 64*7*7)
	}

	x := mat.NewDense(2, 3*84*84, nil)
	y := c1.Forward(x, false)
	_, cols := y.Dims()
	if cols != c1.OutputSize() {
		t.Fatalf("forward width %d, want %d", cols, c1.OutputSize())
	}
}

func TestConv2DGradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	conv := NewConv2D(rng, 2, 5, 5, 3, 3, 2)
	net := NewNetwork(conv, NewReLU(), NewDense(rng, conv.OutputSize(), 2))

	x := mat.NewDense(2, 2*5*5, nil)
	target := mat.NewDense(2, 2, nil)
	for _, m := range []*mat.Dense{x, target} {
		data := m.RawMatrix().Data
		for i := range data {
			data[i] = rng.NormFloat64()
		}
	}

	_, grad := MSE(net.Forward(x), target)
	net.Backward(grad)

	const eps = 1e-6
	params := net.Params()
	// Conv weights are the first param.
	p := params[0]
	val := p.Value.RawMatrix().Data
	analytic := append([]float64(nil), p.Grad.RawMatrix().Data...)
	for _, j := range []int{0, 1, 7, len(val) - 1} {
		orig := val[j]
		val[j] = orig + eps
		lossPlus, _ := MSE(net.Forward(x), target)
		val[j] = orig - eps
		lossMinus, _ := MSE(net.Forward(x), target)
		val[j] = orig
		numeric := (lossPlus - lossMinus) / (2 * eps)
		if math.Abs(numeric-analytic[j]) > 1e-5 {
			t.Fatalf("conv weight %d: numeric %g vs analytic %g", j, numeric, analytic[j])
		}
	}
}

func TestAdamReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	net := NewNetwork(NewDense(rng, 2, 8), NewReLU(), NewDense(rng, 8, 1))
	opt := NewAdam(net.Params(), 1e-2)

	// Fit y = x0 + x1.
	x := mat.NewDense(16, 2, nil)
	target := mat.NewDense(16, 1, nil)
	for i := 0; i < 16; i++ {
		a, b := rng.Float64(), rng.Float64()
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		target.Set(i, 0, a+b)
	}

	first, _ := MSE(net.Forward(x), target)
	var last float64
	for i := 0; i < 500; i++ {
		pred := net.Forward(x)
		loss, grad := MSE(pred, target)
		net.Backward(grad)
		opt.Step()
		last = loss
	}
	if last >= first {
		t.Fatalf("loss did not decrease: first %f last %f", first, last)
	}
	if last > 0.01 {
		t.Fatalf("expected near-zero final loss, got %f", last)
	}
}
