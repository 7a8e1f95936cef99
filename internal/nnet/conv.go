package nnet

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// #region conv

// Conv2D is a strided square-kernel convolution without padding. It
// consumes and produces flattened channel-major rows, so it composes
// with the other layers without a separate tensor type. Forward uses
// im2col and a single matrix product per sample.
type Conv2D struct {
	inC, inH, inW int
	outC          int
	kernel        int
	stride        int
	outH, outW    int

	w, b *Param

	cols []*mat.Dense // cached im2col matrices, one per sample
}

// NewConv2D creates a convolution mapping (inC, inH, inW) to
// (outC, outH, outW) with the given kernel and stride.
func NewConv2D(rng *rand.Rand, inC, inH, inW, outC, kernel, stride int) *Conv2D {
	c := &Conv2D{
		inC:    inC,
		inH:    inH,
		inW:    inW,
		outC:   outC,
		kernel: kernel,
		stride: stride,
		outH:   (inH-kernel)/stride + 1,
		outW:   (inW-kernel)/stride + 1,
	}
	fanIn := kernel * kernel * inC
	c.w = newParam(outC, fanIn)
	c.b = newParam(1, outC)
	scale := math.Sqrt(2.0 / float64(fanIn))
	data := c.w.Value.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	return c
}

// OutputSize returns the flattened output width, outC*outH*outW.
func (c *Conv2D) OutputSize() int {
	return c.outC * c.outH * c.outW
}

func (c *Conv2D) Forward(x *mat.Dense, training bool) *mat.Dense {
	batch, _ := x.Dims()
	c.cols = make([]*mat.Dense, batch)
	y := mat.NewDense(batch, c.OutputSize(), nil)

	fanIn := c.kernel * c.kernel * c.inC
	spatial := c.outH * c.outW
	for s := 0; s < batch; s++ {
		cols := mat.NewDense(fanIn, spatial, nil)
		row := x.RawRowView(s)
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				col := oh*c.outW + ow
				r := 0
				for ch := 0; ch < c.inC; ch++ {
					for kh := 0; kh < c.kernel; kh++ {
						for kw := 0; kw < c.kernel; kw++ {
							h := oh*c.stride + kh
							w := ow*c.stride + kw
							cols.Set(r, col, row[ch*c.inH*c.inW+h*c.inW+w])
							r++
						}
					}
				}
			}
		}
		c.cols[s] = cols

		var out mat.Dense
		out.Mul(c.w.Value, cols)
		dst := y.RawRowView(s)
		for ch := 0; ch < c.outC; ch++ {
			bias := c.b.Value.At(0, ch)
			for p := 0; p < spatial; p++ {
				dst[ch*spatial+p] = out.At(ch, p) + bias
			}
		}
	}
	return y
}

func (c *Conv2D) Backward(grad *mat.Dense) *mat.Dense {
	batch, _ := grad.Dims()
	spatial := c.outH * c.outW
	c.w.Grad.Zero()
	c.b.Grad.Zero()
	gx := mat.NewDense(batch, c.inC*c.inH*c.inW, nil)

	for s := 0; s < batch; s++ {
		g := mat.NewDense(c.outC, spatial, nil)
		src := grad.RawRowView(s)
		for ch := 0; ch < c.outC; ch++ {
			sum := 0.0
			for p := 0; p < spatial; p++ {
				v := src[ch*spatial+p]
				g.Set(ch, p, v)
				sum += v
			}
			c.b.Grad.Set(0, ch, c.b.Grad.At(0, ch)+sum)
		}

		var gw mat.Dense
		gw.Mul(g, c.cols[s].T())
		c.w.Grad.Add(c.w.Grad, &gw)

		var gcols mat.Dense
		gcols.Mul(c.w.Value.T(), g)

		// col2im scatter-add back to the input layout.
		dst := gx.RawRowView(s)
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				col := oh*c.outW + ow
				r := 0
				for ch := 0; ch < c.inC; ch++ {
					for kh := 0; kh < c.kernel; kh++ {
						for kw := 0; kw < c.kernel; kw++ {
							h := oh*c.stride + kh
							w := ow*c.stride + kw
							dst[ch*c.inH*c.inW+h*c.inW+w] += gcols.At(r, col)
							r++
						}
					}
				}
			}
		}
	}
	return gx
}

func (c *Conv2D) Params() []*Param {
	return []*Param{c.w, c.b}
}

// #endregion conv
