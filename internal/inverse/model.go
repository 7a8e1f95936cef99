// Package inverse implements the inverse dynamics model: an encoder
// mapping observations to a small latent vector and a predictor
// mapping a pair of latents to the action believed to connect them.
// The encoder doubles as the cell representation, so its weights are
// shared by reference with the cell factory; the factory only ever
// evaluates it in inference mode.
package inverse

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/qgallouedec/go-explore/internal/nnet"
)

// #region model-interface

// Model is the capability contract shared by the vector and image
// variants. Forward and Backward form one training step; Encode is
// the read-only path the cell factory uses.
type Model interface {
	// Encode maps a batch of observations (one flattened observation
	// per row) to a batch of latents.
	Encode(obs *mat.Dense) *mat.Dense

	// Forward predicts the action connecting each (obs, nextObs) row
	// pair.
	Forward(obs, nextObs *mat.Dense) *mat.Dense

	// Backward propagates the prediction gradient through the
	// predictor and the shared encoder.
	Backward(grad *mat.Dense)

	// Params returns every trainable parameter.
	Params() []*nnet.Param

	// SetTraining toggles dropout between train and inference mode.
	SetTraining(v bool)

	LatentSize() int
	ActionSize() int
	ObsSize() int
}

// #endregion model-interface

// #region model-struct

// model is the shared two-tower wiring: one encoder evaluated on both
// observations, one predictor on the concatenated latents.
type model struct {
	encoder    *nnet.Network
	predictor  *nnet.Network
	latentSize int
	actionSize int
	obsSize    int
}

func (m *model) Encode(obs *mat.Dense) *mat.Dense {
	return m.encoder.Forward(obs)
}

// Forward stacks obs and nextObs into one batch so the encoder runs
// exactly once; the backward pass then naturally accumulates both
// halves into the shared weights.
func (m *model) Forward(obs, nextObs *mat.Dense) *mat.Dense {
	batch, width := obs.Dims()
	stacked := mat.NewDense(2*batch, width, nil)
	stacked.Slice(0, batch, 0, width).(*mat.Dense).Copy(obs)
	stacked.Slice(batch, 2*batch, 0, width).(*mat.Dense).Copy(nextObs)

	latents := m.encoder.Forward(stacked)
	joined := mat.NewDense(batch, 2*m.latentSize, nil)
	for i := 0; i < batch; i++ {
		copy(joined.RawRowView(i)[:m.latentSize], latents.RawRowView(i))
		copy(joined.RawRowView(i)[m.latentSize:], latents.RawRowView(batch+i))
	}
	return m.predictor.Forward(joined)
}

func (m *model) Backward(grad *mat.Dense) {
	joinedGrad := m.predictor.Backward(grad)
	batch, _ := joinedGrad.Dims()
	stackedGrad := mat.NewDense(2*batch, m.latentSize, nil)
	for i := 0; i < batch; i++ {
		copy(stackedGrad.RawRowView(i), joinedGrad.RawRowView(i)[:m.latentSize])
		copy(stackedGrad.RawRowView(batch+i), joinedGrad.RawRowView(i)[m.latentSize:])
	}
	m.encoder.Backward(stackedGrad)
}

func (m *model) Params() []*nnet.Param {
	return append(m.encoder.Params(), m.predictor.Params()...)
}

func (m *model) SetTraining(v bool) {
	m.encoder.SetTraining(v)
	m.predictor.SetTraining(v)
}

func (m *model) LatentSize() int { return m.latentSize }
func (m *model) ActionSize() int { return m.actionSize }
func (m *model) ObsSize() int    { return m.obsSize }

// #endregion model-struct

// #region linear

// NewLinear builds the vector-observation variant.
//
// Encoder: dropout -> fc(obsSize, width) -> relu -> dropout ->
// fc(width, latentSize). Predictor: fc(2*latent, width) -> relu ->
// fc(width, actionSize).
func NewLinear(rng *rand.Rand, obsSize, actionSize, latentSize, width int) (Model, error) {
	if obsSize <= 0 || actionSize <= 0 || latentSize <= 0 || width <= 0 {
		return nil, fmt.Errorf("inverse: non-positive size (obs=%d action=%d latent=%d width=%d)",
			obsSize, actionSize, latentSize, width)
	}
	encoder := nnet.NewNetwork(
		nnet.NewDropout(rng, 0.2),
		nnet.NewDense(rng, obsSize, width),
		nnet.NewReLU(),
		nnet.NewDropout(rng, 0.2),
		nnet.NewDense(rng, width, latentSize),
	)
	predictor := nnet.NewNetwork(
		nnet.NewDense(rng, 2*latentSize, width),
		nnet.NewReLU(),
		nnet.NewDense(rng, width, actionSize),
	)
	return &model{
		encoder:    encoder,
		predictor:  predictor,
		latentSize: latentSize,
		actionSize: actionSize,
		obsSize:    obsSize,
	}, nil
}

// #endregion linear

// #region conv

// Conv encoder input geometry, fixed by the architecture.
const (
	ConvChannels = 3
	ConvHeight   = 84
	ConvWidth    = 84

	// ConvObsSize is the flattened observation width the image
	// variant accepts.
	ConvObsSize = ConvChannels * ConvHeight * ConvWidth
)

// NewConv builds the image-observation variant for 3x84x84 inputs.
//
// Encoder: conv(32,8,4) -> relu -> conv(64,4,2) -> relu ->
// conv(64,3,1) -> relu -> fc(64*7*7, latentSize). Predictor:
// fc(2*latent, 2*latent) -> relu -> fc(2*latent, actionSize).
func NewConv(rng *rand.Rand, actionSize, latentSize int) (Model, error) {
	if actionSize <= 0 || latentSize <= 0 {
		return nil, fmt.Errorf("inverse: non-positive size (action=%d latent=%d)", actionSize, latentSize)
	}
	c1 := nnet.NewConv2D(rng, ConvChannels, ConvHeight, ConvWidth, 32, 8, 4) // 32 x 20 x 20
	c2 := nnet.NewConv2D(rng, 32, 20, 20, 64, 4, 2)                         // 64 x 9 x 9
	c3 := nnet.NewConv2D(rng, 64, 9, 9, 64, 3, 1)                           // 64 x 7 x 7
	encoder := nnet.NewNetwork(
		c1, nnet.NewReLU(),
		c2, nnet.NewReLU(),
		c3, nnet.NewReLU(),
		nnet.NewDense(rng, c3.OutputSize(), latentSize),
	)
	predictor := nnet.NewNetwork(
		nnet.NewDense(rng, 2*latentSize, 2*latentSize),
		nnet.NewReLU(),
		nnet.NewDense(rng, 2*latentSize, actionSize),
	)
	return &model{
		encoder:    encoder,
		predictor:  predictor,
		latentSize: latentSize,
		actionSize: actionSize,
		obsSize:    ConvObsSize,
	}, nil
}

// #endregion conv
