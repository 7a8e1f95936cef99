package inverse

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/qgallouedec/go-explore/internal/nnet"
)

// #region trainer

// Trainer owns the optimizer for one model and runs supervised
// regression steps on stored transitions. No gradient flows anywhere
// but the model's own parameters.
type Trainer struct {
	model Model
	opt   *nnet.Adam
}

// NewTrainer creates a trainer updating model with Adam at lr.
func NewTrainer(model Model, lr float64) *Trainer {
	return &Trainer{model: model, opt: nnet.NewAdam(model.Params(), lr)}
}

// Model returns the trained model.
func (t *Trainer) Model() Model {
	return t.model
}

// Step runs one gradient step on a batch of (obs, nextObs, action)
// rows and returns the prediction loss.
func (t *Trainer) Step(obs, nextObs, actions *mat.Dense) (float64, error) {
	oRows, oCols := obs.Dims()
	aRows, aCols := actions.Dims()
	if oCols != t.model.ObsSize() {
		return 0, fmt.Errorf("inverse: observation width %d, model expects %d", oCols, t.model.ObsSize())
	}
	if aCols != t.model.ActionSize() {
		return 0, fmt.Errorf("inverse: action width %d, model expects %d", aCols, t.model.ActionSize())
	}
	if oRows != aRows {
		return 0, fmt.Errorf("inverse: batch mismatch (%d observations, %d actions)", oRows, aRows)
	}

	t.model.SetTraining(true)
	pred := t.model.Forward(obs, nextObs)
	loss, grad := nnet.MSE(pred, actions)
	t.model.Backward(grad)
	t.opt.Step()
	return loss, nil
}

// #endregion trainer
