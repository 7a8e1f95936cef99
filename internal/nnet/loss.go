package nnet

import "gonum.org/v1/gonum/mat"

// #region mse

// MSE returns the mean-squared error between pred and target,
// averaged over every element, together with the gradient of the loss
// with respect to pred.
func MSE(pred, target *mat.Dense) (float64, *mat.Dense) {
	rows, cols := pred.Dims()
	n := float64(rows * cols)
	loss := 0.0
	grad := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d := pred.At(i, j) - target.At(i, j)
			loss += d * d
			grad.Set(i, j, 2*d/n)
		}
	}
	return loss / n, grad
}

// #endregion mse
