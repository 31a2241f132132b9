package trainstep

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/model"
)

// Loss computes a scalar training loss and its gradient in the tensor
// layout its kind requires: pointwise over every output for regression
// losses, last-timestep class index for negative log likelihood.
type Loss struct {
	name string
}

// NewLoss resolves a loss by name. An unknown name is a setup failure,
// not an invariant violation.
func NewLoss(name string) (Loss, error) {
	switch name {
	case "mse", "nll":
		return Loss{name: name}, nil
	default:
		return Loss{}, model.Coded(model.ServerError, "unrecognized loss: %s", name)
	}
}

func (l Loss) Name() string {
	return l.name
}

// Compute returns the scalar loss, the gradient matrix shaped like
// output, and whether that gradient is taken against the final
// pre-activation (the fused NLL/log-softmax path) rather than the
// output itself.
func (l Loss) Compute(output *mat.Dense, expected []float64) (loss float64, grad *mat.Dense, preActivation bool, err error) {
	rows, cols := output.Dims()
	if rows == 0 {
		return 0, nil, false, fmt.Errorf("empty output")
	}
	if len(expected) != rows {
		return 0, nil, false, fmt.Errorf("expected values %d do not match %d output rows", len(expected), rows)
	}
	switch l.name {
	case "mse":
		if cols != 1 {
			return 0, nil, false, fmt.Errorf("mse expects a single output column, got %d", cols)
		}
		grad = mat.NewDense(rows, cols, nil)
		for t := 0; t < rows; t++ {
			diff := output.At(t, 0) - expected[t]
			loss += diff * diff
			grad.Set(t, 0, 2*diff/float64(rows))
		}
		loss /= float64(rows)
		return loss, grad, false, nil
	case "nll":
		// Output rows are log-probabilities; only the final timestep's
		// class index contributes.
		last := rows - 1
		class := int(math.Round(expected[last]))
		if class < 0 || class >= cols {
			return 0, nil, false, model.Coded(model.AssertionError, "class index %d out of range [0,%d)", class, cols)
		}
		loss = -output.At(last, class)
		grad = mat.NewDense(rows, cols, nil)
		for k := 0; k < cols; k++ {
			p := math.Exp(output.At(last, k))
			target := 0.0
			if k == class {
				target = 1.0
			}
			grad.Set(last, k, p-target)
		}
		return loss, grad, true, nil
	default:
		return 0, nil, false, model.Coded(model.ServerError, "unrecognized loss: %s", l.name)
	}
}
