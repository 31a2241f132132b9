package trainstep

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/backend"
	"asklepios/internal/model"
)

// Executor runs one optimization step over one patient's batch of
// samples. It dispatches on the backend's library contract: gradient
// backends get a loss/backprop/update cycle, the tree backend fits
// inside its forward call and needs nothing further.
type Executor struct {
	Backend      backend.Backend
	Loss         Loss
	Optimizer    Optimizer
	LearningRate float64
	Normalizer   *Normalizer
}

// Train performs one step over a patient's sample sequence and returns
// the carried recurrent state plus the scalar loss for statistics.
func (e *Executor) Train(samples [][]float64, expected []float64, state backend.RecurrentState) (backend.RecurrentState, float64, error) {
	if len(samples) == 0 {
		return state, 0, nil
	}
	input := e.Normalizer.Matrix(samples)
	output, nextState, err := e.Backend.Forward(true, input, state, expected)
	if err != nil {
		return state, 0, err
	}

	if e.Backend.Library() == backend.LibraryTree {
		// Fitting already happened inside Forward; compute the loss
		// only for reporting.
		loss, _, _, lossErr := e.Loss.Compute(output, expected)
		if lossErr != nil {
			return nextState, 0, lossErr
		}
		return nextState, loss, nil
	}

	gb, ok := e.Backend.(backend.GradientBackend)
	if !ok {
		return state, 0, model.Coded(model.ServerError, "backend reports gradient library but lacks the gradient contract")
	}
	loss, grad, preActivation, err := e.Loss.Compute(output, expected)
	if err != nil {
		return state, 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return state, 0, model.Coded(model.AssertionError, "non-finite loss")
	}
	gb.ZeroGrad()
	if err := gb.Backward(grad, preActivation); err != nil {
		// A backpropagation failure is fatal to the worker, never
		// retried.
		return state, 0, model.Coded(model.AssertionError, "backpropagation failure: %v", err)
	}
	if e.Optimizer != nil {
		e.Optimizer.Step(gb.Parameters(), e.LearningRate)
	} else {
		// Manual descent keeps the raw-gradient hand-off hook open:
		// a remote worker could ship gradients instead of applying
		// them here.
		manualStep(gb.Parameters(), e.LearningRate)
	}
	return nextState, loss, nil
}

// Infer runs a pure forward pass over normalized samples.
func (e *Executor) Infer(samples [][]float64, state backend.RecurrentState) (*mat.Dense, backend.RecurrentState, error) {
	if len(samples) == 0 {
		return nil, state, nil
	}
	input := e.Normalizer.Matrix(samples)
	return e.Backend.Forward(false, input, state, nil)
}

func manualStep(params []*backend.Param, learningRate float64) {
	for _, p := range params {
		wd := p.Value.RawMatrix().Data
		gd := p.Grad.RawMatrix().Data
		for i := range wd {
			wd[i] -= learningRate * gd[i]
		}
	}
}
