package backend

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/job"
	"asklepios/internal/model"
)

// Library is the execution contract a backend follows. The training
// step executor dispatches on it instead of comparing library names.
type Library int

const (
	// LibraryGradient backends record a tape during a training forward
	// pass; parameters change only when Backward and an update run.
	LibraryGradient Library = iota
	// LibraryTree backends fit or extend their ensemble inside the
	// training forward call itself.
	LibraryTree
)

func (l Library) String() string {
	switch l {
	case LibraryGradient:
		return "gradient"
	case LibraryTree:
		return "tree"
	default:
		return "unknown"
	}
}

// RecurrentState is the carried hidden representation of a sequence
// backend. It is opaque outside the backend that produced it and must
// never be mutated in place: a forward call treats the incoming state
// as immutable and returns a fresh one. Nil means stateless.
type RecurrentState interface {
	// Detach returns an independent copy disconnected from whatever
	// produced it.
	Detach() RecurrentState
}

// Param is one learnable parameter matrix with its accumulated
// gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Backend is the uniform contract over the four model variants.
type Backend interface {
	// Forward produces predictions for one patient's batch, shaped
	// (sequenceLength x featureCount). expected is ignored by gradient
	// backends outside training but is required by the tree backend
	// when training, since fitting happens inside this call.
	Forward(training bool, input *mat.Dense, state RecurrentState, expected []float64) (*mat.Dense, RecurrentState, error)

	// InitRecurrentState returns a zeroed state sized for the backend,
	// or nil for stateless backends.
	InitRecurrentState(sequenceSize int) RecurrentState

	// MoveRecurrentState transfers state between host and accelerator
	// memory. Host-only backends return the state unchanged.
	MoveRecurrentState(state RecurrentState, toAccelerator bool) RecurrentState

	// SaveState serializes every learnable parameter into the job's
	// state store; RestoreState rebuilds them. Restoring immediately
	// after saving reproduces the next forward pass.
	SaveState(j *job.Job) error
	RestoreState(j *job.Job) error

	Library() Library

	// TrainingCanPauseResume reports whether training may stop after a
	// partition and continue in a later worker invocation.
	TrainingCanPauseResume() bool
}

// GradientBackend is the extended contract of backends trained by
// backpropagation.
type GradientBackend interface {
	Backend

	// Backward propagates a gradient through the tape recorded by the
	// last training forward pass. The gradient is taken against the
	// final pre-activation (losses fused with the output activation,
	// the NLL/log-softmax path) or against the output (elementwise
	// final activations).
	Backward(grad *mat.Dense, preActivation bool) error

	Parameters() []*Param
	ZeroGrad()
}

// New constructs the backend variant named by the job's topology.
func New(j *job.Job) (Backend, error) {
	switch j.Topology.Model {
	case model.ModelSingleLayer:
		return newSingleLayer(j)
	case model.ModelMultiLayer:
		return newMultiLayer(j)
	case model.ModelSequence:
		return newSequence(j)
	case model.ModelBoostedTree:
		return newBoostedTree(j)
	default:
		return nil, fmt.Errorf("unrecognized model kind: %s", j.Topology.Model)
	}
}

// outputActivation picks the final nonlinearity from the output data
// kind: a single probability for logistic and boolean results,
// log-probabilities for categorical results, the configured activation
// otherwise.
func outputActivation(t job.Topology) string {
	switch t.OutputKind {
	case model.DataLogistic, model.DataBoolean:
		return "sigmoid"
	case model.DataCategory:
		return LogSoftmaxName
	default:
		return t.Activation
	}
}

// outputWidth is the number of output columns the backend produces.
func outputWidth(t job.Topology) int {
	if t.OutputKind == model.DataCategory && t.OutputClasses > 1 {
		return t.OutputClasses
	}
	return 1
}

// CheckFinite returns an error naming the first parameter containing a
// NaN or Inf. Workers treat this as an invariant violation.
func CheckFinite(params []*Param) error {
	for _, p := range params {
		raw := p.Value.RawMatrix()
		for _, v := range raw.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("non-finite value in parameter %s", p.Name)
			}
		}
	}
	return nil
}

func zeroGrads(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// saveParams writes params into the job state store under their names.
func saveParams(j *job.Job, params []*Param) {
	for _, p := range params {
		r, c := p.Value.Dims()
		raw := p.Value.RawMatrix()
		j.SetMatrixState(p.Name, r, c, raw.Data)
	}
}

// restoreParams loads params from the job state store; missing entries
// leave the freshly initialized values in place so a new job trains
// from scratch.
func restoreParams(j *job.Job, params []*Param) error {
	for _, p := range params {
		rows, cols, values, ok := j.MatrixState(p.Name)
		if !ok {
			continue
		}
		r, c := p.Value.Dims()
		if rows != r || cols != c {
			return fmt.Errorf("state shape mismatch for %s: stored %dx%d, want %dx%d", p.Name, rows, cols, r, c)
		}
		copy(p.Value.RawMatrix().Data, values)
	}
	return nil
}
