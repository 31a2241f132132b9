package backend

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/job"
)

// singleLayer is one affine transform plus the output nonlinearity
// picked by the output data kind.
type singleLayer struct {
	unit     *affine
	actName  string
	actFn    ActivationFunc
	actDeriv ActivationFunc
	pre      [][]float64
}

// Parameter initialization is deterministic so every worker process
// reconstructs the identical starting point before state restore.
const paramInitSeed = 1

func newSingleLayer(j *job.Job) (Backend, error) {
	in := len(j.InputFeatures)
	out := outputWidth(j.Topology)
	if in == 0 {
		return nil, fmt.Errorf("input features are required")
	}
	s := &singleLayer{
		unit:    newAffine("single", in, out, rand.New(rand.NewSource(paramInitSeed))),
		actName: outputActivation(j.Topology),
	}
	if s.actName != LogSoftmaxName {
		fn, deriv, err := GetActivation(s.actName)
		if err != nil {
			return nil, err
		}
		s.actFn = fn
		s.actDeriv = deriv
	}
	return s, nil
}

func (s *singleLayer) Forward(training bool, input *mat.Dense, state RecurrentState, expected []float64) (*mat.Dense, RecurrentState, error) {
	rows, _ := input.Dims()
	if training {
		s.unit.resetTape()
		s.pre = s.pre[:0]
	}
	out := mat.NewDense(rows, s.unit.out, nil)
	for t := 0; t < rows; t++ {
		z, err := s.unit.forward(input.RawRowView(t), training)
		if err != nil {
			return nil, nil, err
		}
		if training {
			s.pre = append(s.pre, append([]float64(nil), z...))
		}
		if s.actName == LogSoftmaxName {
			LogSoftmax(z, z)
		} else {
			for i, v := range z {
				z[i] = s.actFn(v)
			}
		}
		out.SetRow(t, z)
	}
	return out, state, nil
}

func (s *singleLayer) Backward(grad *mat.Dense, preActivation bool) error {
	if !preActivation && s.actName == LogSoftmaxName {
		return fmt.Errorf("log_softmax output requires a pre-activation gradient")
	}
	rows, _ := grad.Dims()
	if rows != len(s.pre) {
		return fmt.Errorf("gradient rows %d do not match taped steps %d", rows, len(s.pre))
	}
	for t := 0; t < rows; t++ {
		dz := append([]float64(nil), grad.RawRowView(t)...)
		if !preActivation {
			for i := range dz {
				dz[i] *= s.actDeriv(s.pre[t][i])
			}
		}
		if _, err := s.unit.backwardStep(t, dz); err != nil {
			return err
		}
	}
	return nil
}

func (s *singleLayer) Parameters() []*Param {
	return s.unit.params()
}

func (s *singleLayer) ZeroGrad() {
	zeroGrads(s.Parameters())
}

func (s *singleLayer) InitRecurrentState(sequenceSize int) RecurrentState {
	return nil
}

func (s *singleLayer) MoveRecurrentState(state RecurrentState, toAccelerator bool) RecurrentState {
	return state
}

func (s *singleLayer) SaveState(j *job.Job) error {
	saveParams(j, s.Parameters())
	return nil
}

func (s *singleLayer) RestoreState(j *job.Job) error {
	return restoreParams(j, s.Parameters())
}

func (s *singleLayer) Library() Library {
	return LibraryGradient
}

func (s *singleLayer) TrainingCanPauseResume() bool {
	return true
}
