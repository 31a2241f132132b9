package backend

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/job"
)

// vectorState is the carried state of the multi-layer backend: one
// dense vector of the configured recurrent width.
type vectorState struct {
	v []float64
}

func (s *vectorState) Detach() RecurrentState {
	return &vectorState{v: append([]float64(nil), s.v...)}
}

// multiLayer is a configurable feed-forward stack. When the recurrent
// width is nonzero, every layer reads the concatenation of its input
// and the carried state, and an auxiliary affine unit computes the next
// state from (state, external input, final layer output).
//
// Gradients do not flow through the carried state across steps: the
// state consumed at step t trains the auxiliary unit through its step
// t-1 tape, and the chain stops there.
type multiLayer struct {
	units     []*affine
	actNames  []string
	actFns    []ActivationFunc
	actDerivs []ActivationFunc
	recurrent int
	inWidth   int
	aux       *affine

	pres   [][][]float64 // [layer][step]pre-activation
	auxPre [][]float64
}

func newMultiLayer(j *job.Job) (Backend, error) {
	specs := j.Topology.Layers
	if len(specs) == 0 {
		return nil, fmt.Errorf("multi-layer topology requires at least one layer")
	}
	inWidth := len(j.InputFeatures)
	if specs[0].In != inWidth {
		return nil, fmt.Errorf("first layer width %d does not match %d input features", specs[0].In, inWidth)
	}
	for l := 1; l < len(specs); l++ {
		if specs[l].In != specs[l-1].Out {
			return nil, fmt.Errorf("layer %d input width %d does not match layer %d output width %d", l, specs[l].In, l-1, specs[l-1].Out)
		}
	}
	if want := outputWidth(j.Topology); specs[len(specs)-1].Out != want {
		return nil, fmt.Errorf("final layer output width %d does not match output width %d", specs[len(specs)-1].Out, want)
	}

	r := j.Topology.RecurrentWidth
	rng := rand.New(rand.NewSource(paramInitSeed))
	m := &multiLayer{
		recurrent: r,
		inWidth:   inWidth,
		units:     make([]*affine, len(specs)),
		actNames:  make([]string, len(specs)),
		actFns:    make([]ActivationFunc, len(specs)),
		actDerivs: make([]ActivationFunc, len(specs)),
		pres:      make([][][]float64, len(specs)),
	}
	for l, spec := range specs {
		m.units[l] = newAffine(fmt.Sprintf("layer%d", l), spec.In+r, spec.Out, rng)
		name := spec.Activation
		if l == len(specs)-1 {
			name = outputActivation(j.Topology)
		}
		m.actNames[l] = name
		if name != LogSoftmaxName {
			fn, deriv, err := GetActivation(name)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", l, err)
			}
			m.actFns[l] = fn
			m.actDerivs[l] = deriv
		} else if l != len(specs)-1 {
			return nil, fmt.Errorf("log_softmax is only valid on the final layer")
		}
	}
	if r > 0 {
		lastOut := specs[len(specs)-1].Out
		m.aux = newAffine("state", r+inWidth+lastOut, r, rng)
	}
	return m, nil
}

func (m *multiLayer) Forward(training bool, input *mat.Dense, state RecurrentState, expected []float64) (*mat.Dense, RecurrentState, error) {
	rows, cols := input.Dims()
	if cols != m.inWidth {
		return nil, nil, fmt.Errorf("input width %d does not match %d features", cols, m.inWidth)
	}
	if training {
		for l, unit := range m.units {
			unit.resetTape()
			m.pres[l] = m.pres[l][:0]
		}
		if m.aux != nil {
			m.aux.resetTape()
			m.auxPre = m.auxPre[:0]
		}
	}

	st := m.stateVector(state)
	last := len(m.units) - 1
	out := mat.NewDense(rows, m.units[last].out, nil)
	for t := 0; t < rows; t++ {
		x := input.RawRowView(t)
		h := x
		for l, unit := range m.units {
			layerIn := h
			if m.recurrent > 0 {
				layerIn = concat(h, st)
			}
			z, err := unit.forward(layerIn, training)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %d: %w", l, err)
			}
			if training {
				m.pres[l] = append(m.pres[l], append([]float64(nil), z...))
			}
			if m.actNames[l] == LogSoftmaxName {
				LogSoftmax(z, z)
			} else {
				for i, v := range z {
					z[i] = m.actFns[l](v)
				}
			}
			h = z
		}
		out.SetRow(t, h)

		if m.aux != nil {
			zs, err := m.aux.forward(concat(concat(st, x), h), training)
			if err != nil {
				return nil, nil, fmt.Errorf("state unit: %w", err)
			}
			if training {
				m.auxPre = append(m.auxPre, append([]float64(nil), zs...))
			}
			next := make([]float64, m.recurrent)
			for i, v := range zs {
				next[i] = math.Tanh(v)
			}
			st = next
		}
	}

	var outState RecurrentState
	if m.recurrent > 0 {
		outState = &vectorState{v: st}
	}
	return out, outState, nil
}

func (m *multiLayer) Backward(grad *mat.Dense, preActivation bool) error {
	last := len(m.units) - 1
	if !preActivation && m.actNames[last] == LogSoftmaxName {
		return fmt.Errorf("log_softmax output requires a pre-activation gradient")
	}
	rows, _ := grad.Dims()
	if rows != len(m.pres[last]) {
		return fmt.Errorf("gradient rows %d do not match taped steps %d", rows, len(m.pres[last]))
	}
	for t := 0; t < rows; t++ {
		dState := make([]float64, m.recurrent)
		dz := append([]float64(nil), grad.RawRowView(t)...)
		if !preActivation {
			for i := range dz {
				dz[i] *= m.actDerivs[last](m.pres[last][t][i])
			}
		}
		for l := last; l >= 0; l-- {
			dIn, err := m.units[l].backwardStep(t, dz)
			if err != nil {
				return fmt.Errorf("layer %d: %w", l, err)
			}
			split := len(dIn) - m.recurrent
			if m.recurrent > 0 {
				for i, v := range dIn[split:] {
					dState[i] += v
				}
			}
			if l > 0 {
				dz = dIn[:split]
				for i := range dz {
					dz[i] *= m.actDerivs[l-1](m.pres[l-1][t][i])
				}
			}
		}
		// The state consumed at step t was produced by the auxiliary
		// unit at step t-1; at t=0 it came from the caller and the
		// chain stops.
		if m.aux != nil && t > 0 {
			dzs := make([]float64, m.recurrent)
			for i := range dzs {
				y := math.Tanh(m.auxPre[t-1][i])
				dzs[i] = dState[i] * (1 - y*y)
			}
			if _, err := m.aux.backwardStep(t-1, dzs); err != nil {
				return fmt.Errorf("state unit: %w", err)
			}
		}
	}
	return nil
}

func (m *multiLayer) Parameters() []*Param {
	params := make([]*Param, 0, 2*len(m.units)+2)
	for _, unit := range m.units {
		params = append(params, unit.params()...)
	}
	if m.aux != nil {
		params = append(params, m.aux.params()...)
	}
	return params
}

func (m *multiLayer) ZeroGrad() {
	zeroGrads(m.Parameters())
}

func (m *multiLayer) InitRecurrentState(sequenceSize int) RecurrentState {
	if m.recurrent == 0 {
		return nil
	}
	return &vectorState{v: make([]float64, m.recurrent)}
}

func (m *multiLayer) MoveRecurrentState(state RecurrentState, toAccelerator bool) RecurrentState {
	return state
}

func (m *multiLayer) SaveState(j *job.Job) error {
	saveParams(j, m.Parameters())
	return nil
}

func (m *multiLayer) RestoreState(j *job.Job) error {
	return restoreParams(j, m.Parameters())
}

func (m *multiLayer) Library() Library {
	return LibraryGradient
}

func (m *multiLayer) TrainingCanPauseResume() bool {
	return true
}

func (m *multiLayer) stateVector(state RecurrentState) []float64 {
	if m.recurrent == 0 {
		return nil
	}
	if vs, ok := state.(*vectorState); ok && len(vs.v) == m.recurrent {
		// Incoming state is immutable: work on a detached copy.
		return append([]float64(nil), vs.v...)
	}
	return make([]float64, m.recurrent)
}

func concat(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
