package backend

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/job"
)

// sequenceStackDepth is the fixed depth of the recurrent stack.
const sequenceStackDepth = 24

// sequenceState is the (hidden, cell) pair carried between single-step
// forward calls, one row per stack layer.
type sequenceState struct {
	hidden [][]float64
	cell   [][]float64
}

func (s *sequenceState) Detach() RecurrentState {
	out := &sequenceState{
		hidden: make([][]float64, len(s.hidden)),
		cell:   make([][]float64, len(s.cell)),
	}
	for i := range s.hidden {
		out.hidden[i] = append([]float64(nil), s.hidden[i]...)
		out.cell[i] = append([]float64(nil), s.cell[i]...)
	}
	return out
}

// lstmStep is one taped cell evaluation.
type lstmStep struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	c, tc           []float64
}

// lstmCell is one layer of the recurrent stack. Gate rows are ordered
// input, forget, candidate, output.
type lstmCell struct {
	in, hidden int
	wx, wh, b  *Param
	tape       []lstmStep
}

func newLSTMCell(name string, in, hidden int, rng *rand.Rand) *lstmCell {
	limit := math.Sqrt(6.0 / float64(in+hidden))
	initDense := func(r, c int) *mat.Dense {
		d := mat.NewDense(r, c, nil)
		raw := d.RawMatrix()
		for i := range raw.Data {
			raw.Data[i] = (rng.Float64()*2 - 1) * limit
		}
		return d
	}
	return &lstmCell{
		in:     in,
		hidden: hidden,
		wx:     &Param{Name: name + ".wx", Value: initDense(4*hidden, in), Grad: mat.NewDense(4*hidden, in, nil)},
		wh:     &Param{Name: name + ".wh", Value: initDense(4*hidden, hidden), Grad: mat.NewDense(4*hidden, hidden, nil)},
		b:      &Param{Name: name + ".b", Value: mat.NewDense(4*hidden, 1, nil), Grad: mat.NewDense(4*hidden, 1, nil)},
	}
}

func (c *lstmCell) params() []*Param {
	return []*Param{c.wx, c.wh, c.b}
}

func (c *lstmCell) resetTape() {
	c.tape = c.tape[:0]
}

func (c *lstmCell) forward(x, hPrev, cPrev []float64, training bool) (h, cNew []float64) {
	hd := c.hidden
	z := make([]float64, 4*hd)
	wx := c.wx.Value.RawMatrix()
	wh := c.wh.Value.RawMatrix()
	b := c.b.Value.RawMatrix()
	for r := 0; r < 4*hd; r++ {
		sum := b.Data[r]
		xrow := wx.Data[r*wx.Stride : r*wx.Stride+c.in]
		for k, xv := range x {
			sum += xrow[k] * xv
		}
		hrow := wh.Data[r*wh.Stride : r*wh.Stride+hd]
		for k, hv := range hPrev {
			sum += hrow[k] * hv
		}
		z[r] = sum
	}
	gi := make([]float64, hd)
	gf := make([]float64, hd)
	gg := make([]float64, hd)
	go_ := make([]float64, hd)
	cNew = make([]float64, hd)
	tc := make([]float64, hd)
	h = make([]float64, hd)
	for k := 0; k < hd; k++ {
		gi[k] = sigmoid(z[k])
		gf[k] = sigmoid(z[hd+k])
		gg[k] = math.Tanh(z[2*hd+k])
		go_[k] = sigmoid(z[3*hd+k])
		cNew[k] = gf[k]*cPrev[k] + gi[k]*gg[k]
		tc[k] = math.Tanh(cNew[k])
		h[k] = go_[k] * tc[k]
	}
	if training {
		c.tape = append(c.tape, lstmStep{
			x:     append([]float64(nil), x...),
			hPrev: append([]float64(nil), hPrev...),
			cPrev: append([]float64(nil), cPrev...),
			i:     gi, f: gf, g: gg, o: go_,
			c: cNew, tc: tc,
		})
	}
	return h, cNew
}

// backwardStep propagates dh for one taped step into the cell's
// parameter gradients and returns the gradient with respect to the
// step's input. The incoming (hidden, cell) state is detached, so no
// gradient flows to earlier steps.
func (c *lstmCell) backwardStep(step int, dh []float64) ([]float64, error) {
	if step < 0 || step >= len(c.tape) {
		return nil, fmt.Errorf("lstm backward step %d out of range (tape %d)", step, len(c.tape))
	}
	s := c.tape[step]
	hd := c.hidden
	dz := make([]float64, 4*hd)
	for k := 0; k < hd; k++ {
		do := dh[k] * s.tc[k]
		dc := dh[k] * s.o[k] * (1 - s.tc[k]*s.tc[k])
		di := dc * s.g[k]
		df := dc * s.cPrev[k]
		dg := dc * s.i[k]
		dz[k] = di * s.i[k] * (1 - s.i[k])
		dz[hd+k] = df * s.f[k] * (1 - s.f[k])
		dz[2*hd+k] = dg * (1 - s.g[k]*s.g[k])
		dz[3*hd+k] = do * s.o[k] * (1 - s.o[k])
	}
	gwx := c.wx.Grad.RawMatrix()
	gwh := c.wh.Grad.RawMatrix()
	gb := c.b.Grad.RawMatrix()
	wx := c.wx.Value.RawMatrix()
	dx := make([]float64, c.in)
	for r := 0; r < 4*hd; r++ {
		g := dz[r]
		gb.Data[r] += g
		gxrow := gwx.Data[r*gwx.Stride : r*gwx.Stride+c.in]
		wxrow := wx.Data[r*wx.Stride : r*wx.Stride+c.in]
		for k := 0; k < c.in; k++ {
			gxrow[k] += g * s.x[k]
			dx[k] += g * wxrow[k]
		}
		ghrow := gwh.Data[r*gwh.Stride : r*gwh.Stride+hd]
		for k := 0; k < hd; k++ {
			ghrow[k] += g * s.hPrev[k]
		}
	}
	return dx, nil
}

// sequence is the fixed-depth LSTM stack followed by an affine
// projection to the output domain.
type sequence struct {
	cells    []*lstmCell
	proj     *affine
	actName  string
	actFn    ActivationFunc
	actDeriv ActivationFunc
	hidden   int
	inWidth  int
	pre      [][]float64
}

func newSequence(j *job.Job) (Backend, error) {
	hidden := j.Topology.RecurrentWidth
	if hidden <= 0 {
		return nil, fmt.Errorf("sequence topology requires a recurrent width")
	}
	in := len(j.InputFeatures)
	rng := rand.New(rand.NewSource(paramInitSeed))
	s := &sequence{
		hidden:  hidden,
		inWidth: in,
		cells:   make([]*lstmCell, sequenceStackDepth),
		actName: outputActivation(j.Topology),
	}
	for l := range s.cells {
		cellIn := hidden
		if l == 0 {
			cellIn = in
		}
		s.cells[l] = newLSTMCell(fmt.Sprintf("lstm%d", l), cellIn, hidden, rng)
	}
	s.proj = newAffine("proj", hidden, outputWidth(j.Topology), rng)
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

func (s *sequence) Forward(training bool, input *mat.Dense, state RecurrentState, expected []float64) (*mat.Dense, RecurrentState, error) {
	rows, cols := input.Dims()
	if cols != s.inWidth {
		return nil, nil, fmt.Errorf("input width %d does not match %d features", cols, s.inWidth)
	}
	if training {
		for _, cell := range s.cells {
			cell.resetTape()
		}
		s.proj.resetTape()
		s.pre = s.pre[:0]
	}

	// Re-materialize the incoming state as a fresh detached copy; the
	// caller's object is never mutated.
	st := s.materialize(state)
	out := mat.NewDense(rows, s.proj.out, nil)
	for t := 0; t < rows; t++ {
		x := input.RawRowView(t)
		for l, cell := range s.cells {
			h, cNew := cell.forward(x, st.hidden[l], st.cell[l], training)
			st.hidden[l] = h
			st.cell[l] = cNew
			x = h
		}
		z, err := s.proj.forward(x, training)
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
	return out, st, nil
}

func (s *sequence) Backward(grad *mat.Dense, preActivation bool) error {
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
		dh, err := s.proj.backwardStep(t, dz)
		if err != nil {
			return err
		}
		for l := len(s.cells) - 1; l >= 0; l-- {
			dh, err = s.cells[l].backwardStep(t, dh)
			if err != nil {
				return fmt.Errorf("lstm layer %d: %w", l, err)
			}
		}
	}
	return nil
}

func (s *sequence) Parameters() []*Param {
	params := make([]*Param, 0, 3*len(s.cells)+2)
	for _, cell := range s.cells {
		params = append(params, cell.params()...)
	}
	return append(params, s.proj.params()...)
}

func (s *sequence) ZeroGrad() {
	zeroGrads(s.Parameters())
}

func (s *sequence) InitRecurrentState(sequenceSize int) RecurrentState {
	st := &sequenceState{
		hidden: make([][]float64, len(s.cells)),
		cell:   make([][]float64, len(s.cells)),
	}
	for l := range s.cells {
		st.hidden[l] = make([]float64, s.hidden)
		st.cell[l] = make([]float64, s.hidden)
	}
	return st
}

func (s *sequence) MoveRecurrentState(state RecurrentState, toAccelerator bool) RecurrentState {
	// Host-only execution: state already lives where it is needed.
	return state
}

func (s *sequence) SaveState(j *job.Job) error {
	saveParams(j, s.Parameters())
	return nil
}

func (s *sequence) RestoreState(j *job.Job) error {
	return restoreParams(j, s.Parameters())
}

func (s *sequence) Library() Library {
	return LibraryGradient
}

func (s *sequence) TrainingCanPauseResume() bool {
	return true
}

func (s *sequence) materialize(state RecurrentState) *sequenceState {
	if st, ok := state.(*sequenceState); ok && len(st.hidden) == len(s.cells) {
		return st.Detach().(*sequenceState)
	}
	return s.InitRecurrentState(0).(*sequenceState)
}
