package backend

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// affine is one fully connected unit. During a training forward pass it
// tapes its per-step inputs so backwardStep can accumulate gradients
// without re-running the pass.
type affine struct {
	in, out int
	w, b    *Param
	tape    [][]float64
}

func newAffine(name string, in, out int, rng *rand.Rand) *affine {
	w := mat.NewDense(out, in, nil)
	limit := math.Sqrt(6.0 / float64(in+out))
	raw := w.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = (rng.Float64()*2 - 1) * limit
	}
	return &affine{
		in:  in,
		out: out,
		w:   &Param{Name: name + ".w", Value: w, Grad: mat.NewDense(out, in, nil)},
		b:   &Param{Name: name + ".b", Value: mat.NewDense(out, 1, nil), Grad: mat.NewDense(out, 1, nil)},
	}
}

func (a *affine) params() []*Param {
	return []*Param{a.w, a.b}
}

func (a *affine) resetTape() {
	a.tape = a.tape[:0]
}

// forward computes w*x + b for one step. When training, the input is
// taped for the matching backwardStep call.
func (a *affine) forward(x []float64, training bool) ([]float64, error) {
	if len(x) != a.in {
		return nil, fmt.Errorf("affine input size mismatch: got %d, want %d", len(x), a.in)
	}
	z := make([]float64, a.out)
	w := a.w.Value.RawMatrix()
	b := a.b.Value.RawMatrix()
	for i := 0; i < a.out; i++ {
		sum := b.Data[i]
		row := w.Data[i*w.Stride : i*w.Stride+a.in]
		for k, xv := range x {
			sum += row[k] * xv
		}
		z[i] = sum
	}
	if training {
		a.tape = append(a.tape, append([]float64(nil), x...))
	}
	return z, nil
}

// backwardStep folds dz for one taped step into the weight gradients
// and returns the gradient with respect to that step's input.
func (a *affine) backwardStep(step int, dz []float64) ([]float64, error) {
	if step < 0 || step >= len(a.tape) {
		return nil, fmt.Errorf("affine backward step %d out of range (tape %d)", step, len(a.tape))
	}
	if len(dz) != a.out {
		return nil, fmt.Errorf("affine gradient size mismatch: got %d, want %d", len(dz), a.out)
	}
	x := a.tape[step]
	gw := a.w.Grad.RawMatrix()
	gb := a.b.Grad.RawMatrix()
	w := a.w.Value.RawMatrix()
	dx := make([]float64, a.in)
	for i := 0; i < a.out; i++ {
		gi := dz[i]
		gb.Data[i] += gi
		grow := gw.Data[i*gw.Stride : i*gw.Stride+a.in]
		wrow := w.Data[i*w.Stride : i*w.Stride+a.in]
		for k := 0; k < a.in; k++ {
			grow[k] += gi * x[k]
			dx[k] += gi * wrow[k]
		}
	}
	return dx, nil
}
