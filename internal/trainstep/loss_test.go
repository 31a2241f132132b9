package trainstep

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/model"
)

func TestNewLossUnknown(t *testing.T) {
	_, err := NewLoss("hinge")
	if err == nil {
		t.Fatal("expected error for unknown loss")
	}
	if model.CodeOf(err) != model.ServerError {
		t.Fatalf("code = %v, want server error", model.CodeOf(err))
	}
}

func TestMSELossAndGradient(t *testing.T) {
	l, err := NewLoss("mse")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	output := mat.NewDense(2, 1, []float64{1, 3})
	expected := []float64{0, 1}

	loss, grad, preAct, err := l.Compute(output, expected)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if preAct {
		t.Fatal("mse gradient is against the output, not the pre-activation")
	}
	// ((1-0)^2 + (3-1)^2) / 2 = 2.5
	if math.Abs(loss-2.5) > 1e-12 {
		t.Fatalf("loss = %v, want 2.5", loss)
	}
	if g := grad.At(0, 0); math.Abs(g-1) > 1e-12 {
		t.Fatalf("grad[0] = %v, want 1", g)
	}
	if g := grad.At(1, 0); math.Abs(g-2) > 1e-12 {
		t.Fatalf("grad[1] = %v, want 2", g)
	}
}

func TestNLLLossUsesFinalTimestep(t *testing.T) {
	l, err := NewLoss("nll")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logProbs := []float64{math.Log(0.7), math.Log(0.2), math.Log(0.1)}
	output := mat.NewDense(2, 3, append([]float64{math.Log(1.0 / 3), math.Log(1.0 / 3), math.Log(1.0 / 3)}, logProbs...))
	expected := []float64{1, 0}

	loss, grad, preAct, err := l.Compute(output, expected)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !preAct {
		t.Fatal("nll gradient must be against the pre-activation")
	}
	if math.Abs(loss+math.Log(0.7)) > 1e-12 {
		t.Fatalf("loss = %v, want %v", loss, -math.Log(0.7))
	}
	// Gradient is probability minus one-hot, only on the final row.
	if g := grad.At(1, 0); math.Abs(g-(0.7-1)) > 1e-12 {
		t.Fatalf("grad[1][0] = %v, want %v", g, 0.7-1)
	}
	if g := grad.At(1, 1); math.Abs(g-0.2) > 1e-12 {
		t.Fatalf("grad[1][1] = %v, want 0.2", g)
	}
	for c := 0; c < 3; c++ {
		if g := grad.At(0, c); g != 0 {
			t.Fatalf("grad[0][%d] = %v, want 0", c, g)
		}
	}
}

func TestNLLRejectsOutOfRangeClass(t *testing.T) {
	l, err := NewLoss("nll")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	output := mat.NewDense(1, 2, []float64{math.Log(0.5), math.Log(0.5)})
	_, _, _, err = l.Compute(output, []float64{5})
	if err == nil {
		t.Fatal("expected error for out-of-range class")
	}
	if model.CodeOf(err) != model.AssertionError {
		t.Fatalf("code = %v, want assertion error", model.CodeOf(err))
	}
}

func TestLossRejectsShapeMismatch(t *testing.T) {
	l, _ := NewLoss("mse")
	output := mat.NewDense(2, 1, []float64{1, 2})
	if _, _, _, err := l.Compute(output, []float64{1}); err == nil {
		t.Fatal("expected error for row count mismatch")
	}
	wide := mat.NewDense(1, 2, []float64{1, 2})
	if _, _, _, err := l.Compute(wide, []float64{1}); err == nil {
		t.Fatal("expected error for multi-column mse output")
	}
}
