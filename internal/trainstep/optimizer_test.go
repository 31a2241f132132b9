package trainstep

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/backend"
	"asklepios/internal/job"
	"asklepios/internal/model"
)

func singleParam(value, grad float64) []*backend.Param {
	return []*backend.Param{{
		Name:  "w",
		Value: mat.NewDense(1, 1, []float64{value}),
		Grad:  mat.NewDense(1, 1, []float64{grad}),
	}}
}

func TestNewOptimizer(t *testing.T) {
	for _, name := range []string{"", "sgd"} {
		opt, err := NewOptimizer(name)
		if err != nil {
			t.Fatalf("NewOptimizer(%q): %v", name, err)
		}
		if opt != nil {
			t.Fatalf("NewOptimizer(%q) = %T, want nil", name, opt)
		}
	}
	if _, err := NewOptimizer("momentum"); err != nil {
		t.Fatalf("momentum: %v", err)
	}
	if _, err := NewOptimizer("adam"); err != nil {
		t.Fatalf("adam: %v", err)
	}
	_, err := NewOptimizer("adagrad")
	if err == nil {
		t.Fatal("expected error for unrecognized optimizer")
	}
	if model.CodeOf(err) != model.ServerError {
		t.Fatalf("code = %v, want ServerError", model.CodeOf(err))
	}
}

func TestMomentumStep(t *testing.T) {
	opt, err := NewOptimizer("momentum")
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	params := singleParam(1, 2)

	// First step: velocity = -lr*g = -0.2, weight = 0.8.
	opt.Step(params, 0.1)
	if got := params[0].Value.At(0, 0); math.Abs(got-0.8) > 1e-12 {
		t.Fatalf("after first step weight = %v, want 0.8", got)
	}
	// Second step: velocity = 0.9*(-0.2) - 0.2 = -0.38, weight = 0.42.
	opt.Step(params, 0.1)
	if got := params[0].Value.At(0, 0); math.Abs(got-0.42) > 1e-12 {
		t.Fatalf("after second step weight = %v, want 0.42", got)
	}
}

func TestMomentumStateRoundTrip(t *testing.T) {
	opt, err := NewOptimizer("momentum")
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	params := singleParam(1, 2)
	opt.Step(params, 0.1)

	j := &job.Job{State: map[string]job.StateBlob{}}
	opt.SaveState(j)
	if _, _, _, ok := j.MatrixState("opt.momentum.w"); !ok {
		t.Fatal("velocity not persisted under opt.momentum.w")
	}

	restored, err := NewOptimizer("momentum")
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	if err := restored.RestoreState(j); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	// Both optimizers should now produce the same second step.
	fresh := singleParam(0.8, 2)
	restored.Step(fresh, 0.1)
	opt.Step(params, 0.1)
	if got, want := fresh[0].Value.At(0, 0), params[0].Value.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Fatalf("restored step weight = %v, want %v", got, want)
	}
}

func TestAdamStep(t *testing.T) {
	opt, err := NewOptimizer("adam")
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	params := singleParam(1, 2)
	opt.Step(params, 0.1)

	// With bias correction the first update is close to lr*sign(g).
	m := (1 - adamBeta1) * 2 / (1 - adamBeta1)
	v := (1 - adamBeta2) * 4 / (1 - adamBeta2)
	want := 1 - 0.1*m/(math.Sqrt(v)+adamEpsilon)
	if got := params[0].Value.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Fatalf("after first step weight = %v, want %v", got, want)
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	opt, err := NewOptimizer("adam")
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	params := singleParam(1, 2)
	opt.Step(params, 0.1)
	opt.Step(params, 0.1)

	j := &job.Job{State: map[string]job.StateBlob{}}
	opt.SaveState(j)
	for _, key := range []string{"opt.adam.m.w", "opt.adam.v.w", "opt.adam.step"} {
		if _, _, _, ok := j.MatrixState(key); !ok {
			t.Fatalf("missing persisted state %s", key)
		}
	}

	restored, err := NewOptimizer("adam")
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	if err := restored.RestoreState(j); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	before := params[0].Value.At(0, 0)
	fresh := singleParam(before, 2)
	restored.Step(fresh, 0.1)
	opt.Step(params, 0.1)
	if got, want := fresh[0].Value.At(0, 0), params[0].Value.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Fatalf("restored step weight = %v, want %v", got, want)
	}
}

func TestRestoreIgnoresForeignState(t *testing.T) {
	j := &job.Job{State: map[string]job.StateBlob{}}
	j.SetRawState("tree.ensemble", []byte("{}"))
	j.SetMatrixState("weights.0", 1, 1, []float64{3})

	opt, err := NewOptimizer("momentum")
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	if err := opt.RestoreState(j); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if mo, ok := opt.(*momentum); !ok || len(mo.velocity) != 0 {
		t.Fatalf("momentum picked up foreign state: %#v", opt)
	}
}
