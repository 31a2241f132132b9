package backend

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/job"
	"asklepios/internal/model"
)

func logisticJob() *job.Job {
	return &job.Job{
		ID:            "job-1",
		DataPath:      "data.txt",
		InputFeatures: []string{"hr", "age"},
		OutputFeature: "mortality",
		Topology: job.Topology{
			Model:             model.ModelSingleLayer,
			OutputKind:        model.DataLogistic,
			LogisticThreshold: 0.5,
		},
		Hyper: job.Hyperparameters{Epochs: 1, LearningRate: 0.1},
	}
}

func categoryJob(model3 model.ModelKind) *job.Job {
	j := logisticJob()
	j.Topology.Model = model3
	j.Topology.OutputKind = model.DataCategory
	j.Topology.OutputClasses = 3
	return j
}

func sequenceJob() *job.Job {
	j := categoryJob(model.ModelSequence)
	j.Topology.RecurrentWidth = 4
	return j
}

func multiLayerJob() *job.Job {
	j := logisticJob()
	j.Topology.Model = model.ModelMultiLayer
	j.Topology.RecurrentWidth = 2
	j.Topology.Layers = []model.LayerSpec{
		{In: 2, Out: 4, Activation: "tanh"},
		{In: 4, Out: 1, Activation: "sigmoid"},
	}
	return j
}

func sampleInput() *mat.Dense {
	return mat.NewDense(3, 2, []float64{
		0.1, 0.5,
		-0.2, 0.3,
		0.4, -0.1,
	})
}

func TestNewRejectsUnknownModel(t *testing.T) {
	j := logisticJob()
	j.Topology.Model = "perceptron"
	if _, err := New(j); err == nil {
		t.Fatal("expected error for unknown model kind")
	}
}

func TestDeterministicInitialization(t *testing.T) {
	for _, j := range []*job.Job{logisticJob(), multiLayerJob(), sequenceJob()} {
		a, err := New(j)
		if err != nil {
			t.Fatalf("new %s: %v", j.Topology.Model, err)
		}
		b, err := New(j)
		if err != nil {
			t.Fatalf("new %s: %v", j.Topology.Model, err)
		}
		input := sampleInput()
		outA, _, err := a.Forward(false, input, a.InitRecurrentState(3), nil)
		if err != nil {
			t.Fatalf("forward %s: %v", j.Topology.Model, err)
		}
		outB, _, err := b.Forward(false, input, b.InitRecurrentState(3), nil)
		if err != nil {
			t.Fatalf("forward %s: %v", j.Topology.Model, err)
		}
		if !mat.EqualApprox(outA, outB, 1e-12) {
			t.Fatalf("%s: fresh instances disagree before any state restore", j.Topology.Model)
		}
	}
}

func TestSingleLayerOutputShapes(t *testing.T) {
	cases := []struct {
		name string
		j    *job.Job
		cols int
	}{
		{name: "logistic", j: logisticJob(), cols: 1},
		{name: "category", j: categoryJob(model.ModelSingleLayer), cols: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := New(tc.j)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			out, _, err := b.Forward(false, sampleInput(), b.InitRecurrentState(3), nil)
			if err != nil {
				t.Fatalf("forward: %v", err)
			}
			rows, cols := out.Dims()
			if rows != 3 || cols != tc.cols {
				t.Fatalf("output %dx%d, want 3x%d", rows, cols, tc.cols)
			}
		})
	}
}

func TestLogisticOutputIsProbability(t *testing.T) {
	b, err := New(logisticJob())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, _, err := b.Forward(false, sampleInput(), b.InitRecurrentState(3), nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	rows, _ := out.Dims()
	for r := 0; r < rows; r++ {
		if p := out.At(r, 0); p <= 0 || p >= 1 {
			t.Fatalf("row %d output %v outside (0, 1)", r, p)
		}
	}
}

func TestCategoryOutputIsLogProbabilities(t *testing.T) {
	b, err := New(categoryJob(model.ModelSingleLayer))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, _, err := b.Forward(false, sampleInput(), b.InitRecurrentState(3), nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	rows, cols := out.Dims()
	for r := 0; r < rows; r++ {
		sum := 0.0
		for c := 0; c < cols; c++ {
			sum += math.Exp(out.At(r, c))
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("row %d probabilities sum to %v, want 1", r, sum)
		}
	}
}

func TestStateRoundTripReproducesForward(t *testing.T) {
	for _, jb := range []*job.Job{logisticJob(), multiLayerJob(), sequenceJob()} {
		trained, err := New(jb)
		if err != nil {
			t.Fatalf("new %s: %v", jb.Topology.Model, err)
		}
		// Nudge the parameters away from initialization so the restore
		// is observable.
		gb := trained.(GradientBackend)
		for _, p := range gb.Parameters() {
			raw := p.Value.RawMatrix()
			for i := range raw.Data {
				raw.Data[i] += 0.01 * float64(i%7)
			}
		}
		if err := trained.SaveState(jb); err != nil {
			t.Fatalf("save %s: %v", jb.Topology.Model, err)
		}

		restored, err := New(jb)
		if err != nil {
			t.Fatalf("new %s: %v", jb.Topology.Model, err)
		}
		if err := restored.RestoreState(jb); err != nil {
			t.Fatalf("restore %s: %v", jb.Topology.Model, err)
		}

		input := sampleInput()
		want, _, err := trained.Forward(false, input, trained.InitRecurrentState(3), nil)
		if err != nil {
			t.Fatalf("forward %s: %v", jb.Topology.Model, err)
		}
		got, _, err := restored.Forward(false, input, restored.InitRecurrentState(3), nil)
		if err != nil {
			t.Fatalf("forward %s: %v", jb.Topology.Model, err)
		}
		if !mat.EqualApprox(want, got, 1e-12) {
			t.Fatalf("%s: restored instance disagrees with the saved one", jb.Topology.Model)
		}
	}
}

func TestRestoreRejectsShapeMismatch(t *testing.T) {
	jb := logisticJob()
	b, err := New(jb)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b.SaveState(jb); err != nil {
		t.Fatalf("save: %v", err)
	}

	jb.InputFeatures = []string{"hr", "age", "bp"}
	wider, err := New(jb)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := wider.RestoreState(jb); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestGradientTrainingReducesLoss(t *testing.T) {
	jb := logisticJob()
	b, err := New(jb)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	gb := b.(GradientBackend)

	input := mat.NewDense(4, 2, []float64{
		1, 1,
		0.8, 0.9,
		-1, -1,
		-0.9, -0.8,
	})
	expected := []float64{1, 1, 0, 0}

	loss := func() float64 {
		out, _, err := b.Forward(false, input, b.InitRecurrentState(4), nil)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		sum := 0.0
		for r := 0; r < 4; r++ {
			d := out.At(r, 0) - expected[r]
			sum += d * d
		}
		return sum
	}

	before := loss()
	for iter := 0; iter < 200; iter++ {
		out, _, err := b.Forward(true, input, b.InitRecurrentState(4), expected)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		grad := mat.NewDense(4, 1, nil)
		for r := 0; r < 4; r++ {
			grad.Set(r, 0, 2*(out.At(r, 0)-expected[r])/4)
		}
		gb.ZeroGrad()
		if err := gb.Backward(grad, false); err != nil {
			t.Fatalf("backward: %v", err)
		}
		for _, p := range gb.Parameters() {
			value := p.Value.RawMatrix().Data
			g := p.Grad.RawMatrix().Data
			for i := range value {
				value[i] -= 0.5 * g[i]
			}
		}
	}
	after := loss()
	if after >= before {
		t.Fatalf("loss did not decrease: before %v, after %v", before, after)
	}
}

func TestRecurrentStateDetachIsolation(t *testing.T) {
	b, err := New(multiLayerJob())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	state := b.InitRecurrentState(3)
	if state == nil {
		t.Fatal("recurrent backend must produce a state")
	}
	_, next, err := b.Forward(false, sampleInput(), state, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if next == nil {
		t.Fatal("forward must hand back an updated state")
	}
	detached := next.Detach()
	if detached == nil {
		t.Fatal("detach must produce a usable state")
	}
	if _, _, err := b.Forward(false, sampleInput(), detached, nil); err != nil {
		t.Fatalf("forward from detached state: %v", err)
	}
}

func TestLibraryAndResumability(t *testing.T) {
	cases := []struct {
		j       *job.Job
		library Library
		resume  bool
	}{
		{j: logisticJob(), library: LibraryGradient, resume: true},
		{j: multiLayerJob(), library: LibraryGradient, resume: true},
		{j: sequenceJob(), library: LibraryGradient, resume: true},
		{j: categoryJob(model.ModelBoostedTree), library: LibraryTree, resume: false},
	}
	for _, tc := range cases {
		b, err := New(tc.j)
		if err != nil {
			t.Fatalf("new %s: %v", tc.j.Topology.Model, err)
		}
		if b.Library() != tc.library {
			t.Fatalf("%s library = %v, want %v", tc.j.Topology.Model, b.Library(), tc.library)
		}
		if b.TrainingCanPauseResume() != tc.resume {
			t.Fatalf("%s resumability = %v, want %v", tc.j.Topology.Model, b.TrainingCanPauseResume(), tc.resume)
		}
	}
}
