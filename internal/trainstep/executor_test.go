package trainstep

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/backend"
	"asklepios/internal/job"
	"asklepios/internal/model"
)

func trainJob(kind model.ModelKind) *job.Job {
	return &job.Job{
		ID:            "job-1",
		DataPath:      "data.txt",
		InputFeatures: []string{"hr", "age"},
		OutputFeature: "mortality",
		Topology: job.Topology{
			Model:             kind,
			OutputKind:        model.DataLogistic,
			LogisticThreshold: 0.5,
		},
		Hyper: job.Hyperparameters{Epochs: 1, LearningRate: 0.5, Loss: "mse"},
	}
}

func newExecutor(t *testing.T, j *job.Job) *Executor {
	t.Helper()
	b, err := backend.New(j)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	loss, err := NewLoss(j.Hyper.Loss)
	if err != nil {
		t.Fatalf("NewLoss: %v", err)
	}
	return &Executor{
		Backend:      b,
		Loss:         loss,
		LearningRate: j.Hyper.LearningRate,
		Normalizer:   NewNormalizer(nil),
	}
}

func TestExecutorTrainEmptyBatch(t *testing.T) {
	e := newExecutor(t, trainJob(model.ModelSingleLayer))
	state, loss, err := e.Train(nil, nil, nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if state != nil || loss != 0 {
		t.Fatalf("empty batch produced state=%v loss=%v", state, loss)
	}
}

func TestExecutorTrainReducesLoss(t *testing.T) {
	e := newExecutor(t, trainJob(model.ModelSingleLayer))
	samples := [][]float64{
		{-1, -1},
		{-2, -1},
		{1, 1},
		{2, 1},
	}
	expected := []float64{0, 0, 1, 1}

	_, first, err := e.Train(samples, expected, nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	var last float64
	for i := 0; i < 200; i++ {
		_, last, err = e.Train(samples, expected, nil)
		if err != nil {
			t.Fatalf("Train iteration %d: %v", i, err)
		}
	}
	if last >= first {
		t.Fatalf("loss did not decrease: first %v, last %v", first, last)
	}
	if last > 0.05 {
		t.Fatalf("separable batch should fit well, final loss %v", last)
	}
}

func TestExecutorNonFiniteLossIsFatal(t *testing.T) {
	e := newExecutor(t, trainJob(model.ModelSingleLayer))
	_, _, err := e.Train([][]float64{{1, 2}}, []float64{math.Inf(1)}, nil)
	if err == nil {
		t.Fatal("expected non-finite loss to fail")
	}
	if model.CodeOf(err) != model.AssertionError {
		t.Fatalf("code = %v, want AssertionError", model.CodeOf(err))
	}
}

func TestExecutorTreeTrainsInsideForward(t *testing.T) {
	e := newExecutor(t, trainJob(model.ModelBoostedTree))
	samples := [][]float64{
		{2, 1},
		{-2, -1},
	}
	expected := []float64{1, 0}
	_, loss, err := e.Train(samples, expected, nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Fatalf("reported tree loss %v", loss)
	}
	// The tree path must never reach the gradient machinery; a second
	// step with an objective the loss rejects would have failed there.
	if e.Backend.Library() != backend.LibraryTree {
		t.Fatalf("library = %v, want tree", e.Backend.Library())
	}
}

func TestExecutorInfer(t *testing.T) {
	e := newExecutor(t, trainJob(model.ModelSingleLayer))
	out, _, err := e.Infer([][]float64{{1, 2}, {3, 4}}, nil)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	r, c := out.Dims()
	if r != 2 || c != 1 {
		t.Fatalf("output dims = %dx%d, want 2x1", r, c)
	}

	out, state, err := e.Infer(nil, nil)
	if err != nil {
		t.Fatalf("Infer empty: %v", err)
	}
	if out != nil || state != nil {
		t.Fatalf("empty inference produced out=%v state=%v", out, state)
	}
}

// claimsGradient reports the gradient library without implementing the
// gradient contract, which the executor must treat as a server fault.
type claimsGradient struct{}

func (claimsGradient) Forward(training bool, input *mat.Dense, state backend.RecurrentState, expected []float64) (*mat.Dense, backend.RecurrentState, error) {
	rows, _ := input.Dims()
	return mat.NewDense(rows, 1, nil), state, nil
}

func (claimsGradient) InitRecurrentState(sequenceSize int) backend.RecurrentState { return nil }

func (claimsGradient) MoveRecurrentState(state backend.RecurrentState, toAccelerator bool) backend.RecurrentState {
	return state
}

func (claimsGradient) SaveState(j *job.Job) error    { return nil }
func (claimsGradient) RestoreState(j *job.Job) error { return nil }
func (claimsGradient) Library() backend.Library      { return backend.LibraryGradient }
func (claimsGradient) TrainingCanPauseResume() bool  { return true }

func TestExecutorRejectsIncompleteGradientBackend(t *testing.T) {
	loss, err := NewLoss("mse")
	if err != nil {
		t.Fatalf("NewLoss: %v", err)
	}
	e := &Executor{
		Backend:      claimsGradient{},
		Loss:         loss,
		LearningRate: 0.1,
		Normalizer:   NewNormalizer(nil),
	}
	_, _, err = e.Train([][]float64{{1, 2}}, []float64{0}, nil)
	if err == nil {
		t.Fatal("expected gradient contract error")
	}
	if model.CodeOf(err) != model.ServerError {
		t.Fatalf("code = %v, want ServerError", model.CodeOf(err))
	}
}
