package predict

import (
	"path/filepath"
	"testing"

	"asklepios/internal/backend"
	"asklepios/internal/job"
	"asklepios/internal/model"
)

func trainedJob(t *testing.T, kind model.DataKind) *job.Job {
	t.Helper()
	j := &job.Job{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: job.CurrentSchemaVersion,
			CodecVersion:  job.CurrentCodecVersion,
		},
		ID:            "run-1",
		DataPath:      "data.txt",
		InputFeatures: []string{"hr", "age"},
		OutputFeature: "mortality",
		Topology: job.Topology{
			Model:             model.ModelSingleLayer,
			OutputKind:        kind,
			Activation:        "identity",
			LogisticThreshold: 0.5,
		},
		Hyper: job.Hyperparameters{Epochs: 1, LearningRate: 0.1, Loss: "mse"},
	}
	if kind == model.DataCategory {
		j.Topology.OutputClasses = 3
		j.Hyper.Loss = "nll"
	}
	b, err := backend.New(j)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	if err := b.SaveState(j); err != nil {
		t.Fatalf("save state: %v", err)
	}
	return j
}

func TestNewRequiresValidJob(t *testing.T) {
	j := trainedJob(t, model.DataLogistic)
	j.InputFeatures = nil
	if _, err := New(j); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestPredictLogistic(t *testing.T) {
	p, err := New(trainedJob(t, model.DataLogistic))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := p.Predict("hr=80; age=40")
	if res.Code != model.NoError {
		t.Fatalf("code = %v: %s", res.Code, res.Message)
	}
	if res.Kind != model.DataLogistic {
		t.Fatalf("kind = %v", res.Kind)
	}
	if len(res.Guesses) != 1 {
		t.Fatalf("guesses = %v", res.Guesses)
	}
	g := res.Guesses[0]
	if g.Value != 0 && g.Value != 1 {
		t.Fatalf("logistic guess value = %v", g.Value)
	}
	if g.Confidence < 0 || g.Confidence > 100 {
		t.Fatalf("confidence = %d", g.Confidence)
	}
}

func TestPredictCategory(t *testing.T) {
	p, err := New(trainedJob(t, model.DataCategory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := p.Predict("hr=95;age=60")
	if res.Code != model.NoError {
		t.Fatalf("code = %v: %s", res.Code, res.Message)
	}
	if len(res.Guesses) != 3 {
		t.Fatalf("guesses = %v, want 3 ranked classes", res.Guesses)
	}
	for i := 1; i < len(res.Guesses); i++ {
		if res.Guesses[i].Confidence > res.Guesses[i-1].Confidence {
			t.Fatalf("guesses not ranked by confidence: %v", res.Guesses)
		}
	}
}

func TestPredictNumeric(t *testing.T) {
	p, err := New(trainedJob(t, model.DataNumeric))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := p.Predict("hr=70")
	if res.Code != model.NoError {
		t.Fatalf("code = %v: %s", res.Code, res.Message)
	}
	if len(res.Guesses) != 1 {
		t.Fatalf("guesses = %v", res.Guesses)
	}
	g := res.Guesses[0]
	if g.Value != float64(int64(g.Value)) {
		t.Fatalf("numeric guess %v is not rounded", g.Value)
	}
	if g.Confidence != 0 {
		t.Fatalf("numeric confidence = %d, want 0", g.Confidence)
	}
}

func TestPredictRejectsClientFaults(t *testing.T) {
	p, err := New(trainedJob(t, model.DataLogistic))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []string{
		"hr:80",
		"bp=120",
		"hr=fast",
	}
	for _, input := range cases {
		res := p.Predict(input)
		if res.Code != model.InvalidClientRequest {
			t.Fatalf("Predict(%q) code = %v, want InvalidClientRequest", input, res.Code)
		}
		if res.Message == "" {
			t.Fatalf("Predict(%q) has no message", input)
		}
	}
}

func TestPredictDefaultsMissingFeatures(t *testing.T) {
	p, err := New(trainedJob(t, model.DataLogistic))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := p.Predict("")
	if res.Code != model.NoError {
		t.Fatalf("code = %v: %s", res.Code, res.Message)
	}
	if len(res.Guesses) != 1 {
		t.Fatalf("guesses = %v", res.Guesses)
	}
}

func TestTopClasses(t *testing.T) {
	guesses := topClasses([]float64{-0.05, -3, -5, -8})
	if len(guesses) != 3 {
		t.Fatalf("guesses = %v, want top 3 of 4", guesses)
	}
	wantValues := []float64{0, 1, 2}
	wantConfidence := []int{95, 5, 1}
	for i, g := range guesses {
		if g.Value != wantValues[i] || g.Confidence != wantConfidence[i] {
			t.Fatalf("guess %d = %+v, want value %v confidence %d",
				i, g, wantValues[i], wantConfidence[i])
		}
	}
}

func TestLoadFromJobFile(t *testing.T) {
	j := trainedJob(t, model.DataLogistic)
	path := filepath.Join(t.TempDir(), "run-1.job.json")
	if err := job.SaveFile(path, *j); err != nil {
		t.Fatalf("save job: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res := p.Predict("hr=80;age=40")
	if res.Code != model.NoError {
		t.Fatalf("code = %v: %s", res.Code, res.Message)
	}
}
