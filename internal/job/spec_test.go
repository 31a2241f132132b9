package job

import (
	"os"
	"path/filepath"
	"testing"

	"asklepios/internal/model"
)

const specYAML = `
name: mortality
data_path: data.txt
input_features: [heart_rate, age]
output_feature: mortality
topology:
  model: single_layer
  output_kind: logistic
hyper:
  epochs: 3
`

func TestLoadSpecAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	if err := os.WriteFile(path, []byte(specYAML), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	j, err := LoadSpec(path)
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected a generated job id")
	}
	if j.Hyper.Epochs != 3 {
		t.Fatalf("epochs = %d, want 3", j.Hyper.Epochs)
	}
	if j.Hyper.LearningRate != 0.01 {
		t.Fatalf("learning rate = %v, want default 0.01", j.Hyper.LearningRate)
	}
	if j.Hyper.Loss != "mse" {
		t.Fatalf("loss = %q, want mse for a logistic output", j.Hyper.Loss)
	}
	if j.Topology.LogisticThreshold != 0.5 {
		t.Fatalf("logistic threshold = %v, want 0.5", j.Topology.LogisticThreshold)
	}
	if j.Stats.Status != StatusNew {
		t.Fatalf("status = %v, want %v", j.Stats.Status, StatusNew)
	}
}

func TestNewFromSpecDefaultsLossForCategory(t *testing.T) {
	j, err := NewFromSpec(SpecFile{
		DataPath:      "data.txt",
		InputFeatures: []string{"a"},
		OutputFeature: "diagnosis",
		Topology: Topology{
			Model:         model.ModelMultiLayer,
			OutputKind:    model.DataCategory,
			OutputClasses: 4,
		},
	})
	if err != nil {
		t.Fatalf("new from spec: %v", err)
	}
	if j.Hyper.Loss != "nll" {
		t.Fatalf("loss = %q, want nll for a categorical output", j.Hyper.Loss)
	}
}

func TestNewFromSpecRejectsInvalid(t *testing.T) {
	if _, err := NewFromSpec(SpecFile{DataPath: "data.txt"}); err == nil {
		t.Fatal("expected validation error for missing features")
	}
}
