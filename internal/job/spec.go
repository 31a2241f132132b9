package job

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"asklepios/internal/model"
)

// SpecFile is the authored YAML description of a training job. It maps
// onto a fresh Job; accumulated statistics and state never appear in a
// spec file.
type SpecFile struct {
	Name             string          `yaml:"name"`
	DataPath         string          `yaml:"data_path"`
	InputFeatures    []string        `yaml:"input_features"`
	OutputFeature    string          `yaml:"output_feature"`
	FilterProperties []string        `yaml:"filter_properties"`
	Topology         Topology        `yaml:"topology"`
	Hyper            Hyperparameters `yaml:"hyper"`
}

// LoadSpec reads a YAML job spec and constructs a new Job with
// defaulted hyperparameters.
func LoadSpec(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	var spec SpecFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Job{}, fmt.Errorf("parse job spec %s: %w", path, err)
	}
	return NewFromSpec(spec)
}

// NewFromSpec builds a runnable Job from an authored spec.
func NewFromSpec(spec SpecFile) (Job, error) {
	j := Job{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: CurrentSchemaVersion,
			CodecVersion:  CurrentCodecVersion,
		},
		ID:               uuid.NewString(),
		Name:             spec.Name,
		DataPath:         spec.DataPath,
		InputFeatures:    append([]string(nil), spec.InputFeatures...),
		OutputFeature:    spec.OutputFeature,
		FilterProperties: append([]string(nil), spec.FilterProperties...),
		Topology:         spec.Topology,
		Hyper:            spec.Hyper,
	}
	j.Stats.Status = StatusNew
	applyDefaults(&j)
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

func applyDefaults(j *Job) {
	if j.Hyper.LearningRate <= 0 {
		j.Hyper.LearningRate = 0.01
	}
	if j.Hyper.Epochs <= 0 {
		j.Hyper.Epochs = 1
	}
	if j.Hyper.Loss == "" {
		if j.Topology.OutputKind == model.DataCategory {
			j.Hyper.Loss = "nll"
		} else {
			j.Hyper.Loss = "mse"
		}
	}
	if j.Hyper.PartitionSize <= 0 {
		j.Hyper.PartitionSize = 64 << 20
	}
	if j.Hyper.PrioritySkipThreshold <= 0 {
		j.Hyper.PrioritySkipThreshold = 1
	}
	if j.Topology.LogisticThreshold <= 0 {
		j.Topology.LogisticThreshold = 0.5
	}
	if j.Topology.Activation == "" {
		j.Topology.Activation = "tanh"
	}
}
