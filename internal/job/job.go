package job

import (
	"fmt"
	"sort"
	"time"

	"asklepios/internal/model"
)

// Status tracks the lifecycle of a job run.
type Status string

const (
	StatusNew       Status = "new"
	StatusPreflight Status = "preflight"
	StatusTraining  Status = "training"
	StatusTesting   Status = "testing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Topology describes the network to construct.
type Topology struct {
	Model             model.ModelKind   `json:"model" yaml:"model"`
	Layers            []model.LayerSpec `json:"layers,omitempty" yaml:"layers,omitempty"`
	RecurrentWidth    int               `json:"recurrent_width,omitempty" yaml:"recurrent_width,omitempty"`
	OutputKind        model.DataKind    `json:"output_kind" yaml:"output_kind"`
	OutputClasses     int               `json:"output_classes,omitempty" yaml:"output_classes,omitempty"`
	Activation        string            `json:"activation,omitempty" yaml:"activation,omitempty"`
	LogisticThreshold float64           `json:"logistic_threshold,omitempty" yaml:"logistic_threshold,omitempty"`
}

// Logistic reports whether the output is a single-probability column.
func (t Topology) Logistic() bool {
	return t.OutputKind == model.DataLogistic
}

// Hyperparameters holds the training knobs read by the engine and the
// training-step executor.
type Hyperparameters struct {
	LearningRate          float64        `json:"learning_rate" yaml:"learning_rate"`
	Epochs                int            `json:"epochs" yaml:"epochs"`
	Optimizer             string         `json:"optimizer,omitempty" yaml:"optimizer,omitempty"`
	Loss                  string         `json:"loss,omitempty" yaml:"loss,omitempty"`
	PartitionSize         int64          `json:"partition_size,omitempty" yaml:"partition_size,omitempty"`
	AllowPauseResume      bool           `json:"allow_pause_resume" yaml:"allow_pause_resume"`
	DisableShuffle        bool           `json:"disable_shuffle,omitempty" yaml:"disable_shuffle,omitempty"`
	PrioritySkipThreshold int            `json:"priority_skip_threshold,omitempty" yaml:"priority_skip_threshold,omitempty"`
	MinIntervalHours      float64        `json:"min_interval_hours,omitempty" yaml:"min_interval_hours,omitempty"`
	ClassPriorities       map[string]int `json:"class_priorities,omitempty" yaml:"class_priorities,omitempty"`
}

// CalibrationBin accumulates predicted-vs-observed probability mass for
// one decile of predicted probability.
type CalibrationBin struct {
	PredictedSum float64 `json:"predicted_sum"`
	ActualSum    float64 `json:"actual_sum"`
	Count        int64   `json:"count"`
}

// Stats is the accumulated run bookkeeping. Workers mutate only the
// fields scoped to the partition they processed; the engine owns the
// authoritative merge.
type Stats struct {
	Status             Status           `json:"status"`
	ErrorCode          model.ErrorCode  `json:"error_code"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	EpochLoss          []float64        `json:"epoch_loss,omitempty"`
	PatientsPerEpoch   int64            `json:"patients_per_epoch"`
	SamplesPerEpoch    int64            `json:"samples_per_epoch"`
	PatientsSkipped    int64            `json:"patients_skipped"`
	TestSamples        int64            `json:"test_samples"`
	TestCorrect        int64            `json:"test_correct"`
	TestSquaredError   float64          `json:"test_squared_error,omitempty"`
	Confusion          []int64          `json:"confusion,omitempty"`
	Calibration        []CalibrationBin `json:"calibration,omitempty"`
	PreflightStartedAt string           `json:"preflight_started_at,omitempty"`
	TrainingStartedAt  string           `json:"training_started_at,omitempty"`
	TestingStartedAt   string           `json:"testing_started_at,omitempty"`
	FinishedAt         string           `json:"finished_at,omitempty"`
	EpochsCompleted    int              `json:"epochs_completed"`
}

// StateBlob is one named entry of the job's state store: either a dense
// float64 matrix or an opaque byte payload (tree snapshots, optimizer
// internals).
type StateBlob struct {
	Rows   int       `json:"rows,omitempty"`
	Cols   int       `json:"cols,omitempty"`
	Values []float64 `json:"values,omitempty"`
	Raw    []byte    `json:"raw,omitempty"`
}

// Job is the serializable run record passed by value between the engine
// and its workers. There is no shared memory: every hand-off goes
// through Encode/Decode.
type Job struct {
	model.VersionedRecord
	ID               string                `json:"id"`
	Name             string                `json:"name,omitempty"`
	DataPath         string                `json:"data_path"`
	InputFeatures    []string              `json:"input_features"`
	OutputFeature    string                `json:"output_feature"`
	FilterProperties []string              `json:"filter_properties,omitempty"`
	Topology         Topology              `json:"topology"`
	Hyper            Hyperparameters       `json:"hyper"`
	Stats            Stats                 `json:"stats"`
	State            map[string]StateBlob  `json:"state,omitempty"`
	Partitions       []model.Partition     `json:"partitions,omitempty"`
	Features         []model.FeatureStats  `json:"features,omitempty"`
	ClassCounts      map[string]int64      `json:"class_counts,omitempty"`
}

func (j *Job) Validate() error {
	if j.DataPath == "" {
		return fmt.Errorf("data path is required")
	}
	if len(j.InputFeatures) == 0 {
		return fmt.Errorf("input features are required")
	}
	if j.OutputFeature == "" {
		return fmt.Errorf("output feature is required")
	}
	switch j.Topology.Model {
	case model.ModelSingleLayer, model.ModelMultiLayer, model.ModelSequence, model.ModelBoostedTree:
	default:
		return fmt.Errorf("unrecognized model kind: %s", j.Topology.Model)
	}
	if j.Hyper.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0")
	}
	return nil
}

// SetMatrixState stores a named dense matrix in the state store.
func (j *Job) SetMatrixState(name string, rows, cols int, values []float64) {
	if j.State == nil {
		j.State = make(map[string]StateBlob)
	}
	j.State[name] = StateBlob{
		Rows:   rows,
		Cols:   cols,
		Values: append([]float64(nil), values...),
	}
}

// MatrixState returns a named dense matrix from the state store.
func (j *Job) MatrixState(name string) (rows, cols int, values []float64, ok bool) {
	blob, found := j.State[name]
	if !found || blob.Values == nil {
		return 0, 0, nil, false
	}
	return blob.Rows, blob.Cols, append([]float64(nil), blob.Values...), true
}

// SetRawState stores an opaque byte payload in the state store.
func (j *Job) SetRawState(name string, raw []byte) {
	if j.State == nil {
		j.State = make(map[string]StateBlob)
	}
	j.State[name] = StateBlob{Raw: append([]byte(nil), raw...)}
}

// RawState returns an opaque byte payload from the state store.
func (j *Job) RawState(name string) ([]byte, bool) {
	blob, found := j.State[name]
	if !found || blob.Raw == nil {
		return nil, false
	}
	return append([]byte(nil), blob.Raw...), true
}

func (j *Job) StartPreflight() {
	j.Stats.Status = StatusPreflight
	j.Stats.PreflightStartedAt = nowUTC()
}

func (j *Job) FinishPreflight() {
	// Boundaries are frozen here; only orderings may change afterwards.
}

func (j *Job) StartTraining() {
	j.Stats.Status = StatusTraining
	j.Stats.TrainingStartedAt = nowUTC()
}

func (j *Job) FinishTrainingEpoch(epoch int, loss float64) {
	j.Stats.EpochLoss = append(j.Stats.EpochLoss, loss)
	j.Stats.EpochsCompleted = epoch + 1
}

func (j *Job) StartTesting() {
	j.Stats.Status = StatusTesting
	j.Stats.TestingStartedAt = nowUTC()
}

func (j *Job) Finish(code model.ErrorCode, message string) {
	j.Stats.ErrorCode = code
	j.Stats.ErrorMessage = message
	if code == model.NoError {
		j.Stats.Status = StatusDone
	} else {
		j.Stats.Status = StatusFailed
	}
	j.Stats.FinishedAt = nowUTC()
}

// TrainingPriority maps an output class value to its rarity rank:
// 0 is the rarest class observed during preflight. Explicit overrides
// from the job spec win over the observed ranking.
func (j *Job) TrainingPriority(classValue int) int {
	key := fmt.Sprintf("%d", classValue)
	if p, ok := j.Hyper.ClassPriorities[key]; ok {
		return p
	}
	ranks := j.classRanks()
	if p, ok := ranks[key]; ok {
		return p
	}
	// Unseen classes sort behind every observed one.
	return len(ranks)
}

func (j *Job) classRanks() map[string]int {
	type classCount struct {
		class string
		count int64
	}
	counts := make([]classCount, 0, len(j.ClassCounts))
	for class, count := range j.ClassCounts {
		counts = append(counts, classCount{class: class, count: count})
	}
	sort.Slice(counts, func(a, b int) bool {
		if counts[a].count != counts[b].count {
			return counts[a].count < counts[b].count
		}
		return counts[a].class < counts[b].class
	})
	ranks := make(map[string]int, len(counts))
	for i, c := range counts {
		ranks[c.class] = i
	}
	return ranks
}

// ObserveClass records one preflight occurrence of an output class.
func (j *Job) ObserveClass(classValue int) {
	if j.ClassCounts == nil {
		j.ClassCounts = make(map[string]int64)
	}
	j.ClassCounts[fmt.Sprintf("%d", classValue)]++
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
