package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ErrorCode is the worker/prediction error taxonomy. It crosses process
// boundaries inside result envelopes, so values are stable integers.
type ErrorCode int

const (
	NoError ErrorCode = iota
	ServerError
	AssertionError
	InvalidClientRequest
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case ServerError:
		return "server_error"
	case AssertionError:
		return "assertion_error"
	case InvalidClientRequest:
		return "invalid_client_request"
	default:
		return "unknown_error"
	}
}

// Fatal reports whether the code must abort the remaining partitions
// and epochs of a run.
func (c ErrorCode) Fatal() bool {
	return c == AssertionError
}

// DataKind is the semantic type of a model's output column.
type DataKind string

const (
	DataCategory DataKind = "category"
	DataNumeric  DataKind = "numeric"
	DataOrdinal  DataKind = "ordinal"
	DataBoolean  DataKind = "boolean"
	DataLogistic DataKind = "logistic"
)

// Classlike reports whether outputs of this kind are class indices
// rather than continuous values.
func (k DataKind) Classlike() bool {
	return k == DataCategory || k == DataBoolean || k == DataLogistic
}

type ModelKind string

const (
	ModelSingleLayer ModelKind = "single_layer"
	ModelMultiLayer  ModelKind = "multi_layer"
	ModelSequence    ModelKind = "sequence"
	ModelBoostedTree ModelKind = "boosted_tree"
)

// LayerSpec describes one layer of a feed-forward topology.
type LayerSpec struct {
	In         int    `json:"in"`
	Out        int    `json:"out"`
	Activation string `json:"activation"`
}

// PatientSpan bounds one patient's records inside the data source.
// Offsets are absolute byte positions, Stop exclusive.
type PatientSpan struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// Partition is one contiguous byte range of the data source, discovered
// during preflight and immutable afterwards. Only the ordering of
// partitions and of the patients inside them may be shuffled between
// epochs, never the boundaries.
type Partition struct {
	Index    int           `json:"index"`
	Start    int64         `json:"start"`
	Stop     int64         `json:"stop"`
	Patients []PatientSpan `json:"patients,omitempty"`
}

// FeatureStats accumulates per-feature normalization statistics during
// preflight.
type FeatureStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

func (s *FeatureStats) Observe(v float64) {
	if s.Count == 0 {
		s.Min = v
		s.Max = v
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Sum += v
	s.Count++
}

func (s FeatureStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Merge folds another partition's statistics into s.
func (s *FeatureStats) Merge(other FeatureStats) {
	if other.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = other
		return
	}
	if other.Min < s.Min {
		s.Min = other.Min
	}
	if other.Max > s.Max {
		s.Max = other.Max
	}
	s.Sum += other.Sum
	s.Count += other.Count
}
