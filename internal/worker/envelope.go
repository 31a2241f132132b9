package worker

import (
	"encoding/json"
	"errors"

	"asklepios/internal/model"
)

// Op names one worker invocation kind.
type Op string

const (
	OpPreflight Op = "preflight"
	OpTrain     Op = "train"
	OpTest      Op = "test"
)

const envelopeVersion = 1

// Request is the typed message an engine sends to one worker
// invocation. The job travels as its serialized text form: worker and
// engine never share memory, whether the worker runs in-process or as
// a child process.
type Request struct {
	Version   int             `json:"version"`
	ID        string          `json:"id"`
	Op        Op              `json:"op"`
	Job       json.RawMessage `json:"job"`
	Epoch     int             `json:"epoch,omitempty"`
	Partition model.Partition `json:"partition"`
	Seed      int64           `json:"seed,omitempty"`
}

// Result is the one-shot reply carrying the updated job snapshot and
// the partition-scoped bookkeeping the engine merges.
type Result struct {
	Version         int                 `json:"version"`
	ID              string              `json:"id"`
	Op              Op                  `json:"op"`
	Job             json.RawMessage     `json:"job,omitempty"`
	PatientsTrained int64               `json:"patients_trained,omitempty"`
	SamplesTrained  int64               `json:"samples_trained,omitempty"`
	PatientsSkipped int64               `json:"patients_skipped,omitempty"`
	LossSum         float64             `json:"loss_sum,omitempty"`
	LossCount       int64               `json:"loss_count,omitempty"`
	EOF             bool                `json:"eof,omitempty"`
	TrueStop        int64               `json:"true_stop,omitempty"`
	Patients        []model.PatientSpan `json:"patients,omitempty"`
	Degenerate      []int               `json:"degenerate,omitempty"`
	ErrorCode       model.ErrorCode     `json:"error_code"`
	ErrorMessage    string              `json:"error_message,omitempty"`
}

var ErrEnvelopeVersion = errors.New("envelope version mismatch")

func EncodeRequest(req Request) ([]byte, error) {
	req.Version = envelopeVersion
	return json.Marshal(req)
}

func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, err
	}
	if req.Version != envelopeVersion {
		return Request{}, ErrEnvelopeVersion
	}
	return req, nil
}

func EncodeResult(res Result) ([]byte, error) {
	res.Version = envelopeVersion
	return json.Marshal(res)
}

func DecodeResult(data []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, err
	}
	if res.Version != envelopeVersion {
		return Result{}, ErrEnvelopeVersion
	}
	return res, nil
}
