package job

import (
	"encoding/json"
	"errors"
	"os"

	"asklepios/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("job record version mismatch")

// Encode serializes the job for cross-process transport or persistence.
func Encode(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// Decode deserializes a job snapshot, rejecting unknown record versions.
func Decode(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, err
	}
	if err := checkVersion(j.VersionedRecord); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Clone produces an independent copy via the codec, mirroring the
// snapshot a worker would receive.
func Clone(j Job) (Job, error) {
	data, err := Encode(j)
	if err != nil {
		return Job{}, err
	}
	return Decode(data)
}

// SaveFile persists the job as its canonical text form.
func SaveFile(path string, j Job) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadFile reads a persisted job back into memory.
func LoadFile(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	return Decode(data)
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
