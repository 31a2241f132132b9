// Package stats derives human-readable run reports from a finished
// job record and persists them next to the job's other artifacts.
package stats

import (
	"fmt"
	"time"

	"asklepios/internal/job"
	"asklepios/internal/model"
)

type ClassReport struct {
	Class     int     `json:"class"`
	Support   int64   `json:"support"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

type CalibrationRow struct {
	Bin       int     `json:"bin"`
	Count     int64   `json:"count"`
	Predicted float64 `json:"predicted_mean"`
	Actual    float64 `json:"actual_mean"`
}

type RunReport struct {
	RunID            string           `json:"run_id"`
	Name             string           `json:"name,omitempty"`
	GeneratedAt      string           `json:"generated_at_utc"`
	Model            model.ModelKind  `json:"model"`
	OutputKind       model.DataKind   `json:"output_kind"`
	Status           job.Status       `json:"status"`
	ErrorCode        model.ErrorCode  `json:"error_code"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	EpochsCompleted  int              `json:"epochs_completed"`
	EpochLoss        []float64        `json:"epoch_loss,omitempty"`
	PatientsPerEpoch int64            `json:"patients_per_epoch"`
	SamplesPerEpoch  int64            `json:"samples_per_epoch"`
	PatientsSkipped  int64            `json:"patients_skipped"`
	TestSamples      int64            `json:"test_samples"`
	TestCorrect      int64            `json:"test_correct"`
	Accuracy         float64          `json:"accuracy"`
	MeanSquaredError float64          `json:"mean_squared_error,omitempty"`
	Classes          []ClassReport    `json:"classes,omitempty"`
	Calibration      []CalibrationRow `json:"calibration,omitempty"`
}

// BuildRunReport summarizes a job after its run, whatever the outcome:
// a failed run still reports whatever it measured before stopping.
func BuildRunReport(j *job.Job) RunReport {
	report := RunReport{
		RunID:            j.ID,
		Name:             j.Name,
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Model:            j.Topology.Model,
		OutputKind:       j.Topology.OutputKind,
		Status:           j.Stats.Status,
		ErrorCode:        j.Stats.ErrorCode,
		ErrorMessage:     j.Stats.ErrorMessage,
		EpochsCompleted:  j.Stats.EpochsCompleted,
		EpochLoss:        append([]float64(nil), j.Stats.EpochLoss...),
		PatientsPerEpoch: j.Stats.PatientsPerEpoch,
		SamplesPerEpoch:  j.Stats.SamplesPerEpoch,
		PatientsSkipped:  j.Stats.PatientsSkipped,
		TestSamples:      j.Stats.TestSamples,
		TestCorrect:      j.Stats.TestCorrect,
	}
	if j.Stats.TestSamples > 0 {
		report.Accuracy = float64(j.Stats.TestCorrect) / float64(j.Stats.TestSamples)
		report.MeanSquaredError = j.Stats.TestSquaredError / float64(j.Stats.TestSamples)
	}
	report.Classes = classReports(j.Stats.Confusion)
	report.Calibration = calibrationRows(j.Stats.Calibration)
	return report
}

// classReports reads a flat K by K confusion matrix, rows indexed by
// actual class and columns by predicted class.
func classReports(confusion []int64) []ClassReport {
	k := squareSide(len(confusion))
	if k == 0 {
		return nil
	}
	reports := make([]ClassReport, k)
	for class := 0; class < k; class++ {
		var truePositive, actualTotal, predictedTotal int64
		for other := 0; other < k; other++ {
			actualTotal += confusion[class*k+other]
			predictedTotal += confusion[other*k+class]
		}
		truePositive = confusion[class*k+class]
		report := ClassReport{Class: class, Support: actualTotal}
		if predictedTotal > 0 {
			report.Precision = float64(truePositive) / float64(predictedTotal)
		}
		if actualTotal > 0 {
			report.Recall = float64(truePositive) / float64(actualTotal)
		}
		reports[class] = report
	}
	return reports
}

func calibrationRows(bins []job.CalibrationBin) []CalibrationRow {
	var rows []CalibrationRow
	for i, bin := range bins {
		if bin.Count == 0 {
			continue
		}
		rows = append(rows, CalibrationRow{
			Bin:       i,
			Count:     bin.Count,
			Predicted: bin.PredictedSum / float64(bin.Count),
			Actual:    bin.ActualSum / float64(bin.Count),
		})
	}
	return rows
}

func squareSide(n int) int {
	for k := 1; k*k <= n; k++ {
		if k*k == n {
			return k
		}
	}
	return 0
}

// Summary renders the one-line outcome used in logs.
func (r RunReport) Summary() string {
	if r.TestSamples == 0 {
		return fmt.Sprintf("run %s: %s, no test samples", r.RunID, r.Status)
	}
	return fmt.Sprintf("run %s: %s, accuracy %.4f over %d samples", r.RunID, r.Status, r.Accuracy, r.TestSamples)
}
