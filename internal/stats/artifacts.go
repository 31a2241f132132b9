package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

const (
	reportFile    = "run_report.json"
	lossSeriesCSV = "epoch_loss.csv"
)

// WriteRunArtifacts persists the report and its loss series under
// baseDir/<run id>/ and returns the run directory.
func WriteRunArtifacts(baseDir string, report RunReport) (string, error) {
	if report.RunID == "" {
		return "", fmt.Errorf("report run id is required")
	}
	runDir := filepath.Join(baseDir, report.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, reportFile), report); err != nil {
		return "", err
	}
	if err := writeLossSeries(filepath.Join(runDir, lossSeriesCSV), report.EpochLoss); err != nil {
		return "", err
	}
	return runDir, nil
}

// ReadRunReport loads a previously written report. The second return
// is false when no report exists for the run.
func ReadRunReport(baseDir, runID string) (RunReport, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, reportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunReport{}, false, nil
		}
		return RunReport{}, false, err
	}
	var report RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return RunReport{}, false, err
	}
	return report, true, nil
}

func writeLossSeries(path string, series []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "loss"}); err != nil {
		return err
	}
	for i, loss := range series {
		if err := writer.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(loss, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadLossSeries loads the epoch loss CSV written alongside a report.
func ReadLossSeries(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, lossSeriesCSV))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}

	series := make([]float64, 0, 16)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("loss series row must have 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
