package storage

import (
	"context"
	"sort"
	"sync"

	"asklepios/internal/job"
	"asklepios/internal/stats"
)

type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]job.Job
	reports map[string]stats.RunReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]job.Job)
	s.reports = make(map[string]stats.RunReport)
	return nil
}

func (s *MemoryStore) SaveJob(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Jobs hand off by value everywhere else; a deep clone keeps the
	// stored copy isolated from the caller's state maps.
	cloned, err := job.Clone(j)
	if err != nil {
		return err
	}
	s.jobs[j.ID] = cloned
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (job.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.jobs[id]
	if !ok {
		return job.Job{}, false, nil
	}
	cloned, err := job.Clone(stored)
	if err != nil {
		return job.Job{}, false, err
	}
	return cloned, true, nil
}

func (s *MemoryStore) ListJobIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveReport(_ context.Context, report stats.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report.EpochLoss = append([]float64(nil), report.EpochLoss...)
	report.Classes = append([]stats.ClassReport(nil), report.Classes...)
	report.Calibration = append([]stats.CalibrationRow(nil), report.Calibration...)
	s.reports[report.RunID] = report
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, runID string) (stats.RunReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[runID]
	if !ok {
		return stats.RunReport{}, false, nil
	}
	report.EpochLoss = append([]float64(nil), report.EpochLoss...)
	report.Classes = append([]stats.ClassReport(nil), report.Classes...)
	report.Calibration = append([]stats.CalibrationRow(nil), report.Calibration...)
	return report, true, nil
}
