package storage

import (
	"context"

	"asklepios/internal/job"
	"asklepios/internal/stats"
)

// Store defines persistence operations for job records and their run
// reports.
type Store interface {
	Init(ctx context.Context) error
	SaveJob(ctx context.Context, j job.Job) error
	GetJob(ctx context.Context, id string) (job.Job, bool, error)
	ListJobIDs(ctx context.Context) ([]string, error)
	SaveReport(ctx context.Context, report stats.RunReport) error
	GetReport(ctx context.Context, runID string) (stats.RunReport, bool, error)
}
