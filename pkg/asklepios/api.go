// Package asklepios is the embeddable client surface over the training
// engine: load a job, run it end to end, persist its artifacts, and
// answer predictions from a finished job file.
package asklepios

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"asklepios/internal/engine"
	"asklepios/internal/job"
	"asklepios/internal/predict"
	"asklepios/internal/stats"
	"asklepios/internal/storage"
	"asklepios/internal/worker"
)

const (
	defaultReportsDir = "reports"
	defaultDBPath     = "asklepios.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	ReportsDir string
	// Isolate runs every partition in a separate child process instead
	// of an in-process task.
	Isolate bool
	Logger  *logrus.Logger
}

type Client struct {
	store      storage.Store
	reportsDir string
	launcher   worker.Launcher
	log        *logrus.Logger
}

type RunRequest struct {
	// SpecPath names a YAML job spec for a fresh run. JobPath resumes
	// from an encoded job record instead. Exactly one must be set.
	SpecPath string
	JobPath  string
	// OutPath receives the finished job record; empty skips the write.
	OutPath string
}

type RunSummary struct {
	RunID        string
	Status       job.Status
	Accuracy     float64
	TestSamples  int64
	EpochLoss    []float64
	ArtifactsDir string
}

type PredictRequest struct {
	JobPath string
	// Input is one semicolon-separated assignment list, for example
	// "heart_rate=80;age=41".
	Input string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	reportsDir := opts.ReportsDir
	if reportsDir == "" {
		reportsDir = defaultReportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	var launcher worker.Launcher = worker.TaskLauncher{}
	if opts.Isolate {
		launcher = &worker.ProcessLauncher{}
	}

	return &Client{
		store:      store,
		reportsDir: reportsDir,
		launcher:   launcher,
		log:        logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Run drives one job through preflight, training, and testing. The run
// report and job record are persisted regardless of outcome, so a
// failed run is still inspectable.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	j, err := c.loadJob(req)
	if err != nil {
		return RunSummary{}, err
	}

	eng := engine.New(engine.Config{Launcher: c.launcher, Logger: c.log})
	runErr := eng.RunJob(ctx, &j)

	report := stats.BuildRunReport(&j)
	artifactsDir, artifactErr := stats.WriteRunArtifacts(c.reportsDir, report)
	if artifactErr != nil {
		c.log.WithField("run_id", j.ID).Warnf("write run artifacts: %v", artifactErr)
	}
	if err := c.store.SaveJob(ctx, j); err != nil {
		c.log.WithField("run_id", j.ID).Warnf("save job: %v", err)
	}
	if err := c.store.SaveReport(ctx, report); err != nil {
		c.log.WithField("run_id", j.ID).Warnf("save report: %v", err)
	}
	if req.OutPath != "" {
		if err := job.SaveFile(req.OutPath, j); err != nil {
			c.log.WithField("run_id", j.ID).Warnf("write job file: %v", err)
		}
	}
	c.log.Info(report.Summary())

	summary := RunSummary{
		RunID:        j.ID,
		Status:       j.Stats.Status,
		Accuracy:     report.Accuracy,
		TestSamples:  report.TestSamples,
		EpochLoss:    report.EpochLoss,
		ArtifactsDir: artifactsDir,
	}
	return summary, runErr
}

// Predict answers one request from a finished job file. Malformed
// client input is reported inside the response, not as an error.
func (c *Client) Predict(_ context.Context, req PredictRequest) (predict.Response, error) {
	if req.JobPath == "" {
		return predict.Response{}, errors.New("job path is required")
	}
	p, err := predict.Load(req.JobPath)
	if err != nil {
		return predict.Response{}, err
	}
	return p.Predict(req.Input), nil
}

// Report retrieves a persisted run report by run id.
func (c *Client) Report(ctx context.Context, runID string) (stats.RunReport, bool, error) {
	return c.store.GetReport(ctx, runID)
}

// Jobs lists the ids of all persisted job records.
func (c *Client) Jobs(ctx context.Context) ([]string, error) {
	return c.store.ListJobIDs(ctx)
}

func (c *Client) loadJob(req RunRequest) (job.Job, error) {
	switch {
	case req.SpecPath != "" && req.JobPath != "":
		return job.Job{}, errors.New("spec path and job path are mutually exclusive")
	case req.SpecPath != "":
		return job.LoadSpec(req.SpecPath)
	case req.JobPath != "":
		return job.LoadFile(req.JobPath)
	default:
		return job.Job{}, errors.New("spec path or job path is required")
	}
}
