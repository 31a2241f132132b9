package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"

	"asklepios/internal/predict"
	"asklepios/internal/storage"
	"asklepios/internal/worker"
	"asklepios/pkg/asklepios"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "predict":
		return runPredict(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "worker":
		return runWorker(args[1:])
	case "report":
		return runReport(ctx, args[1:])
	case "jobs":
		return runJobs(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "asklepios.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := asklepios.New(asklepios.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	specPath := fs.String("spec", "", "YAML job spec for a fresh run")
	jobPath := fs.String("job", "", "encoded job record to resume")
	outPath := fs.String("out", "", "path for the finished job record")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "asklepios.db", "sqlite database path")
	reportsDir := fs.String("reports-dir", "reports", "directory for run artifacts")
	isolate := fs.Bool("isolate", false, "run each partition in a child process")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	logHostInfo(logger)

	client, err := asklepios.New(asklepios.Options{
		StoreKind:  *storeKind,
		DBPath:     *dbPath,
		ReportsDir: *reportsDir,
		Isolate:    *isolate,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	summary, err := client.Run(ctx, asklepios.RunRequest{
		SpecPath: *specPath,
		JobPath:  *jobPath,
		OutPath:  *outPath,
	})
	if summary.RunID != "" {
		fmt.Printf("run %s finished status=%s accuracy=%.4f artifacts=%s\n",
			summary.RunID, summary.Status, summary.Accuracy, summary.ArtifactsDir)
	}
	return err
}

func runPredict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	jobPath := fs.String("job", "", "finished job record")
	input := fs.String("input", "", "feature assignments, e.g. heart_rate=80;age=41")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobPath == "" {
		return usageError("predict requires -job")
	}

	client, err := asklepios.New(asklepios.Options{StoreKind: "memory"})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	response, err := client.Predict(ctx, asklepios.PredictRequest{JobPath: *jobPath, Input: *input})
	if err != nil {
		return err
	}
	return printJSON(response)
}

func runServe(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	jobPath := fs.String("job", "", "finished job record")
	addr := fs.String("addr", ":8080", "listen address")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobPath == "" {
		return usageError("serve requires -job")
	}

	logger := newLogger(*verbose)
	logHostInfo(logger)

	predictor, err := predict.Load(*jobPath)
	if err != nil {
		return err
	}
	// The predictor mutates recurrent scratch space; serialize requests.
	var mu sync.Mutex

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Post("/predict", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		response := predictor.Predict(body.Input)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Warnf("encode response: %v", err)
		}
	})

	logger.WithField("addr", *addr).Info("prediction service listening")
	return http.ListenAndServe(*addr, router)
}

// runWorker is the child-process end of partition isolation: one
// request on stdin, one result on stdout.
func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return worker.Serve(os.Stdin, os.Stdout)
}

func runReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	runID := fs.String("run", "", "run id")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "asklepios.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("report requires -run")
	}

	client, err := asklepios.New(asklepios.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	report, ok, err := client.Report(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no report for run id: %s", *runID)
	}
	return printJSON(report)
}

func runJobs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "asklepios.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := asklepios.New(asklepios.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	ids, err := client.Jobs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func newLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func logHostInfo(logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{
		"cpu":     cpuid.CPU.BrandName,
		"cores":   cpuid.CPU.PhysicalCores,
		"threads": cpuid.CPU.LogicalCores,
		"avx2":    cpuid.CPU.Supports(cpuid.AVX2),
	}).Debug("host")
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: asklepiosctl <init|run|predict|serve|worker|report|jobs> [flags]", msg)
}
