package engine

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"asklepios/internal/backend"
	"asklepios/internal/job"
	"asklepios/internal/model"
	"asklepios/internal/worker"
)

// epoch0Seed keeps the first epoch's patient ordering reproducible;
// later epochs reseed per worker.
const epoch0Seed = 1

type Config struct {
	Launcher worker.Launcher
	Logger   *logrus.Logger
}

// Engine drives one job run through its lifecycle: preflight, the
// configured training epochs, then testing. Every partition's work is
// delegated to one worker invocation, joined synchronously; the engine
// is the sole writer of the authoritative job between invocations.
type Engine struct {
	launcher worker.Launcher
	log      *logrus.Logger
	rng      *rand.Rand
}

func New(cfg Config) *Engine {
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = worker.TaskLauncher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		launcher: launcher,
		log:      logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunJob mutates j through a full preflight/train/test run. Worker
// failures are recorded in the job's status and error fields; the
// returned error reports them as well, but the job remains reportable
// either way.
func (e *Engine) RunJob(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		j.Finish(model.ServerError, err.Error())
		return err
	}
	info, err := os.Stat(j.DataPath)
	if err != nil {
		j.Finish(model.ServerError, err.Error())
		return err
	}
	fileSize := info.Size()

	b, err := backend.New(j)
	if err != nil {
		j.Finish(model.ServerError, err.Error())
		return err
	}
	epochs := j.Hyper.Epochs
	partitionSize := j.Hyper.PartitionSize
	if !b.TrainingCanPauseResume() {
		// The backend cannot resume mid-stream: one epoch over one
		// partition covering the whole file.
		partitionSize = fileSize
		epochs = 1
	}
	if partitionSize <= 0 || partitionSize > fileSize {
		partitionSize = fileSize
	}

	if err := e.preflight(ctx, j, fileSize, partitionSize); err != nil {
		return err
	}
	if err := e.train(ctx, j, epochs, b.TrainingCanPauseResume()); err != nil {
		return err
	}
	if err := e.test(ctx, j, partitionSize, fileSize); err != nil {
		return err
	}
	j.Finish(model.NoError, "")
	return nil
}

// preflight tiles the file into patient-aligned partitions: each
// nominal range is scanned by a worker, and the next nominal start is
// the previous range's discovered true stop, so the union of
// partitions covers every byte exactly once.
func (e *Engine) preflight(ctx context.Context, j *job.Job, fileSize, partitionSize int64) error {
	j.StartPreflight()
	var partitions []model.Partition
	start := int64(0)
	for start < fileSize {
		stop := start + partitionSize
		if stop > fileSize {
			stop = fileSize
		}
		part := model.Partition{Index: len(partitions), Start: start, Stop: stop}
		res, err := e.invoke(ctx, worker.OpPreflight, j, 0, part, 0)
		if err != nil {
			j.Finish(model.ServerError, err.Error())
			return err
		}
		if res.ErrorCode != model.NoError {
			j.Finish(res.ErrorCode, res.ErrorMessage)
			return fmt.Errorf("preflight partition %d: %s", part.Index, res.ErrorMessage)
		}
		if err := e.adopt(j, res); err != nil {
			return err
		}
		if res.TrueStop <= start {
			break
		}
		partitions = append(partitions, model.Partition{
			Index:    part.Index,
			Start:    start,
			Stop:     res.TrueStop,
			Patients: res.Patients,
		})
		e.log.WithFields(logrus.Fields{
			"partition": part.Index,
			"start":     start,
			"stop":      res.TrueStop,
			"patients":  len(res.Patients),
		}).Info("preflight partition complete")
		start = res.TrueStop
		if res.EOF {
			break
		}
	}
	j.Partitions = partitions
	j.FinishPreflight()
	return nil
}

func (e *Engine) train(ctx context.Context, j *job.Job, epochs int, canResume bool) error {
	j.StartTraining()
	shuffle := canResume && j.Hyper.AllowPauseResume && !j.Hyper.DisableShuffle
	for epoch := 0; epoch < epochs; epoch++ {
		order := make([]int, len(j.Partitions))
		for i := range order {
			order[i] = i
		}
		if epoch > 0 && shuffle {
			// Partition order reshuffles between epochs; boundaries
			// never change.
			e.rng.Shuffle(len(order), func(a, b int) {
				order[a], order[b] = order[b], order[a]
			})
		}

		var lossSum float64
		var lossCount int64
		for _, idx := range order {
			part := j.Partitions[idx]
			seed := int64(epoch0Seed)
			if epoch > 0 && shuffle {
				seed = e.rng.Int63()
			}
			res, err := e.invoke(ctx, worker.OpTrain, j, epoch, part, seed)
			if err != nil {
				j.Finish(model.ServerError, err.Error())
				return err
			}
			if res.ErrorCode.Fatal() {
				j.Finish(res.ErrorCode, res.ErrorMessage)
				return fmt.Errorf("training partition %d epoch %d: %s", part.Index, epoch, res.ErrorMessage)
			}
			if res.ErrorCode != model.NoError {
				// Observed behavior: a non-fatal worker failure skips
				// this partition and the run carries on.
				e.log.WithFields(logrus.Fields{
					"partition": part.Index,
					"epoch":     epoch,
					"code":      res.ErrorCode.String(),
				}).Warn(res.ErrorMessage)
				continue
			}
			if err := e.adopt(j, res); err != nil {
				return err
			}
			if len(res.Degenerate) > 0 {
				e.log.WithFields(logrus.Fields{
					"partition": part.Index,
					"features":  res.Degenerate,
				}).Warn("degenerate feature range, normalizing to zero")
			}
			// Counts are additive over partitions within an epoch but
			// must not re-accumulate on later epochs.
			if epoch == 0 {
				j.Stats.PatientsPerEpoch += res.PatientsTrained
				j.Stats.SamplesPerEpoch += res.SamplesTrained
				j.Stats.PatientsSkipped += res.PatientsSkipped
			}
			lossSum += res.LossSum
			lossCount += res.LossCount
		}
		avg := 0.0
		if lossCount > 0 {
			avg = lossSum / float64(lossCount)
		}
		j.FinishTrainingEpoch(epoch, avg)
		e.log.WithFields(logrus.Fields{
			"epoch": epoch,
			"loss":  avg,
		}).Info("epoch complete")
	}
	return nil
}

// test walks fixed-size chunks sequentially from offset 0 until a
// worker signals end of file or the chunks cover the whole file, so a
// worker that keeps failing without reporting EOF cannot spin the loop
// past the data. There is no preflight for testing: a patient
// straddling a chunk boundary is consumed by the chunk it begins in
// and skipped by the next.
func (e *Engine) test(ctx context.Context, j *job.Job, chunkSize, fileSize int64) error {
	j.StartTesting()
	offset := int64(0)
	for index := 0; offset < fileSize; index++ {
		part := model.Partition{Index: index, Start: offset, Stop: offset + chunkSize}
		res, err := e.invoke(ctx, worker.OpTest, j, 0, part, 0)
		if err != nil {
			j.Finish(model.ServerError, err.Error())
			return err
		}
		if res.ErrorCode.Fatal() {
			j.Finish(res.ErrorCode, res.ErrorMessage)
			return fmt.Errorf("testing chunk %d: %s", index, res.ErrorMessage)
		}
		if res.ErrorCode != model.NoError {
			e.log.WithFields(logrus.Fields{
				"chunk": index,
				"code":  res.ErrorCode.String(),
			}).Warn(res.ErrorMessage)
		} else if err := e.adopt(j, res); err != nil {
			return err
		}
		if res.EOF {
			break
		}
		offset += chunkSize
	}
	return nil
}

// invoke hands one partition's work to a worker and joins it.
func (e *Engine) invoke(ctx context.Context, op worker.Op, j *job.Job, epoch int, part model.Partition, seed int64) (worker.Result, error) {
	snapshot, err := job.Encode(*j)
	if err != nil {
		return worker.Result{}, err
	}
	req := worker.Request{
		ID:        uuid.NewString(),
		Op:        op,
		Job:       snapshot,
		Epoch:     epoch,
		Partition: part,
		Seed:      seed,
	}
	return e.launcher.Invoke(ctx, req)
}

// adopt replaces the authoritative job with a worker's updated
// snapshot, keeping engine-owned merge fields intact.
func (e *Engine) adopt(j *job.Job, res worker.Result) error {
	if len(res.Job) == 0 {
		return nil
	}
	updated, err := job.Decode(res.Job)
	if err != nil {
		j.Finish(model.ServerError, err.Error())
		return fmt.Errorf("decode worker job snapshot: %w", err)
	}
	// Engine-owned aggregates survive the snapshot swap.
	updated.Stats.PatientsPerEpoch = j.Stats.PatientsPerEpoch
	updated.Stats.SamplesPerEpoch = j.Stats.SamplesPerEpoch
	updated.Stats.PatientsSkipped = j.Stats.PatientsSkipped
	updated.Stats.EpochLoss = j.Stats.EpochLoss
	updated.Stats.EpochsCompleted = j.Stats.EpochsCompleted
	updated.Partitions = j.Partitions
	*j = updated
	return nil
}
