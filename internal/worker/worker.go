package worker

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"asklepios/internal/backend"
	"asklepios/internal/job"
	"asklepios/internal/model"
	"asklepios/internal/reader"
	"asklepios/internal/sampler"
	"asklepios/internal/trainstep"
)

// Run executes one worker invocation. Every failure is folded into the
// result envelope; the caller decides what is fatal.
func Run(req Request) Result {
	res := Result{ID: req.ID, Op: req.Op}
	j, err := job.Decode(req.Job)
	if err != nil {
		res.ErrorCode = model.ServerError
		res.ErrorMessage = fmt.Sprintf("decode job snapshot: %v", err)
		return res
	}

	switch req.Op {
	case OpPreflight:
		err = runPreflight(&j, req, &res)
	case OpTrain:
		err = runTrain(&j, req, &res)
	case OpTest:
		err = runTest(&j, req, &res)
	default:
		err = model.Coded(model.ServerError, "unrecognized worker op: %s", req.Op)
	}
	if err != nil {
		res.ErrorCode = model.CodeOf(err)
		res.ErrorMessage = err.Error()
		logrus.WithFields(logrus.Fields{
			"op":        req.Op,
			"partition": req.Partition.Index,
			"epoch":     req.Epoch,
			"code":      res.ErrorCode.String(),
		}).Error(err.Error())
	}

	encoded, encErr := job.Encode(j)
	if encErr != nil && res.ErrorCode == model.NoError {
		res.ErrorCode = model.ServerError
		res.ErrorMessage = fmt.Sprintf("encode job snapshot: %v", encErr)
		return res
	}
	res.Job = encoded
	return res
}

// runPreflight scans one nominal byte range for whole patients,
// accumulating normalization statistics and class counts, and reports
// the patient-aligned true stop.
func runPreflight(j *job.Job, req Request, res *Result) error {
	r, err := openReader(j)
	if err != nil {
		return err
	}
	defer r.Close()

	if len(j.Features) != len(j.InputFeatures) {
		j.Features = make([]model.FeatureStats, len(j.InputFeatures))
	}
	filter := filterSpec(j)

	part := req.Partition
	res.TrueStop = part.Start
	found, eof, span, err := r.SeekFirstPatientInRange(part.Start, part.Stop)
	if err != nil {
		return model.Coded(model.ServerError, "seek first patient: %v", err)
	}
	for found {
		samples, outputs, err := r.ReadPatientSamples(span, filter, j.Hyper.MinIntervalHours)
		if err != nil {
			return model.Coded(model.ServerError, "read patient at %d: %v", span.Start, err)
		}
		for _, row := range samples {
			for f, v := range row {
				j.Features[f].Observe(v)
			}
		}
		for _, v := range outputs {
			j.ObserveClass(int(math.Round(v)))
		}
		res.Patients = append(res.Patients, span)
		res.TrueStop = span.Stop

		found, eof, span, err = r.SeekNextPatientInRange(span, part.Stop)
		if err != nil {
			return model.Coded(model.ServerError, "seek next patient: %v", err)
		}
	}
	if eof {
		res.TrueStop = r.Size()
	}
	res.EOF = eof
	return nil
}

// runTrain trains one partition's patients in priority-balanced order,
// starting from the model and optimizer state carried in the job.
func runTrain(j *job.Job, req Request, res *Result) error {
	r, err := openReader(j)
	if err != nil {
		return err
	}
	defer r.Close()

	exec, err := newExecutor(j)
	if err != nil {
		return err
	}
	if degenerate := exec.Normalizer.Degenerate(); len(degenerate) > 0 {
		res.Degenerate = degenerate
	}
	filter := filterSpec(j)

	// First pass: patient priorities from their rarest sample.
	patients := make([]sampler.Patient, 0, len(req.Partition.Patients))
	for _, span := range req.Partition.Patients {
		_, outputs, err := r.ReadPatientSamples(span, filter, j.Hyper.MinIntervalHours)
		if err != nil {
			return model.Coded(model.ServerError, "read patient at %d: %v", span.Start, err)
		}
		if len(outputs) == 0 {
			res.PatientsSkipped++
			continue
		}
		patients = append(patients, sampler.Patient{
			Span:     span,
			Priority: sampler.MinSamplePriority(outputs, j.TrainingPriority),
		})
	}

	// The seed arrives from the engine: fixed for epoch 0, freshly
	// drawn per worker afterwards so worker-local randomness diverges
	// from the parent's.
	rng := rand.New(rand.NewSource(req.Seed))
	order := sampler.Order(patients, j.Hyper.PrioritySkipThreshold, rng)
	skippedByBalance := int64(len(patients) - len(order))

	for _, span := range order {
		samples, outputs, err := r.ReadPatientSamples(span, filter, j.Hyper.MinIntervalHours)
		if err != nil {
			return model.Coded(model.ServerError, "read patient at %d: %v", span.Start, err)
		}
		// Recurrent state starts zeroed for every patient: one
		// patient's history must never leak into another's.
		state := exec.Backend.InitRecurrentState(len(samples))
		_, loss, err := exec.Train(samples, outputs, state)
		if err != nil {
			return err
		}
		res.PatientsTrained++
		res.SamplesTrained += int64(len(samples))
		res.LossSum += loss
		res.LossCount++
	}
	res.PatientsSkipped += skippedByBalance

	if gb, ok := exec.Backend.(backend.GradientBackend); ok {
		if err := backend.CheckFinite(gb.Parameters()); err != nil {
			return model.Coded(model.AssertionError, "%v", err)
		}
	}
	if err := exec.Backend.SaveState(j); err != nil {
		return model.Coded(model.ServerError, "save model state: %v", err)
	}
	if exec.Optimizer != nil {
		exec.Optimizer.SaveState(j)
	}
	return nil
}

// runTest evaluates one sequential byte chunk, folding accuracy and
// calibration counts into the job statistics.
func runTest(j *job.Job, req Request, res *Result) error {
	r, err := openReader(j)
	if err != nil {
		return err
	}
	defer r.Close()

	exec, err := newExecutor(j)
	if err != nil {
		return err
	}
	filter := filterSpec(j)

	part := req.Partition
	found, eof, span, err := r.SeekFirstPatientInRange(part.Start, part.Stop)
	if err != nil {
		return model.Coded(model.ServerError, "seek first patient: %v", err)
	}
	for found {
		samples, outputs, err := r.ReadPatientSamples(span, filter, j.Hyper.MinIntervalHours)
		if err != nil {
			return model.Coded(model.ServerError, "read patient at %d: %v", span.Start, err)
		}
		if len(samples) == 0 {
			res.PatientsSkipped++
		} else {
			state := exec.Backend.InitRecurrentState(len(samples))
			output, _, err := exec.Infer(samples, state)
			if err != nil {
				return err
			}
			last, _ := output.Dims()
			recordTest(j, output.RawRowView(last-1), outputs[len(outputs)-1])
			res.PatientsTrained++
			res.SamplesTrained += int64(len(samples))
		}

		found, eof, span, err = r.SeekNextPatientInRange(span, part.Stop)
		if err != nil {
			return model.Coded(model.ServerError, "seek next patient: %v", err)
		}
	}
	res.EOF = eof
	return nil
}

// recordTest scores one patient's final-timestep prediction against
// the observed outcome.
func recordTest(j *job.Job, lastRow []float64, actual float64) {
	j.Stats.TestSamples++
	switch j.Topology.OutputKind {
	case model.DataCategory:
		classes := len(lastRow)
		predicted := 0
		for k, v := range lastRow {
			if v > lastRow[predicted] {
				predicted = k
			}
		}
		actualClass := int(math.Round(actual))
		if actualClass == predicted {
			j.Stats.TestCorrect++
		}
		if actualClass >= 0 && actualClass < classes {
			if len(j.Stats.Confusion) != classes*classes {
				j.Stats.Confusion = make([]int64, classes*classes)
			}
			j.Stats.Confusion[actualClass*classes+predicted]++
		}
	case model.DataLogistic, model.DataBoolean:
		p := lastRow[0]
		predicted := p >= j.Topology.LogisticThreshold
		observed := actual >= 0.5
		if predicted == observed {
			j.Stats.TestCorrect++
		}
		if len(j.Stats.Calibration) != 10 {
			j.Stats.Calibration = make([]job.CalibrationBin, 10)
		}
		bin := int(p * 10)
		if bin < 0 {
			bin = 0
		}
		if bin > 9 {
			bin = 9
		}
		j.Stats.Calibration[bin].PredictedSum += p
		j.Stats.Calibration[bin].ActualSum += actual
		j.Stats.Calibration[bin].Count++
	default:
		predicted := lastRow[0]
		diff := predicted - actual
		j.Stats.TestSquaredError += diff * diff
		if math.Round(predicted) == math.Round(actual) {
			j.Stats.TestCorrect++
		}
	}
}

func openReader(j *job.Job) (*reader.Reader, error) {
	r, err := reader.Open(j.DataPath, j.InputFeatures, j.OutputFeature, j.FilterProperties)
	if err != nil {
		return nil, model.Coded(model.ServerError, "open data source: %v", err)
	}
	return r, nil
}

func filterSpec(j *job.Job) reader.FilterSpec {
	return reader.FilterSpec{Require: j.FilterProperties}
}

// newExecutor reconstructs the in-progress model from the job's state
// store and wires the training step around it.
func newExecutor(j *job.Job) (*trainstep.Executor, error) {
	b, err := backend.New(j)
	if err != nil {
		return nil, model.Coded(model.ServerError, "%v", err)
	}
	if err := b.RestoreState(j); err != nil {
		return nil, model.Coded(model.ServerError, "restore model state: %v", err)
	}
	loss, err := trainstep.NewLoss(j.Hyper.Loss)
	if err != nil {
		return nil, err
	}
	opt, err := trainstep.NewOptimizer(j.Hyper.Optimizer)
	if err != nil {
		return nil, err
	}
	if opt != nil {
		if err := opt.RestoreState(j); err != nil {
			return nil, model.Coded(model.ServerError, "restore optimizer state: %v", err)
		}
	}
	return &trainstep.Executor{
		Backend:      b,
		Loss:         loss,
		Optimizer:    opt,
		LearningRate: j.Hyper.LearningRate,
		Normalizer:   trainstep.NewNormalizer(j.Features),
	}, nil
}
