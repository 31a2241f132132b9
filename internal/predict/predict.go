// Package predict serves single-sample inference from a finished job
// record. It reconstructs the trained backend from the job's state
// store, so there is no dependency on the engine or its workers.
package predict

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"asklepios/internal/backend"
	"asklepios/internal/job"
	"asklepios/internal/model"
	"asklepios/internal/trainstep"
)

// maxGuesses bounds a categorical response to the three most likely
// classes.
const maxGuesses = 3

// Guess pairs one predicted value with a percent confidence. Numeric
// predictions carry a zero confidence.
type Guess struct {
	Value      float64 `json:"value"`
	Confidence int     `json:"confidence"`
}

// Response is the packaged outcome of one prediction request.
type Response struct {
	Code    model.ErrorCode `json:"code"`
	Message string          `json:"message,omitempty"`
	Kind    model.DataKind  `json:"kind"`
	Guesses []Guess         `json:"guesses,omitempty"`
}

// Predictor holds a reconstructed backend ready to answer requests.
// It is not safe for concurrent use; callers serialize access.
type Predictor struct {
	job        *job.Job
	backend    backend.Backend
	normalizer *trainstep.Normalizer
	inputs     map[string]int
}

// Load reads a job file and reconstructs its trained model.
func Load(path string) (*Predictor, error) {
	j, err := job.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(&j)
}

func New(j *job.Job) (*Predictor, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	b, err := backend.New(j)
	if err != nil {
		return nil, err
	}
	if err := b.RestoreState(j); err != nil {
		return nil, err
	}
	inputs := make(map[string]int, len(j.InputFeatures))
	for i, name := range j.InputFeatures {
		inputs[name] = i
	}
	return &Predictor{
		job:        j,
		backend:    b,
		normalizer: trainstep.NewNormalizer(j.Features),
		inputs:     inputs,
	}, nil
}

// Predict parses one "name=value;name=value" input line, runs the
// model on it, and packages the prediction by output kind. Client
// input faults come back as a response code, never an error.
func (p *Predictor) Predict(input string) Response {
	values, err := p.parse(input)
	if err != nil {
		return Response{
			Code:    model.InvalidClientRequest,
			Message: err.Error(),
			Kind:    p.job.Topology.OutputKind,
		}
	}
	x := p.normalizer.Matrix([][]float64{values})
	state := p.backend.InitRecurrentState(1)
	out, _, err := p.backend.Forward(false, x, state, nil)
	if err != nil {
		return Response{
			Code:    model.ServerError,
			Message: err.Error(),
			Kind:    p.job.Topology.OutputKind,
		}
	}
	rows, cols := out.Dims()
	last := make([]float64, cols)
	for c := 0; c < cols; c++ {
		last[c] = out.At(rows-1, c)
	}
	return Response{
		Code:    model.NoError,
		Kind:    p.job.Topology.OutputKind,
		Guesses: p.guesses(last),
	}
}

// parse decodes the request's feature assignments. Unlisted input
// features default to zero, matching how training reads sparse rows.
func (p *Predictor) parse(input string) ([]float64, error) {
	values := make([]float64, len(p.job.InputFeatures))
	input = strings.TrimSpace(input)
	if input == "" {
		return values, nil
	}
	for _, pair := range strings.Split(input, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("malformed assignment %q", pair)
		}
		idx, ok := p.inputs[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown feature %q", strings.TrimSpace(name))
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", strings.TrimSpace(name), err)
		}
		values[idx] = v
	}
	return values, nil
}

func (p *Predictor) guesses(output []float64) []Guess {
	switch kind := p.job.Topology.OutputKind; {
	case kind == model.DataCategory:
		return topClasses(output)
	case kind.Classlike():
		prob := output[0]
		guess := 0.0
		confidence := int(math.Round((1 - prob) * 100))
		if prob >= p.job.Topology.LogisticThreshold {
			guess = 1
			confidence = int(math.Round(prob * 100))
		}
		return []Guess{{Value: guess, Confidence: confidence}}
	default:
		return []Guess{{Value: math.Round(output[0])}}
	}
}

// topClasses ranks classes by log probability and reports the best
// three as rounded percentages.
func topClasses(logProbs []float64) []Guess {
	order := make([]int, len(logProbs))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for k := i; k > 0 && logProbs[order[k]] > logProbs[order[k-1]]; k-- {
			order[k], order[k-1] = order[k-1], order[k]
		}
	}
	n := len(order)
	if n > maxGuesses {
		n = maxGuesses
	}
	guesses := make([]Guess, 0, n)
	for _, class := range order[:n] {
		guesses = append(guesses, Guess{
			Value:      float64(class),
			Confidence: int(math.Round(math.Exp(logProbs[class]) * 100)),
		})
	}
	return guesses
}
