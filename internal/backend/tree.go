package backend

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/job"
	"asklepios/internal/model"
)

const (
	treeStateKey      = "tree.ensemble"
	treeMaxDepth      = 3
	treeMinLeafSize   = 2
	treeDefaultShrink = 0.1
)

type treeObjective string

const (
	objectiveSquaredError   treeObjective = "squared_error"
	objectiveBinaryLogistic treeObjective = "binary_logistic"
	objectiveSoftmax        treeObjective = "softmax"
)

// treeNode is one node of a regression tree fitted to gradients.
type treeNode struct {
	Leaf      bool      `json:"leaf"`
	Value     float64   `json:"value,omitempty"`
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
}

func (n *treeNode) predict(x []float64) float64 {
	if n.Leaf {
		return n.Value
	}
	if x[n.Feature] <= n.Threshold {
		return n.Left.predict(x)
	}
	return n.Right.predict(x)
}

// treeEnsemble is the serializable boosted ensemble: one tree per
// score column per round.
type treeEnsemble struct {
	Objective treeObjective `json:"objective"`
	Columns   int           `json:"columns"`
	Shrinkage float64       `json:"shrinkage"`
	Rounds    [][]*treeNode `json:"rounds,omitempty"`
}

func (e *treeEnsemble) scores(x []float64) []float64 {
	scores := make([]float64, e.Columns)
	for _, round := range e.Rounds {
		for k, tree := range round {
			scores[k] += e.Shrinkage * tree.predict(x)
		}
	}
	return scores
}

// boostedTree is the stateful ensemble backend. The first training
// forward call creates the ensemble; later calls extend it from the
// previous snapshot, so fitting happens inside Forward rather than in a
// separate loss/backprop step.
type boostedTree struct {
	features int
	ensemble *treeEnsemble
}

func newBoostedTree(j *job.Job) (Backend, error) {
	objective, columns, err := treeObjectiveFor(j.Topology)
	if err != nil {
		return nil, err
	}
	return &boostedTree{
		features: len(j.InputFeatures),
		ensemble: &treeEnsemble{
			Objective: objective,
			Columns:   columns,
			Shrinkage: treeDefaultShrink,
		},
	}, nil
}

// treeObjectiveFor picks the fitting objective from the output kind.
// Two categorical classes force an explicit two-column softmax: an
// inferred binary objective silently drops the multiclass setup.
func treeObjectiveFor(t job.Topology) (treeObjective, int, error) {
	switch t.OutputKind {
	case model.DataLogistic, model.DataBoolean:
		return objectiveBinaryLogistic, 1, nil
	case model.DataNumeric, model.DataOrdinal:
		return objectiveSquaredError, 1, nil
	case model.DataCategory:
		if t.OutputClasses < 2 {
			return "", 0, fmt.Errorf("categorical output requires at least 2 classes, got %d", t.OutputClasses)
		}
		return objectiveSoftmax, t.OutputClasses, nil
	default:
		return "", 0, fmt.Errorf("unrecognized output kind: %s", t.OutputKind)
	}
}

func (b *boostedTree) Forward(training bool, input *mat.Dense, state RecurrentState, expected []float64) (*mat.Dense, RecurrentState, error) {
	rows, cols := input.Dims()
	if cols != b.features {
		return nil, nil, fmt.Errorf("input width %d does not match %d features", cols, b.features)
	}
	samples := make([][]float64, rows)
	for t := 0; t < rows; t++ {
		samples[t] = input.RawRowView(t)
	}

	if training {
		if expected == nil {
			return nil, nil, fmt.Errorf("tree training requires expected outputs")
		}
		if len(expected) != rows {
			return nil, nil, fmt.Errorf("expected outputs %d do not match %d samples", len(expected), rows)
		}
		if err := b.extend(samples, expected); err != nil {
			return nil, nil, err
		}
	}

	out := mat.NewDense(rows, b.ensemble.Columns, nil)
	for t, x := range samples {
		out.SetRow(t, b.transform(b.ensemble.scores(x)))
	}
	return out, state, nil
}

// transform maps raw ensemble scores into the output domain the rest
// of the system expects: a probability for the logistic objective,
// log-probabilities for softmax, the score itself for regression.
func (b *boostedTree) transform(scores []float64) []float64 {
	switch b.ensemble.Objective {
	case objectiveBinaryLogistic:
		return []float64{sigmoid(scores[0])}
	case objectiveSoftmax:
		out := make([]float64, len(scores))
		LogSoftmax(scores, out)
		return out
	default:
		return scores
	}
}

// extend runs one boosting round over the batch, continuing from the
// current ensemble.
func (b *boostedTree) extend(samples [][]float64, expected []float64) error {
	n := len(samples)
	scores := make([][]float64, n)
	for t, x := range samples {
		scores[t] = b.ensemble.scores(x)
	}

	round := make([]*treeNode, b.ensemble.Columns)
	switch b.ensemble.Objective {
	case objectiveSquaredError:
		residuals := make([]float64, n)
		for t := range samples {
			residuals[t] = expected[t] - scores[t][0]
		}
		round[0] = fitTree(samples, residuals, 0)
	case objectiveBinaryLogistic:
		residuals := make([]float64, n)
		for t := range samples {
			residuals[t] = expected[t] - sigmoid(scores[t][0])
		}
		round[0] = fitTree(samples, residuals, 0)
	case objectiveSoftmax:
		for k := 0; k < b.ensemble.Columns; k++ {
			residuals := make([]float64, n)
			for t := range samples {
				probs := softmax(scores[t])
				target := 0.0
				if int(math.Round(expected[t])) == k {
					target = 1.0
				}
				residuals[t] = target - probs[k]
			}
			round[k] = fitTree(samples, residuals, 0)
		}
	default:
		return fmt.Errorf("unrecognized tree objective: %s", b.ensemble.Objective)
	}
	b.ensemble.Rounds = append(b.ensemble.Rounds, round)
	return nil
}

func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	LogSoftmax(z, out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	return out
}

// fitTree greedily fits a depth-limited regression tree to targets.
func fitTree(samples [][]float64, targets []float64, depth int) *treeNode {
	if depth >= treeMaxDepth || len(targets) < 2*treeMinLeafSize {
		return &treeNode{Leaf: true, Value: meanOf(targets)}
	}
	feature, threshold, ok := bestSplit(samples, targets)
	if !ok {
		return &treeNode{Leaf: true, Value: meanOf(targets)}
	}
	var leftSamples, rightSamples [][]float64
	var leftTargets, rightTargets []float64
	for t, x := range samples {
		if x[feature] <= threshold {
			leftSamples = append(leftSamples, x)
			leftTargets = append(leftTargets, targets[t])
		} else {
			rightSamples = append(rightSamples, x)
			rightTargets = append(rightTargets, targets[t])
		}
	}
	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      fitTree(leftSamples, leftTargets, depth+1),
		Right:     fitTree(rightSamples, rightTargets, depth+1),
	}
}

// bestSplit scans every feature for the split minimizing the summed
// squared deviation of the two sides, using prefix sums over the
// value-sorted samples.
func bestSplit(samples [][]float64, targets []float64) (feature int, threshold float64, ok bool) {
	n := len(targets)
	bestScore := math.Inf(1)
	for f := 0; f < len(samples[0]); f++ {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			return samples[order[a]][f] < samples[order[b]][f]
		})

		prefix := 0.0
		prefixSq := 0.0
		total := 0.0
		totalSq := 0.0
		for _, idx := range order {
			total += targets[idx]
			totalSq += targets[idx] * targets[idx]
		}
		for i := 0; i < n-1; i++ {
			v := targets[order[i]]
			prefix += v
			prefixSq += v * v
			left := i + 1
			right := n - left
			if samples[order[i]][f] == samples[order[i+1]][f] {
				continue
			}
			if left < treeMinLeafSize || right < treeMinLeafSize {
				continue
			}
			leftSSE := prefixSq - prefix*prefix/float64(left)
			rightSum := total - prefix
			rightSSE := (totalSq - prefixSq) - rightSum*rightSum/float64(right)
			if score := leftSSE + rightSSE; score < bestScore {
				bestScore = score
				feature = f
				threshold = (samples[order[i]][f] + samples[order[i+1]][f]) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func (b *boostedTree) InitRecurrentState(sequenceSize int) RecurrentState {
	return nil
}

func (b *boostedTree) MoveRecurrentState(state RecurrentState, toAccelerator bool) RecurrentState {
	return state
}

func (b *boostedTree) SaveState(j *job.Job) error {
	data, err := json.Marshal(b.ensemble)
	if err != nil {
		return err
	}
	j.SetRawState(treeStateKey, data)
	return nil
}

func (b *boostedTree) RestoreState(j *job.Job) error {
	data, ok := j.RawState(treeStateKey)
	if !ok {
		return nil
	}
	var ensemble treeEnsemble
	if err := json.Unmarshal(data, &ensemble); err != nil {
		return fmt.Errorf("decode tree ensemble: %w", err)
	}
	if ensemble.Objective != b.ensemble.Objective || ensemble.Columns != b.ensemble.Columns {
		return fmt.Errorf("tree snapshot mismatch: stored %s/%d, want %s/%d",
			ensemble.Objective, ensemble.Columns, b.ensemble.Objective, b.ensemble.Columns)
	}
	b.ensemble = &ensemble
	return nil
}

func (b *boostedTree) Library() Library {
	return LibraryTree
}

func (b *boostedTree) TrainingCanPauseResume() bool {
	return false
}
