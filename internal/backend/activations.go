package backend

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

type registeredActivation struct {
	fn         ActivationFunc
	derivative ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredActivation
}{
	m: make(map[string]registeredActivation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation("identity",
		func(x float64) float64 { return x },
		func(x float64) float64 { return 1 })
	MustRegisterActivation("relu",
		func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
	MustRegisterActivation("tanh",
		math.Tanh,
		func(x float64) float64 {
			y := math.Tanh(x)
			return 1 - y*y
		})
	MustRegisterActivation("sigmoid",
		sigmoid,
		func(x float64) float64 {
			s := sigmoid(x)
			return s * (1 - s)
		})
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// RegisterActivation adds an elementwise activation and its derivative,
// both taken over the pre-activation value.
func RegisterActivation(name string, fn, derivative ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil || derivative == nil {
		return errors.New("activation function and derivative are required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activationRegistry.m[name] = registeredActivation{fn: fn, derivative: derivative}
	return nil
}

func MustRegisterActivation(name string, fn, derivative ActivationFunc) {
	if err := RegisterActivation(name, fn, derivative); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (fn, derivative ActivationFunc, err error) {
	activationRegistry.mu.RLock()
	entry, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return entry.fn, entry.derivative, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogSoftmaxName is the vector-valued final activation used for
// categorical outputs. It is not elementwise, so it lives outside the
// registry: losses that consume it take their gradient against the
// pre-activation directly.
const LogSoftmaxName = "log_softmax"

// LogSoftmax writes the log-probabilities of z into out. out and z may
// alias.
func LogSoftmax(z, out []float64) {
	maxVal := math.Inf(-1)
	for _, v := range z {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for _, v := range z {
		sum += math.Exp(v - maxVal)
	}
	logSum := maxVal + math.Log(sum)
	for i, v := range z {
		out[i] = v - logSum
	}
}
