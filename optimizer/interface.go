package optimizer

import (
	"fmt"
	"strings"
)

// Optimizer defines the common interface for all optimizers.
// params and grads are index-aligned parameter tensors flattened to slices;
// params are updated in place.
type Optimizer interface {
	// Step performs a single optimization step
	Step(params, grads [][]float64) error

	// GetState extracts optimizer state for checkpointing
	GetState() *OptimizerState

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// Name returns the wire name of the optimizer ("sgd", "adam", ...)
	Name() string

	// Cleanup releases per-parameter state buffers
	Cleanup()
}

// OptimizerState represents the serializable state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`       // "adam", "sgd", etc.
	Parameters map[string]interface{} `json:"parameters"` // Hyperparameters
	StepCount  uint64                 `json:"step_count"`
}

// Names of the supported optimizers
const (
	SGD     = "sgd"
	Adam    = "adam"
	RMSProp = "rmsprop"
	AdaGrad = "adagrad"
)

// Supported reports whether name is one of the optimizers New can build.
func Supported(name string) bool {
	switch strings.ToLower(name) {
	case SGD, Adam, RMSProp, AdaGrad:
		return true
	}
	return false
}

// New creates an optimizer by name using its default configuration with the
// given learning rate.
func New(name string, learningRate float64) (Optimizer, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", learningRate)
	}
	switch strings.ToLower(name) {
	case SGD:
		cfg := DefaultSGDConfig()
		cfg.LearningRate = learningRate
		return NewSGDOptimizer(cfg)
	case Adam:
		cfg := DefaultAdamConfig()
		cfg.LearningRate = learningRate
		return NewAdamOptimizer(cfg)
	case RMSProp:
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = learningRate
		return NewRMSPropOptimizer(cfg)
	case AdaGrad:
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate = learningRate
		return NewAdaGradOptimizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported optimizer %q", name)
	}
}

// slots holds one state buffer per parameter tensor, allocated on first use.
type slots [][]float64

// ensure sizes the slot buffers to match params, allocating lazily.
func (s *slots) ensure(params [][]float64) error {
	if *s == nil {
		buf := make([][]float64, len(params))
		for i, p := range params {
			buf[i] = make([]float64, len(p))
		}
		*s = buf
		return nil
	}
	if len(*s) != len(params) {
		return fmt.Errorf("parameter count changed: expected %d, got %d", len(*s), len(params))
	}
	for i, p := range params {
		if len((*s)[i]) != len(p) {
			return fmt.Errorf("parameter %d size changed: expected %d, got %d", i, len((*s)[i]), len(p))
		}
	}
	return nil
}

// checkGradients verifies params and grads are index-aligned and equally sized
func checkGradients(params, grads [][]float64) error {
	if len(params) != len(grads) {
		return fmt.Errorf("gradient count mismatch: %d params, %d gradients", len(params), len(grads))
	}
	for i := range params {
		if len(params[i]) != len(grads[i]) {
			return fmt.Errorf("gradient %d size mismatch: param has %d values, gradient has %d",
				i, len(params[i]), len(grads[i]))
		}
	}
	return nil
}
