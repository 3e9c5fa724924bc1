package optimizer

import (
	"fmt"
	"math"
)

// AdaGradOptimizerState accumulates squared gradients per parameter and
// scales each update by their inverse square root.
type AdaGradOptimizerState struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64

	squaredGradSum slots

	StepCount uint64
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64 // Learning rate
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig) (*AdaGradOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	return &AdaGradOptimizerState{
		LearningRate: config.LearningRate,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}, nil
}

// Step performs a single AdaGrad optimization step
func (ada *AdaGradOptimizerState) Step(params, grads [][]float64) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}
	if err := ada.squaredGradSum.ensure(params); err != nil {
		return err
	}

	for i, p := range params {
		g, sum := grads[i], ada.squaredGradSum[i]
		for j := range p {
			grad := g[j] + ada.WeightDecay*p[j]
			sum[j] += grad * grad
			p[j] -= ada.LearningRate * grad / (math.Sqrt(sum[j]) + ada.Epsilon)
		}
	}

	ada.StepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaGradOptimizerState) GetState() *OptimizerState {
	return &OptimizerState{
		Type: AdaGrad,
		Parameters: map[string]interface{}{
			"learning_rate": ada.LearningRate,
			"epsilon":       ada.Epsilon,
			"weight_decay":  ada.WeightDecay,
		},
		StepCount: ada.StepCount,
	}
}

// GetStepCount returns the current step count
func (ada *AdaGradOptimizerState) GetStepCount() uint64 {
	return ada.StepCount
}

// UpdateLearningRate updates the learning rate
func (ada *AdaGradOptimizerState) UpdateLearningRate(lr float64) {
	ada.LearningRate = lr
}

// Name returns "adagrad"
func (ada *AdaGradOptimizerState) Name() string {
	return AdaGrad
}

// Cleanup releases the accumulators
func (ada *AdaGradOptimizerState) Cleanup() {
	ada.squaredGradSum = nil
}
