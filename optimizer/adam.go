package optimizer

import (
	"fmt"
	"math"
)

// AdamOptimizerState represents Adam optimizer state
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	momentum slots // first moment per parameter tensor
	variance slots // second moment per parameter tensor

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %g", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params, grads [][]float64) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}
	if err := adam.momentum.ensure(params); err != nil {
		return err
	}
	if err := adam.variance.ensure(params); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	biasCorrection1 := 1 - math.Pow(adam.Beta1, t)
	biasCorrection2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range params {
		g, m, v := grads[i], adam.momentum[i], adam.variance[i]
		for j := range p {
			grad := g[j] + adam.WeightDecay*p[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*grad
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*grad*grad
			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			p[j] -= adam.LearningRate * mHat / (math.Sqrt(vHat) + adam.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() *OptimizerState {
	return &OptimizerState{
		Type: Adam,
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
		},
		StepCount: adam.StepCount,
	}
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float64) {
	adam.LearningRate = lr
}

// Name returns "adam"
func (adam *AdamOptimizerState) Name() string {
	return Adam
}

// Cleanup releases the moment buffers
func (adam *AdamOptimizerState) Cleanup() {
	adam.momentum = nil
	adam.variance = nil
}
