package optimizer

import (
	"fmt"
	"math"
)

// RMSPropOptimizerState represents RMSProp optimizer state
type RMSPropOptimizerState struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool

	squaredGradAvg slots
	gradAvg        slots // only when centered
	momentumBuf    slots // only when momentum > 0

	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig) (*RMSPropOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %g", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum must be non-negative, got %g", config.Momentum)
	}
	return &RMSPropOptimizerState{
		LearningRate: config.LearningRate,
		Alpha:        config.Alpha,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Momentum:     config.Momentum,
		Centered:     config.Centered,
	}, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step(params, grads [][]float64) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}
	if err := rms.squaredGradAvg.ensure(params); err != nil {
		return err
	}
	if rms.Centered {
		if err := rms.gradAvg.ensure(params); err != nil {
			return err
		}
	}
	if rms.Momentum > 0 {
		if err := rms.momentumBuf.ensure(params); err != nil {
			return err
		}
	}

	for i, p := range params {
		g, sq := grads[i], rms.squaredGradAvg[i]
		for j := range p {
			grad := g[j] + rms.WeightDecay*p[j]
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*grad*grad

			avg := sq[j]
			if rms.Centered {
				ga := rms.gradAvg[i]
				ga[j] = rms.Alpha*ga[j] + (1-rms.Alpha)*grad
				avg -= ga[j] * ga[j]
			}
			update := grad / (math.Sqrt(avg) + rms.Epsilon)

			if rms.Momentum > 0 {
				buf := rms.momentumBuf[i]
				buf[j] = rms.Momentum*buf[j] + update
				update = buf[j]
			}
			p[j] -= rms.LearningRate * update
		}
	}

	rms.StepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() *OptimizerState {
	return &OptimizerState{
		Type: RMSProp,
		Parameters: map[string]interface{}{
			"learning_rate": rms.LearningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      rms.Centered,
		},
		StepCount: rms.StepCount,
	}
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(lr float64) {
	rms.LearningRate = lr
}

// Name returns "rmsprop"
func (rms *RMSPropOptimizerState) Name() string {
	return RMSProp
}

// Cleanup releases the running averages
func (rms *RMSPropOptimizerState) Cleanup() {
	rms.squaredGradAvg = nil
	rms.gradAvg = nil
	rms.momentumBuf = nil
}
