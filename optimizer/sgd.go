package optimizer

import "fmt"

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// Nesterov lookahead and L2 weight decay.
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool

	velocity  slots
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) (*SGDOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	return &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
	}, nil
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step(params, grads [][]float64) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}
	if sgd.Momentum > 0 {
		if err := sgd.velocity.ensure(params); err != nil {
			return err
		}
	}

	for i, p := range params {
		g := grads[i]
		for j := range p {
			grad := g[j] + sgd.WeightDecay*p[j]
			if sgd.Momentum == 0 {
				p[j] -= sgd.LearningRate * grad
				continue
			}
			v := sgd.velocity[i]
			v[j] = sgd.Momentum*v[j] + grad
			if sgd.Nesterov {
				grad += sgd.Momentum * v[j]
			} else {
				grad = v[j]
			}
			p[j] -= sgd.LearningRate * grad
		}
	}

	sgd.StepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() *OptimizerState {
	return &OptimizerState{
		Type: SGD,
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
		},
		StepCount: sgd.StepCount,
	}
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float64) {
	sgd.LearningRate = lr
}

// Name returns "sgd"
func (sgd *SGDOptimizerState) Name() string {
	return SGD
}

// Cleanup releases the momentum buffers
func (sgd *SGDOptimizerState) Cleanup() {
	sgd.velocity = nil
}
