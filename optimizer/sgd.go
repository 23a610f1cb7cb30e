package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/layers"
)

// SGDOptimizerState holds SGD hyperparameters and optional momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float64

	// Step tracking
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
		Momentum:     0.9,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) *SGDOptimizerState {
	return &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
	}
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params []*layers.Parameter) error {
	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = make([][]float64, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float64, len(p.Value.Data))
		}
	}
	if sgd.MomentumBuffers != nil && len(sgd.MomentumBuffers) != len(params) {
		return fmt.Errorf("optimizer tracks %d parameters, got %d", len(sgd.MomentumBuffers), len(params))
	}

	sgd.StepCount++
	for i, p := range params {
		g := append([]float64(nil), p.Grad.Data...)
		if sgd.WeightDecay != 0 {
			floats.AddScaled(g, sgd.WeightDecay, p.Value.Data)
		}

		if sgd.Momentum > 0 {
			buf := sgd.MomentumBuffers[i]
			if len(buf) != len(g) {
				return fmt.Errorf("parameter %s has %d values, optimizer state has %d", p.Name, len(g), len(buf))
			}
			// buf = momentum*buf + g
			floats.Scale(sgd.Momentum, buf)
			floats.Add(buf, g)
			if sgd.Nesterov {
				floats.AddScaled(g, sgd.Momentum, buf)
			} else {
				copy(g, buf)
			}
		}

		floats.AddScaled(p.Value.Data, -sgd.LearningRate, g)
	}
	return nil
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	nesterov := 0.0
	if sgd.Nesterov {
		nesterov = 1
	}
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      nesterov,
			"step_count":    float64(sgd.StepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers)),
	}
	for i, buf := range sgd.MomentumBuffers {
		state.StateData = append(state.StateData, extractBufferState(buf, fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	momentum, err := restoreBufferStates(state.StateData, "momentum")
	if err != nil {
		return fmt.Errorf("failed to restore SGD momentum: %w", err)
	}

	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractFloatParam(state.Parameters, "nesterov", 0) != 0
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	sgd.MomentumBuffers = nil
	if len(momentum) > 0 {
		sgd.MomentumBuffers = momentum
	}
	return nil
}
