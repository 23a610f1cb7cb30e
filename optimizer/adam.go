package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/layers"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	// Moment buffers, one per parameter tensor. Allocated on the first step.
	MomentumBuffers [][]float64
	VarianceBuffers [][]float64

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
func NewAdamOptimizer(config AdamConfig) *AdamOptimizerState {
	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}
}

func (adam *AdamOptimizerState) ensureBuffers(params []*layers.Parameter) error {
	if adam.MomentumBuffers == nil {
		adam.MomentumBuffers = make([][]float64, len(params))
		adam.VarianceBuffers = make([][]float64, len(params))
		for i, p := range params {
			adam.MomentumBuffers[i] = make([]float64, len(p.Value.Data))
			adam.VarianceBuffers[i] = make([]float64, len(p.Value.Data))
		}
		return nil
	}

	if len(adam.MomentumBuffers) != len(params) {
		return fmt.Errorf("optimizer tracks %d parameters, got %d", len(adam.MomentumBuffers), len(params))
	}
	for i, p := range params {
		if len(adam.MomentumBuffers[i]) != len(p.Value.Data) {
			return fmt.Errorf("parameter %s has %d values, optimizer state has %d",
				p.Name, len(p.Value.Data), len(adam.MomentumBuffers[i]))
		}
	}
	return nil
}

// Step performs a single Adam optimization step. Weight decay is applied as
// an L2 term added to the gradient.
func (adam *AdamOptimizerState) Step(params []*layers.Parameter) error {
	if err := adam.ensureBuffers(params); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	biasCorrection1 := 1 - math.Pow(adam.Beta1, t)
	biasCorrection2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := adam.LearningRate / biasCorrection1
	sqrtBC2 := math.Sqrt(biasCorrection2)

	for i, p := range params {
		w := p.Value.Data
		g := p.Grad.Data
		if adam.WeightDecay != 0 {
			g = append([]float64(nil), g...)
			floats.AddScaled(g, adam.WeightDecay, w)
		}

		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		// m = beta1*m + (1-beta1)*g
		floats.Scale(adam.Beta1, m)
		floats.AddScaled(m, 1-adam.Beta1, g)

		for j, gj := range g {
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*gj*gj
			w[j] -= stepSize * m[j] / (math.Sqrt(v[j])/sqrtBC2 + adam.Epsilon)
		}
	}
	return nil
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(adam.MomentumBuffers)),
	}

	for i := range adam.MomentumBuffers {
		state.StateData = append(state.StateData,
			extractBufferState(adam.MomentumBuffers[i], fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(adam.VarianceBuffers[i], fmt.Sprintf("v_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	momentum, err := restoreBufferStates(state.StateData, "m")
	if err != nil {
		return fmt.Errorf("failed to restore Adam momentum: %w", err)
	}
	variance, err := restoreBufferStates(state.StateData, "v")
	if err != nil {
		return fmt.Errorf("failed to restore Adam variance: %w", err)
	}
	if len(momentum) != len(variance) {
		return fmt.Errorf("Adam state has %d momentum and %d variance buffers", len(momentum), len(variance))
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if len(momentum) == 0 {
		adam.MomentumBuffers, adam.VarianceBuffers = nil, nil
	} else {
		adam.MomentumBuffers, adam.VarianceBuffers = momentum, variance
	}
	return nil
}
