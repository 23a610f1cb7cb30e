package optimizer

import (
	"fmt"
	"strings"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/layers"
)

// Optimizer defines the common interface for all optimizers.
// State can be saved and restored for checkpoint functionality.
type Optimizer interface {
	// Step applies one update to params using their accumulated gradients.
	// params must be the same list, in the same order, on every call.
	Step(params []*layers.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLearningRate returns the learning rate used by the next step
	GetLearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// New creates an optimizer by name ("adam" or "sgd")
func New(name string, lr, weightDecay float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam", "":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		cfg.WeightDecay = weightDecay
		return NewAdamOptimizer(cfg), nil
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		cfg.WeightDecay = weightDecay
		return NewSGDOptimizer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer: %q", name)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_1", "momentum_2"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
