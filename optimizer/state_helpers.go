package optimizer

import (
	"fmt"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/layers"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single state buffer into a checkpoint tensor
func extractBufferState(buffer []float64, name string, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferStates rebuilds per-parameter buffers of one state type from
// checkpoint tensors, placing each tensor by the index in its name.
func restoreBufferStates(data []checkpoints.OptimizerTensor, stateType string) ([][]float64, error) {
	var buffers [][]float64
	for _, t := range data {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 {
			return nil, fmt.Errorf("invalid state tensor name %q", t.Name)
		}
		for len(buffers) <= idx {
			buffers = append(buffers, nil)
		}
		buffers[idx] = append([]float64(nil), t.Data...)
	}
	for i, b := range buffers {
		if b == nil {
			return nil, fmt.Errorf("missing %s state for parameter %d", stateType, i)
		}
	}
	return buffers, nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}

// ValidateState checks that every buffer in state belongs to one of params
// and matches its size. Each state type must cover either no parameter or
// all of them.
func ValidateState(state *OptimizerState, params []*layers.Parameter) error {
	if state == nil {
		return nil
	}

	types := make(map[string]bool)
	for _, t := range state.StateData {
		types[t.StateType] = true
	}
	for stateType := range types {
		buffers, err := restoreBufferStates(state.StateData, stateType)
		if err != nil {
			return err
		}
		if len(buffers) != len(params) {
			return fmt.Errorf("%w: %s state covers %d parameters, model has %d",
				checkpoints.ErrShapeMismatch, stateType, len(buffers), len(params))
		}
		for i, b := range buffers {
			if len(b) != len(params[i].Value.Data) {
				return fmt.Errorf("%w: %s state of %s holds %d values, expected %d",
					checkpoints.ErrShapeMismatch, stateType, params[i].Name, len(b), len(params[i].Value.Data))
			}
		}
	}
	return nil
}
