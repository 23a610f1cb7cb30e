package optimizer

import (
	"errors"
	"math"
	"testing"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/layers"
	"github.com/suhacker1/igvc-software/tensor"
)

var (
	_ Optimizer = (*AdamOptimizerState)(nil)
	_ Optimizer = (*SGDOptimizerState)(nil)
)

func scalarParam(value, grad float64) *layers.Parameter {
	p := &layers.Parameter{Name: "w.weight", Value: tensor.Zeros(1), Grad: tensor.Zeros(1)}
	p.Value.Data[0] = value
	p.Grad.Data[0] = grad
	return p
}

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.1
	adam := NewAdamOptimizer(cfg)

	p := scalarParam(1.0, 0.5)
	if err := adam.Step([]*layers.Parameter{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(p.Value.Data[0]-0.9) > 1e-6 {
		t.Errorf("Expected weight 0.9 after one step, got %v", p.Value.Data[0])
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestAdamWeightDecayPullsTowardZero(t *testing.T) {
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.1
	cfg.WeightDecay = 1.0
	adam := NewAdamOptimizer(cfg)

	// Zero gradient: only the L2 term drives the update
	p := scalarParam(2.0, 0)
	if err := adam.Step([]*layers.Parameter{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if p.Value.Data[0] >= 2.0 {
		t.Errorf("Expected weight decay to shrink the weight, got %v", p.Value.Data[0])
	}
}

func TestAdamRejectsChangedParameterList(t *testing.T) {
	adam := NewAdamOptimizer(DefaultAdamConfig())
	if err := adam.Step([]*layers.Parameter{scalarParam(1, 1)}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	err := adam.Step([]*layers.Parameter{scalarParam(1, 1), scalarParam(1, 1)})
	if err == nil {
		t.Errorf("Expected error when the parameter list changes")
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	for _, name := range []string{"adam", "sgd"} {
		t.Run(name, func(t *testing.T) {
			a, err := New(name, 0.05, 0.01)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			pa := scalarParam(1.0, 0.3)
			for i := 0; i < 3; i++ {
				if err := a.Step([]*layers.Parameter{pa}); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}

			state, err := a.GetState()
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}
			b, err := New(name, 1.0, 0)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if err := b.LoadState(state); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if b.GetStepCount() != 3 || b.GetLearningRate() != 0.05 {
				t.Errorf("Restored step %d lr %v", b.GetStepCount(), b.GetLearningRate())
			}

			pb := scalarParam(pa.Value.Data[0], 0.3)
			if err := a.Step([]*layers.Parameter{pa}); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if err := b.Step([]*layers.Parameter{pb}); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if pa.Value.Data[0] != pb.Value.Data[0] {
				t.Errorf("Restored optimizer diverged: %v vs %v", pa.Value.Data[0], pb.Value.Data[0])
			}
		})
	}
}

func TestLoadStateTypeMismatch(t *testing.T) {
	sgd := NewSGDOptimizer(DefaultSGDConfig())
	state, _ := sgd.GetState()
	if err := NewAdamOptimizer(DefaultAdamConfig()).LoadState(state); err == nil {
		t.Errorf("Expected error loading SGD state into Adam")
	}
}

func TestNewUnsupportedOptimizer(t *testing.T) {
	if _, err := New("lbfgs", 0.1, 0); err == nil {
		t.Errorf("Expected error for unsupported optimizer")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	cases := map[string]int{"m_0": 0, "v_12": 12, "momentum_3": 3, "bad": -1, "m_x": -1}
	for name, want := range cases {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestValidateState(t *testing.T) {
	opt := NewAdamOptimizer(DefaultAdamConfig())
	params := []*layers.Parameter{scalarParam(1, 0.5), scalarParam(2, 0.5)}
	if err := opt.Step(params); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	state, _ := opt.GetState()
	if err := ValidateState(state, params); err != nil {
		t.Errorf("Expected matching state to validate, got %v", err)
	}

	fresh, _ := NewAdamOptimizer(DefaultAdamConfig()).GetState()
	if err := ValidateState(fresh, params); err != nil {
		t.Errorf("Expected state without buffers to validate, got %v", err)
	}

	wide := []*layers.Parameter{scalarParam(1, 0), {Name: "b.weight", Value: tensor.Zeros(3), Grad: tensor.Zeros(3)}}
	if err := ValidateState(state, wide); !errors.Is(err, checkpoints.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for a resized parameter, got %v", err)
	}
	if err := ValidateState(state, params[:1]); !errors.Is(err, checkpoints.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for a shorter parameter list, got %v", err)
	}
}
