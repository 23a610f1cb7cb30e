package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are stateless: the rate for an epoch is a pure function of the
// epoch number and the initial rate.
type LRScheduler interface {
	// GetLR returns the learning rate in effect during the given 1-based epoch
	GetLR(epoch int, step int, baseLR float64) float64

	// Triggers reports whether the rate changes at the first batch of epoch
	Triggers(epoch int) bool

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepDecayScheduler multiplies the rate by Gamma at the start of every epoch
// e with e % StepSize == 0 and e != 1. A Gamma of 1 never triggers.
type StepDecayScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepDecayScheduler creates a step decay scheduler
func NewStepDecayScheduler(stepSize int, gamma float64) *StepDecayScheduler {
	if stepSize <= 0 {
		stepSize = 1
	}
	return &StepDecayScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepDecayScheduler) Triggers(epoch int) bool {
	return s.Gamma != 1 && epoch != 1 && epoch%s.StepSize == 0
}

// Decays returns how many times the rate has been decayed by the end of epoch
func (s *StepDecayScheduler) Decays(epoch int) int {
	if s.Gamma == 1 || epoch < 2 {
		return 0
	}
	n := epoch / s.StepSize
	if s.StepSize == 1 {
		// epoch 1 is excluded
		n--
	}
	return n
}

func (s *StepDecayScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(s.Decays(epoch)))
}

func (s *StepDecayScheduler) GetName() string {
	return "StepDecay"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) Triggers(epoch int) bool {
	return false
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
