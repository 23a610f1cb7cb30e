package training

import (
	"fmt"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/tensor"
)

// Unbounded disables the batch budget of an evaluation pass
const Unbounded = -1

// Hyperparameters is the configuration snapshot of one run. It is not
// modified after Validate; the live learning rate is kept in TrainingState.
type Hyperparameters struct {
	BatchSize    int
	Epochs       int
	Channels     int
	Height       int
	Width        int
	KernelSize   int
	LearningRate float64
	LRDecay      float64 // Multiplier applied at each decay trigger
	StepInterval int     // Decay every StepInterval epochs
	WeightDecay  float64
	Optimizer    string // "adam" or "sgd"

	LogInterval  int  // Batches between validation/log entries
	SaveModel    bool // Write checkpoints
	SaveInterval int  // Epochs between checkpoints
	ValSamples   int  // Leading list entries used as the validation split
	ValBatches   int  // Batch budget of each periodic validation pass

	AddDistortion        bool
	DistortionPercentage float64

	Seed             int64
	Device           tensor.DeviceType
	Visualize        bool
	Workers          int
	CheckpointFormat checkpoints.CheckpointFormat
}

// DefaultHyperparameters returns the reference configuration
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		BatchSize:            1,
		Epochs:               5,
		Channels:             3,
		Height:               400,
		Width:                400,
		KernelSize:           3,
		LearningRate:         1e-3,
		LRDecay:              1.0,
		StepInterval:         100,
		WeightDecay:          0,
		Optimizer:            "adam",
		LogInterval:          10,
		SaveModel:            false,
		SaveInterval:         1,
		ValSamples:           10,
		ValBatches:           80,
		AddDistortion:        false,
		DistortionPercentage: 0.1,
		Seed:                 1,
		Device:               tensor.CPU,
		Workers:              1,
		CheckpointFormat:     checkpoints.FormatProto,
	}
}

// ImageShape returns [channels, height, width]
func (hp Hyperparameters) ImageShape() []int {
	return []int{hp.Channels, hp.Height, hp.Width}
}

// Validate checks every field range and wraps violations in ErrConfig
func (hp Hyperparameters) Validate() error {
	switch {
	case hp.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be >= 1, got %d", ErrConfig, hp.BatchSize)
	case hp.Epochs < 1:
		return fmt.Errorf("%w: epochs must be >= 1, got %d", ErrConfig, hp.Epochs)
	case hp.Channels != 1 && hp.Channels != 3:
		return fmt.Errorf("%w: image channels must be 1 or 3, got %d", ErrConfig, hp.Channels)
	case hp.Height < 2 || hp.Width < 2 || hp.Height%2 != 0 || hp.Width%2 != 0:
		return fmt.Errorf("%w: image height and width must be even and >= 2, got %dx%d", ErrConfig, hp.Height, hp.Width)
	case hp.KernelSize < 1 || hp.KernelSize%2 == 0:
		return fmt.Errorf("%w: kernel size must be a positive odd number, got %d", ErrConfig, hp.KernelSize)
	case !(hp.LearningRate > 0):
		return fmt.Errorf("%w: learning rate must be > 0, got %g", ErrConfig, hp.LearningRate)
	case !(hp.LRDecay > 0):
		return fmt.Errorf("%w: lr decay must be > 0, got %g", ErrConfig, hp.LRDecay)
	case hp.StepInterval < 1:
		return fmt.Errorf("%w: step interval must be >= 1, got %d", ErrConfig, hp.StepInterval)
	case hp.WeightDecay < 0:
		return fmt.Errorf("%w: weight decay must be >= 0, got %g", ErrConfig, hp.WeightDecay)
	case hp.LogInterval < 1:
		return fmt.Errorf("%w: log interval must be >= 1, got %d", ErrConfig, hp.LogInterval)
	case hp.SaveInterval < 1:
		return fmt.Errorf("%w: save interval must be >= 1, got %d", ErrConfig, hp.SaveInterval)
	case hp.ValSamples < 0:
		return fmt.Errorf("%w: val samples must be >= 0, got %d", ErrConfig, hp.ValSamples)
	case hp.ValBatches == 0 || hp.ValBatches < Unbounded:
		return fmt.Errorf("%w: val batches must be >= 1 or %d for unbounded, got %d", ErrConfig, Unbounded, hp.ValBatches)
	case hp.DistortionPercentage < 0 || hp.DistortionPercentage > 1:
		return fmt.Errorf("%w: distortion percentage must be in [0, 1], got %g", ErrConfig, hp.DistortionPercentage)
	case hp.AddDistortion && hp.Channels != 3:
		return fmt.Errorf("%w: distortion requires 3-channel images", ErrConfig)
	case hp.Workers < 1:
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrConfig, hp.Workers)
	}
	return nil
}
