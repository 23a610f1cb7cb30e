package engine

import (
	"fmt"
	"math/rand"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/layers"
	"github.com/suhacker1/igvc-software/optimizer"
	"github.com/suhacker1/igvc-software/tensor"
	"github.com/suhacker1/igvc-software/training"
)

// Config holds the optimizer and serialization settings of an engine
type Config struct {
	Optimizer        string // "adam" or "sgd"
	LearningRate     float64
	WeightDecay      float64
	Seed             int64
	CheckpointFormat checkpoints.CheckpointFormat
	RunID            string
}

// ModelTrainingEngine executes a compiled layer spec on the CPU and applies
// optimizer updates to its parameters. It implements training.Model.
type ModelTrainingEngine struct {
	modelSpec *layers.ModelSpec
	layers    []layers.Layer
	params    []*layers.Parameter
	optimizer optimizer.Optimizer
	saver     *checkpoints.CheckpointSaver
	config    Config

	mode     training.Mode
	forwards int // layers run by the last Forward call

	progress training.Progress
}

var (
	_ training.Model            = (*ModelTrainingEngine)(nil)
	_ training.ProgressRecorder = (*ModelTrainingEngine)(nil)
)

// NewModelTrainingEngine builds the layers of a compiled spec with weights
// drawn from config.Seed
func NewModelTrainingEngine(modelSpec *layers.ModelSpec, config Config) (*ModelTrainingEngine, error) {
	built, err := layers.Build(modelSpec, rand.New(rand.NewSource(config.Seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	opt, err := optimizer.New(config.Optimizer, config.LearningRate, config.WeightDecay)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}

	var params []*layers.Parameter
	for _, l := range built {
		params = append(params, l.Parameters()...)
	}

	return &ModelTrainingEngine{
		modelSpec: modelSpec,
		layers:    built,
		params:    params,
		optimizer: opt,
		saver:     checkpoints.NewCheckpointSaver(config.CheckpointFormat),
		config:    config,
		mode:      training.ModeTrain,
	}, nil
}

// GetModelSummary returns a human-readable model summary
func (mte *ModelTrainingEngine) GetModelSummary() string {
	return mte.modelSpec.Summary()
}

// Parameters returns the trainable parameters in layer order
func (mte *ModelTrainingEngine) Parameters() []*layers.Parameter {
	return mte.params
}

// Optimizer returns the optimizer driving Step
func (mte *ModelTrainingEngine) Optimizer() optimizer.Optimizer {
	return mte.optimizer
}

// Mode returns the current execution mode
func (mte *ModelTrainingEngine) Mode() training.Mode {
	return mte.mode
}

func (mte *ModelTrainingEngine) SetMode(mode training.Mode) {
	mte.mode = mode
}

// Forward runs every layer. Dropout is active only in training mode.
func (mte *ModelTrainingEngine) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	mte.forwards = 0
	out := images
	for _, l := range mte.layers {
		next, err := l.Forward(out, mte.mode == training.ModeTrain)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed at %s: %w", l.Spec().Name, err)
		}
		out = next
		mte.forwards++
	}
	return out, nil
}

func (mte *ModelTrainingEngine) ZeroGrad() {
	for _, p := range mte.params {
		p.Grad.Fill(0)
	}
}

// Backward accumulates parameter gradients of the last Forward call
func (mte *ModelTrainingEngine) Backward(grad *tensor.Tensor) error {
	if mte.forwards != len(mte.layers) {
		return fmt.Errorf("backward called without a completed forward pass")
	}
	for i := len(mte.layers) - 1; i >= 0; i-- {
		l := mte.layers[i]
		next, err := l.Backward(grad)
		if err != nil {
			return fmt.Errorf("backward pass failed at %s: %w", l.Spec().Name, err)
		}
		grad = next
	}
	return nil
}

func (mte *ModelTrainingEngine) Step() error {
	return mte.optimizer.Step(mte.params)
}

func (mte *ModelTrainingEngine) LearningRate() float64 {
	return mte.optimizer.GetLearningRate()
}

// SetLearningRate applies lr uniformly to every parameter
func (mte *ModelTrainingEngine) SetLearningRate(lr float64) {
	mte.optimizer.UpdateLearningRate(lr)
}

// RecordProgress stores the progress written into the next state dict
func (mte *ModelTrainingEngine) RecordProgress(p training.Progress) {
	mte.progress = p
}

// Checkpoint captures weights, optimizer state and progress
func (mte *ModelTrainingEngine) Checkpoint() (*checkpoints.Checkpoint, error) {
	optState, err := mte.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to get optimizer state: %w", err)
	}
	return &checkpoints.Checkpoint{
		ModelSpec: mte.modelSpec,
		Weights:   checkpoints.ExtractWeights(mte.params),
		TrainingState: checkpoints.TrainingState{
			Epoch:        mte.progress.Epoch,
			Step:         mte.progress.Step,
			LearningRate: mte.optimizer.GetLearningRate(),
			BestLoss:     mte.progress.BestLoss,
			BestAccuracy: mte.progress.BestAccuracy,
			TotalSteps:   int(mte.optimizer.GetStepCount()),
		},
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       mte.config.RunID,
			Description: "IGVC lane segmentation model",
			Tags:        []string{"igvc", "segmentation"},
		},
	}, nil
}

// StateDict serializes the engine in its configured checkpoint format
func (mte *ModelTrainingEngine) StateDict() ([]byte, error) {
	cp, err := mte.Checkpoint()
	if err != nil {
		return nil, err
	}
	return mte.saver.Marshal(cp)
}

// LoadStateDict restores weights from a serialized checkpoint of either
// format. Optimizer state is restored only when it was written by the same
// optimizer type; otherwise the optimizer starts fresh.
func (mte *ModelTrainingEngine) LoadStateDict(data []byte) error {
	cp, err := checkpoints.Unmarshal(data)
	if err != nil {
		return err
	}
	return mte.LoadCheckpoint(cp)
}

// LoadCheckpoint restores a decoded checkpoint. Nothing is modified unless
// both the weights and the optimizer state fit the model.
func (mte *ModelTrainingEngine) LoadCheckpoint(cp *checkpoints.Checkpoint) error {
	if err := checkpoints.CheckWeights(cp.Weights, mte.params); err != nil {
		return err
	}

	opt := mte.optimizer
	if cp.OptimizerState != nil {
		current, err := mte.optimizer.GetState()
		if err != nil {
			return fmt.Errorf("failed to get optimizer state: %w", err)
		}
		if cp.OptimizerState.Type == current.Type {
			if err := optimizer.ValidateState(cp.OptimizerState, mte.params); err != nil {
				return fmt.Errorf("failed to restore optimizer state: %w", err)
			}
			opt, err = optimizer.New(mte.config.Optimizer, mte.config.LearningRate, mte.config.WeightDecay)
			if err != nil {
				return fmt.Errorf("failed to create optimizer: %w", err)
			}
			if err := opt.LoadState(cp.OptimizerState); err != nil {
				return fmt.Errorf("failed to restore optimizer state: %w", err)
			}
		}
	}

	if err := checkpoints.LoadWeights(cp.Weights, mte.params); err != nil {
		return err
	}
	mte.optimizer = opt
	mte.progress = training.Progress{
		Epoch:        cp.TrainingState.Epoch,
		Step:         cp.TrainingState.Step,
		BestLoss:     cp.TrainingState.BestLoss,
		BestAccuracy: cp.TrainingState.BestAccuracy,
	}
	return nil
}
