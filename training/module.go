package training

import "github.com/suhacker1/igvc-software/tensor"

// Mode selects between training and inference behaviour of a model
type Mode int

const (
	// ModeTrain enables gradients and stochastic layers
	ModeTrain Mode = iota
	// ModeEval makes stochastic layers deterministic
	ModeEval
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	default:
		return "unknown"
	}
}

// Model is the trainable predictor driven by the Trainer and the Evaluator.
// Every call is synchronous; no partial state is observable between calls.
type Model interface {
	SetMode(mode Mode)
	// Forward maps an image batch [N, C, H, W] to probabilities [N, 1, H, W]
	Forward(images *tensor.Tensor) (*tensor.Tensor, error)
	ZeroGrad()
	// Backward propagates dLoss/dPrediction for the last Forward call
	Backward(grad *tensor.Tensor) error
	// Step applies one optimizer update using the accumulated gradients
	Step() error
	LearningRate() float64
	SetLearningRate(lr float64)
	StateDict() ([]byte, error)
	LoadStateDict(data []byte) error
}

// Progress is the training progress embedded in a checkpoint
type Progress struct {
	Epoch        int
	Step         int
	BestLoss     float64 // lowest validation loss logged so far
	BestAccuracy float64 // highest validation accuracy logged so far
}

// ProgressRecorder is implemented by models that embed training progress in
// their state dict. The checkpoint manager calls it before serializing.
type ProgressRecorder interface {
	RecordProgress(p Progress)
}
