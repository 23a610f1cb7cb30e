package training

import (
	"fmt"
	"math"

	"github.com/suhacker1/igvc-software/tensor"
)

// minLog clamps log terms so a saturated prediction yields a large finite loss
const minLog = -100.0

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	// Forward returns the mean loss over all elements
	Forward(predicted, target *tensor.Tensor) (float64, error)
	// Backward returns dLoss/dPredicted
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// BCELoss is element-wise binary cross entropy over probabilities, averaged
// over every element of the batch:
//
//	L = -mean(y*log(p) + (1-y)*log(1-p))
type BCELoss struct{}

// NewBCELoss creates a binary cross entropy loss
func NewBCELoss() *BCELoss {
	return &BCELoss{}
}

func checkSameShape(predicted, target *tensor.Tensor) error {
	if !predicted.SameShape(target) {
		return fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v", predicted.Shape, target.Shape)
	}
	return nil
}

func clampedLog(x float64) float64 {
	if x <= 0 {
		return minLog
	}
	return math.Max(math.Log(x), minLog)
}

// Forward computes the mean binary cross entropy
func (l *BCELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, err
	}

	sum := 0.0
	for i, p := range predicted.Data {
		y := target.Data[i]
		sum -= y*clampedLog(p) + (1-y)*clampedLog(1-p)
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward computes dL/dp = (p - y) / (p * (1 - p)) / N, with the
// denominator bounded away from zero.
func (l *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return nil, err
	}

	const eps = 1e-12
	n := float64(predicted.NumElems)
	grad := tensor.ZerosLike(predicted)
	for i, p := range predicted.Data {
		y := target.Data[i]
		grad.Data[i] = (p - y) / math.Max(p*(1-p), eps) / n
	}
	return grad, nil
}
