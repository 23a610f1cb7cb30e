package training

import (
	"fmt"

	"github.com/suhacker1/igvc-software/tensor"
)

// EvalResult is the outcome of one evaluation pass
type EvalResult struct {
	Loss     float64 // sum of batch losses / examples
	Accuracy float64 // sum of per-batch pixel accuracies / examples
	Examples int

	Precision   float64
	Recall      float64
	F1          float64
	Specificity float64
	IoU         float64
}

// Evaluator computes mean loss and pixel accuracy over a split
type Evaluator struct {
	criterion Loss
}

// NewEvaluator creates an evaluator using criterion as the batch loss
func NewEvaluator(criterion Loss) *Evaluator {
	return &Evaluator{criterion: criterion}
}

// Evaluate runs model in eval mode over provider, stopping after maxBatches
// batches (Unbounded exhausts the provider). It never updates parameters.
// A pass that sees no examples, including maxBatches == 0, is an ErrConfig.
func (ev *Evaluator) Evaluate(model Model, provider Provider, maxBatches int) (EvalResult, error) {
	if provider == nil {
		return EvalResult{}, fmt.Errorf("%w: evaluation split is missing", ErrConfig)
	}
	if maxBatches == 0 || maxBatches < Unbounded {
		return EvalResult{}, fmt.Errorf("%w: evaluation batch budget must be positive, got %d", ErrConfig, maxBatches)
	}

	model.SetMode(ModeEval)
	provider.Reset()

	var (
		lossSum, accSum float64
		examples        int
		confusion       = NewConfusionMatrix()
	)

	for b := 0; maxBatches == Unbounded || b < maxBatches; b++ {
		batch, err := provider.Next()
		if err != nil {
			return EvalResult{}, fmt.Errorf("failed to read evaluation batch %d: %w", b, err)
		}
		if batch == nil {
			break
		}

		output, err := model.Forward(batch.Images)
		if err != nil {
			return EvalResult{}, fmt.Errorf("evaluation forward pass failed: %w", err)
		}
		loss, err := ev.criterion.Forward(output, batch.Masks)
		if err != nil {
			return EvalResult{}, fmt.Errorf("evaluation loss failed: %w", err)
		}

		lossSum += loss
		accSum += PixelAccuracy(output, batch.Masks)
		if err := confusion.UpdateFromPredictions(output.Data, batch.Masks.Data); err != nil {
			return EvalResult{}, err
		}
		examples += output.Shape[0]
	}

	if examples == 0 {
		return EvalResult{}, fmt.Errorf("%w: evaluation split yielded no examples", ErrConfig)
	}

	n := float64(examples)
	return EvalResult{
		Loss:        lossSum / n,
		Accuracy:    accSum / n,
		Examples:    examples,
		Precision:   confusion.GetMetric(Precision),
		Recall:      confusion.GetMetric(Recall),
		F1:          confusion.GetMetric(F1Score),
		Specificity: confusion.GetMetric(Specificity),
		IoU:         confusion.GetMetric(IoU),
	}, nil
}

// PixelAccuracy counts lane pixels predicted above 0.5 and background pixels
// predicted below 0.5, divided by the pixels of one image. Summed over a
// batch of N images the result lies in [0, N].
func PixelAccuracy(predictions, masks *tensor.Tensor) float64 {
	pixels := predictions.Shape[len(predictions.Shape)-2] * predictions.Shape[len(predictions.Shape)-1]
	correct := 0
	for i, p := range predictions.Data {
		if masks.Data[i] != 0 {
			if p > 0.5 {
				correct++
			}
		} else if p < 0.5 {
			correct++
		}
	}
	return float64(correct) / float64(pixels)
}
