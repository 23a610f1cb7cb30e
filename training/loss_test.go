package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhacker1/igvc-software/tensor"
)

func TestBCELossForward(t *testing.T) {
	l := NewBCELoss()

	pred, _ := tensor.New([]int{1, 1, 1, 2}, []float64{0.8, 0.4})
	target, _ := tensor.New([]int{1, 1, 1, 2}, []float64{1, 0})
	loss, err := l.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, -(math.Log(0.8)+math.Log(0.6))/2, loss, 1e-12)

	// saturated predictions are clamped instead of producing Inf
	pred, _ = tensor.New([]int{1, 1, 1, 2}, []float64{0, 1})
	target, _ = tensor.New([]int{1, 1, 1, 2}, []float64{1, 0})
	loss, err = l.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, loss, 1e-12)

	_, err = l.Forward(pred, tensor.Zeros(1, 1, 2, 1))
	assert.Error(t, err)
}

func TestBCELossBackward(t *testing.T) {
	l := NewBCELoss()
	pred, _ := tensor.New([]int{1, 1, 2, 2}, []float64{0.2, 0.7, 0.5, 0.9})
	target, _ := tensor.New([]int{1, 1, 2, 2}, []float64{0, 1, 1, 0})

	grad, err := l.Backward(pred, target)
	require.NoError(t, err)

	const eps = 1e-6
	for i := range pred.Data {
		orig := pred.Data[i]
		pred.Data[i] = orig + eps
		plus, _ := l.Forward(pred, target)
		pred.Data[i] = orig - eps
		minus, _ := l.Forward(pred, target)
		pred.Data[i] = orig

		assert.InDelta(t, (plus-minus)/(2*eps), grad.Data[i], 1e-6, "element %d", i)
	}
}
