package layers

import (
	"fmt"
	"math"

	"github.com/suhacker1/igvc-software/tensor"
)

type reluLayer struct {
	spec   LayerSpec
	output *tensor.Tensor
}

func (r *reluLayer) Spec() LayerSpec          { return r.spec }
func (r *reluLayer) Parameters() []*Parameter { return nil }

func (r *reluLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := input.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	r.output = out
	return out, nil
}

func (r *reluLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil || !r.output.SameShape(gradOutput) {
		return nil, fmt.Errorf("%s: gradient does not match cached activation", r.spec.Name)
	}
	grad := gradOutput.Clone()
	for i, v := range r.output.Data {
		if v <= 0 {
			grad.Data[i] = 0
		}
	}
	return grad, nil
}

// sigmoidLayer maps logits to probabilities in (0, 1)
type sigmoidLayer struct {
	spec   LayerSpec
	output *tensor.Tensor
}

func (s *sigmoidLayer) Spec() LayerSpec          { return s.spec }
func (s *sigmoidLayer) Parameters() []*Parameter { return nil }

func (s *sigmoidLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := tensor.ZerosLike(input)
	for i, v := range input.Data {
		out.Data[i] = 1.0 / (1.0 + math.Exp(-v))
	}
	s.output = out
	return out, nil
}

func (s *sigmoidLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if s.output == nil || !s.output.SameShape(gradOutput) {
		return nil, fmt.Errorf("%s: gradient does not match cached activation", s.spec.Name)
	}
	grad := tensor.ZerosLike(gradOutput)
	for i, y := range s.output.Data {
		grad.Data[i] = gradOutput.Data[i] * y * (1 - y)
	}
	return grad, nil
}
