package layers

import (
	"fmt"
	"math/rand"

	"github.com/suhacker1/igvc-software/tensor"
)

// maxPoolLayer is a non-overlapping max pool (window == stride)
type maxPoolLayer struct {
	spec    LayerSpec
	size    int
	inShape []int
	argmax  []int
}

func (m *maxPoolLayer) Spec() LayerSpec          { return m.spec }
func (m *maxPoolLayer) Parameters() []*Parameter { return nil }

func (m *maxPoolLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkRank4(m.spec.Name, input); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if h%m.size != 0 || w%m.size != 0 {
		return nil, fmt.Errorf("%s: input %dx%d is not divisible by %d", m.spec.Name, h, w, m.size)
	}
	oh, ow := h/m.size, w/m.size
	out := tensor.Zeros(n, c, oh, ow)
	m.argmax = make([]int, out.NumElems)

	for plane := 0; plane < n*c; plane++ {
		inBase := plane * h * w
		outBase := plane * oh * ow
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				best := inBase + (y*m.size)*w + x*m.size
				for dy := 0; dy < m.size; dy++ {
					for dx := 0; dx < m.size; dx++ {
						idx := inBase + (y*m.size+dy)*w + x*m.size + dx
						if input.Data[idx] > input.Data[best] {
							best = idx
						}
					}
				}
				out.Data[outBase+y*ow+x] = input.Data[best]
				m.argmax[outBase+y*ow+x] = best
			}
		}
	}
	m.inShape = input.Shape
	return out, nil
}

func (m *maxPoolLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if m.inShape == nil || len(m.argmax) != gradOutput.NumElems {
		return nil, fmt.Errorf("%s: gradient does not match cached pooling indices", m.spec.Name)
	}
	grad := tensor.Zeros(m.inShape...)
	for i, g := range gradOutput.Data {
		grad.Data[m.argmax[i]] += g
	}
	return grad, nil
}

// upsampleLayer repeats every pixel scale×scale times
type upsampleLayer struct {
	spec    LayerSpec
	scale   int
	inShape []int
}

func (u *upsampleLayer) Spec() LayerSpec          { return u.spec }
func (u *upsampleLayer) Parameters() []*Parameter { return nil }

func (u *upsampleLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkRank4(u.spec.Name, input); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh, ow := h*u.scale, w*u.scale
	out := tensor.Zeros(n, c, oh, ow)
	for plane := 0; plane < n*c; plane++ {
		inBase := plane * h * w
		outBase := plane * oh * ow
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				out.Data[outBase+y*ow+x] = input.Data[inBase+(y/u.scale)*w+x/u.scale]
			}
		}
	}
	u.inShape = input.Shape
	return out, nil
}

func (u *upsampleLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if u.inShape == nil {
		return nil, fmt.Errorf("%s: backward called before forward", u.spec.Name)
	}
	n, c, h, w := u.inShape[0], u.inShape[1], u.inShape[2], u.inShape[3]
	oh, ow := h*u.scale, w*u.scale
	if !tensor.ShapeEqual(gradOutput.Shape, []int{n, c, oh, ow}) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output", u.spec.Name, gradOutput.Shape)
	}
	grad := tensor.Zeros(u.inShape...)
	for plane := 0; plane < n*c; plane++ {
		inBase := plane * h * w
		outBase := plane * oh * ow
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				grad.Data[inBase+(y/u.scale)*w+x/u.scale] += gradOutput.Data[outBase+y*ow+x]
			}
		}
	}
	return grad, nil
}

// dropoutLayer zeroes activations with probability rate during training and
// rescales the survivors; it is the identity in evaluation mode.
type dropoutLayer struct {
	spec LayerSpec
	rate float64
	rng  *rand.Rand
	mask []float64
}

func (d *dropoutLayer) Spec() LayerSpec          { return d.spec }
func (d *dropoutLayer) Parameters() []*Parameter { return nil }

func (d *dropoutLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training || d.rate <= 0 {
		d.mask = nil
		return input, nil
	}
	out := input.Clone()
	d.mask = make([]float64, input.NumElems)
	keep := 1.0 - d.rate
	for i := range out.Data {
		if d.rng.Float64() < keep {
			d.mask[i] = 1.0 / keep
		}
		out.Data[i] *= d.mask[i]
	}
	return out, nil
}

func (d *dropoutLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return gradOutput, nil
	}
	if len(d.mask) != gradOutput.NumElems {
		return nil, fmt.Errorf("%s: gradient does not match dropout mask", d.spec.Name)
	}
	grad := gradOutput.Clone()
	for i := range grad.Data {
		grad.Data[i] *= d.mask[i]
	}
	return grad, nil
}
