package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/suhacker1/igvc-software/tensor"
)

// conv2DLayer is a direct (non-im2col) 2D convolution over NCHW input
type conv2DLayer struct {
	spec      LayerSpec
	inC, outC int
	kernel    int
	stride    int
	padding   int
	weight    *Parameter
	bias      *Parameter

	input *tensor.Tensor
}

func newConv2D(ls LayerSpec, rng *rand.Rand) (*conv2DLayer, error) {
	c := &conv2DLayer{
		spec:    ls,
		inC:     getIntParam(ls.Parameters, "input_channels", 0),
		outC:    getIntParam(ls.Parameters, "output_channels", 0),
		kernel:  getIntParam(ls.Parameters, "kernel_size", 0),
		stride:  getIntParam(ls.Parameters, "stride", 1),
		padding: getIntParam(ls.Parameters, "padding", 0),
	}
	if c.inC <= 0 || c.outC <= 0 || c.kernel <= 0 || c.stride <= 0 {
		return nil, fmt.Errorf("invalid conv2d configuration %v", ls.Parameters)
	}

	// Xavier/Glorot uniform initialization
	fanIn := c.inC * c.kernel * c.kernel
	fanOut := c.outC * c.kernel * c.kernel
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	w := tensor.Zeros(c.outC, c.inC, c.kernel, c.kernel)
	for i := range w.Data {
		w.Data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	c.weight = &Parameter{Name: ls.Name + ".weight", Value: w, Grad: tensor.ZerosLike(w)}

	if getBoolParam(ls.Parameters, "use_bias", true) {
		b := tensor.Zeros(c.outC)
		c.bias = &Parameter{Name: ls.Name + ".bias", Value: b, Grad: tensor.ZerosLike(b)}
	}
	return c, nil
}

func (c *conv2DLayer) Spec() LayerSpec { return c.spec }

func (c *conv2DLayer) Parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

func (c *conv2DLayer) outputSize(h, w int) (int, int) {
	return (h+2*c.padding-c.kernel)/c.stride + 1, (w+2*c.padding-c.kernel)/c.stride + 1
}

func (c *conv2DLayer) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkRank4(c.spec.Name, input); err != nil {
		return nil, err
	}
	n, inC, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if inC != c.inC {
		return nil, fmt.Errorf("%s expects %d input channels, got %d", c.spec.Name, c.inC, inC)
	}
	oh, ow := c.outputSize(h, w)
	out := tensor.Zeros(n, c.outC, oh, ow)

	k := c.kernel
	wd := c.weight.Value.Data
	for b := 0; b < n; b++ {
		for oc := 0; oc < c.outC; oc++ {
			bias := 0.0
			if c.bias != nil {
				bias = c.bias.Value.Data[oc]
			}
			outBase := (b*c.outC + oc) * oh * ow
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					sum := bias
					for ic := 0; ic < inC; ic++ {
						inBase := (b*inC + ic) * h * w
						wBase := (oc*inC + ic) * k * k
						for ky := 0; ky < k; ky++ {
							iy := y*c.stride + ky - c.padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := x*c.stride + kx - c.padding
								if ix < 0 || ix >= w {
									continue
								}
								sum += input.Data[inBase+iy*w+ix] * wd[wBase+ky*k+kx]
							}
						}
					}
					out.Data[outBase+y*ow+x] = sum
				}
			}
		}
	}

	c.input = input
	return out, nil
}

func (c *conv2DLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", c.spec.Name)
	}
	input := c.input
	n, inC, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh, ow := c.outputSize(h, w)
	if !tensor.ShapeEqual(gradOutput.Shape, []int{n, c.outC, oh, ow}) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output shape %v",
			c.spec.Name, gradOutput.Shape, []int{n, c.outC, oh, ow})
	}

	gradInput := tensor.ZerosLike(input)
	k := c.kernel
	wd := c.weight.Value.Data
	gw := c.weight.Grad.Data
	for b := 0; b < n; b++ {
		for oc := 0; oc < c.outC; oc++ {
			outBase := (b*c.outC + oc) * oh * ow
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					g := gradOutput.Data[outBase+y*ow+x]
					if g == 0 {
						continue
					}
					if c.bias != nil {
						c.bias.Grad.Data[oc] += g
					}
					for ic := 0; ic < inC; ic++ {
						inBase := (b*inC + ic) * h * w
						wBase := (oc*inC + ic) * k * k
						for ky := 0; ky < k; ky++ {
							iy := y*c.stride + ky - c.padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := x*c.stride + kx - c.padding
								if ix < 0 || ix >= w {
									continue
								}
								gw[wBase+ky*k+kx] += g * input.Data[inBase+iy*w+ix]
								gradInput.Data[inBase+iy*w+ix] += g * wd[wBase+ky*k+kx]
							}
						}
					}
				}
			}
		}
	}
	return gradInput, nil
}
