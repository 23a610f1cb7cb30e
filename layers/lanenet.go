package layers

import "fmt"

// LaneNetSpec compiles the default lane segmentation network for images of
// shape [channels, height, width]. The network keeps the spatial size of its
// input and emits a single-channel probability map.
func LaneNetSpec(batchSize, channels, height, width, kernelSize int) (*ModelSpec, error) {
	if kernelSize <= 0 || kernelSize%2 == 0 {
		return nil, fmt.Errorf("kernel size must be a positive odd number, got %d", kernelSize)
	}
	if height%2 != 0 || width%2 != 0 {
		return nil, fmt.Errorf("image height and width must be even, got %dx%d", height, width)
	}
	pad := kernelSize / 2

	return NewModelBuilder([]int{batchSize, channels, height, width}).
		AddConv2D(8, kernelSize, 1, pad, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, "pool1").
		AddConv2D(16, kernelSize, 1, pad, true, "conv2").
		AddReLU("relu2").
		AddDropout(0.1, "drop2").
		AddUpsample2D(2, "up3").
		AddConv2D(8, kernelSize, 1, pad, true, "conv3").
		AddReLU("relu3").
		AddConv2D(1, 1, 1, 0, true, "head").
		AddSigmoid("prob").
		Compile()
}
