package layers

import (
	"fmt"
	"math/rand"

	"github.com/suhacker1/igvc-software/tensor"
)

// Parameter is a trainable tensor together with its accumulated gradient
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Layer is the executable form of a LayerSpec. Forward caches whatever
// Backward needs, so calls must alternate Forward, Backward per batch.
type Layer interface {
	Spec() LayerSpec
	Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Build instantiates every layer of a compiled spec. rng drives weight
// initialisation and dropout masks.
func Build(spec *ModelSpec, rng *rand.Rand) ([]Layer, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	built := make([]Layer, 0, len(spec.Layers))
	for _, ls := range spec.Layers {
		var (
			layer Layer
			err   error
		)
		switch ls.Type {
		case Conv2D:
			layer, err = newConv2D(ls, rng)
		case ReLU:
			layer = &reluLayer{spec: ls}
		case Sigmoid:
			layer = &sigmoidLayer{spec: ls}
		case MaxPool2D:
			layer = &maxPoolLayer{spec: ls, size: getIntParam(ls.Parameters, "pool_size", 2)}
		case Upsample2D:
			layer = &upsampleLayer{spec: ls, scale: getIntParam(ls.Parameters, "scale", 2)}
		case Dropout:
			layer = &dropoutLayer{spec: ls, rate: getFloatParam(ls.Parameters, "rate", 0), rng: rng}
		default:
			err = fmt.Errorf("unsupported layer type: %s", ls.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %s: %v", ls.Name, err)
		}
		built = append(built, layer)
	}
	return built, nil
}

func checkRank4(name string, t *tensor.Tensor) error {
	if len(t.Shape) != 4 {
		return fmt.Errorf("%s expects a 4D [batch, channels, height, width] input, got %v", name, t.Shape)
	}
	return nil
}
