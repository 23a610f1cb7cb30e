package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	ReLU
	Sigmoid
	MaxPool2D
	Upsample2D
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case MaxPool2D:
		return "MaxPool2D"
	case Upsample2D:
		return "Upsample2D"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - execution lives in the Layer implementations.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as an ordered list of layer configurations
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder assembles a ModelSpec layer by layer
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a new model builder. inputShape is [batch, channels, height, width].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{inputShape: inputShape}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddSigmoid adds a Sigmoid activation to the model
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name, Parameters: map[string]interface{}{}})
}

// AddMaxPool2D adds a non-overlapping max pooling layer with the given window
func (mb *ModelBuilder) AddMaxPool2D(poolSize int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
		},
	}
	return mb.AddLayer(layer)
}

// AddUpsample2D adds a nearest-neighbour upsampling layer
func (mb *ModelBuilder) AddUpsample2D(scale int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Upsample2D,
		Name: name,
		Parameters: map[string]interface{}{
			"scale": scale,
		},
	}
	return mb.AddLayer(layer)
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// Compile infers every layer's shapes and parameter counts from the input
// shape and returns the resulting spec. The builder can keep adding layers
// afterwards; the returned spec is not affected.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, channels, height, width], got %v", mb.inputShape)
	}

	spec := &ModelSpec{
		Layers:     append([]LayerSpec(nil), mb.layers...),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	shape := spec.InputShape
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		info, err := inferLayer(layer, shape)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Name, err)
		}

		layer.InputShape = append([]int(nil), shape...)
		layer.OutputShape = info.output
		layer.ParameterShapes = info.paramShapes
		layer.ParameterCount = info.paramCount

		spec.ParameterShapes = append(spec.ParameterShapes, info.paramShapes...)
		spec.TotalParameters += info.paramCount
		shape = info.output
	}

	spec.OutputShape = shape
	spec.Compiled = true
	return spec, nil
}

// layerInfo is what compilation derives for one layer
type layerInfo struct {
	output      []int
	paramShapes [][]int
	paramCount  int64
}

// inferLayer derives the output shape and parameters of layer applied to an
// input of shape in. Conv2D layers also record their input channel count.
func inferLayer(layer *LayerSpec, in []int) (layerInfo, error) {
	n, c, h, w := in[0], in[1], in[2], in[3]

	switch layer.Type {
	case Conv2D:
		outC := getIntParam(layer.Parameters, "output_channels", 0)
		k := getIntParam(layer.Parameters, "kernel_size", 0)
		if outC <= 0 || k <= 0 {
			return layerInfo{}, fmt.Errorf("output_channels and kernel_size must be positive, got %d and %d", outC, k)
		}
		stride := getIntParam(layer.Parameters, "stride", 1)
		pad := getIntParam(layer.Parameters, "padding", 0)
		if stride <= 0 || pad < 0 {
			return layerInfo{}, fmt.Errorf("invalid stride %d or padding %d", stride, pad)
		}

		outH := (h+2*pad-k)/stride + 1
		outW := (w+2*pad-k)/stride + 1
		if outH <= 0 || outW <= 0 {
			return layerInfo{}, fmt.Errorf("kernel %d does not fit input %dx%d", k, h, w)
		}
		layer.Parameters["input_channels"] = c

		info := layerInfo{
			output:      []int{n, outC, outH, outW},
			paramShapes: [][]int{{outC, c, k, k}},
			paramCount:  int64(outC * c * k * k),
		}
		if getBoolParam(layer.Parameters, "use_bias", true) {
			info.paramShapes = append(info.paramShapes, []int{outC})
			info.paramCount += int64(outC)
		}
		return info, nil

	case MaxPool2D:
		size := getIntParam(layer.Parameters, "pool_size", 2)
		if size <= 0 || h%size != 0 || w%size != 0 {
			return layerInfo{}, fmt.Errorf("input %dx%d is not divisible by pool size %d", h, w, size)
		}
		return layerInfo{output: []int{n, c, h / size, w / size}}, nil

	case Upsample2D:
		scale := getIntParam(layer.Parameters, "scale", 2)
		if scale <= 0 {
			return layerInfo{}, fmt.Errorf("scale must be positive, got %d", scale)
		}
		return layerInfo{output: []int{n, c, h * scale, w * scale}}, nil

	case ReLU, Sigmoid, Dropout:
		return layerInfo{output: []int{n, c, h, w}}, nil

	default:
		return layerInfo{}, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "  (%d) %s %s %v -> %v params=%d\n",
			i, layer.Name, layer.Type, layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}

	return b.String()
}

// Helper functions for parameter extraction. JSON decoding turns ints into
// float64, so both are accepted.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return defaultValue
}
