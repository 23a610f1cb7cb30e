package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DeviceType identifies where a model executes
type DeviceType int

const (
	CPU DeviceType = iota
	Accelerator
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case Accelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major float64 array. Image batches use NCHW layout.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float64
	NumElems int
}

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: n,
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on a non-positive dimension.
func Zeros(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	n := calculateNumElements(shape)
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     make([]float64, n),
		NumElems: n,
	}
}

// ZerosLike allocates a zero-filled tensor with t's shape
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// SameShape reports whether t and other have identical shapes
func (t *Tensor) SameShape(other *Tensor) bool {
	return ShapeEqual(t.Shape, other.Shape)
}

// Sample returns a view over the i-th entry of the leading (batch) dimension
func (t *Tensor) Sample(i int) []float64 {
	size := t.Strides[0]
	return t.Data[i*size : (i+1)*size]
}

// Fill sets every element to v
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Scale multiplies every element by a in place
func (t *Tensor) Scale(a float64) {
	floats.Scale(a, t.Data)
}

// AddScaled adds a*other to t in place
func (t *Tensor) AddScaled(a float64, other *Tensor) error {
	if !t.SameShape(other) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, other.Shape)
	}
	floats.AddScaled(t.Data, a, other.Data)
	return nil
}

// Sum returns the sum of all elements
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}

// HasNonFinite reports whether any element is NaN or ±Inf
func (t *Tensor) HasNonFinite() bool {
	return floats.HasNaN(t.Data) || floats.Max(t.Data) > maxFinite || floats.Min(t.Data) < -maxFinite
}

// Reshape returns a tensor sharing t's data with a new shape
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	return New(shape, t.Data)
}

// Stack joins equally shaped samples along a new leading batch dimension
func Stack(samples []*Tensor) (*Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := samples[0]
	shape := append([]int{len(samples)}, first.Shape...)
	data := make([]float64, 0, len(samples)*first.NumElems)
	for i, s := range samples {
		if !s.SameShape(first) {
			return nil, fmt.Errorf("sample %d has shape %v, expected %v", i, s.Shape, first.Shape)
		}
		data = append(data, s.Data...)
	}
	return New(shape, data)
}

// ShapeEqual reports whether two shapes are identical
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NumElements returns the element count of a shape
func NumElements(shape []int) int {
	return calculateNumElements(shape)
}

const maxFinite = 1.7976931348623157e308

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
