package peft

import (
	"math"
	"math/rand/v2"
	"slices"
)

// Host is the device name of main memory.
const Host = "cpu"

// Tensor is a dense float32 array placed on a device.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device string
}

// NewTensor returns a zero tensor of the given shape.
func NewTensor(device string, shape ...int) Tensor {
	t := Tensor{Shape: slices.Clone(shape), Device: device}
	t.Data = make([]float32, t.Numel())

	return t
}

// Numel returns the number of elements.
func (t Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}

	return n
}

// ToHost returns a copy placed in host memory.
func (t Tensor) ToHost() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data), Device: Host}
}

func (t Tensor) fill(v float32) Tensor {
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func (t Tensor) uniform(r *rand.Rand, bound float64) Tensor {
	for i := range t.Data {
		t.Data[i] = float32((r.Float64()*2 - 1) * bound)
	}
	return t
}

func (t Tensor) normal(r *rand.Rand) Tensor {
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64())
	}
	return t
}

// kaimingUniform matches the default initialization of a linear layer weight of fan-in fanIn.
func (t Tensor) kaimingUniform(r *rand.Rand, fanIn int) Tensor {
	return t.uniform(r, 1/math.Sqrt(float64(fanIn)))
}

// Parameter is a tensor that can be marked trainable.
type Parameter struct {
	Tensor
	RequiresGrad bool
}

// NamedParameter pairs a parameter with its dotted module path.
type NamedParameter struct {
	Name string
	*Parameter
}

// ModuleName strips the trailing parameter name (weight, bias, ...) from the path.
func (p NamedParameter) ModuleName() string {
	return moduleOf(p.Name)
}

// Leaf returns the last path component.
func (p NamedParameter) Leaf() string {
	return leafOf(p.Name)
}
