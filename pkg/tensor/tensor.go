// Package tensor provides the dense float32 arrays used by the registration
// network. Storage is row-major: the last axis varies fastest.
package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// ErrShapeMismatch is returned when two tensors must share a shape but do not.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is an N-dimensional float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, n)}
}

// FromData wraps data in a tensor of the given shape without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// Full returns a tensor with every element set to value.
func Full(value float32, shape ...int) *Tensor {
	t := New(shape...)
	t.Fill(value)
	return t
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Dims returns the number of axes.
func (t *Tensor) Dims() int {
	return len(t.Shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// ZerosLike allocates a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Zero resets every element to 0.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Dims5 unpacks the shape of a 5D (N, C, X, Y, Z) tensor.
func (t *Tensor) Dims5() (n, c, x, y, z int) {
	if len(t.Shape) != 5 {
		panic(fmt.Sprintf("tensor: expected 5D tensor, got shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], t.Shape[4]
}

// AddScaled performs t += alpha*o element-wise.
func (t *Tensor) AddScaled(alpha float32, o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.Shape, o.Shape)
	}
	blas32.Implementation().Saxpy(len(t.Data), alpha, o.Data, 1, t.Data, 1)
	return nil
}

// Scale multiplies every element by alpha.
func (t *Tensor) Scale(alpha float32) {
	blas32.Implementation().Sscal(len(t.Data), alpha, t.Data, 1)
}

// Mul multiplies t element-wise by o in place.
func (t *Tensor) Mul(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.Shape, o.Shape)
	}
	for i, v := range o.Data {
		t.Data[i] *= v
	}
	return nil
}

// Sum returns the sum of all elements accumulated in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return t.Sum() / float64(len(t.Data))
}

// IsFinite reports whether no element is NaN or infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Sample returns the block of a 5D tensor belonging to batch element n.
func (t *Tensor) Sample(n int) []float32 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[n*stride : (n+1)*stride]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
