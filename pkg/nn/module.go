package nn

import (
	"math"
	"math/rand/v2"

	"ganregistration/pkg/tensor"
)

// Param is a named tensor owned by a layer.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor

	// Trainable parameters receive gradients and optimizer updates
	Trainable bool

	// Buffer marks non-learned state such as batch-norm running statistics.
	// Buffers are saved in checkpoints but never trained.
	Buffer bool
}

// NewParam allocates a trainable parameter with a zero gradient.
func NewParam(name string, value *tensor.Tensor) *Param {
	return &Param{
		Name:      name,
		Value:     value,
		Grad:      tensor.ZerosLike(value),
		Trainable: true,
	}
}

func newBuffer(name string, value *tensor.Tensor) *Param {
	return &Param{Name: name, Value: value, Buffer: true}
}

// Module is anything that owns parameters.
type Module interface {
	Params() []*Param
}

// SetTrainable freezes or unfreezes every learned parameter of m.
func SetTrainable(m Module, trainable bool) {
	for _, p := range m.Params() {
		if !p.Buffer {
			p.Trainable = trainable
		}
	}
}

// ZeroGrad clears the gradients of every parameter of m.
func ZeroGrad(m Module) {
	for _, p := range m.Params() {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// CountParams returns the number of learned scalar weights in m.
func CountParams(m Module) int {
	n := 0
	for _, p := range m.Params() {
		if !p.Buffer {
			n += p.Value.Len()
		}
	}
	return n
}

// GlorotUniform fills t with samples from U(-limit, limit) where
// limit = sqrt(6 / (fanIn + fanOut)).
func GlorotUniform(t *tensor.Tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}
