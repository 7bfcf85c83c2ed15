package nn

import (
	"math/rand/v2"

	"ganregistration/pkg/tensor"
)

// Conv3DLayer is a stride-1 3D convolution with optional zero padding.
type Conv3DLayer struct {
	Weight *Param
	Bias   *Param // nil when the layer has no bias
	Pad    Padding
}

// NewConv3D creates a convolution from in to out channels with Glorot-uniform
// weights and a zero bias.
func NewConv3D(name string, in, out int, kernel [3]int, pad Padding, bias bool, rng *rand.Rand) *Conv3DLayer {
	w := tensor.New(out, in, kernel[0], kernel[1], kernel[2])
	kVol := kernel[0] * kernel[1] * kernel[2]
	GlorotUniform(w, in*kVol, out*kVol, rng)

	l := &Conv3DLayer{
		Weight: NewParam(name+".weight", w),
		Pad:    pad,
	}
	if bias {
		l.Bias = NewParam(name+".bias", tensor.New(out))
	}
	return l
}

// Forward applies the convolution.
func (l *Conv3DLayer) Forward(g *Graph, x *Node) (*Node, error) {
	if l.Pad != (Padding{}) {
		x = Pad3D(g, x, l.Pad)
	}
	var b *Node
	if l.Bias != nil {
		b = g.Param(l.Bias)
	}
	return Conv3D(g, x, g.Param(l.Weight), b)
}

// Params implements Module.
func (l *Conv3DLayer) Params() []*Param {
	if l.Bias == nil {
		return []*Param{l.Weight}
	}
	return []*Param{l.Weight, l.Bias}
}

// BatchNormLayer normalizes each channel with learned scale and shift.
type BatchNormLayer struct {
	Gamma, Beta             *Param
	RunningMean, RunningVar *Param
	Momentum                float64
	Eps                     float64
}

// NewBatchNorm creates a batch-norm layer over the given number of channels.
func NewBatchNorm(name string, channels int) *BatchNormLayer {
	return &BatchNormLayer{
		Gamma:       NewParam(name+".gamma", tensor.Full(1, channels)),
		Beta:        NewParam(name+".beta", tensor.New(channels)),
		RunningMean: newBuffer(name+".running_mean", tensor.New(channels)),
		RunningVar:  newBuffer(name+".running_var", tensor.Full(1, channels)),
		Momentum:    0.99,
		Eps:         1e-3,
	}
}

// Forward applies batch normalization. Running statistics are only updated
// while the layer is trainable.
func (l *BatchNormLayer) Forward(g *Graph, x *Node) (*Node, error) {
	return BatchNorm3D(g, x, g.Param(l.Gamma), g.Param(l.Beta), BatchNormStats{
		Mean:     l.RunningMean.Value,
		Var:      l.RunningVar.Value,
		Update:   g.Training() && l.Gamma.Trainable,
		Momentum: l.Momentum,
		Eps:      l.Eps,
	})
}

// Params implements Module.
func (l *BatchNormLayer) Params() []*Param {
	return []*Param{l.Gamma, l.Beta, l.RunningMean, l.RunningVar}
}
