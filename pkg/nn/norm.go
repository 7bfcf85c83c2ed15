package nn

import (
	"fmt"
	"math"

	"ganregistration/pkg/tensor"
)

// BatchNormStats carries the running statistics of a batch-norm layer.
type BatchNormStats struct {
	Mean, Var *tensor.Tensor

	// Update enables the exponential moving average update
	Update   bool
	Momentum float64
	Eps      float64
}

// BatchNorm3D normalizes every channel of x (N, C, X, Y, Z) and applies the
// affine transform gamma*x + beta. In training graphs the batch statistics
// are used; otherwise the running statistics are.
func BatchNorm3D(g *Graph, x, gamma, beta *Node, stats BatchNormStats) (*Node, error) {
	n, c, sx, sy, sz := x.Value.Dims5()
	if gamma.Value.Len() != c || beta.Value.Len() != c {
		return nil, fmt.Errorf("%w: batch norm over %d channels with %d/%d affine values",
			tensor.ErrShapeMismatch, c, gamma.Value.Len(), beta.Value.Len())
	}
	vol := sx * sy * sz
	m := float64(n * vol)

	mean := make([]float64, c)
	invStd := make([]float64, c)
	if g.Training() {
		for ch := 0; ch < c; ch++ {
			var s float64
			for b := 0; b < n; b++ {
				for _, v := range x.Value.Data[(b*c+ch)*vol : (b*c+ch+1)*vol] {
					s += float64(v)
				}
			}
			mu := s / m
			var ss float64
			for b := 0; b < n; b++ {
				for _, v := range x.Value.Data[(b*c+ch)*vol : (b*c+ch+1)*vol] {
					d := float64(v) - mu
					ss += d * d
				}
			}
			variance := ss / m
			mean[ch] = mu
			invStd[ch] = 1 / math.Sqrt(variance+stats.Eps)

			if stats.Update {
				mom := stats.Momentum
				stats.Mean.Data[ch] = float32(mom*float64(stats.Mean.Data[ch]) + (1-mom)*mu)
				stats.Var.Data[ch] = float32(mom*float64(stats.Var.Data[ch]) + (1-mom)*variance)
			}
		}
	} else {
		for ch := 0; ch < c; ch++ {
			mean[ch] = float64(stats.Mean.Data[ch])
			invStd[ch] = 1 / math.Sqrt(float64(stats.Var.Data[ch])+stats.Eps)
		}
	}

	out := tensor.New(x.Value.Shape...)
	xhat := tensor.New(x.Value.Shape...)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			gm, bt := gamma.Value.Data[ch], beta.Value.Data[ch]
			lo, hi := (b*c+ch)*vol, (b*c+ch+1)*vol
			for i := lo; i < hi; i++ {
				h := float32((float64(x.Value.Data[i]) - mean[ch]) * invStd[ch])
				xhat.Data[i] = h
				out.Data[i] = gm*h + bt
			}
		}
	}

	training := g.Training()
	backward := func(grad *tensor.Tensor) {
		for ch := 0; ch < c; ch++ {
			var sumDy, sumDyXhat float64
			for b := 0; b < n; b++ {
				lo, hi := (b*c+ch)*vol, (b*c+ch+1)*vol
				for i := lo; i < hi; i++ {
					sumDy += float64(grad.Data[i])
					sumDyXhat += float64(grad.Data[i]) * float64(xhat.Data[i])
				}
			}
			if gamma.RequiresGrad() {
				gamma.GradBuffer().Data[ch] += float32(sumDyXhat)
			}
			if beta.RequiresGrad() {
				beta.GradBuffer().Data[ch] += float32(sumDy)
			}
			if !x.RequiresGrad() {
				continue
			}
			gx := x.GradBuffer().Data
			gm := float64(gamma.Value.Data[ch])
			for b := 0; b < n; b++ {
				lo, hi := (b*c+ch)*vol, (b*c+ch+1)*vol
				for i := lo; i < hi; i++ {
					dy := float64(grad.Data[i])
					if training {
						gx[i] += float32(gm * invStd[ch] * (dy - sumDy/m - float64(xhat.Data[i])*sumDyXhat/m))
					} else {
						gx[i] += float32(gm * invStd[ch] * dy)
					}
				}
			}
		}
	}

	return g.Op(out, backward, x, gamma, beta), nil
}
