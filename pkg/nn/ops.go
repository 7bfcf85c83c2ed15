package nn

import (
	"fmt"
	"math"

	"ganregistration/pkg/tensor"
)

// Epsilon clamps probabilities away from 0 and 1 inside log-losses.
const Epsilon = 1e-7

// ReLU applies max(0, x) element-wise.
func ReLU(g *Graph, x *Node) *Node {
	out := tensor.New(x.Value.Shape...)
	for i, v := range x.Value.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return g.Op(out, func(grad *tensor.Tensor) {
		gx := x.GradBuffer().Data
		for i, v := range x.Value.Data {
			if v > 0 {
				gx[i] += grad.Data[i]
			}
		}
	}, x)
}

// Sigmoid applies 1/(1+exp(-x)) element-wise.
func Sigmoid(g *Graph, x *Node) *Node {
	out := tensor.New(x.Value.Shape...)
	for i, v := range x.Value.Data {
		out.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	return g.Op(out, func(grad *tensor.Tensor) {
		gx := x.GradBuffer().Data
		for i, s := range out.Data {
			gx[i] += grad.Data[i] * s * (1 - s)
		}
	}, x)
}

// Concat joins a and b along the channel axis.
func Concat(g *Graph, a, b *Node) (*Node, error) {
	na, ca, xa, ya, za := a.Value.Dims5()
	nb, cb, xb, yb, zb := b.Value.Dims5()
	if na != nb || xa != xb || ya != yb || za != zb {
		return nil, fmt.Errorf("%w: cannot concatenate %v and %v", tensor.ErrShapeMismatch, a.Value.Shape, b.Value.Shape)
	}
	vol := xa * ya * za
	c := ca + cb
	out := tensor.New(na, c, xa, ya, za)
	for n := 0; n < na; n++ {
		copy(out.Data[n*c*vol:], a.Value.Data[n*ca*vol:(n+1)*ca*vol])
		copy(out.Data[(n*c+ca)*vol:], b.Value.Data[n*cb*vol:(n+1)*cb*vol])
	}

	return g.Op(out, func(grad *tensor.Tensor) {
		for n := 0; n < na; n++ {
			if a.RequiresGrad() {
				addInto(a.GradBuffer().Data[n*ca*vol:(n+1)*ca*vol], grad.Data[n*c*vol:])
			}
			if b.RequiresGrad() {
				addInto(b.GradBuffer().Data[n*cb*vol:(n+1)*cb*vol], grad.Data[(n*c+ca)*vol:])
			}
		}
	}, a, b), nil
}

// MaxPool3D takes the maximum over non-overlapping f×f×f windows. Trailing
// voxels that do not fill a window are dropped.
func MaxPool3D(g *Graph, x *Node, f int) (*Node, error) {
	n, c, sx, sy, sz := x.Value.Dims5()
	ox, oy, oz := sx/f, sy/f, sz/f
	if ox < 1 || oy < 1 || oz < 1 {
		return nil, fmt.Errorf("%w: pool size %d larger than input %v", tensor.ErrShapeMismatch, f, x.Value.Shape)
	}
	out := tensor.New(n, c, ox, oy, oz)
	argmax := make([]int, out.Len())
	xd := x.Value.Data

	parallelFor(n*c, func(plane int) {
		inBase, outBase := plane*sx*sy*sz, plane*ox*oy*oz
		for px := 0; px < ox; px++ {
			for py := 0; py < oy; py++ {
				for pz := 0; pz < oz; pz++ {
					best := -1
					for i := 0; i < f; i++ {
						for j := 0; j < f; j++ {
							for k := 0; k < f; k++ {
								idx := inBase + ((px*f+i)*sy+py*f+j)*sz + pz*f + k
								if best < 0 || xd[idx] > xd[best] {
									best = idx
								}
							}
						}
					}
					o := outBase + (px*oy+py)*oz + pz
					out.Data[o] = xd[best]
					argmax[o] = best
				}
			}
		}
	})

	return g.Op(out, func(grad *tensor.Tensor) {
		gx := x.GradBuffer().Data
		for o, idx := range argmax {
			gx[idx] += grad.Data[o]
		}
	}, x), nil
}

// Upsample3D repeats every voxel f times along each spatial axis.
func Upsample3D(g *Graph, x *Node, f int) *Node {
	n, c, sx, sy, sz := x.Value.Dims5()
	ox, oy, oz := sx*f, sy*f, sz*f
	out := tensor.New(n, c, ox, oy, oz)
	xd := x.Value.Data

	for plane := 0; plane < n*c; plane++ {
		inBase, outBase := plane*sx*sy*sz, plane*ox*oy*oz
		for i := 0; i < ox; i++ {
			for j := 0; j < oy; j++ {
				row := outBase + (i*oy+j)*oz
				src := inBase + ((i/f)*sy+j/f)*sz
				for k := 0; k < oz; k++ {
					out.Data[row+k] = xd[src+k/f]
				}
			}
		}
	}

	return g.Op(out, func(grad *tensor.Tensor) {
		gx := x.GradBuffer().Data
		for plane := 0; plane < n*c; plane++ {
			inBase, outBase := plane*sx*sy*sz, plane*ox*oy*oz
			for i := 0; i < ox; i++ {
				for j := 0; j < oy; j++ {
					row := outBase + (i*oy+j)*oz
					src := inBase + ((i/f)*sy+j/f)*sz
					for k := 0; k < oz; k++ {
						gx[src+k/f] += grad.Data[row+k]
					}
				}
			}
		}
	}, x)
}

// BinaryCrossEntropy returns the mean of -(t*log(p) + (1-t)*log(1-p)) over
// every element of pred, with p clamped to [Epsilon, 1-Epsilon].
func BinaryCrossEntropy(g *Graph, pred *Node, target *tensor.Tensor) (*Node, error) {
	if !pred.Value.SameShape(target) {
		return nil, fmt.Errorf("%w: prediction %v target %v", tensor.ErrShapeMismatch, pred.Value.Shape, target.Shape)
	}
	m := float64(pred.Value.Len())
	var loss float64
	for i, v := range pred.Value.Data {
		p := clampProb(float64(v))
		t := float64(target.Data[i])
		loss -= t*math.Log(p) + (1-t)*math.Log(1-p)
	}
	out := tensor.New(1)
	out.Data[0] = float32(loss / m)

	return g.Op(out, func(grad *tensor.Tensor) {
		gp := pred.GradBuffer().Data
		scale := float64(grad.Data[0]) / m
		for i, v := range pred.Value.Data {
			p := clampProb(float64(v))
			t := float64(target.Data[i])
			gp[i] += float32(scale * (p - t) / (p * (1 - p)))
		}
	}, pred), nil
}

// WeightedSum returns Σ weights[i]*terms[i] for scalar terms.
func WeightedSum(g *Graph, terms []*Node, weights []float64) (*Node, error) {
	if len(terms) != len(weights) {
		return nil, fmt.Errorf("%d terms with %d weights", len(terms), len(weights))
	}
	out := tensor.New(1)
	var s float64
	for i, t := range terms {
		if t.Value.Len() != 1 {
			return nil, fmt.Errorf("%w: term %d", ErrNotScalar, i)
		}
		s += weights[i] * float64(t.Value.Data[0])
	}
	out.Data[0] = float32(s)

	return g.Op(out, func(grad *tensor.Tensor) {
		for i, t := range terms {
			if t.RequiresGrad() {
				t.GradBuffer().Data[0] += float32(weights[i]) * grad.Data[0]
			}
		}
	}, terms...), nil
}

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, Epsilon), 1-Epsilon)
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
