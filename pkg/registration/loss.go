package registration

import (
	"fmt"
	"math"

	"ganregistration/pkg/nn"
	"ganregistration/pkg/tensor"
)

// AdversarialLoss is the generator's adversarial term: the mean over every
// score of -log(score) where the label is 0, and 0 where it is 1.
func AdversarialLoss(g *nn.Graph, scores *nn.Node, labels *tensor.Tensor) (*nn.Node, error) {
	if !scores.Value.SameShape(labels) {
		return nil, fmt.Errorf("%w: scores %v labels %v", tensor.ErrShapeMismatch, scores.Value.Shape, labels.Shape)
	}
	m := float64(scores.Value.Len())
	var loss float64
	for i, s := range scores.Value.Data {
		p := clamp(float64(s))
		loss -= (1 - float64(labels.Data[i])) * math.Log(p)
	}
	out := tensor.New(1)
	out.Data[0] = float32(loss / m)

	return g.Op(out, func(grad *tensor.Tensor) {
		gs := scores.GradBuffer().Data
		scale := float64(grad.Data[0]) / m
		for i, s := range scores.Value.Data {
			p := clamp(float64(s))
			gs[i] -= float32(scale * (1 - float64(labels.Data[i])) / p)
		}
	}, scores), nil
}

func clamp(p float64) float64 {
	return math.Min(math.Max(p, nn.Epsilon), 1-nn.Epsilon)
}

// spatialDiff returns the finite difference of plane (x, y, z) along axis at
// voxel i: central in the interior, one-sided on the borders. It also
// reports the two voxels involved and the weight applied to each.
func spatialDiff(plane []float32, shape [3]int, axis, i int) (d float64, lo, hi int, w float64) {
	stride := 1
	for a := axis + 1; a < 3; a++ {
		stride *= shape[a]
	}
	n := shape[axis]
	pos := (i / stride) % n
	switch {
	case pos == 0:
		lo, hi, w = i, i+stride, 1
	case pos == n-1:
		lo, hi, w = i-stride, i, 1
	default:
		lo, hi, w = i-stride, i+stride, 0.5
	}
	return w * (float64(plane[hi]) - float64(plane[lo])), lo, hi, w
}

// GradientPenalty measures how far the spatial gradient magnitude of a
// deformation field (N, C, x, y, z) is from 1. For each sample
//
//	g = sqrt(mean over voxels of Σ_channels Σ_axes (∂field)²)
//
// and the penalty is the batch mean of (1-g)². Derivatives are taken with
// finite differences over the field's own spatial axes. A sample with g = 0
// contributes a zero gradient.
func GradientPenalty(g *nn.Graph, field *nn.Node) (*nn.Node, error) {
	n, c, sx, sy, sz := field.Value.Dims5()
	shape := [3]int{sx, sy, sz}
	for _, s := range shape {
		if s < 2 {
			return nil, fmt.Errorf("%w: gradient penalty needs extent >= 2, got %v", tensor.ErrShapeMismatch, field.Value.Shape)
		}
	}
	vol := sx * sy * sz
	norms := make([]float64, n)
	var penalty float64
	for b := 0; b < n; b++ {
		var ss float64
		for ch := 0; ch < c; ch++ {
			plane := field.Value.Data[(b*c+ch)*vol : (b*c+ch+1)*vol]
			for axis := 0; axis < 3; axis++ {
				for i := 0; i < vol; i++ {
					d, _, _, _ := spatialDiff(plane, shape, axis, i)
					ss += d * d
				}
			}
		}
		norms[b] = math.Sqrt(ss / float64(vol))
		penalty += (1 - norms[b]) * (1 - norms[b])
	}
	out := tensor.New(1)
	out.Data[0] = float32(penalty / float64(n))

	return g.Op(out, func(grad *tensor.Tensor) {
		gf := field.GradBuffer().Data
		for b := 0; b < n; b++ {
			if norms[b] == 0 {
				continue
			}
			// d penalty / d (mean square)
			dm := float64(grad.Data[0]) * -2 * (1 - norms[b]) / float64(n) / (2 * norms[b])
			for ch := 0; ch < c; ch++ {
				base := (b*c + ch) * vol
				plane := field.Value.Data[base : base+vol]
				for axis := 0; axis < 3; axis++ {
					for i := 0; i < vol; i++ {
						d, lo, hi, w := spatialDiff(plane, shape, axis, i)
						gd := dm * 2 * d / float64(vol) * w
						gf[base+hi] += float32(gd)
						gf[base+lo] -= float32(gd)
					}
				}
			}
		}
	}, field), nil
}

// Accuracy returns the fraction of scores on the same side of 0.5 as their
// labels.
func Accuracy(scores, labels *tensor.Tensor) float64 {
	if scores.Len() == 0 {
		return 0
	}
	hits := 0
	for i, s := range scores.Data {
		if (s > 0.5) == (labels.Data[i] > 0.5) {
			hits++
		}
	}
	return float64(hits) / float64(scores.Len())
}
