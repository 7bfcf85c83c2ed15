package registration

import (
	"fmt"
	"math"

	"ganregistration/pkg/nn"
	"ganregistration/pkg/tensor"
)

// corners holds the eight trilinear taps of one sample position.
type corners struct {
	idx [8]int
	w   [8]float64

	// dw[a][k] is the derivative of w[k] with respect to the position on axis a
	dw [3][8]float64
}

// trilinear computes the taps for pos inside a volume of the given shape.
// Positions outside the volume are clamped to its edge and have zero
// derivative along the clamped axis.
func trilinear(pos [3]float64, shape [3]int) corners {
	var lo [3]int
	var frac [3]float64
	var live [3]float64
	for a := 0; a < 3; a++ {
		limit := float64(shape[a] - 1)
		p := pos[a]
		live[a] = 1
		if p < 0 || p > limit {
			p = math.Max(0, math.Min(p, limit))
			live[a] = 0
		}
		l := int(math.Floor(p))
		if l >= shape[a]-1 {
			l = max(shape[a]-2, 0)
		}
		lo[a] = l
		frac[a] = p - float64(l)
		if shape[a] == 1 {
			frac[a] = 0
			live[a] = 0
		}
	}

	var c corners
	for k := 0; k < 8; k++ {
		var pt [3]int
		var f [3]float64
		var s [3]float64
		for a := 0; a < 3; a++ {
			bit := (k >> (2 - a)) & 1
			pt[a] = lo[a] + bit
			if bit == 1 {
				f[a], s[a] = frac[a], 1
			} else {
				f[a], s[a] = 1-frac[a], -1
			}
			if pt[a] >= shape[a] {
				pt[a] = shape[a] - 1
			}
		}
		c.idx[k] = (pt[0]*shape[1]+pt[1])*shape[2] + pt[2]
		c.w[k] = f[0] * f[1] * f[2]
		c.dw[0][k] = live[0] * s[0] * f[1] * f[2]
		c.dw[1][k] = live[1] * s[1] * f[0] * f[2]
		c.dw[2][k] = live[2] * s[2] * f[0] * f[1]
	}
	return c
}

// Warp resamples image (N, 1, X, Y, Z) through field (N, C, x, y, z). The
// field covers the centered x×y×z region of the image: output voxel p takes
// the image value at p + (X-x)/2 + field(p). A one-channel field moves all
// three axes by the same amount, a three-channel field moves each axis by
// its own channel. Gradients flow into both image and field.
func Warp(g *nn.Graph, image, field *nn.Node) (*nn.Node, error) {
	n, ic, sx, sy, sz := image.Value.Dims5()
	fn, fc, ox, oy, oz := field.Value.Dims5()
	if ic != 1 {
		return nil, fmt.Errorf("%w: warp expects a single channel image, got %d", tensor.ErrShapeMismatch, ic)
	}
	if fn != n || (fc != 1 && fc != 3) {
		return nil, fmt.Errorf("%w: field %v for image %v", tensor.ErrShapeMismatch, field.Value.Shape, image.Value.Shape)
	}
	if ox > sx || oy > sy || oz > sz {
		return nil, fmt.Errorf("%w: field %v larger than image %v", tensor.ErrShapeMismatch, field.Value.Shape, image.Value.Shape)
	}
	shape := [3]int{sx, sy, sz}
	off := [3]float64{float64((sx - ox) / 2), float64((sy - oy) / 2), float64((sz - oz) / 2)}
	inVol, outVol := sx*sy*sz, ox*oy*oz

	taps := make([]corners, n*outVol)
	out := tensor.New(n, 1, ox, oy, oz)
	for b := 0; b < n; b++ {
		img := image.Value.Data[b*inVol : (b+1)*inVol]
		phi := field.Value.Data[b*fc*outVol : (b+1)*fc*outVol]
		for x := 0; x < ox; x++ {
			for y := 0; y < oy; y++ {
				for z := 0; z < oz; z++ {
					p := (x*oy+y)*oz + z
					var pos [3]float64
					for a, base := range [3]int{x, y, z} {
						ch := 0
						if fc == 3 {
							ch = a
						}
						pos[a] = float64(base) + off[a] + float64(phi[ch*outVol+p])
					}
					c := trilinear(pos, shape)
					var v float64
					for k := 0; k < 8; k++ {
						v += c.w[k] * float64(img[c.idx[k]])
					}
					out.Data[b*outVol+p] = float32(v)
					taps[b*outVol+p] = c
				}
			}
		}
	}

	return g.Op(out, func(grad *tensor.Tensor) {
		for b := 0; b < n; b++ {
			img := image.Value.Data[b*inVol : (b+1)*inVol]
			for p := 0; p < outVol; p++ {
				gr := float64(grad.Data[b*outVol+p])
				if gr == 0 {
					continue
				}
				c := &taps[b*outVol+p]
				if image.RequiresGrad() {
					gi := image.GradBuffer().Data[b*inVol : (b+1)*inVol]
					for k := 0; k < 8; k++ {
						gi[c.idx[k]] += float32(gr * c.w[k])
					}
				}
				if field.RequiresGrad() {
					gf := field.GradBuffer().Data[b*fc*outVol : (b+1)*fc*outVol]
					for a := 0; a < 3; a++ {
						var d float64
						for k := 0; k < 8; k++ {
							d += c.dw[a][k] * float64(img[c.idx[k]])
						}
						ch := 0
						if fc == 3 {
							ch = a
						}
						gf[ch*outVol+p] += float32(gr * d)
					}
				}
			}
		}
	}, image, field), nil
}

// CenterCrop returns the centered block of x with the given spatial extent.
func CenterCrop(g *nn.Graph, x *nn.Node, size [3]int) (*nn.Node, error) {
	_, _, sx, sy, sz := x.Value.Dims5()
	var crop nn.Padding
	for a, s := range [3]int{sx, sy, sz} {
		diff := s - size[a]
		if diff < 0 {
			return nil, fmt.Errorf("%w: cannot crop %v to %v", tensor.ErrShapeMismatch, x.Value.Shape, size)
		}
		crop[a] = [2]int{diff / 2, diff - diff/2}
	}
	return nn.Crop3D(g, x, crop)
}
