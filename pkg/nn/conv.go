package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"ganregistration/pkg/tensor"
)

// Padding is the number of voxels added (or removed) before and after each
// spatial axis.
type Padding [3][2]int

// SamePadding returns the padding that keeps the spatial extent unchanged
// for a stride-1 convolution with the given kernel. For even kernels the
// extra voxel goes after the data.
func SamePadding(kernel [3]int) Padding {
	var p Padding
	for axis, k := range kernel {
		total := k - 1
		p[axis][0] = total / 2
		p[axis][1] = total - total/2
	}
	return p
}

// Conv3D computes a stride-1 valid cross-correlation of x (N, Ci, X, Y, Z)
// with w (Co, Ci, Kx, Ky, Kz). b may be nil; otherwise it has shape (Co).
func Conv3D(g *Graph, x, w, b *Node) (*Node, error) {
	n, ci, sx, sy, sz := x.Value.Dims5()
	co, wci, kx, ky, kz := w.Value.Dims5()
	if wci != ci {
		return nil, fmt.Errorf("%w: conv input has %d channels, kernel expects %d", tensor.ErrShapeMismatch, ci, wci)
	}
	ox, oy, oz := sx-kx+1, sy-ky+1, sz-kz+1
	if ox < 1 || oy < 1 || oz < 1 {
		return nil, fmt.Errorf("%w: kernel %dx%dx%d larger than input %dx%dx%d",
			tensor.ErrShapeMismatch, kx, ky, kz, sx, sy, sz)
	}
	if b != nil && b.Value.Len() != co {
		return nil, fmt.Errorf("%w: bias has %d values for %d filters", tensor.ErrShapeMismatch, b.Value.Len(), co)
	}

	out := tensor.New(n, co, ox, oy, oz)
	xd, wd, od := x.Value.Data, w.Value.Data, out.Data
	impl := blas32.Implementation()
	inVol, outVol, kVol := sx*sy*sz, ox*oy*oz, kx*ky*kz

	// inRow and outRow give the start of the Z row for a given voxel pair
	inRow := func(nn, c, x0, y0, z0 int) int { return (nn*ci+c)*inVol + (x0*sy+y0)*sz + z0 }
	outRow := func(nn, c, x0, y0 int) int { return (nn*co+c)*outVol + (x0*oy+y0)*oz }

	parallelFor(n*co, func(job int) {
		nn, c := job/co, job%co
		if b != nil {
			block := od[(nn*co+c)*outVol : (nn*co+c+1)*outVol]
			bias := b.Value.Data[c]
			for i := range block {
				block[i] = bias
			}
		}
		for cin := 0; cin < ci; cin++ {
			wBase := (c*ci + cin) * kVol
			for i := 0; i < kx; i++ {
				for j := 0; j < ky; j++ {
					for k := 0; k < kz; k++ {
						wv := wd[wBase+(i*ky+j)*kz+k]
						if wv == 0 {
							continue
						}
						for px := 0; px < ox; px++ {
							for py := 0; py < oy; py++ {
								src := inRow(nn, cin, px+i, py+j, k)
								dst := outRow(nn, c, px, py)
								impl.Saxpy(oz, wv, xd[src:src+oz], 1, od[dst:dst+oz], 1)
							}
						}
					}
				}
			}
		}
	})

	backward := func(grad *tensor.Tensor) {
		gd := grad.Data
		if x.RequiresGrad() {
			gx := x.GradBuffer().Data
			parallelFor(n*ci, func(job int) {
				nn, cin := job/ci, job%ci
				for c := 0; c < co; c++ {
					wBase := (c*ci + cin) * kVol
					for i := 0; i < kx; i++ {
						for j := 0; j < ky; j++ {
							for k := 0; k < kz; k++ {
								wv := wd[wBase+(i*ky+j)*kz+k]
								if wv == 0 {
									continue
								}
								for px := 0; px < ox; px++ {
									for py := 0; py < oy; py++ {
										src := outRow(nn, c, px, py)
										dst := inRow(nn, cin, px+i, py+j, k)
										impl.Saxpy(oz, wv, gd[src:src+oz], 1, gx[dst:dst+oz], 1)
									}
								}
							}
						}
					}
				}
			})
		}
		if w.RequiresGrad() {
			gw := w.GradBuffer().Data
			parallelFor(co, func(c int) {
				for cin := 0; cin < ci; cin++ {
					wBase := (c*ci + cin) * kVol
					for i := 0; i < kx; i++ {
						for j := 0; j < ky; j++ {
							for k := 0; k < kz; k++ {
								var s float32
								for nn := 0; nn < n; nn++ {
									for px := 0; px < ox; px++ {
										for py := 0; py < oy; py++ {
											src := inRow(nn, cin, px+i, py+j, k)
											dst := outRow(nn, c, px, py)
											s += impl.Sdot(oz, xd[src:src+oz], 1, gd[dst:dst+oz], 1)
										}
									}
								}
								gw[wBase+(i*ky+j)*kz+k] += s
							}
						}
					}
				}
			})
		}
		if b != nil && b.RequiresGrad() {
			gb := b.GradBuffer().Data
			for nn := 0; nn < n; nn++ {
				for c := 0; c < co; c++ {
					var s float32
					for _, v := range gd[(nn*co+c)*outVol : (nn*co+c+1)*outVol] {
						s += v
					}
					gb[c] += s
				}
			}
		}
	}

	return g.Op(out, backward, x, w, b), nil
}

// Pad3D surrounds the spatial axes of x with zeros.
func Pad3D(g *Graph, x *Node, pad Padding) *Node {
	n, c, sx, sy, sz := x.Value.Dims5()
	px := sx + pad[0][0] + pad[0][1]
	py := sy + pad[1][0] + pad[1][1]
	pz := sz + pad[2][0] + pad[2][1]
	out := tensor.New(n, c, px, py, pz)
	off := [3]int{pad[0][0], pad[1][0], pad[2][0]}
	copyBlock(out, x.Value, off, [3]int{}, [3]int{sx, sy, sz}, false)

	return g.Op(out, func(grad *tensor.Tensor) {
		copyBlock(x.GradBuffer(), grad, [3]int{}, off, [3]int{sx, sy, sz}, true)
	}, x)
}

// Crop3D removes crop[axis][0] voxels from the start and crop[axis][1] from
// the end of each spatial axis of x.
func Crop3D(g *Graph, x *Node, crop Padding) (*Node, error) {
	n, c, sx, sy, sz := x.Value.Dims5()
	size := [3]int{
		sx - crop[0][0] - crop[0][1],
		sy - crop[1][0] - crop[1][1],
		sz - crop[2][0] - crop[2][1],
	}
	for axis, s := range size {
		if s < 1 || crop[axis][0] < 0 || crop[axis][1] < 0 {
			return nil, fmt.Errorf("%w: crop %v does not fit %v", tensor.ErrShapeMismatch, crop, x.Value.Shape)
		}
	}
	out := tensor.New(n, c, size[0], size[1], size[2])
	off := [3]int{crop[0][0], crop[1][0], crop[2][0]}
	copyBlock(out, x.Value, [3]int{}, off, size, false)

	return g.Op(out, func(grad *tensor.Tensor) {
		copyBlock(x.GradBuffer(), grad, off, [3]int{}, size, true)
	}, x), nil
}

// copyBlock copies (or adds, when accumulate is set) a spatial block of
// every (n, c) plane of src into dst. Both tensors share N and C.
func copyBlock(dst, src *tensor.Tensor, dstOff, srcOff, size [3]int, accumulate bool) {
	n, c, dx, dy, dz := dst.Dims5()
	_, _, sx, sy, sz := src.Dims5()
	impl := blas32.Implementation()
	for plane := 0; plane < n*c; plane++ {
		for x := 0; x < size[0]; x++ {
			for y := 0; y < size[1]; y++ {
				d := plane*dx*dy*dz + ((dstOff[0]+x)*dy+dstOff[1]+y)*dz + dstOff[2]
				s := plane*sx*sy*sz + ((srcOff[0]+x)*sy+srcOff[1]+y)*sz + srcOff[2]
				if accumulate {
					impl.Saxpy(size[2], 1, src.Data[s:s+size[2]], 1, dst.Data[d:d+size[2]], 1)
				} else {
					copy(dst.Data[d:d+size[2]], src.Data[s:s+size[2]])
				}
			}
		}
	}
}
