package models

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned when a requested block does not fit inside a volume.
var ErrOutOfBounds = errors.New("block exceeds volume bounds")

// Shape is the voxel extent of a volume along X, Y and Z.
type Shape [3]int

// Len returns the number of voxels covered by the shape.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Fits reports whether a block of this shape fits inside outer.
func (s Shape) Fits(outer Shape) bool {
	return s[0] <= outer[0] && s[1] <= outer[1] && s[2] <= outer[2]
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// Offset is the voxel position of a block's first corner inside a volume.
type Offset [3]int

// Volume represents a 3D scan held in memory.
//
// Data is stored with the Z axis varying fastest, so voxel (x, y, z) lives at
// Data[(x*Y+y)*Z+z]. The same layout is used for masks, whose voxels are
// 1 inside the region of interest and 0 elsewhere.
type Volume struct {
	// Data holds the voxel intensities
	Data []float32

	// Shape is the extent of the volume in voxels
	Shape Shape

	// Spacing is the physical size of a voxel along each axis, if known
	Spacing [3]float64
}

// NewVolume allocates a zero-filled volume of the given shape.
func NewVolume(shape Shape) *Volume {
	return &Volume{
		Data:    make([]float32, shape.Len()),
		Shape:   shape,
		Spacing: [3]float64{1, 1, 1},
	}
}

// Index returns the position of voxel (x, y, z) in Data.
func (v *Volume) Index(x, y, z int) int {
	return (x*v.Shape[1]+y)*v.Shape[2] + z
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, value float32) {
	v.Data[v.Index(x, y, z)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := &Volume{
		Data:    make([]float32, len(v.Data)),
		Shape:   v.Shape,
		Spacing: v.Spacing,
	}
	copy(c.Data, v.Data)
	return c
}

// Crop copies the block of the given size starting at offset into dst.
// dst must have exactly size.Len() elements.
func (v *Volume) Crop(dst []float32, offset Offset, size Shape) error {
	if len(dst) != size.Len() {
		return fmt.Errorf("crop destination holds %d voxels, need %d", len(dst), size.Len())
	}
	for axis := 0; axis < 3; axis++ {
		if offset[axis] < 0 || offset[axis]+size[axis] > v.Shape[axis] {
			return fmt.Errorf("%w: offset %v size %s volume %s", ErrOutOfBounds, offset, size, v.Shape)
		}
	}

	// Rows along Z are contiguous in both source and destination
	for x := 0; x < size[0]; x++ {
		for y := 0; y < size[1]; y++ {
			src := v.Index(offset[0]+x, offset[1]+y, offset[2])
			d := (x*size[1] + y) * size[2]
			copy(dst[d:d+size[2]], v.Data[src:src+size[2]])
		}
	}
	return nil
}

// CountEqual returns the number of voxels in data equal to value.
func CountEqual(data []float32, value float32) int {
	n := 0
	for _, d := range data {
		if d == value {
			n++
		}
	}
	return n
}
