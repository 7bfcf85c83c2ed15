// Package visualization exports orthogonal slices of volumes as JPEG images
// for visual inspection of registration results.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"ganregistration/internal/models"
)

// Viewer renders slices of a volume. Intensities are windowed linearly from
// the volume's minimum to its maximum.
type Viewer struct {
	vol *models.Volume

	// lo and hi bound the intensity window
	lo, hi float32
}

// NewViewer creates a viewer over vol with a min/max intensity window.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	if len(vol.Data) > 0 {
		v.lo, v.hi = vol.Data[0], vol.Data[0]
		for _, d := range vol.Data {
			v.lo = min(v.lo, d)
			v.hi = max(v.hi, d)
		}
	}
	return v
}

// SetWindow overrides the intensity window so several volumes can be shown
// on the same scale.
func (v *Viewer) SetWindow(lo, hi float32) {
	v.lo, v.hi = lo, hi
}

// Window returns the current intensity window.
func (v *Viewer) Window() (lo, hi float32) {
	return v.lo, v.hi
}

func (v *Viewer) gray(value float32) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	s := float64(value-v.lo) / float64(v.hi-v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, s*65535)))}
}

// ExtractSlice extracts a 2D slice perpendicular to axis at position.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	shape := v.vol.Shape

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= shape[0] {
			return nil, fmt.Errorf("position %d exceeds extent %d", position, shape[0])
		}
		img = image.NewGray16(image.Rect(0, 0, shape[2], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= shape[1] {
			return nil, fmt.Errorf("position %d exceeds extent %d", position, shape[1])
		}
		img = image.NewGray16(image.Rect(0, 0, shape[0], shape[2]))
		for z := 0; z < shape[2]; z++ {
			for x := 0; x < shape[0]; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= shape[2] {
			return nil, fmt.Errorf("position %d exceeds extent %d", position, shape[2])
		}
		img = image.NewGray16(image.Rect(0, 0, shape[0], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveCenterSlices writes the three central orthogonal slices to outputDir
// as <prefix>_x.jpg, <prefix>_y.jpg and <prefix>_z.jpg and returns the paths.
func (v *Viewer) SaveCenterSlices(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	for i, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.vol.Shape[i]/2)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Shape[0]
	case "y", "Y":
		maxPos = v.vol.Shape[1]
	case "z", "Z":
		maxPos = v.vol.Shape[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
