package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"ganregistration/internal/models"
)

// createTestVolume fills each Z slice with the value z/depth.
func createTestVolume(shape models.Shape) *models.Volume {
	vol := models.NewVolume(shape)
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				vol.Set(x, y, z, float32(z)/float32(shape[2]))
			}
		}
	}
	return vol
}

// TestNewViewer verifies the default intensity window
func TestNewViewer(t *testing.T) {
	vol := createTestVolume(models.Shape{10, 8, 5})
	vol.Set(0, 0, 0, -2)

	viewer := NewViewer(vol)
	lo, hi := viewer.Window()
	if lo != -2 || hi != 0.8 {
		t.Errorf("Expected window [-2, 0.8], got [%g, %g]", lo, hi)
	}

	viewer.SetWindow(0, 1)
	if lo, hi = viewer.Window(); lo != 0 || hi != 1 {
		t.Errorf("SetWindow not applied: [%g, %g]", lo, hi)
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer := NewViewer(createTestVolume(models.Shape{width, height, depth}))
	viewer.SetWindow(0, 1)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		expectedValue := uint16(math.Max(0, math.Min(65535, float64(float32(z)/float32(depth))*65535)))
		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		centerValue := gray16Img.Gray16At(width/2, height/2).Y
		if math.Abs(float64(centerValue)-float64(expectedValue)) > 1.0 {
			t.Errorf("Expected Z slice value ~%d at center, got %d", expectedValue, centerValue)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err = viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err = viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err = viewer.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestConstantVolumeIsBlack verifies a degenerate window renders black
func TestConstantVolumeIsBlack(t *testing.T) {
	vol := models.NewVolume(models.Shape{3, 3, 3})
	img, err := NewViewer(vol).ExtractSlice("z", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v := img.(*image.Gray16).Gray16At(1, 1).Y; v != 0 {
		t.Errorf("Expected black pixel, got %d", v)
	}
}

// TestSaveCenterSlices verifies the three orthogonal slices are written
func TestSaveCenterSlices(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	outputDir := filepath.Join(t.TempDir(), "eval")
	viewer := NewViewer(createTestVolume(models.Shape{6, 5, 4}))
	paths, err := viewer.SaveCenterSlices(outputDir, "epoch001_warped")
	if err != nil {
		t.Fatalf("Failed to save center slices: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(paths))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Saved file missing: %v", err)
		}
	}
	if filepath.Base(paths[2]) != "epoch001_warped_z.jpg" {
		t.Errorf("Unexpected file name %s", paths[2])
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	width, height, depth := 5, 5, 3
	viewer := NewViewer(createTestVolume(models.Shape{width, height, depth}))

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
