package volio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"ganregistration/internal/models"
)

// createTestVolume fills a volume with a value that encodes each voxel's
// coordinates, so axis order mistakes show up immediately.
func createTestVolume(shape models.Shape) *models.Volume {
	vol := models.NewVolume(shape)
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				vol.Set(x, y, z, float32(100*x+10*y+z))
			}
		}
	}
	return vol
}

func TestNRRDRoundTrip(t *testing.T) {
	vol := createTestVolume(models.Shape{4, 3, 5})
	vol.Spacing = [3]float64{0.5, 0.5, 2}

	for _, compress := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "vol.nrrd")
		if err := WriteNRRD(path, vol, compress); err != nil {
			t.Fatalf("WriteNRRD failed: %v", err)
		}
		got, hdr, err := Read(path)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got.Shape != vol.Shape {
			t.Fatalf("shape %v, want %v", got.Shape, vol.Shape)
		}
		if hdr.Spacing != vol.Spacing {
			t.Errorf("spacing %v, want %v", hdr.Spacing, vol.Spacing)
		}
		for i := range vol.Data {
			if got.Data[i] != vol.Data[i] {
				t.Fatalf("compress=%v: voxel %d = %v, want %v", compress, i, got.Data[i], vol.Data[i])
			}
		}
	}
}

func TestNRRDFirstAxisFastest(t *testing.T) {
	// sizes 2 3 1: file order is (0,0) (1,0) (0,1) (1,1) (0,2) (1,2)
	var buf bytes.Buffer
	buf.WriteString("NRRD0004\ntype: ushort\ndimension: 3\nsizes: 2 3 1\nendian: big\nencoding: raw\n\n")
	for i := uint16(0); i < 6; i++ {
		binary.Write(&buf, binary.BigEndian, i)
	}
	path := filepath.Join(t.TempDir(), "order.nrrd")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	vol, _, err := ReadNRRD(path)
	if err != nil {
		t.Fatalf("ReadNRRD failed: %v", err)
	}
	if got := vol.At(1, 0, 0); got != 1 {
		t.Errorf("voxel (1,0,0) = %v, want 1", got)
	}
	if got := vol.At(0, 2, 0); got != 4 {
		t.Errorf("voxel (0,2,0) = %v, want 4", got)
	}
}

func TestNRRDRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"not nrrd", "PNG\n\n"},
		{"2d", "NRRD0004\ntype: float\ndimension: 2\nsizes: 2 2\nencoding: raw\n\n"},
		{"detached", "NRRD0004\ntype: float\ndimension: 3\nsizes: 1 1 1\ndata file: x.raw\nencoding: raw\n\n"},
		{"bad type", "NRRD0004\ntype: block\ndimension: 3\nsizes: 1 1 1\nencoding: raw\n\n"},
		{"bad encoding", "NRRD0004\ntype: float\ndimension: 3\nsizes: 1 1 1\nencoding: bzip2\n\n"},
		{"truncated", "NRRD0004\ntype: float\ndimension: 3\nsizes: 2 2 2\nencoding: raw\n\nabc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.nrrd")
			if err := os.WriteFile(path, []byte(tt.header), 0644); err != nil {
				t.Fatal(err)
			}
			if _, _, err := ReadNRRD(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

// niftiBytes builds a minimal little-endian NIfTI-1 file with int16 samples.
func niftiBytes(shape models.Shape, values []int16, slope, inter float32) []byte {
	hdr := make([]byte, niftiHeaderSize+4)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], niftiHeaderSize)
	dims := []int16{3, int16(shape[0]), int16(shape[1]), int16(shape[2]), 1, 1, 1, 1}
	for i, d := range dims {
		le.PutUint16(hdr[40+2*i:], uint16(d))
	}
	le.PutUint16(hdr[70:], niftiInt16)
	le.PutUint16(hdr[72:], 16)
	for i := 0; i < 3; i++ {
		le.PutUint32(hdr[80+4*i:], math.Float32bits(2))
	}
	le.PutUint32(hdr[108:], math.Float32bits(352))
	le.PutUint32(hdr[112:], math.Float32bits(slope))
	le.PutUint32(hdr[116:], math.Float32bits(inter))
	copy(hdr[344:], "n+1\x00")

	var buf bytes.Buffer
	buf.Write(hdr)
	for _, v := range values {
		binary.Write(&buf, le, v)
	}
	return buf.Bytes()
}

func TestNIfTIReadPlainAndGzip(t *testing.T) {
	shape := models.Shape{2, 2, 2}
	values := []int16{0, 1, 2, 3, 4, 5, 6, -7}
	data := niftiBytes(shape, values, 2, 1)
	dir := t.TempDir()

	plain := filepath.Join(dir, "vol.nii")
	if err := os.WriteFile(plain, data, 0644); err != nil {
		t.Fatal(err)
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(data)
	zw.Close()
	compressed := filepath.Join(dir, "vol.nii.gz")
	if err := os.WriteFile(compressed, gz.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{plain, compressed} {
		vol, hdr, err := Read(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if vol.Shape != shape || hdr.Spacing != [3]float64{2, 2, 2} {
			t.Errorf("%s: shape %v spacing %v", path, vol.Shape, hdr.Spacing)
		}
		// Last file sample is voxel (1,1,1), scaled: -7*2+1
		if got := vol.At(1, 1, 1); got != -13 {
			t.Errorf("%s: voxel (1,1,1) = %v, want -13", path, got)
		}
		if got := vol.At(1, 0, 0); got != 3 {
			t.Errorf("%s: voxel (1,0,0) = %v, want 3", path, got)
		}
	}
}

func TestNIfTIRejects4D(t *testing.T) {
	data := niftiBytes(models.Shape{1, 1, 1}, []int16{0}, 1, 0)
	binary.LittleEndian.PutUint16(data[40:], 4)
	binary.LittleEndian.PutUint16(data[48:], 2)
	path := filepath.Join(t.TempDir(), "4d.nii")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadNIfTI(path); err == nil {
		t.Error("expected an error for a 4D volume")
	}
}

func TestReadUnsupportedExtension(t *testing.T) {
	_, _, err := Read("volume.tif")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("got %v, want ErrUnsupportedFormat", err)
	}
}
