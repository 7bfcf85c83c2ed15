// Package volio reads and writes the 3D scan formats used by the training
// corpora: NRRD (.nrrd) and NIfTI-1 (.nii, .nii.gz).
//
// Both formats store the first axis fastest. Volumes are returned in the
// models.Volume layout, where Z varies fastest.
package volio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"ganregistration/internal/models"
)

var (
	// ErrUnsupportedFormat is returned for unknown file extensions
	ErrUnsupportedFormat = errors.New("unsupported volume format")

	// ErrUnsupportedType is returned for sample types the readers cannot decode
	ErrUnsupportedType = errors.New("unsupported sample type")
)

// Header describes a volume file.
type Header struct {
	// Format is "nrrd" or "nifti"
	Format string

	// Fields holds the raw header key/value pairs
	Fields map[string]string

	Shape   models.Shape
	Spacing [3]float64
}

// Read loads a volume, choosing the decoder from the file extension.
func Read(path string) (*models.Volume, *Header, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".nrrd") || strings.HasSuffix(name, ".nhdr"):
		return ReadNRRD(path)
	case strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz"):
		return ReadNIfTI(path)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// sampleKind identifies how raw bytes map to voxel values.
type sampleKind int

const (
	kindUint8 sampleKind = iota
	kindInt8
	kindUint16
	kindInt16
	kindUint32
	kindInt32
	kindFloat32
	kindFloat64
)

func (k sampleKind) size() int {
	switch k {
	case kindUint8, kindInt8:
		return 1
	case kindUint16, kindInt16:
		return 2
	case kindUint32, kindInt32, kindFloat32:
		return 4
	default:
		return 8
	}
}

// decodeSamples converts raw file bytes stored first-axis-fastest into a
// volume of the given shape.
func decodeSamples(raw []byte, kind sampleKind, order binary.ByteOrder, shape models.Shape) (*models.Volume, error) {
	n := shape.Len()
	size := kind.size()
	if len(raw) < n*size {
		return nil, fmt.Errorf("volume data truncated: have %d bytes, need %d", len(raw), n*size)
	}

	vol := models.NewVolume(shape)
	i := 0
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				b := raw[i*size : (i+1)*size]
				var v float32
				switch kind {
				case kindUint8:
					v = float32(b[0])
				case kindInt8:
					v = float32(int8(b[0]))
				case kindUint16:
					v = float32(order.Uint16(b))
				case kindInt16:
					v = float32(int16(order.Uint16(b)))
				case kindUint32:
					v = float32(order.Uint32(b))
				case kindInt32:
					v = float32(int32(order.Uint32(b)))
				case kindFloat32:
					v = math.Float32frombits(order.Uint32(b))
				case kindFloat64:
					v = float32(math.Float64frombits(order.Uint64(b)))
				}
				vol.Data[vol.Index(x, y, z)] = v
				i++
			}
		}
	}
	return vol, nil
}

// encodeFloat32 serializes a volume first-axis-fastest as little-endian float32.
func encodeFloat32(vol *models.Volume) []byte {
	raw := make([]byte, 4*vol.Shape.Len())
	i := 0
	for z := 0; z < vol.Shape[2]; z++ {
		for y := 0; y < vol.Shape[1]; y++ {
			for x := 0; x < vol.Shape[0]; x++ {
				binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(vol.At(x, y, z)))
				i++
			}
		}
	}
	return raw
}
