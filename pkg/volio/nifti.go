package volio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"ganregistration/internal/models"
)

const niftiHeaderSize = 348

// NIfTI-1 datatype codes
const (
	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUint16  = 512
	niftiUint32  = 768
)

// ReadNIfTI loads a single-file NIfTI-1 volume, gzip-compressed when the
// name ends in ".gz". Trailing singleton dimensions are dropped.
func ReadNIfTI(path string) (*models.Volume, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("nifti %s: opening gzip stream: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	vol, hdr, err := DecodeNIfTI(r)
	if err != nil {
		return nil, nil, fmt.Errorf("nifti %s: %w", path, err)
	}
	return vol, hdr, nil
}

// DecodeNIfTI parses an uncompressed NIfTI-1 stream.
func DecodeNIfTI(r io.Reader) (*models.Volume, *Header, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[0:4]) != niftiHeaderSize {
		order = binary.BigEndian
		if order.Uint32(raw[0:4]) != niftiHeaderSize {
			return nil, nil, fmt.Errorf("not a NIfTI-1 file")
		}
	}

	var dim [8]int
	for i := range dim {
		dim[i] = int(int16(order.Uint16(raw[40+2*i:])))
	}
	if dim[0] < 3 || dim[0] > 7 {
		return nil, nil, fmt.Errorf("unsupported dimension count %d", dim[0])
	}
	for i := 4; i <= dim[0]; i++ {
		if dim[i] > 1 {
			return nil, nil, fmt.Errorf("expected a 3D volume, dim[%d] = %d", i, dim[i])
		}
	}

	hdr := &Header{Format: "nifti", Fields: make(map[string]string)}
	for i := 0; i < 3; i++ {
		if dim[i+1] < 1 {
			return nil, nil, fmt.Errorf("invalid dim[%d] = %d", i+1, dim[i+1])
		}
		hdr.Shape[i] = dim[i+1]
		hdr.Spacing[i] = float64(math.Float32frombits(order.Uint32(raw[80+4*i:])))
		if hdr.Spacing[i] == 0 {
			hdr.Spacing[i] = 1
		}
	}

	datatype := int(int16(order.Uint16(raw[70:])))
	voxOffset := int(math.Float32frombits(order.Uint32(raw[108:])))
	slope := float64(math.Float32frombits(order.Uint32(raw[112:])))
	inter := float64(math.Float32frombits(order.Uint32(raw[116:])))
	hdr.Fields["datatype"] = strconv.Itoa(datatype)
	hdr.Fields["vox_offset"] = strconv.Itoa(voxOffset)
	hdr.Fields["scl_slope"] = strconv.FormatFloat(slope, 'g', -1, 64)
	hdr.Fields["scl_inter"] = strconv.FormatFloat(inter, 'g', -1, 64)
	hdr.Fields["magic"] = strings.TrimRight(string(raw[344:348]), "\x00")

	kind, err := niftiKind(datatype)
	if err != nil {
		return nil, nil, err
	}

	if voxOffset < niftiHeaderSize {
		voxOffset = niftiHeaderSize
	}
	if _, err := io.CopyN(io.Discard, r, int64(voxOffset-niftiHeaderSize)); err != nil {
		return nil, nil, fmt.Errorf("skipping extensions: %w", err)
	}

	samples := make([]byte, hdr.Shape.Len()*kind.size())
	if _, err := io.ReadFull(r, samples); err != nil {
		return nil, nil, fmt.Errorf("reading samples: %w", err)
	}
	vol, err := decodeSamples(samples, kind, order, hdr.Shape)
	if err != nil {
		return nil, nil, err
	}
	vol.Spacing = hdr.Spacing

	if slope != 0 && (slope != 1 || inter != 0) {
		for i, v := range vol.Data {
			vol.Data[i] = float32(float64(v)*slope + inter)
		}
	}
	return vol, hdr, nil
}

func niftiKind(datatype int) (sampleKind, error) {
	switch datatype {
	case niftiUint8:
		return kindUint8, nil
	case niftiInt8:
		return kindInt8, nil
	case niftiUint16:
		return kindUint16, nil
	case niftiInt16:
		return kindInt16, nil
	case niftiUint32:
		return kindUint32, nil
	case niftiInt32:
		return kindInt32, nil
	case niftiFloat32:
		return kindFloat32, nil
	case niftiFloat64:
		return kindFloat64, nil
	default:
		return 0, fmt.Errorf("%w: NIfTI datatype %d", ErrUnsupportedType, datatype)
	}
}
