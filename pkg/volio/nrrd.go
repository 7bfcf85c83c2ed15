package volio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"ganregistration/internal/models"
)

// ReadNRRD loads a 3D NRRD file with attached data.
func ReadNRRD(path string) (*models.Volume, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	vol, hdr, err := DecodeNRRD(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("nrrd %s: %w", path, err)
	}
	return vol, hdr, nil
}

// DecodeNRRD parses an NRRD stream. Supported encodings are raw and gzip.
func DecodeNRRD(r *bufio.Reader) (*models.Volume, *Header, error) {
	magic, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD") {
		return nil, nil, fmt.Errorf("not an NRRD file")
	}

	hdr := &Header{Format: "nrrd", Fields: make(map[string]string), Spacing: [3]float64{1, 1, 1}}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, nil, fmt.Errorf("reading header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		// Key/value pairs ("key:=value") are kept verbatim too
		sep := strings.Index(line, ": ")
		if sep < 0 {
			sep = strings.Index(line, ":=")
			if sep < 0 {
				return nil, nil, fmt.Errorf("malformed header line %q", line)
			}
		}
		hdr.Fields[strings.ToLower(strings.TrimSpace(line[:sep]))] = strings.TrimSpace(line[sep+2:])
	}

	if _, detached := hdr.Fields["data file"]; detached {
		return nil, nil, fmt.Errorf("detached data files are not supported")
	}
	if dim := hdr.Fields["dimension"]; dim != "3" {
		return nil, nil, fmt.Errorf("expected dimension 3, got %q", dim)
	}

	sizes := strings.Fields(hdr.Fields["sizes"])
	if len(sizes) != 3 {
		return nil, nil, fmt.Errorf("expected 3 sizes, got %q", hdr.Fields["sizes"])
	}
	for i, s := range sizes {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil, nil, fmt.Errorf("invalid size %q", s)
		}
		hdr.Shape[i] = n
	}
	if sp := strings.Fields(hdr.Fields["spacings"]); len(sp) == 3 {
		for i, s := range sp {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				hdr.Spacing[i] = v
			}
		}
	}

	kind, err := nrrdKind(hdr.Fields["type"])
	if err != nil {
		return nil, nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	if hdr.Fields["endian"] == "big" {
		order = binary.BigEndian
	}

	var data io.Reader = r
	switch enc := hdr.Fields["encoding"]; enc {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		data = zr
	default:
		return nil, nil, fmt.Errorf("unsupported encoding %q", enc)
	}

	raw := make([]byte, hdr.Shape.Len()*kind.size())
	if _, err := io.ReadFull(data, raw); err != nil {
		return nil, nil, fmt.Errorf("reading samples: %w", err)
	}

	vol, err := decodeSamples(raw, kind, order, hdr.Shape)
	if err != nil {
		return nil, nil, err
	}
	vol.Spacing = hdr.Spacing
	return vol, hdr, nil
}

func nrrdKind(t string) (sampleKind, error) {
	switch strings.ToLower(t) {
	case "uchar", "unsigned char", "uint8", "uint8_t":
		return kindUint8, nil
	case "signed char", "int8", "int8_t":
		return kindInt8, nil
	case "ushort", "unsigned short", "unsigned short int", "uint16", "uint16_t":
		return kindUint16, nil
	case "short", "short int", "signed short", "signed short int", "int16", "int16_t":
		return kindInt16, nil
	case "uint", "unsigned int", "uint32", "uint32_t":
		return kindUint32, nil
	case "int", "signed int", "int32", "int32_t":
		return kindInt32, nil
	case "float":
		return kindFloat32, nil
	case "double":
		return kindFloat64, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, t)
	}
}

// WriteNRRD saves a volume as little-endian float samples, gzip-compressed
// when compress is set.
func WriteNRRD(path string, vol *models.Volume, compress bool) error {
	var buf bytes.Buffer
	encoding := "raw"
	if compress {
		encoding = "gzip"
	}
	fmt.Fprintf(&buf, "NRRD0004\n")
	fmt.Fprintf(&buf, "# written by ganregistration\n")
	fmt.Fprintf(&buf, "type: float\n")
	fmt.Fprintf(&buf, "dimension: 3\n")
	fmt.Fprintf(&buf, "sizes: %d %d %d\n", vol.Shape[0], vol.Shape[1], vol.Shape[2])
	fmt.Fprintf(&buf, "spacings: %g %g %g\n", vol.Spacing[0], vol.Spacing[1], vol.Spacing[2])
	fmt.Fprintf(&buf, "endian: little\n")
	fmt.Fprintf(&buf, "encoding: %s\n\n", encoding)

	raw := encodeFloat32(vol)
	if compress {
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("compressing samples: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing samples: %w", err)
		}
	} else {
		buf.Write(raw)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
