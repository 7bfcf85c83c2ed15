// Package checkpoint saves and restores network parameters. A checkpoint is
// a snappy framed stream holding one msgpack map.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/tinylib/msgp/msgp"
	"github.com/twinj/uuid"

	"ganregistration/pkg/logging"
	"ganregistration/pkg/nn"
	"ganregistration/pkg/tensor"
)

// ErrMissingParam is returned by Restore when a parameter has no saved value.
var ErrMissingParam = errors.New("parameter missing from checkpoint")

const formatVersion = 1

// NewRunID returns a random identifier for a training run.
func NewRunID() string {
	return fmt.Sprintf("%x", uuid.NewV4().Bytes())
}

// Checkpoint is a set of named tensors together with run metadata.
type Checkpoint struct {
	RunID   string
	Epoch   int
	Created time.Time
	Tensors map[string]*tensor.Tensor

	// Counters hold integer state such as optimizer step counts
	Counters map[string]uint64
}

// New captures the current values of params. Values are copied.
func New(runID string, epoch int, params []*nn.Param) *Checkpoint {
	c := &Checkpoint{
		RunID:    runID,
		Epoch:    epoch,
		Created:  time.Now().UTC(),
		Tensors:  make(map[string]*tensor.Tensor, len(params)),
		Counters: map[string]uint64{},
	}
	for _, p := range params {
		c.Tensors[p.Name] = p.Value.Clone()
	}
	return c
}

// Restore copies the saved values into params, matching by name.
func (c *Checkpoint) Restore(params []*nn.Param) error {
	for _, p := range params {
		t, ok := c.Tensors[p.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingParam, p.Name)
		}
		if !t.SameShape(p.Value) {
			return fmt.Errorf("%w: %s saved as %v, network has %v", tensor.ErrShapeMismatch, p.Name, t.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, t.Data)
	}
	return nil
}

// Path returns the file name used for the checkpoint of a run at an epoch.
func Path(dir, runID string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-epoch%04d.ckpt", runID, epoch))
}

// Save writes the checkpoint to path, creating parent directories.
func Save(path string, c *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, c); err != nil {
		f.Close()
		return fmt.Errorf("writing checkpoint %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if fi, err := os.Stat(path); err == nil {
		logging.Infof("Saved checkpoint %s (%s, %d tensors)\n", path, humanize.Bytes(uint64(fi.Size())), len(c.Tensors))
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}
	return c, nil
}

// Encode writes c to w.
func Encode(w io.Writer, c *Checkpoint) error {
	sw := snappy.NewBufferedWriter(w)
	mw := msgp.NewWriter(sw)

	if err := mw.WriteMapHeader(6); err != nil {
		return err
	}
	mw.WriteString("version")
	mw.WriteInt(formatVersion)
	mw.WriteString("run")
	mw.WriteString(c.RunID)
	mw.WriteString("epoch")
	mw.WriteInt(c.Epoch)
	mw.WriteString("created")
	mw.WriteTime(c.Created)
	mw.WriteString("counters")
	if err := mw.WriteMapHeader(uint32(len(c.Counters))); err != nil {
		return err
	}
	for name, v := range c.Counters {
		mw.WriteString(name)
		mw.WriteUint64(v)
	}
	mw.WriteString("tensors")
	if err := mw.WriteArrayHeader(uint32(len(c.Tensors))); err != nil {
		return err
	}
	for name, t := range c.Tensors {
		mw.WriteArrayHeader(3)
		mw.WriteString(name)
		mw.WriteArrayHeader(uint32(len(t.Shape)))
		for _, s := range t.Shape {
			mw.WriteInt(s)
		}
		buf := make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
		if err := mw.WriteBytes(buf); err != nil {
			return err
		}
	}
	if err := mw.Flush(); err != nil {
		return err
	}
	return sw.Close()
}

// Decode reads a checkpoint from r.
func Decode(r io.Reader) (*Checkpoint, error) {
	mr := msgp.NewReader(bufio.NewReader(snappy.NewReader(r)))
	n, err := mr.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	c := &Checkpoint{Tensors: map[string]*tensor.Tensor{}, Counters: map[string]uint64{}}
	for i := uint32(0); i < n; i++ {
		key, err := mr.ReadString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "version":
			v, err := mr.ReadInt()
			if err != nil {
				return nil, err
			}
			if v != formatVersion {
				return nil, fmt.Errorf("unsupported checkpoint version %d", v)
			}
		case "run":
			c.RunID, err = mr.ReadString()
		case "epoch":
			c.Epoch, err = mr.ReadInt()
		case "created":
			c.Created, err = mr.ReadTime()
		case "counters":
			err = decodeCounters(mr, c.Counters)
		case "tensors":
			err = decodeTensors(mr, c.Tensors)
		default:
			err = mr.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
	}
	return c, nil
}

func decodeCounters(mr *msgp.Reader, into map[string]uint64) error {
	count, err := mr.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := mr.ReadString()
		if err != nil {
			return err
		}
		if into[name], err = mr.ReadUint64(); err != nil {
			return err
		}
	}
	return nil
}

func decodeTensors(mr *msgp.Reader, into map[string]*tensor.Tensor) error {
	count, err := mr.ReadArrayHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if sz, err := mr.ReadArrayHeader(); err != nil {
			return err
		} else if sz != 3 {
			return msgp.ArrayError{Wanted: 3, Got: sz}
		}
		name, err := mr.ReadString()
		if err != nil {
			return err
		}
		dims, err := mr.ReadArrayHeader()
		if err != nil {
			return err
		}
		shape := make([]int, dims)
		for d := range shape {
			if shape[d], err = mr.ReadInt(); err != nil {
				return err
			}
		}
		raw, err := mr.ReadBytes(nil)
		if err != nil {
			return err
		}
		data := make([]float32, len(raw)/4)
		for j := range data {
			data[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:]))
		}
		t, err := tensor.FromData(data, shape...)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		into[name] = t
	}
	return nil
}
