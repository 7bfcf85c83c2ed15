package checkpoint

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"ganregistration/pkg/nn"
	"ganregistration/pkg/tensor"
)

func testParams() []*nn.Param {
	w := tensor.New(2, 1, 3, 3, 3)
	for i := range w.Data {
		w.Data[i] = float32(i) * 0.25
	}
	b := tensor.Full(-1.5, 2)
	return []*nn.Param{nn.NewParam("conv.weight", w), nn.NewParam("conv.bias", b)}
}

func TestSaveLoadRestore(t *testing.T) {
	params := testParams()
	runID := NewRunID()
	if len(runID) != 32 {
		t.Errorf("unexpected run id %q", runID)
	}
	path := Path(filepath.Join(t.TempDir(), "ckpt"), runID, 7)
	saved := New(runID, 7, params)
	saved.Counters["opt.steps"] = 1 << 40
	if err := Save(path, saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.RunID != runID || c.Epoch != 7 || c.Created.IsZero() {
		t.Errorf("unexpected metadata: %s %d %v", c.RunID, c.Epoch, c.Created)
	}
	if c.Counters["opt.steps"] != 1<<40 || len(c.Counters) != 1 {
		t.Errorf("unexpected counters %v", c.Counters)
	}

	fresh := testParams()
	fresh[0].Value.Zero()
	fresh[1].Value.Zero()
	if err := c.Restore(fresh); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	for i := range params {
		for j, v := range params[i].Value.Data {
			if fresh[i].Value.Data[j] != v {
				t.Fatalf("%s[%d] = %g, want %g", params[i].Name, j, fresh[i].Value.Data[j], v)
			}
		}
	}
}

func TestCheckpointCopiesValues(t *testing.T) {
	params := testParams()
	c := New("run", 1, params)
	params[1].Value.Data[0] = 42
	if c.Tensors["conv.bias"].Data[0] != -1.5 {
		t.Error("checkpoint shares memory with the live parameter")
	}
}

func TestRestoreErrors(t *testing.T) {
	params := testParams()
	var buf bytes.Buffer
	if err := Encode(&buf, New("run", 0, params[:1])); err != nil {
		t.Fatal(err)
	}
	c, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Restore(params); !errors.Is(err, ErrMissingParam) {
		t.Errorf("expected ErrMissingParam, got %v", err)
	}

	wrong := []*nn.Param{nn.NewParam("conv.weight", tensor.New(3))}
	if err := c.Restore(wrong); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	if _, err := Decode(bytes.NewReader([]byte("not a checkpoint"))); err == nil {
		t.Error("expected error decoding garbage")
	}
}
