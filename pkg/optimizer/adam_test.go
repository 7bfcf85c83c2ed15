package optimizer

import (
	"math"
	"testing"

	"ganregistration/pkg/nn"
	"ganregistration/pkg/tensor"
)

type single struct{ p *nn.Param }

func (s single) Params() []*nn.Param { return []*nn.Param{s.p} }

func TestAdamMinimizesQuadratic(t *testing.T) {
	p := nn.NewParam("w", tensor.Full(3, 1))
	config := DefaultAdamConfig()
	config.LearningRate = 0.05
	adam, err := NewAdam(config, single{p})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	// f(w) = (w - 1)^2
	for i := 0; i < 500; i++ {
		p.Grad.Data[0] = 2 * (p.Value.Data[0] - 1)
		adam.Step()
	}
	if got := p.Value.Data[0]; math.Abs(float64(got)-1) > 0.05 {
		t.Errorf("w = %.4f after 500 steps, want ~1", got)
	}
	if adam.StepCount != 500 {
		t.Errorf("StepCount = %d, want 500", adam.StepCount)
	}
}

func TestAdamFirstStepSize(t *testing.T) {
	// With bias correction the first update has magnitude ~lr regardless of
	// the gradient scale.
	for _, grad := range []float32{1e-3, 1, 1e3} {
		p := nn.NewParam("w", tensor.New(1))
		adam, err := NewAdam(DefaultAdamConfig(), single{p})
		if err != nil {
			t.Fatalf("NewAdam failed: %v", err)
		}
		p.Grad.Data[0] = grad
		adam.Step()
		if got := -float64(p.Value.Data[0]); math.Abs(got-0.0002) > 1e-5 {
			t.Errorf("grad %g: first step %.6g, want 2e-4", grad, got)
		}
		if p.Grad.Data[0] != 0 {
			t.Error("gradient was not cleared after the step")
		}
	}
}

func TestAdamSkipsFrozen(t *testing.T) {
	p := nn.NewParam("w", tensor.Full(2, 1))
	adam, err := NewAdam(DefaultAdamConfig(), single{p})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	p.Trainable = false
	p.Grad.Data[0] = 5
	adam.Step()
	if p.Value.Data[0] != 2 {
		t.Errorf("frozen parameter changed to %v", p.Value.Data[0])
	}
	if p.Grad.Data[0] != 0 {
		t.Error("frozen gradient was not cleared")
	}
}

func TestAdamConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AdamConfig)
	}{
		{"zero learning rate", func(c *AdamConfig) { c.LearningRate = 0 }},
		{"beta1 one", func(c *AdamConfig) { c.Beta1 = 1 }},
		{"negative beta2", func(c *AdamConfig) { c.Beta2 = -0.1 }},
		{"zero epsilon", func(c *AdamConfig) { c.Epsilon = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultAdamConfig()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestAdamStateResumesUpdates(t *testing.T) {
	pa := nn.NewParam("w", tensor.Full(3, 2))
	a, err := NewAdam(DefaultAdamConfig(), single{pa})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		pa.Grad.Data[0], pa.Grad.Data[1] = 1, -2
		a.Step()
	}

	pb := nn.NewParam("w", pa.Value.Clone())
	b, err := NewAdam(DefaultAdamConfig(), single{pb})
	if err != nil {
		t.Fatal(err)
	}
	sa, sb := a.State("opt"), b.State("opt")
	if len(sa) != 2 || sa[0].Name != "opt.m.w" || sa[1].Name != "opt.v.w" || !sa[0].Buffer {
		t.Fatalf("unexpected state params %+v", sa)
	}
	for i := range sa {
		copy(sb[i].Value.Data, sa[i].Value.Data)
	}
	b.StepCount = a.StepCount

	pa.Grad.Data[0], pa.Grad.Data[1] = 0.5, 0.5
	pb.Grad.Data[0], pb.Grad.Data[1] = 0.5, 0.5
	a.Step()
	b.Step()
	for i, v := range pa.Value.Data {
		if pb.Value.Data[i] != v {
			t.Errorf("w[%d] = %g after resume, want %g", i, pb.Value.Data[i], v)
		}
	}
}
