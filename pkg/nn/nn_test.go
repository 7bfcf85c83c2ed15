package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"ganregistration/pkg/tensor"
)

// projection reduces x to a scalar Σ x_i*w_i so every output element gets a
// distinct gradient.
func projection(g *Graph, x *Node, w *tensor.Tensor) *Node {
	out := tensor.New(1)
	var s float64
	for i, v := range x.Value.Data {
		s += float64(v) * float64(w.Data[i])
	}
	out.Data[0] = float32(s)
	return g.Op(out, func(grad *tensor.Tensor) {
		gx := x.GradBuffer().Data
		for i := range gx {
			gx[i] += grad.Data[0] * w.Data[i]
		}
	}, x)
}

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// checkGradients compares analytic gradients of every parameter with central
// finite differences of the scalar returned by build.
func checkGradients(t *testing.T, params []*Param, build func(g *Graph) (*Node, error)) {
	t.Helper()

	for _, p := range params {
		p.Grad.Zero()
	}
	g := NewGraph(true)
	loss, err := build(g)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := g.Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	eval := func() float64 {
		l, err := build(NewGraph(true))
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		return float64(l.Value.Data[0])
	}

	const h = 1e-2
	for _, p := range params {
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + h
			plus := eval()
			p.Value.Data[i] = orig - h
			minus := eval()
			p.Value.Data[i] = orig

			numeric := (plus - minus) / (2 * h)
			analytic := float64(p.Grad.Data[i])
			if math.Abs(numeric-analytic) > 2e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic gradient %.5f, numeric %.5f", p.Name, i, analytic, numeric)
			}
		}
	}
}

func TestConv3DGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	x := NewParam("x", randomTensor(rng, 2, 2, 4, 5, 4))
	layer := NewConv3D("conv", 2, 3, [3]int{3, 2, 3}, Padding{}, true, rng)
	w := randomTensor(rng, 2, 3, 2, 4, 2)

	checkGradients(t, []*Param{x, layer.Weight, layer.Bias}, func(g *Graph) (*Node, error) {
		out, err := layer.Forward(g, g.Param(x))
		if err != nil {
			return nil, err
		}
		return projection(g, out, w), nil
	})
}

func TestPaddedConvKeepsShape(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for _, k := range []int{1, 3, 4} {
		layer := NewConv3D("conv", 1, 2, [3]int{k, k, k}, SamePadding([3]int{k, k, k}), true, rng)
		g := NewGraph(false)
		out, err := layer.Forward(g, g.Input(randomTensor(rng, 1, 1, 6, 6, 6)))
		if err != nil {
			t.Fatalf("kernel %d: %v", k, err)
		}
		want := []int{1, 2, 6, 6, 6}
		for i := range want {
			if out.Shape()[i] != want[i] {
				t.Fatalf("kernel %d: got shape %v, want %v", k, out.Shape(), want)
			}
		}
	}
}

func TestConv3DMatchesDirectSum(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	x := randomTensor(rng, 1, 1, 3, 3, 3)
	w := randomTensor(rng, 1, 1, 3, 3, 3)
	g := NewGraph(false)
	out, err := Conv3D(g, g.Input(x), g.Input(w), nil)
	if err != nil {
		t.Fatalf("conv failed: %v", err)
	}
	var want float64
	for i := range x.Data {
		want += float64(x.Data[i]) * float64(w.Data[i])
	}
	if got := float64(out.Value.Data[0]); math.Abs(got-want) > 1e-4 {
		t.Errorf("got %.6f, want %.6f", got, want)
	}
}

func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	x := NewParam("x", randomTensor(rng, 2, 2, 2, 3, 2))
	bn := NewBatchNorm("bn", 2)
	bn.Gamma.Value.Data[0], bn.Gamma.Value.Data[1] = 1.5, 0.7
	bn.Beta.Value.Data[1] = 0.3
	w := randomTensor(rng, 2, 2, 2, 3, 2)

	checkGradients(t, []*Param{x, bn.Gamma, bn.Beta}, func(g *Graph) (*Node, error) {
		out, err := bn.Forward(g, g.Param(x))
		if err != nil {
			return nil, err
		}
		return projection(g, out, w), nil
	})
}

func TestBatchNormNormalizes(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	x := randomTensor(rng, 3, 1, 4, 4, 4)
	for i := range x.Data {
		x.Data[i] = x.Data[i]*5 + 10
	}
	bn := NewBatchNorm("bn", 1)
	g := NewGraph(true)
	out, err := bn.Forward(g, g.Input(x))
	if err != nil {
		t.Fatalf("batch norm failed: %v", err)
	}
	if m := out.Value.Mean(); math.Abs(m) > 1e-4 {
		t.Errorf("normalized mean = %.6f, want 0", m)
	}
	if bn.RunningMean.Value.Data[0] == 0 {
		t.Error("running mean was not updated in training mode")
	}

	SetTrainable(bn, false)
	before := bn.RunningMean.Value.Data[0]
	g = NewGraph(true)
	if _, err := bn.Forward(g, g.Input(x)); err != nil {
		t.Fatalf("batch norm failed: %v", err)
	}
	if bn.RunningMean.Value.Data[0] != before {
		t.Error("frozen layer updated its running mean")
	}
}

func TestPoolUpsampleCropGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	// Distinct, well separated values keep the max-pool argmax stable under
	// finite-difference perturbation.
	x := NewParam("x", tensor.New(1, 2, 4, 4, 6))
	perm := rng.Perm(x.Value.Len())
	for i, p := range perm {
		x.Value.Data[i] = float32(p) * 0.1
	}
	w := randomTensor(rng, 1, 2, 2, 2, 2)

	checkGradients(t, []*Param{x}, func(g *Graph) (*Node, error) {
		pooled, err := MaxPool3D(g, g.Param(x), 2) // 2x2x3
		if err != nil {
			return nil, err
		}
		up := Upsample3D(g, pooled, 2) // 4x4x6
		cropped, err := Crop3D(g, up, Padding{{1, 1}, {0, 2}, {3, 1}})
		if err != nil {
			return nil, err
		}
		return projection(g, cropped, w), nil
	})
}

func TestConcatSigmoidReLUGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	a := NewParam("a", randomTensor(rng, 2, 1, 2, 2, 2))
	b := NewParam("b", randomTensor(rng, 2, 2, 2, 2, 2))
	for i, v := range b.Value.Data {
		if math.Abs(float64(v)) < 0.05 {
			b.Value.Data[i] = 0.5
		}
	}
	w := randomTensor(rng, 2, 3, 2, 2, 2)

	checkGradients(t, []*Param{a, b}, func(g *Graph) (*Node, error) {
		cat, err := Concat(g, Sigmoid(g, g.Param(a)), ReLU(g, g.Param(b)))
		if err != nil {
			return nil, err
		}
		return projection(g, cat, w), nil
	})
}

func TestBinaryCrossEntropy(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	logits := NewParam("logits", randomTensor(rng, 1, 1, 2, 2, 2))
	target := tensor.New(1, 1, 2, 2, 2)
	for i := 0; i < target.Len(); i += 2 {
		target.Data[i] = 1
	}

	checkGradients(t, []*Param{logits}, func(g *Graph) (*Node, error) {
		return BinaryCrossEntropy(g, Sigmoid(g, g.Param(logits)), target)
	})

	g := NewGraph(false)
	half := tensor.Full(0.5, 4)
	loss, err := BinaryCrossEntropy(g, g.Input(half), tensor.Full(1, 4))
	if err != nil {
		t.Fatalf("bce failed: %v", err)
	}
	if got := float64(loss.Value.Data[0]); math.Abs(got-math.Ln2) > 1e-5 {
		t.Errorf("bce(0.5, 1) = %.6f, want ln 2", got)
	}
}

func TestFrozenParamsReceiveNoGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	x := NewParam("x", randomTensor(rng, 1, 1, 3, 3, 3))
	layer := NewConv3D("conv", 1, 1, [3]int{3, 3, 3}, Padding{}, true, rng)
	SetTrainable(layer, false)

	g := NewGraph(true)
	out, err := layer.Forward(g, g.Param(x))
	if err != nil {
		t.Fatalf("conv failed: %v", err)
	}
	if err := g.Backward(out); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	for _, v := range layer.Weight.Grad.Data {
		if v != 0 {
			t.Fatal("frozen weight accumulated a gradient")
		}
	}
	if x.Grad.Sum() == 0 {
		t.Error("input gradient did not flow through the frozen layer")
	}
}

func TestBackwardRejectsNonScalar(t *testing.T) {
	g := NewGraph(true)
	x := g.Param(NewParam("x", tensor.New(2)))
	if err := g.Backward(x); err == nil {
		t.Error("expected an error for a non-scalar loss")
	}
}

func BenchmarkConv3D(b *testing.B) {
	rng := rand.New(rand.NewPCG(19, 20))
	x := randomTensor(rng, 1, 4, 24, 24, 24)
	layer := NewConv3D("conv", 4, 8, [3]int{3, 3, 3}, Padding{}, false, rng)
	for i := 0; i < b.N; i++ {
		g := NewGraph(false)
		if _, err := layer.Forward(g, g.Input(x)); err != nil {
			b.Fatal(err)
		}
	}
}
