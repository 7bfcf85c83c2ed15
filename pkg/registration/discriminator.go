package registration

import (
	"fmt"
	"math/rand/v2"

	"ganregistration/pkg/nn"
)

// discLayer is a same-padded convolution followed by ReLU and, optionally,
// batch normalization.
type discLayer struct {
	conv *nn.Conv3DLayer
	bn   *nn.BatchNormLayer
}

// Discriminator scores whether a pair of crops is well registered. It maps
// two (N, 1, s, s, s) inputs to an (N, 1, s/4, s/4, s/4) probability map.
type Discriminator struct {
	Filters int

	layers []*discLayer
	out    *nn.Conv3DLayer
}

// discPoolAfter lists the layers followed by a 2× max-pool.
var discPoolAfter = map[int]bool{1: true, 3: true}

// NewDiscriminator builds the patch discriminator with df base filters.
func NewDiscriminator(filters int, rng *rand.Rand) (*Discriminator, error) {
	if filters < 1 {
		return nil, fmt.Errorf("discriminator needs at least one filter, got %d", filters)
	}
	d := &Discriminator{Filters: filters}
	k := [3]int{3, 3, 3}
	in := 2
	for i, mult := range []int{1, 2, 4, 8, 8} {
		out := filters * mult
		l := &discLayer{conv: nn.NewConv3D(fmt.Sprintf("d.conv%d", i), in, out, k, nn.SamePadding(k), true, rng)}
		if i > 0 {
			l.bn = nn.NewBatchNorm(fmt.Sprintf("d.bn%d", i), out)
		}
		d.layers = append(d.layers, l)
		in = out
	}
	k = [3]int{4, 4, 4}
	d.out = nn.NewConv3D("d.score", in, 1, k, nn.SamePadding(k), true, rng)
	return d, nil
}

// Params implements nn.Module.
func (d *Discriminator) Params() []*nn.Param {
	var ps []*nn.Param
	for _, l := range d.layers {
		ps = append(ps, l.conv.Params()...)
		if l.bn != nil {
			ps = append(ps, l.bn.Params()...)
		}
	}
	return append(ps, d.out.Params()...)
}

// Forward scores the pair (a, b).
func (d *Discriminator) Forward(g *nn.Graph, a, b *nn.Node) (*nn.Node, error) {
	x, err := nn.Concat(g, a, b)
	if err != nil {
		return nil, err
	}
	for i, l := range d.layers {
		if x, err = l.conv.Forward(g, x); err != nil {
			return nil, fmt.Errorf("discriminator layer %d: %w", i, err)
		}
		x = nn.ReLU(g, x)
		if l.bn != nil {
			if x, err = l.bn.Forward(g, x); err != nil {
				return nil, err
			}
		}
		if discPoolAfter[i] {
			if x, err = nn.MaxPool3D(g, x, 2); err != nil {
				return nil, err
			}
		}
	}
	if x, err = d.out.Forward(g, x); err != nil {
		return nil, err
	}
	return nn.Sigmoid(g, x), nil
}

// ScoreShape returns the score map shape for a batch of cubic crops.
func ScoreShape(batch, extent int) []int {
	s := extent / 4
	return []int{batch, 1, s, s, s}
}
