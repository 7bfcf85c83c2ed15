// Package registration implements the adversarial registration networks:
// the deformation generator, the warp operator, the pair discriminator and
// the trainer that alternates between them.
package registration

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"ganregistration/pkg/nn"
)

// ErrInvalidPlan is returned when the generator cannot be laid out for an
// input size.
var ErrInvalidPlan = errors.New("invalid generator shape plan")

// LevelPlan records the spatial extents seen at one U-Net level.
type LevelPlan struct {
	// Encoder is the extent after the level's two valid convolutions
	Encoder int

	// Pooled is the extent handed to the next level
	Pooled int

	// Upsampled is the extent of the decoder input before concatenation
	Upsampled int

	// Crop is removed from the start and end of the encoder map to match
	// Upsampled
	Crop [2]int

	// Decoder is the extent after the level's two decoder convolutions
	Decoder int
}

// ShapePlan is the full shape arithmetic of the generator for a cubic input.
type ShapePlan struct {
	Input  int
	Output int
	Kernel int
	Pool   int

	// Levels is ordered from the outermost level inwards
	Levels []LevelPlan

	// Center is the extent after the bottleneck convolutions
	Center int
}

// PlanGenerator derives the extents and skip-connection crops of a U-Net
// with the given number of levels, each doing two valid convolutions of
// size kernel before pooling by pool.
func PlanGenerator(input, kernel, pool, levels int) (ShapePlan, error) {
	plan := ShapePlan{Input: input, Kernel: kernel, Pool: pool}
	if kernel < 1 || pool < 2 || levels < 1 {
		return plan, fmt.Errorf("%w: kernel %d pool %d levels %d", ErrInvalidPlan, kernel, pool, levels)
	}
	shrink := 2 * (kernel - 1)
	check := func(stage string, size int) error {
		if size < 2 {
			return fmt.Errorf("%w: input %d collapses to %d at %s", ErrInvalidPlan, input, size, stage)
		}
		return nil
	}

	size := input
	plan.Levels = make([]LevelPlan, levels)
	for i := range plan.Levels {
		size -= shrink
		if err := check(fmt.Sprintf("encoder level %d", i), size); err != nil {
			return plan, err
		}
		plan.Levels[i].Encoder = size
		size /= pool
		plan.Levels[i].Pooled = size
	}
	size -= shrink
	if err := check("center", size); err != nil {
		return plan, err
	}
	plan.Center = size

	for i := levels - 1; i >= 0; i-- {
		l := &plan.Levels[i]
		size *= pool
		l.Upsampled = size
		diff := l.Encoder - size
		if diff < 0 {
			return plan, fmt.Errorf("%w: upsampled extent %d exceeds encoder extent %d at level %d",
				ErrInvalidPlan, size, l.Encoder, i)
		}
		l.Crop = [2]int{diff / 2, diff - diff/2}
		size -= shrink
		if err := check(fmt.Sprintf("decoder level %d", i), size); err != nil {
			return plan, err
		}
		l.Decoder = size
	}
	plan.Output = size
	return plan, nil
}

// Border returns the number of voxels the output is inset from the input on
// the low side of each axis.
func (p ShapePlan) Border() int {
	return (p.Input - p.Output) / 2
}

// convBlock is a convolution followed by batch normalization and ReLU.
type convBlock struct {
	conv *nn.Conv3DLayer
	bn   *nn.BatchNormLayer
}

func newConvBlock(name string, in, out, kernel int, rng *rand.Rand) *convBlock {
	return &convBlock{
		conv: nn.NewConv3D(name+".conv", in, out, [3]int{kernel, kernel, kernel}, nn.Padding{}, false, rng),
		bn:   nn.NewBatchNorm(name+".bn", out),
	}
}

func (b *convBlock) forward(g *nn.Graph, x *nn.Node) (*nn.Node, error) {
	x, err := b.conv.Forward(g, x)
	if err != nil {
		return nil, err
	}
	x, err = b.bn.Forward(g, x)
	if err != nil {
		return nil, err
	}
	return nn.ReLU(g, x), nil
}

func (b *convBlock) params() []*nn.Param {
	return append(b.conv.Params(), b.bn.Params()...)
}

// Generator is the U-Net predicting a deformation field from a subject and
// template crop.
type Generator struct {
	Plan          ShapePlan
	Filters       int
	FieldChannels int

	down   [][2]*convBlock
	center [2]*convBlock
	up     [][2]*convBlock
	out    *nn.Conv3DLayer
}

// NewGenerator builds a generator for cubic crops of the given size. Level i
// uses filters·2^i channels and the bottleneck filters·2^levels.
func NewGenerator(plan ShapePlan, filters, fieldChannels int, rng *rand.Rand) (*Generator, error) {
	if filters < 1 {
		return nil, fmt.Errorf("generator needs at least one filter, got %d", filters)
	}
	if fieldChannels != 1 && fieldChannels != 3 {
		return nil, fmt.Errorf("field channels must be 1 or 3, got %d", fieldChannels)
	}
	g := &Generator{Plan: plan, Filters: filters, FieldChannels: fieldChannels}
	k := plan.Kernel

	in := 2
	for i := range plan.Levels {
		f := filters << i
		g.down = append(g.down, [2]*convBlock{
			newConvBlock(fmt.Sprintf("g.down%d.a", i), in, f, k, rng),
			newConvBlock(fmt.Sprintf("g.down%d.b", i), f, f, k, rng),
		})
		in = f
	}
	f := filters << len(plan.Levels)
	g.center = [2]*convBlock{
		newConvBlock("g.center.a", in, f, k, rng),
		newConvBlock("g.center.b", f, f, k, rng),
	}
	in = f

	g.up = make([][2]*convBlock, len(plan.Levels))
	for i := len(plan.Levels) - 1; i >= 0; i-- {
		f := filters << i
		g.up[i] = [2]*convBlock{
			newConvBlock(fmt.Sprintf("g.up%d.a", i), in+f, f, k, rng),
			newConvBlock(fmt.Sprintf("g.up%d.b", i), f, f, k, rng),
		}
		in = f
	}
	g.out = nn.NewConv3D("g.field", in, fieldChannels, [3]int{1, 1, 1}, nn.Padding{}, false, rng)
	return g, nil
}

// Params implements nn.Module.
func (g *Generator) Params() []*nn.Param {
	var ps []*nn.Param
	for _, l := range g.down {
		ps = append(append(ps, l[0].params()...), l[1].params()...)
	}
	ps = append(append(ps, g.center[0].params()...), g.center[1].params()...)
	for _, l := range g.up {
		ps = append(append(ps, l[0].params()...), l[1].params()...)
	}
	return append(ps, g.out.Params()...)
}

// Forward predicts the field for subject and template nodes of shape
// (N, 1, input, input, input). The result has shape
// (N, FieldChannels, output, output, output).
func (g *Generator) Forward(graph *nn.Graph, subject, template *nn.Node) (*nn.Node, error) {
	x, err := nn.Concat(graph, subject, template)
	if err != nil {
		return nil, err
	}
	for axis, s := range x.Shape()[2:] {
		if s != g.Plan.Input {
			return nil, fmt.Errorf("%w: generator expects extent %d, got %d on axis %d",
				ErrInvalidPlan, g.Plan.Input, s, axis)
		}
	}

	pair := func(blocks [2]*convBlock, x *nn.Node) (*nn.Node, error) {
		x, err := blocks[0].forward(graph, x)
		if err != nil {
			return nil, err
		}
		return blocks[1].forward(graph, x)
	}

	skips := make([]*nn.Node, len(g.down))
	for i, blocks := range g.down {
		if x, err = pair(blocks, x); err != nil {
			return nil, fmt.Errorf("encoder level %d: %w", i, err)
		}
		skips[i] = x
		if x, err = nn.MaxPool3D(graph, x, g.Plan.Pool); err != nil {
			return nil, err
		}
	}
	if x, err = pair(g.center, x); err != nil {
		return nil, fmt.Errorf("center: %w", err)
	}
	for i := len(g.up) - 1; i >= 0; i-- {
		x = nn.Upsample3D(graph, x, g.Plan.Pool)
		c := g.Plan.Levels[i].Crop
		skip, err := nn.Crop3D(graph, skips[i], nn.Padding{c, c, c})
		if err != nil {
			return nil, err
		}
		if x, err = nn.Concat(graph, x, skip); err != nil {
			return nil, err
		}
		if x, err = pair(g.up[i], x); err != nil {
			return nil, fmt.Errorf("decoder level %d: %w", i, err)
		}
	}
	return g.out.Forward(graph, x)
}
