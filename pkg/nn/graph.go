// Package nn implements the small reverse-mode automatic differentiation
// engine used to train the registration networks.
//
// Every forward operation records a Node on a Graph. Calling Backward on a
// scalar node walks the recorded nodes in reverse order and accumulates
// gradients into every node that depends on a trainable parameter. Graphs
// are built per training step and discarded afterwards.
package nn

import (
	"errors"
	"fmt"

	"ganregistration/pkg/tensor"
)

// ErrNotScalar is returned when Backward is called on a non-scalar node.
var ErrNotScalar = errors.New("backward requires a scalar node")

// Node is a value recorded on a Graph together with its gradient.
type Node struct {
	Value *tensor.Tensor
	Grad  *tensor.Tensor

	requiresGrad bool
	backward     func(grad *tensor.Tensor)
}

// RequiresGrad reports whether gradients flow into this node.
func (n *Node) RequiresGrad() bool {
	return n.requiresGrad
}

// GradBuffer returns the node's gradient tensor, allocating it on first use.
func (n *Node) GradBuffer() *tensor.Tensor {
	if n.Grad == nil {
		n.Grad = tensor.ZerosLike(n.Value)
	}
	return n.Grad
}

// Shape returns the shape of the node's value.
func (n *Node) Shape() []int {
	return n.Value.Shape
}

// Graph records operations for a single forward/backward pass.
type Graph struct {
	nodes    []*Node
	training bool
}

// NewGraph creates an empty graph. In training mode batch normalization uses
// batch statistics and updates running averages of trainable layers.
func NewGraph(training bool) *Graph {
	return &Graph{training: training}
}

// Training reports whether the graph runs in training mode.
func (g *Graph) Training() bool {
	return g.training
}

// Len returns the number of recorded nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Input records a constant that never receives gradients.
func (g *Graph) Input(t *tensor.Tensor) *Node {
	n := &Node{Value: t}
	g.nodes = append(g.nodes, n)
	return n
}

// Param records a parameter. Trainable parameters share their gradient
// tensor with the node so Backward accumulates straight into Param.Grad.
func (g *Graph) Param(p *Param) *Node {
	n := &Node{Value: p.Value}
	if p.Trainable {
		n.requiresGrad = true
		n.Grad = p.Grad
	}
	g.nodes = append(g.nodes, n)
	return n
}

// Op records the result of an operation. backward receives the gradient of
// the result and must add the contributions of every parent that requires
// gradients. It is only invoked when at least one parent does.
func (g *Graph) Op(value *tensor.Tensor, backward func(grad *tensor.Tensor), parents ...*Node) *Node {
	n := &Node{Value: value}
	for _, p := range parents {
		if p != nil && p.requiresGrad {
			n.requiresGrad = true
			n.backward = backward
			break
		}
	}
	g.nodes = append(g.nodes, n)
	return n
}

// Backward seeds the gradient of the scalar loss with 1 and propagates it
// through every recorded node.
func (g *Graph) Backward(loss *Node) error {
	if loss.Value.Len() != 1 {
		return fmt.Errorf("%w: shape %v", ErrNotScalar, loss.Value.Shape)
	}
	if !loss.requiresGrad {
		return nil
	}
	loss.GradBuffer().Data[0] += 1

	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		if n.backward == nil || n.Grad == nil {
			continue
		}
		n.backward(n.Grad)
	}
	return nil
}
