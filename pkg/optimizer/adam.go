// Package optimizer implements parameter update rules for nn modules.
package optimizer

import (
	"fmt"
	"math"

	"ganregistration/pkg/nn"
	"ganregistration/pkg/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay
	Beta2        float64 // Variance decay
	Epsilon      float64 // Small constant to prevent division by zero
}

// DefaultAdamConfig returns the configuration used for both adversarial
// networks: learning rate 2e-4 and momentum term 0.5.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.0002,
		Beta1:        0.5,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Validate checks the hyperparameters.
func (c AdamConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1), got %g", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0, 1), got %g", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	return nil
}

// Adam keeps first and second moment estimates for every parameter of one
// module.
type Adam struct {
	config   AdamConfig
	params   []*nn.Param
	momentum []*tensor.Tensor
	variance []*tensor.Tensor

	// StepCount is used for bias correction
	StepCount uint64
}

// NewAdam creates an optimizer over the learned parameters of m.
func NewAdam(config AdamConfig, m nn.Module) (*Adam, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	adam := &Adam{config: config}
	for _, p := range m.Params() {
		if p.Buffer {
			continue
		}
		adam.params = append(adam.params, p)
		adam.momentum = append(adam.momentum, tensor.ZerosLike(p.Value))
		adam.variance = append(adam.variance, tensor.ZerosLike(p.Value))
	}
	if len(adam.params) == 0 {
		return nil, fmt.Errorf("module has no learned parameters")
	}
	return adam, nil
}

// Step applies one update to every trainable parameter using its accumulated
// gradient, then clears all gradients. Frozen parameters are left untouched.
func (adam *Adam) Step() {
	adam.StepCount++
	t := float64(adam.StepCount)
	c := adam.config
	lr := c.LearningRate * math.Sqrt(1-math.Pow(c.Beta2, t)) / (1 - math.Pow(c.Beta1, t))

	for i, p := range adam.params {
		if p.Trainable {
			m, v := adam.momentum[i].Data, adam.variance[i].Data
			for j, grad := range p.Grad.Data {
				gr := float64(grad)
				mj := c.Beta1*float64(m[j]) + (1-c.Beta1)*gr
				vj := c.Beta2*float64(v[j]) + (1-c.Beta2)*gr*gr
				m[j], v[j] = float32(mj), float32(vj)
				p.Value.Data[j] -= float32(lr * mj / (math.Sqrt(vj) + c.Epsilon))
			}
		}
		p.Grad.Zero()
	}
}

// State exposes the moment estimates as buffers named prefix.m.<param> and
// prefix.v.<param>. They share memory with the optimizer, so restoring a
// checkpoint into them resumes the update sequence.
func (adam *Adam) State(prefix string) []*nn.Param {
	state := make([]*nn.Param, 0, 2*len(adam.params))
	for i, p := range adam.params {
		state = append(state,
			&nn.Param{Name: prefix + ".m." + p.Name, Value: adam.momentum[i], Buffer: true},
			&nn.Param{Name: prefix + ".v." + p.Name, Value: adam.variance[i], Buffer: true},
		)
	}
	return state
}

// UpdateLearningRate changes the learning rate for subsequent steps.
func (adam *Adam) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

// Config returns the optimizer hyperparameters.
func (adam *Adam) Config() AdamConfig {
	return adam.config
}
