package engine

import (
	"context"

	"disparity-forge/internal/dataset"
	"disparity-forge/internal/model"
	"disparity-forge/internal/optim"
	"disparity-forge/internal/tensor"
)

// CPU runs a model in-process. Device transfer and synchronization are
// no-ops beyond honoring cancellation.
type CPU struct {
	model model.Model
	opt   *optim.AdamW
}

// NewCPU pairs a model with its optimizer.
func NewCPU(m model.Model, opt *optim.AdamW) *CPU {
	return &CPU{model: m, opt: opt}
}

func (c *CPU) ToDevice(b dataset.Batch) (dataset.Batch, error) {
	return b, nil
}

func (c *CPU) Forward(ctx context.Context, left, right *tensor.Tensor, mode Mode) ([]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	preds, err := c.model.Forward(left, right, mode)
	if err != nil {
		return nil, &ComputeError{Op: "forward", Err: err}
	}
	return preds, nil
}

func (c *CPU) ZeroGrad() {
	c.opt.ZeroGrad(c.model.Params())
}

func (c *CPU) Backward(ctx context.Context, grads []*tensor.Tensor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.model.Backward(grads); err != nil {
		return &ComputeError{Op: "backward", Err: err}
	}
	return nil
}

func (c *CPU) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.opt.Step(c.model.Params())
	return nil
}

func (c *CPU) SetLearningRate(lr float64) { c.opt.SetLR(lr) }

func (c *CPU) LearningRate() float64 { return c.opt.LR() }

func (c *CPU) Synchronize(ctx context.Context) error { return ctx.Err() }

func (c *CPU) Parameters() map[string]*tensor.Tensor { return model.StateDict(c.model) }

func (c *CPU) LoadParameters(state map[string]*tensor.Tensor) error {
	if err := model.LoadStateDict(c.model, state); err != nil {
		return &ComputeError{Op: "load parameters", Err: err}
	}
	return nil
}

func (c *CPU) OptimizerState() map[string]*tensor.Tensor { return c.opt.State() }

func (c *CPU) LoadOptimizerState(state map[string]*tensor.Tensor) error {
	if err := c.opt.LoadState(state); err != nil {
		return &ComputeError{Op: "load optimizer state", Err: err}
	}
	return nil
}

func (c *CPU) NumParameters() int { return model.CountParameters(c.model) }
