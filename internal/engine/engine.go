// Package engine is the compute capability the training loop drives:
// forward, backward, parameter update, device transfer and synchronization.
package engine

import (
	"context"
	"fmt"

	"disparity-forge/internal/dataset"
	"disparity-forge/internal/model"
	"disparity-forge/internal/tensor"
)

// Mode re-exports model.Mode for callers of the engine.
type Mode = model.Mode

const (
	ModeTrain = model.Train
	ModeEval  = model.Eval
)

// Engine runs a disparity model and its optimizer on some device. All
// calls block until the device work they issue is complete from the
// caller's point of view.
type Engine interface {
	// ToDevice moves a batch to the engine's device.
	ToDevice(b dataset.Batch) (dataset.Batch, error)
	// Forward returns predictions, highest resolution first.
	Forward(ctx context.Context, left, right *tensor.Tensor, mode Mode) ([]*tensor.Tensor, error)
	ZeroGrad()
	// Backward propagates dLoss/dPrediction for the last train forward.
	Backward(ctx context.Context, grads []*tensor.Tensor) error
	Step(ctx context.Context) error
	SetLearningRate(lr float64)
	LearningRate() float64
	// Synchronize waits for outstanding device work.
	Synchronize(ctx context.Context) error

	// Parameters returns a copy of the model state dict.
	Parameters() map[string]*tensor.Tensor
	LoadParameters(map[string]*tensor.Tensor) error
	// OptimizerState returns a copy of the optimizer state.
	OptimizerState() map[string]*tensor.Tensor
	LoadOptimizerState(map[string]*tensor.Tensor) error
	NumParameters() int
}

// ComputeError reports a failed engine operation.
type ComputeError struct {
	Op  string
	Err error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %s: %v", e.Op, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }
