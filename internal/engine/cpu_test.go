package engine

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"disparity-forge/internal/model"
	"disparity-forge/internal/optim"
	"disparity-forge/internal/tensor"
)

func newEngine(t *testing.T) *CPU {
	t.Helper()
	m, err := model.New("baseline", model.Options{
		MaxDisp: 8, Backbone: "efficientnet_b2", CostVolume: "norm_correlation", CVScale: 2, Scales: 2, Seed: 3,
	})
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	return NewCPU(m, optim.NewAdamW(optim.DefaultAdamW(0.01)))
}

func TestCPUTrainStepMovesParameters(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	before := e.Parameters()
	left := tensor.New(1, 3, 4, 4).Fill(0.5)
	right := tensor.New(1, 3, 4, 4).Fill(0.5)

	e.ZeroGrad()
	preds, err := e.Forward(ctx, left, right, ModeTrain)
	if err != nil {
		t.Fatalf("Forward error: %v", err)
	}
	grads := []*tensor.Tensor{tensor.New(preds[0].Shape...).Fill(1), nil}
	if err := e.Backward(ctx, grads); err != nil {
		t.Fatalf("Backward error: %v", err)
	}
	if err := e.Step(ctx); err != nil {
		t.Fatalf("Step error: %v", err)
	}
	after := e.Parameters()
	if after["head.0.bias"].Equal(before["head.0.bias"]) {
		t.Fatal("bias did not move after a step")
	}
	if !after["head.1.bias"].Equal(before["head.1.bias"]) {
		t.Fatal("unsupervised head moved")
	}
	if e.OptimizerState()["step"].Data[0] != 1 {
		t.Fatalf("optimizer step not recorded")
	}
}

func TestCPUWrapsComputeErrors(t *testing.T) {
	e := newEngine(t)
	_, err := e.Forward(context.Background(), tensor.New(1, 3, 4, 4), tensor.New(1, 3, 4, 5), ModeEval)
	var cerr *ComputeError
	if !errors.As(err, &cerr) || cerr.Op != "forward" {
		t.Fatalf("expected forward ComputeError, got %v", err)
	}
	if err := e.Backward(context.Background(), nil); !errors.As(err, &cerr) {
		t.Fatalf("expected backward ComputeError, got %v", err)
	}
}

func TestCPUHonorsCancellation(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Forward(ctx, tensor.New(1, 3, 2, 2), tensor.New(1, 3, 2, 2), ModeEval); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
