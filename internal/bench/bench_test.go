package bench

import (
	"context"
	"testing"
	"time"

	"disparity-forge/internal/dataset"
	"disparity-forge/internal/engine"
	"disparity-forge/internal/tensor"
)

// countingEngine counts calls and fails the test on anything that would
// touch training state.
type countingEngine struct {
	t        *testing.T
	forwards int
	syncs    int
}

func (e *countingEngine) ToDevice(b dataset.Batch) (dataset.Batch, error) { return b, nil }

func (e *countingEngine) Forward(ctx context.Context, left, right *tensor.Tensor, mode engine.Mode) ([]*tensor.Tensor, error) {
	e.forwards++
	time.Sleep(10 * time.Microsecond)
	return []*tensor.Tensor{tensor.New(1, 2, 2)}, nil
}

func (e *countingEngine) ZeroGrad() { e.t.Fatal("ZeroGrad called") }

func (e *countingEngine) Backward(context.Context, []*tensor.Tensor) error {
	e.t.Fatal("Backward called")
	return nil
}

func (e *countingEngine) Step(context.Context) error {
	e.t.Fatal("Step called")
	return nil
}

func (e *countingEngine) SetLearningRate(float64) { e.t.Fatal("SetLearningRate called") }
func (e *countingEngine) LearningRate() float64   { return 0 }

func (e *countingEngine) Synchronize(context.Context) error {
	e.syncs++
	return nil
}

func (e *countingEngine) Parameters() map[string]*tensor.Tensor { return nil }

func (e *countingEngine) LoadParameters(map[string]*tensor.Tensor) error {
	e.t.Fatal("LoadParameters called")
	return nil
}

func (e *countingEngine) OptimizerState() map[string]*tensor.Tensor { return nil }

func (e *countingEngine) LoadOptimizerState(map[string]*tensor.Tensor) error {
	e.t.Fatal("LoadOptimizerState called")
	return nil
}

func (e *countingEngine) NumParameters() int { return 0 }

func TestRunCallCountsAndPositiveLatency(t *testing.T) {
	eng := &countingEngine{t: t}
	in := RandomInput(4, 4, 1)
	res, err := Run(context.Background(), eng, in, in, Options{Warmup: 10, Repetitions: 500})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if eng.forwards != 510 || res.Calls != 510 {
		t.Fatalf("forwards=%d calls=%d want 510", eng.forwards, res.Calls)
	}
	if eng.syncs != 1000 {
		t.Fatalf("syncs=%d want 1000", eng.syncs)
	}
	if !(res.MeanMS > 0) {
		t.Fatalf("mean latency %v not positive", res.MeanMS)
	}
	if res.Host == "" {
		t.Fatal("missing host description")
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	eng := &countingEngine{t: t}
	in := RandomInput(2, 2, 1)
	if _, err := Run(context.Background(), eng, in, in, Options{Repetitions: 0}); err == nil {
		t.Fatal("expected error for zero repetitions")
	}
	if _, err := Run(context.Background(), eng, in, in, Options{Warmup: -1, Repetitions: 1}); err == nil {
		t.Fatal("expected error for negative warmup")
	}
}

func TestRandomInputDeterministic(t *testing.T) {
	a, b := RandomInput(3, 5, 7), RandomInput(3, 5, 7)
	if !a.Equal(b) || a.Dim(1) != 3 || a.Dim(3) != 5 {
		t.Fatalf("unexpected input %v", a.Shape)
	}
}
