package trainer

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"disparity-forge/internal/dataset"
	"disparity-forge/internal/engine"
	"disparity-forge/internal/tensor"
)

const gtDisparity = 10

// fakeEngine predicts a constant disparity. Eval predictions are offset
// from the ground truth by evalErr[epoch], so EPE_0 equals that offset.
type fakeEngine struct {
	evalErr    []float32
	forwardErr error

	lr       float64
	lrs      []float64
	trainLRs []float64
	forwards map[engine.Mode]int
	zeroes   int
	steps    int

	params map[string]*tensor.Tensor
	opt    map[string]*tensor.Tensor
}

func newFakeEngine(evalErr ...float32) *fakeEngine {
	return &fakeEngine{
		evalErr:  evalErr,
		forwards: map[engine.Mode]int{},
		params:   map[string]*tensor.Tensor{"w": tensor.New(1)},
		opt:      map[string]*tensor.Tensor{"step": tensor.New(1)},
	}
}

func (f *fakeEngine) ToDevice(b dataset.Batch) (dataset.Batch, error) { return b, nil }

func (f *fakeEngine) Forward(ctx context.Context, left, right *tensor.Tensor, mode engine.Mode) ([]*tensor.Tensor, error) {
	if f.forwardErr != nil {
		return nil, &engine.ComputeError{Op: "forward", Err: f.forwardErr}
	}
	f.forwards[mode]++
	b, h, w := left.Dim(0), left.Dim(2), left.Dim(3)
	if mode == engine.ModeEval {
		off := float32(0)
		if e := len(f.lrs) - 1; e >= 0 && e < len(f.evalErr) {
			off = f.evalErr[e]
		}
		return []*tensor.Tensor{tensor.New(b, h, w).Fill(gtDisparity + off)}, nil
	}
	f.trainLRs = append(f.trainLRs, f.lr)
	return []*tensor.Tensor{
		tensor.New(b, h, w).Fill(gtDisparity + 2),
		tensor.New(b, h/2, w/2).Fill(gtDisparity/2 + 1),
	}, nil
}

func (f *fakeEngine) ZeroGrad() { f.zeroes++ }

func (f *fakeEngine) Backward(ctx context.Context, grads []*tensor.Tensor) error {
	if len(grads) == 0 || grads[0] == nil {
		return errors.New("backward without full resolution gradient")
	}
	return nil
}

func (f *fakeEngine) Step(ctx context.Context) error {
	f.steps++
	f.params["w"].Data[0]++
	f.opt["step"].Data[0]++
	return nil
}

func (f *fakeEngine) SetLearningRate(lr float64) {
	f.lr = lr
	f.lrs = append(f.lrs, lr)
}

func (f *fakeEngine) LearningRate() float64 { return f.lr }

func (f *fakeEngine) Synchronize(ctx context.Context) error { return nil }

func (f *fakeEngine) Parameters() map[string]*tensor.Tensor { return tensor.CloneMap(f.params) }

func (f *fakeEngine) LoadParameters(state map[string]*tensor.Tensor) error {
	if _, ok := state["w"]; !ok {
		return errors.New("missing w")
	}
	f.params = tensor.CloneMap(state)
	return nil
}

func (f *fakeEngine) OptimizerState() map[string]*tensor.Tensor { return tensor.CloneMap(f.opt) }

func (f *fakeEngine) LoadOptimizerState(state map[string]*tensor.Tensor) error {
	f.opt = tensor.CloneMap(state)
	return nil
}

func (f *fakeEngine) NumParameters() int { return 1 }

type fakeSource struct {
	batches []dataset.Batch
}

func newFakeSource(n, batchSize int) *fakeSource {
	src := &fakeSource{}
	for i := 0; i < n; i++ {
		src.batches = append(src.batches, makeBatch(batchSize, 4, 8))
	}
	return src
}

func (s *fakeSource) Len() int { return len(s.batches) }

func (s *fakeSource) Iter(ctx context.Context) (dataset.Batches, error) {
	return &sliceBatches{batches: s.batches}, nil
}

// cancelingSource yields after batches, then cancels the run and reports
// io.EOF the way a loader does when its context ends mid-pass.
type cancelingSource struct {
	*fakeSource
	after  int
	cancel context.CancelFunc
}

func (s *cancelingSource) Iter(ctx context.Context) (dataset.Batches, error) {
	return &cancelingBatches{sliceBatches: sliceBatches{batches: s.batches}, after: s.after, cancel: s.cancel}, nil
}

type cancelingBatches struct {
	sliceBatches
	after  int
	cancel context.CancelFunc
}

func (c *cancelingBatches) Next() (dataset.Batch, error) {
	if c.pos == c.after {
		c.cancel()
		return dataset.Batch{}, io.EOF
	}
	return c.sliceBatches.Next()
}

type sliceBatches struct {
	batches []dataset.Batch
	pos     int
}

func (s *sliceBatches) Next() (dataset.Batch, error) {
	if s.pos >= len(s.batches) {
		return dataset.Batch{}, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceBatches) Close() {}

func makeBatch(b, h, w int) dataset.Batch {
	keys := make([]string, b)
	for i := range keys {
		keys[i] = "pair"
	}
	return dataset.Batch{
		Keys:         keys,
		Left:         tensor.New(b, 3, h, w),
		Right:        tensor.New(b, 3, h, w),
		Disparity:    tensor.New(b, h, w).Fill(gtDisparity),
		DisparityLow: []*tensor.Tensor{tensor.New(b, h/2, w/2).Fill(gtDisparity / 2)},
	}
}

type event struct {
	tag     string
	step    int
	scalars map[string]float64
}

// recordingSink keeps every event and rejects per-tag step regressions.
type recordingSink struct {
	events []event
	last   map[string]int
	// flushed is len(events) at each Flush.
	flushed []int
}

func (r *recordingSink) Flush() error {
	r.flushed = append(r.flushed, len(r.events))
	return nil
}

func (r *recordingSink) Emit(tag string, scalars map[string]float64, step int) error {
	if r.last == nil {
		r.last = map[string]int{}
	}
	if prev, ok := r.last[tag]; ok && step < prev {
		return errors.Errorf("tag %s: step %d after %d", tag, step, prev)
	}
	r.last[tag] = step
	r.events = append(r.events, event{tag: tag, step: step, scalars: scalars})
	return nil
}

func (r *recordingSink) steps(tag string) []int {
	var out []int
	for _, e := range r.events {
		if e.tag == tag {
			out = append(out, e.step)
		}
	}
	return out
}

func (r *recordingSink) scalars(tag string) []map[string]float64 {
	var out []map[string]float64
	for _, e := range r.events {
		if e.tag == tag {
			out = append(out, e.scalars)
		}
	}
	return out
}
