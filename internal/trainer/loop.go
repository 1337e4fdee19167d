// Package trainer drives epochs of stereo disparity training and evaluation.
package trainer

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"disparity-forge/internal/bench"
	"disparity-forge/internal/checkpoint"
	"disparity-forge/internal/dataset"
	"disparity-forge/internal/engine"
	"disparity-forge/internal/loss"
	"disparity-forge/internal/metrics"
	"disparity-forge/internal/schedule"
	"disparity-forge/internal/summary"
	"disparity-forge/internal/tensor"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs      int
	BaseLR      float64
	Decay       schedule.Decay
	MaxDisp     float64
	LossWeights []float64

	LogDir   string
	Resume   bool
	LoadCkpt string

	SummaryFreq int
	SaveFreq    int
	LogEvery    int

	Performance bool
	Bench       bench.Options
	BenchHeight int
	BenchWidth  int
	Seed        int64
}

// Source is a re-iterable batch producer.
type Source interface {
	// Len is the number of batches a full pass yields.
	Len() int
	Iter(ctx context.Context) (dataset.Batches, error)
}

// Result is what a finished run reports.
type Result struct {
	StartEpoch int
	// Epochs is the number of epochs completed by this process.
	Epochs int
	Best   BestResult
	// Bench is set only for performance runs.
	Bench *bench.Result
}

// Trainer owns the training state held by its engine for the whole run.
type Trainer struct {
	cfg   RunConfig
	eng   engine.Engine
	train Source
	test  Source
	sink  summary.Sink
	agg   loss.Aggregator
}

// New validates cfg and wires the loop collaborators.
func New(cfg RunConfig, eng engine.Engine, train, test Source, sink summary.Sink) (*Trainer, error) {
	if eng == nil {
		return nil, errors.New("trainer: engine is required")
	}
	if cfg.Performance {
		if cfg.BenchHeight <= 0 || cfg.BenchWidth <= 0 {
			return nil, errors.New("trainer: benchmark input size must be > 0")
		}
		return &Trainer{cfg: cfg, eng: eng}, nil
	}
	if train == nil || test == nil || sink == nil {
		return nil, errors.New("trainer: train, test and summary sink are required")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if len(cfg.LossWeights) == 0 {
		return nil, errors.New("trainer: loss weights are required")
	}
	if err := cfg.Decay.Validate(); err != nil {
		return nil, errors.Wrap(err, "trainer")
	}
	if cfg.SummaryFreq <= 0 {
		cfg.SummaryFreq = 1
	}
	if cfg.SaveFreq <= 0 {
		cfg.SaveFreq = 1
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	return &Trainer{
		cfg:   cfg,
		eng:   eng,
		train: train,
		test:  test,
		sink:  sink,
		agg:   loss.Aggregator{Weights: cfg.LossWeights},
	}, nil
}

// Run restores state if asked, then either benchmarks the engine or trains
// from the start epoch through cfg.Epochs-1. It stops at the next batch
// boundary once ctx is done.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	start, err := t.restore()
	if err != nil {
		return Result{}, err
	}
	klog.Infof("start at epoch %d", start)

	if t.cfg.Performance {
		return t.benchmark(ctx)
	}

	res := Result{StartEpoch: start, Best: NewBestResult()}
	for epoch := start; epoch < t.cfg.Epochs; epoch++ {
		t.eng.SetLearningRate(t.cfg.Decay.Rate(t.cfg.BaseLR, epoch))
		klog.V(1).Infof("epoch %d: learning rate %g", epoch, t.eng.LearningRate())

		if err := t.trainEpoch(ctx, epoch); err != nil {
			return res, err
		}
		if (epoch+1)%t.cfg.SaveFreq == 0 {
			if err := t.save(epoch); err != nil {
				return res, err
			}
		}
		debug.FreeOSMemory()

		avg, err := t.evalEpoch(ctx, epoch)
		if err != nil {
			return res, err
		}
		means := avg.Means()
		res.Best = res.Best.Observe(epoch, means["EPE_0"])
		if err := t.sink.Emit("fulltest", means, t.train.Len()*(epoch+1)); err != nil {
			return res, errors.Wrap(err, "emit fulltest summary")
		}
		if err := t.sink.Flush(); err != nil {
			return res, err
		}
		klog.Infof("epoch %d test means: %s", epoch, formatScalars(avg))
		klog.Infof("MAX epoch %d total test error = %.5f", res.Best.Epoch, res.Best.EPE)
		res.Epochs++
		debug.FreeOSMemory()
	}
	return res, nil
}

func (t *Trainer) restore() (int, error) {
	switch {
	case t.cfg.Resume:
		if t.cfg.LoadCkpt != "" {
			klog.Warningf("both resume and loadckpt set; resuming from %s", t.cfg.LogDir)
		}
		st, err := checkpoint.Resume(t.cfg.LogDir)
		if err != nil {
			return 0, err
		}
		if err := t.eng.LoadParameters(st.Model); err != nil {
			return 0, &checkpoint.RestoreError{Path: t.cfg.LogDir, Err: err}
		}
		if err := t.eng.LoadOptimizerState(st.Optimizer); err != nil {
			return 0, &checkpoint.RestoreError{Path: t.cfg.LogDir, Err: err}
		}
		return st.NextEpoch(), nil
	case t.cfg.LoadCkpt != "":
		klog.Infof("loading model %s", t.cfg.LoadCkpt)
		tr, err := checkpoint.Transfer(t.cfg.LoadCkpt, t.eng.Parameters())
		if err != nil {
			return 0, err
		}
		if err := t.eng.LoadParameters(tr.Params); err != nil {
			return 0, &checkpoint.TransferError{Path: t.cfg.LoadCkpt, Err: err}
		}
		klog.Infof("transferred %d tensors, skipped %d", len(tr.Loaded), len(tr.Skipped))
	}
	return 0, nil
}

func (t *Trainer) benchmark(ctx context.Context) (Result, error) {
	left := bench.RandomInput(t.cfg.BenchHeight, t.cfg.BenchWidth, t.cfg.Seed)
	right := bench.RandomInput(t.cfg.BenchHeight, t.cfg.BenchWidth, t.cfg.Seed+1)
	br, err := bench.Run(ctx, t.eng, left, right, t.cfg.Bench)
	if err != nil {
		return Result{}, err
	}
	klog.Infof("inference time = %.3f ms (%s)", br.MeanMS, br)
	return Result{Bench: &br}, nil
}

func (t *Trainer) save(epoch int) error {
	path, err := checkpoint.Save(t.cfg.LogDir, checkpoint.State{
		Epoch:     epoch,
		Model:     t.eng.Parameters(),
		Optimizer: t.eng.OptimizerState(),
	})
	if err != nil {
		return errors.Wrapf(err, "save checkpoint for epoch %d", epoch)
	}
	klog.Infof("saved %s", path)
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) error {
	it, err := t.train.Iter(ctx)
	if err != nil {
		return errors.Wrap(err, "open train batches")
	}
	defer it.Close()

	n := t.train.Len()
	var (
		avg    metrics.MeanDict
		window metrics.Window
	)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		startData := time.Now()
		batch, err := it.Next()
		if err == io.EOF {
			// A pass cut short by cancellation is not a finished epoch.
			return ctx.Err()
		}
		if err != nil {
			return errors.Wrapf(err, "train epoch %d batch %d", epoch, idx)
		}
		dataTime := time.Since(startData)

		step := n*epoch + idx
		startCompute := time.Now()
		scalars, err := t.trainBatch(ctx, batch, step%t.cfg.SummaryFreq == 0)
		if err != nil {
			return errors.Wrapf(err, "train epoch %d batch %d", epoch, idx)
		}
		window.Observe(metrics.BatchTiming{
			Pairs:   batch.Size(),
			Wait:    dataTime,
			Compute: time.Since(startCompute),
			Loss:    scalars["loss"],
		})
		avg = avg.Add(scalars)

		if len(scalars) > 1 {
			if err := t.sink.Emit("train", scalars, step); err != nil {
				return errors.Wrap(err, "emit train summary")
			}
		}
		if (idx+1)%t.cfg.LogEvery == 0 || idx+1 == n {
			klog.Infof("Epoch %d/%d | Iter %d/%d | train %s", epoch, t.cfg.Epochs, idx, n,
				progress(scalars, avg, window.Snapshot()))
		}
	}
}

// trainBatch runs one optimizer step. EPE_0 and D1_0 are added to the
// returned scalars only when withMetrics is set.
func (t *Trainer) trainBatch(ctx context.Context, batch dataset.Batch, withMetrics bool) (map[string]float64, error) {
	batch, err := t.eng.ToDevice(batch)
	if err != nil {
		return nil, err
	}
	t.eng.ZeroGrad()
	preds, err := t.eng.Forward(ctx, batch.Left, batch.Right, engine.ModeTrain)
	if err != nil {
		return nil, err
	}
	gts := append([]*tensor.Tensor{batch.Disparity}, batch.DisparityLow...)
	masks := make([]*tensor.Mask, len(gts))
	for i, gt := range gts {
		masks[i] = tensor.ValidDisparity(gt, t.cfg.MaxDisp)
	}
	out, err := t.agg.Train(preds, gts, masks)
	if err != nil {
		return nil, err
	}
	scalars := map[string]float64{"loss": out.Loss}
	if withMetrics {
		scalars["EPE_0"] = metrics.EPE(preds[0], gts[0], masks[0]).Mean()
		scalars["D1_0"] = metrics.D1(preds[0], gts[0], masks[0]).Mean()
	}
	if err := t.eng.Backward(ctx, out.Grads); err != nil {
		return nil, err
	}
	if err := t.eng.Step(ctx); err != nil {
		return nil, err
	}
	return scalars, nil
}

func (t *Trainer) evalEpoch(ctx context.Context, epoch int) (metrics.MeanDict, error) {
	it, err := t.test.Iter(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open test batches")
	}
	defer it.Close()

	n := t.test.Len()
	var (
		avg    metrics.MeanDict
		window metrics.Window
	)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		startData := time.Now()
		batch, err := it.Next()
		if err == io.EOF {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return avg, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "test epoch %d batch %d", epoch, idx)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		scalars, err := t.evalBatch(ctx, batch)
		if err != nil {
			return nil, errors.Wrapf(err, "test epoch %d batch %d", epoch, idx)
		}
		window.Observe(metrics.BatchTiming{
			Pairs:   batch.Size(),
			Wait:    dataTime,
			Compute: time.Since(startCompute),
			Loss:    scalars["loss"],
		})
		avg = avg.Add(scalars)

		step := n*epoch + idx
		if step%t.cfg.SummaryFreq == 0 {
			if err := t.sink.Emit("test", scalars, step); err != nil {
				return nil, errors.Wrap(err, "emit test summary")
			}
		}
		if (idx+1)%t.cfg.LogEvery == 0 || idx+1 == n {
			klog.Infof("Epoch %d/%d | Iter %d/%d | test %s", epoch, t.cfg.Epochs, idx, n,
				progress(scalars, avg, window.Snapshot()))
		}
	}
}

func (t *Trainer) evalBatch(ctx context.Context, batch dataset.Batch) (map[string]float64, error) {
	batch, err := t.eng.ToDevice(batch)
	if err != nil {
		return nil, err
	}
	preds, err := t.eng.Forward(ctx, batch.Left, batch.Right, engine.ModeEval)
	if err != nil {
		return nil, err
	}
	mask := tensor.ValidDisparity(batch.Disparity, t.cfg.MaxDisp)
	out, err := t.agg.Eval(preds, batch.Disparity, mask)
	if err != nil {
		return nil, err
	}
	scalars := map[string]float64{"loss": out.Loss}
	for i, pred := range preds {
		if !pred.SameShape(batch.Disparity) {
			continue
		}
		scalars[fmt.Sprintf("EPE_%d", i)] = metrics.EPE(pred, batch.Disparity, mask).Mean()
		scalars[fmt.Sprintf("D1_%d", i)] = metrics.D1(pred, batch.Disparity, mask).Mean()
		for _, th := range []float64{1, 2, 3} {
			scalars[fmt.Sprintf("Thres%d_%d", int(th), i)] = metrics.Thres(pred, batch.Disparity, mask, th).Mean()
		}
	}
	return scalars, nil
}

func formatScalars(d metrics.MeanDict) string {
	parts := make([]string, 0, len(d))
	for _, k := range d.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, d[k].Mean()))
	}
	return strings.Join(parts, " ")
}

// progress renders one progress line. EPE and D1 show the batch value only
// for batches that computed them; the running means are always shown.
func progress(scalars map[string]float64, avg metrics.MeanDict, snap metrics.Snapshot) string {
	parts := []string{fmt.Sprintf("loss = %.3f(%.3f)", scalars["loss"], avg["loss"].Mean())}
	for _, name := range []string{"EPE_0", "D1_0"} {
		label := strings.TrimSuffix(name, "_0")
		mean, seen := avg[name]
		v, ok := scalars[name]
		switch {
		case ok:
			parts = append(parts, fmt.Sprintf("%s = %.3f(%.3f)", label, v, mean.Mean()))
		case seen:
			parts = append(parts, fmt.Sprintf("%s = -(%.3f)", label, mean.Mean()))
		}
	}
	parts = append(parts, fmt.Sprintf("wait_ms=%.2f compute_ms=%.2f max_compute_ms=%.2f pairs_per_sec=%.1f",
		snap.WaitMS, snap.ComputeMS, snap.MaxComputeMS, snap.PairsPerSec))
	return strings.Join(parts, " | ")
}
