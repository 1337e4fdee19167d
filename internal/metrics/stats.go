package metrics

import "time"

// BatchTiming is what one train or test batch reports to a Window.
type BatchTiming struct {
	Pairs   int
	Wait    time.Duration // blocked on the loader
	Compute time.Duration // engine calls, loss and metrics
	Loss    float64
}

// Window aggregates batch timings between two progress lines of a phase.
type Window struct {
	pairs      int
	batches    int
	wait       time.Duration
	compute    time.Duration
	maxCompute time.Duration
	loss       RunningAverage
}

// Observe adds one batch.
func (w *Window) Observe(b BatchTiming) {
	w.pairs += b.Pairs
	w.batches++
	w.wait += b.Wait
	w.compute += b.Compute
	if b.Compute > w.maxCompute {
		w.maxCompute = b.Compute
	}
	w.loss = w.loss.Add(b.Loss, 1)
}

// Snapshot summarizes the observed batches and empties the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{
		Batches:      w.batches,
		MaxComputeMS: ms(w.maxCompute),
		MeanLoss:     w.loss.Mean(),
		LastLoss:     w.loss.Value,
	}
	if total := w.wait + w.compute; total > 0 {
		snap.PairsPerSec = float64(w.pairs) / total.Seconds()
	}
	if w.batches > 0 {
		snap.WaitMS = ms(w.wait) / float64(w.batches)
		snap.ComputeMS = ms(w.compute) / float64(w.batches)
	}
	*w = Window{}
	return snap
}

// Snapshot is the loggable view of a Window.
type Snapshot struct {
	Batches      int
	PairsPerSec  float64
	WaitMS       float64
	ComputeMS    float64
	MaxComputeMS float64
	MeanLoss     float64
	LastLoss     float64
}

func ms(d time.Duration) float64 { return d.Seconds() * 1000 }
