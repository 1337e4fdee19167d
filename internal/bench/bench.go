// Package bench measures steady-state forward latency of an engine.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"disparity-forge/internal/engine"
	"disparity-forge/internal/tensor"
)

// Options configures a benchmark run.
type Options struct {
	Warmup      int
	Repetitions int
	Mode        engine.Mode
}

// DefaultOptions runs 10 untimed and 500 timed training-mode forwards.
func DefaultOptions() Options {
	return Options{Warmup: 10, Repetitions: 500, Mode: engine.ModeTrain}
}

// Result summarizes the timed calls.
type Result struct {
	MeanMS   float64
	StdDevMS float64
	Calls    int
	Host     string
}

func (r Result) String() string {
	return fmt.Sprintf("mean=%.3fms std=%.3fms calls=%d host=%q", r.MeanMS, r.StdDevMS, r.Calls, r.Host)
}

// Run warms eng up, then times Repetitions forward passes on left/right.
// The device is synchronized before and after every timed call. No
// gradient is computed and no parameter is touched.
func Run(ctx context.Context, eng engine.Engine, left, right *tensor.Tensor, opts Options) (Result, error) {
	if opts.Repetitions <= 0 {
		return Result{}, errors.Errorf("bench: repetitions must be > 0 (got %d)", opts.Repetitions)
	}
	if opts.Warmup < 0 {
		return Result{}, errors.Errorf("bench: warmup must be >= 0 (got %d)", opts.Warmup)
	}
	res := Result{Host: hostDescription()}
	for i := 0; i < opts.Warmup; i++ {
		if _, err := eng.Forward(ctx, left, right, opts.Mode); err != nil {
			return Result{}, errors.Wrap(err, "bench warmup")
		}
		res.Calls++
	}

	timings := make([]float64, opts.Repetitions)
	for i := range timings {
		if err := eng.Synchronize(ctx); err != nil {
			return Result{}, errors.Wrap(err, "bench sync")
		}
		start := time.Now()
		if _, err := eng.Forward(ctx, left, right, opts.Mode); err != nil {
			return Result{}, errors.Wrap(err, "bench forward")
		}
		if err := eng.Synchronize(ctx); err != nil {
			return Result{}, errors.Wrap(err, "bench sync")
		}
		timings[i] = float64(time.Since(start).Nanoseconds()) / 1e6
		res.Calls++
	}
	if len(timings) == 1 {
		res.MeanMS = timings[0]
		return res, nil
	}
	res.MeanMS, res.StdDevMS = stat.MeanStdDev(timings, nil)
	return res, nil
}

// RandomInput returns a [1,3,h,w] tensor of uniform values in [0,1).
func RandomInput(h, w int, seed int64) *tensor.Tensor {
	t := tensor.New(1, 3, h, w)
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = rng.Float32()
	}
	return t
}

func hostDescription() string {
	return fmt.Sprintf("%s, %d cores, avx2=%v", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.Supports(cpuid.AVX2))
}
