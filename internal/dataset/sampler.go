package dataset

import (
	"context"

	"github.com/pkg/errors"
)

// SamplerOptions configures one ordered pass over a list of shards.
type SamplerOptions struct {
	Shards []string
	// NumWorkers bounds how many shards are decoded ahead of the consumer.
	NumWorkers int
}

// StartSampler streams every sample of opts.Shards exactly once, in shard
// order and member order. The sample channel closes after the last shard
// or the first error; the error, if any, is sent on the error channel
// before it closes. A canceled pass always ends with the context error.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Shards) == 0 {
		return nil, nil, errors.New("sampler: no shards provided")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(parent)

	slots := make([]chan shardStream, len(opts.Shards))
	for i := range slots {
		slots[i] = make(chan shardStream, 1)
	}
	inflight := make(chan struct{}, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	go openShards(ctx, opts.Shards, slots, inflight)

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := mergeShards(ctx, slots, inflight, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

type shardStream struct {
	samples <-chan Sample
	errCh   <-chan error
}

// openShards starts decoding shards in list order, holding one inflight
// token per open shard.
func openShards(ctx context.Context, shards []string, slots []chan shardStream, inflight chan<- struct{}) {
	for i, path := range shards {
		select {
		case <-ctx.Done():
			return
		case inflight <- struct{}{}:
		}
		samples, errCh := StreamShard(ctx, path)
		slots[i] <- shardStream{samples: samples, errCh: errCh}
	}
}

// mergeShards forwards each shard's samples in slot order and frees its
// inflight token once the shard is drained.
func mergeShards(ctx context.Context, slots []chan shardStream, inflight <-chan struct{}, out chan<- Sample) error {
	for _, slot := range slots {
		var stream shardStream
		select {
		case <-ctx.Done():
			return ctx.Err()
		case stream = <-slot:
		}
		if !forward(ctx, stream.samples, out) {
			return ctx.Err()
		}
		if err := <-stream.errCh; err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		<-inflight
	}
	return ctx.Err()
}

// forward copies samples to out until in closes. It reports false when
// ctx ended first.
func forward(ctx context.Context, in <-chan Sample, out chan<- Sample) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sample, ok := <-in:
			if !ok {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case out <- sample:
			}
		}
	}
}
