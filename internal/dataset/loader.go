package dataset

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"disparity-forge/internal/tensor"
)

// Batch is a collated group of samples. Images are [B,3,H,W], disparities
// [B,H,W]; DisparityLow[i] stacks the i-th lower-resolution target.
type Batch struct {
	Keys         []string
	Left         *tensor.Tensor
	Right        *tensor.Tensor
	Disparity    *tensor.Tensor
	DisparityLow []*tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int { return len(b.Keys) }

// Batches yields batches until it returns io.EOF.
type Batches interface {
	Next() (Batch, error)
	Close()
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Shards     []string
	BatchSize  int
	DropLast   bool
	NumWorkers int
}

// Loader batches the samples of a fixed, ordered list of shards.
type Loader struct {
	opts    LoaderOptions
	samples int
}

// NewLoader indexes the shards to learn the sample count.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if len(opts.Shards) == 0 {
		return nil, errors.New("loader: no shards")
	}
	total := 0
	for _, s := range opts.Shards {
		n, err := CountSamples(s)
		if err != nil {
			return nil, err
		}
		total += n
	}
	return &Loader{opts: opts, samples: total}, nil
}

// Samples returns the number of samples in one pass.
func (l *Loader) Samples() int { return l.samples }

// Len returns the number of batches in one pass.
func (l *Loader) Len() int {
	n := l.samples / l.opts.BatchSize
	if !l.opts.DropLast && l.samples%l.opts.BatchSize != 0 {
		n++
	}
	return n
}

// Iter starts one pass over the data.
func (l *Loader) Iter(ctx context.Context) (Batches, error) {
	ctx, cancel := context.WithCancel(ctx)
	samples, errs, err := StartSampler(ctx, SamplerOptions{Shards: l.opts.Shards, NumWorkers: l.opts.NumWorkers})
	if err != nil {
		cancel()
		return nil, err
	}
	return &iterator{
		ctx:       ctx,
		cancel:    cancel,
		samples:   samples,
		errs:      errs,
		batchSize: l.opts.BatchSize,
		dropLast:  l.opts.DropLast,
	}, nil
}

type iterator struct {
	ctx       context.Context
	cancel    context.CancelFunc
	samples   <-chan Sample
	errs      <-chan error
	batchSize int
	dropLast  bool
	done      bool
}

func (it *iterator) Next() (Batch, error) {
	if it.done {
		return Batch{}, io.EOF
	}
	if err := it.ctx.Err(); err != nil {
		return Batch{}, err
	}
	group := make([]Sample, 0, it.batchSize)
	for len(group) < it.batchSize {
		select {
		case <-it.ctx.Done():
			return Batch{}, it.ctx.Err()
		case err, ok := <-it.errs:
			if !ok {
				it.errs = nil
				continue
			}
			if err != nil {
				it.done = true
				return Batch{}, err
			}
		case sample, ok := <-it.samples:
			if !ok {
				it.done = true
				if err := it.drainErr(); err != nil {
					return Batch{}, err
				}
				if err := it.ctx.Err(); err != nil {
					return Batch{}, err
				}
				if len(group) == 0 || it.dropLast {
					return Batch{}, io.EOF
				}
				return collate(group)
			}
			group = append(group, sample)
		}
	}
	return collate(group)
}

func (it *iterator) drainErr() error {
	if it.errs == nil {
		return nil
	}
	err, ok := <-it.errs
	if ok {
		return err
	}
	return nil
}

func (it *iterator) Close() {
	it.cancel()
}

func collate(group []Sample) (Batch, error) {
	b := Batch{Keys: make([]string, len(group))}
	lefts := make([]*tensor.Tensor, len(group))
	rights := make([]*tensor.Tensor, len(group))
	disps := make([]*tensor.Tensor, len(group))
	lowCount := len(group[0].DisparityLow)
	lows := make([][]*tensor.Tensor, lowCount)
	for i, s := range group {
		b.Keys[i] = s.Key
		lefts[i], rights[i], disps[i] = s.Left, s.Right, s.Disparity
		if len(s.DisparityLow) != lowCount {
			return Batch{}, errors.Errorf("collate: sample %s has %d low-resolution targets, want %d",
				s.Key, len(s.DisparityLow), lowCount)
		}
		for j, t := range s.DisparityLow {
			lows[j] = append(lows[j], t)
		}
	}
	var err error
	if b.Left, err = tensor.Stack(lefts); err != nil {
		return Batch{}, errors.Wrap(err, "collate left")
	}
	if b.Right, err = tensor.Stack(rights); err != nil {
		return Batch{}, errors.Wrap(err, "collate right")
	}
	if b.Disparity, err = tensor.Stack(disps); err != nil {
		return Batch{}, errors.Wrap(err, "collate disparity")
	}
	for j, ts := range lows {
		st, err := tensor.Stack(ts)
		if err != nil {
			return Batch{}, errors.Wrapf(err, "collate disparity level %d", j+1)
		}
		b.DisparityLow = append(b.DisparityLow, st)
	}
	return b, nil
}
