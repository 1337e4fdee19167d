package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npy"

	"disparity-forge/internal/tensor"
)

// Sample is one rectified stereo pair with its ground truth. DisparityLow
// holds the lower-resolution targets, highest resolution first.
type Sample struct {
	Key          string
	Left         *tensor.Tensor
	Right        *tensor.Tensor
	Disparity    *tensor.Tensor
	DisparityLow []*tensor.Tensor
}

// Shard members are named <key>.<field>.npy where field is left, right,
// disp, or disp<N> for the N-th lower-resolution target (N >= 1). Members
// of one sample must be contiguous.
const (
	fieldLeft  = "left"
	fieldRight = "right"
	fieldDisp  = "disp"
)

// StreamShard streams samples from the shard at path in member order.
func StreamShard(ctx context.Context, path string) (<-chan Sample, <-chan error) {
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		emit := func(p *partial) error {
			if !p.ready() {
				return errors.Errorf("%s: sample %s incomplete", path, p.key)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- p.sample():
				return nil
			}
		}

		tr := tar.NewReader(bufio.NewReader(f))
		var cur *partial
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrapf(err, "read tar %s", path)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, field, ok := splitMember(hdr.Name)
			if !ok {
				// ignore unknown members
				continue
			}
			if cur != nil && cur.key != key {
				if err := emit(cur); err != nil {
					errCh <- err
					return
				}
				cur = nil
			}
			if cur == nil {
				cur = &partial{key: key}
			}
			t, err := decodeNPY(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "%s: decode %s", path, hdr.Name)
				return
			}
			if err := cur.set(field, t); err != nil {
				errCh <- errors.Wrapf(err, "%s: %s", path, hdr.Name)
				return
			}
		}
		if cur != nil {
			if err := emit(cur); err != nil {
				errCh <- err
			}
		}
	}()

	return out, errCh
}

// CountSamples counts the samples in a shard from its headers alone.
func CountSamples(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open shard")
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	count, last := 0, ""
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, errors.Wrapf(err, "read tar %s", path)
		}
		key, _, ok := splitMember(hdr.Name)
		if !ok || key == last {
			continue
		}
		count++
		last = key
	}
}

func splitMember(name string) (key, field string, ok bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".npy") {
		return "", "", false
	}
	stem := strings.TrimSuffix(base, ".npy")
	i := strings.LastIndex(stem, ".")
	if i <= 0 {
		return "", "", false
	}
	return stem[:i], stem[i+1:], true
}

func decodeNPY(r io.Reader) (*tensor.Tensor, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	rd, err := npy.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	shape := rd.Header.Descr.Shape
	var data []float32
	switch rd.Header.Descr.Type {
	case "<f4":
		if err := rd.Read(&data); err != nil {
			return nil, err
		}
	case "<f8":
		var wide []float64
		if err := rd.Read(&wide); err != nil {
			return nil, err
		}
		data = make([]float32, len(wide))
		for i, v := range wide {
			data[i] = float32(v)
		}
	default:
		return nil, errors.Errorf("unsupported dtype %s", rd.Header.Descr.Type)
	}
	return tensor.FromData(data, shape...)
}

type partial struct {
	key   string
	left  *tensor.Tensor
	right *tensor.Tensor
	disp  *tensor.Tensor
	low   []*tensor.Tensor
}

func (p *partial) set(field string, t *tensor.Tensor) error {
	switch field {
	case fieldLeft:
		p.left = t
	case fieldRight:
		p.right = t
	case fieldDisp:
		p.disp = t
	default:
		if !strings.HasPrefix(field, fieldDisp) {
			return errors.Errorf("unknown field %q", field)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(field, fieldDisp))
		if err != nil || n < 1 {
			return errors.Errorf("bad low-resolution field %q", field)
		}
		for len(p.low) < n {
			p.low = append(p.low, nil)
		}
		p.low[n-1] = t
	}
	return nil
}

func (p *partial) ready() bool {
	if p.left == nil || p.right == nil || p.disp == nil {
		return false
	}
	for _, t := range p.low {
		if t == nil {
			return false
		}
	}
	return true
}

func (p *partial) sample() Sample {
	return Sample{Key: p.key, Left: p.left, Right: p.right, Disparity: p.disp, DisparityLow: p.low}
}
