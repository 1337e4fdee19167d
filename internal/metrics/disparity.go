package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"disparity-forge/internal/tensor"
)

// D1 thresholds: a pixel is bad when its error exceeds both.
const (
	d1AbsThreshold = 3.0
	d1RelThreshold = 0.05
)

// PerImage holds one metric value per batch element. Valid is false for
// elements whose mask selected no pixel; their value is 0.
type PerImage struct {
	Values []float64
	Valid  []bool
}

// Mean averages the valid elements, or returns 0 when none is valid.
func (p PerImage) Mean() float64 {
	vals := make([]float64, 0, len(p.Values))
	for i, v := range p.Values {
		if p.Valid[i] {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

// EPE is the mean absolute disparity error over masked pixels.
func EPE(pred, gt *tensor.Tensor, mask *tensor.Mask) PerImage {
	return perImage(pred, gt, mask, func(p, g float64) float64 {
		return math.Abs(p - g)
	})
}

// D1 is the percentage of masked pixels with error > 3px and > 5% of the
// ground truth.
func D1(pred, gt *tensor.Tensor, mask *tensor.Mask) PerImage {
	return perImage(pred, gt, mask, func(p, g float64) float64 {
		e := math.Abs(p - g)
		if e > d1AbsThreshold && e/math.Abs(g) > d1RelThreshold {
			return 100
		}
		return 0
	})
}

// Thres is the percentage of masked pixels whose absolute error exceeds thres.
func Thres(pred, gt *tensor.Tensor, mask *tensor.Mask, thres float64) PerImage {
	return perImage(pred, gt, mask, func(p, g float64) float64 {
		if math.Abs(p-g) > thres {
			return 100
		}
		return 0
	})
}

// perImage averages fn over the masked pixels of every batch element.
// pred, gt and mask share a [B, ...] layout.
func perImage(pred, gt *tensor.Tensor, mask *tensor.Mask, fn func(p, g float64) float64) PerImage {
	batch := gt.Dim(0)
	out := PerImage{Values: make([]float64, batch), Valid: make([]bool, batch)}
	for b := 0; b < batch; b++ {
		p, g, m := pred.Slice(b), gt.Slice(b), mask.Slice(b)
		sum, n := 0.0, 0
		for i, ok := range m.Valid {
			if !ok {
				continue
			}
			sum += fn(float64(p.Data[i]), float64(g.Data[i]))
			n++
		}
		if n > 0 {
			out.Values[b] = sum / float64(n)
			out.Valid[b] = true
		}
	}
	return out
}
