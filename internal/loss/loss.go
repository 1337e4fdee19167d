// Package loss turns disparity predictions into a scalar objective and the
// matching per-prediction gradients.
package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"disparity-forge/internal/tensor"
)

// Result is a scalar loss with the gradient of that loss for each
// prediction. Grads[i] is nil when prediction i was not supervised.
type Result struct {
	Loss  float64
	Terms []float64
	Grads []*tensor.Tensor
}

// Aggregator combines per-scale masked smooth-L1 terms.
// Weights[i] applies to scale i, highest resolution first.
type Aggregator struct {
	Weights []float64
}

// Train supervises every weighted scale. preds, gts and masks are ordered
// highest resolution first; extra entries beyond len(Weights) are ignored.
func (a Aggregator) Train(preds, gts []*tensor.Tensor, masks []*tensor.Mask) (Result, error) {
	n := len(a.Weights)
	if n == 0 {
		return Result{}, errors.New("loss: no scale weights configured")
	}
	if len(preds) < n || len(gts) < n || len(masks) < n {
		return Result{}, errors.Errorf("loss: %d weighted scales but %d predictions, %d targets, %d masks",
			n, len(preds), len(gts), len(masks))
	}
	res := Result{Terms: make([]float64, n), Grads: make([]*tensor.Tensor, len(preds))}
	for i, w := range a.Weights {
		term, grad, err := smoothL1(preds[i], gts[i], masks[i], w)
		if err != nil {
			return Result{}, errors.Wrapf(err, "scale %d", i)
		}
		res.Terms[i] = term
		res.Grads[i] = grad
	}
	res.Loss = floats.Dot(a.Weights, res.Terms)
	return res, nil
}

// Eval supervises only the full-resolution prediction.
func (a Aggregator) Eval(preds []*tensor.Tensor, gt *tensor.Tensor, mask *tensor.Mask) (Result, error) {
	if len(preds) == 0 {
		return Result{}, errors.New("loss: no predictions")
	}
	term, grad, err := smoothL1(preds[0], gt, mask, 1)
	if err != nil {
		return Result{}, errors.Wrap(err, "full resolution")
	}
	grads := make([]*tensor.Tensor, len(preds))
	grads[0] = grad
	return Result{Loss: term, Terms: []float64{term}, Grads: grads}, nil
}

// smoothL1 is the mean Huber loss (beta 1) over masked pixels. The returned
// gradient is scaled by weight and is zero outside the mask. An empty mask
// yields a zero term.
func smoothL1(pred, gt *tensor.Tensor, mask *tensor.Mask, weight float64) (float64, *tensor.Tensor, error) {
	if !pred.SameShape(gt) {
		return 0, nil, errors.Errorf("prediction %v does not match target %v", pred.Shape, gt.Shape)
	}
	if len(mask.Valid) != len(gt.Data) {
		return 0, nil, errors.Errorf("mask %v does not match target %v", mask.Shape, gt.Shape)
	}
	grad := tensor.New(pred.Shape...)
	count := mask.Count()
	if count == 0 {
		return 0, grad, nil
	}
	scale := weight / float64(count)
	sum := 0.0
	for i, ok := range mask.Valid {
		if !ok {
			continue
		}
		d := float64(pred.Data[i]) - float64(gt.Data[i])
		if math.Abs(d) < 1 {
			sum += 0.5 * d * d
			grad.Data[i] = float32(d * scale)
		} else {
			sum += math.Abs(d) - 0.5
			grad.Data[i] = float32(math.Copysign(scale, d))
		}
	}
	return sum / float64(count), grad, nil
}
