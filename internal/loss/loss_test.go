package loss

import (
	"math"
	"testing"

	"disparity-forge/internal/tensor"
)

func vec(t *testing.T, data ...float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromData(data, 1, len(data))
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	return out
}

func TestTrainWeightsScales(t *testing.T) {
	gt0 := vec(t, 10, 20, 0, 300)
	pred0 := vec(t, 10.5, 23, 7, 9)
	gt1 := vec(t, 5, 10)
	pred1 := vec(t, 5, 12)
	masks := []*tensor.Mask{tensor.ValidDisparity(gt0, 192), tensor.ValidDisparity(gt1, 192)}

	agg := Aggregator{Weights: []float64{1.0, 0.3}}
	res, err := agg.Train([]*tensor.Tensor{pred0, pred1}, []*tensor.Tensor{gt0, gt1}, masks)
	if err != nil {
		t.Fatalf("Train error: %v", err)
	}
	// scale 0: (0.125 + 2.5) / 2 ; scale 1: (0 + 1.5) / 2
	want0, want1 := 1.3125, 0.75
	if math.Abs(res.Terms[0]-want0) > 1e-9 || math.Abs(res.Terms[1]-want1) > 1e-9 {
		t.Fatalf("terms=%v", res.Terms)
	}
	if math.Abs(res.Loss-(want0+0.3*want1)) > 1e-9 {
		t.Fatalf("loss=%v", res.Loss)
	}
	g := res.Grads[0].Data
	if g[2] != 0 || g[3] != 0 {
		t.Fatalf("gradient leaked outside mask: %v", g)
	}
	if math.Abs(float64(g[0])-0.25) > 1e-6 || math.Abs(float64(g[1])-0.5) > 1e-6 {
		t.Fatalf("unexpected gradient %v", g)
	}
	if math.Abs(float64(res.Grads[1].Data[1])-0.15) > 1e-6 {
		t.Fatalf("weight not applied to scale 1 gradient: %v", res.Grads[1].Data)
	}
}

func TestTrainEmptyMaskScaleContributesZero(t *testing.T) {
	gt0 := vec(t, 10, 20)
	gt1 := vec(t, 0, 0)
	preds := []*tensor.Tensor{vec(t, 11, 20), vec(t, 50, 60)}
	masks := []*tensor.Mask{tensor.ValidDisparity(gt0, 192), tensor.ValidDisparity(gt1, 192)}
	res, err := Aggregator{Weights: []float64{1, 1}}.Train(preds, []*tensor.Tensor{gt0, gt1}, masks)
	if err != nil {
		t.Fatalf("Train error: %v", err)
	}
	if res.Terms[1] != 0 || math.IsNaN(res.Loss) || res.Loss < 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTrainRejectsMissingScales(t *testing.T) {
	gt := vec(t, 1, 2)
	_, err := Aggregator{Weights: []float64{1, 0.3}}.Train(
		[]*tensor.Tensor{vec(t, 1, 2)}, []*tensor.Tensor{gt}, []*tensor.Mask{tensor.ValidDisparity(gt, 192)})
	if err == nil {
		t.Fatal("expected error when a weighted scale has no prediction")
	}
}

func TestEvalUsesFullResolutionOnly(t *testing.T) {
	gt := vec(t, 10, 20)
	preds := []*tensor.Tensor{vec(t, 12, 20), vec(t, 100)}
	res, err := Aggregator{Weights: []float64{1, 0.3}}.Eval(preds, gt, tensor.ValidDisparity(gt, 192))
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if math.Abs(res.Loss-0.75) > 1e-9 {
		t.Fatalf("loss=%v want 0.75", res.Loss)
	}
	if res.Grads[1] != nil {
		t.Fatal("lower scale received a gradient in eval mode")
	}
}
