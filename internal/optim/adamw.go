// Package optim implements parameter update rules with checkpointable state.
package optim

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"disparity-forge/internal/model"
	"disparity-forge/internal/tensor"
)

const (
	slotExpAvg   = ".exp_avg"
	slotExpAvgSq = ".exp_avg_sq"
	stepKey      = "step"

	// The step counter is stored as two float32 words, each below 2^24 so
	// float32 holds it exactly.
	stepWordBits = 24
	stepWordMask = 1<<stepWordBits - 1
)

// AdamWConfig holds AdamW hyperparameters.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamW mirrors the usual defaults with the given base rate.
func DefaultAdamW(lr float64) AdamWConfig {
	return AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.01}
}

// AdamW is Adam with decoupled weight decay. Moment buffers are created
// lazily on the first step of each parameter.
type AdamW struct {
	cfg   AdamWConfig
	step  int
	expAv map[string]*tensor.Tensor
	expSq map[string]*tensor.Tensor
}

// NewAdamW creates an optimizer with empty state.
func NewAdamW(cfg AdamWConfig) *AdamW {
	return &AdamW{
		cfg:   cfg,
		expAv: make(map[string]*tensor.Tensor),
		expSq: make(map[string]*tensor.Tensor),
	}
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.cfg.LR }

// SetLR replaces the learning rate used by subsequent steps.
func (o *AdamW) SetLR(lr float64) { o.cfg.LR = lr }

// ZeroGrad clears the gradients of params.
func (o *AdamW) ZeroGrad(params []*model.Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// Step applies one update to params from their gradients.
func (o *AdamW) Step(params []*model.Param) {
	o.step++
	c := o.cfg
	bias1 := 1 - math.Pow(c.Beta1, float64(o.step))
	bias2 := 1 - math.Pow(c.Beta2, float64(o.step))
	for _, p := range params {
		m, ok := o.expAv[p.Name]
		if !ok {
			m = tensor.New(p.Value.Shape...)
			o.expAv[p.Name] = m
		}
		v, ok := o.expSq[p.Name]
		if !ok {
			v = tensor.New(p.Value.Shape...)
			o.expSq[p.Name] = v
		}
		for i := range p.Value.Data {
			w := float64(p.Value.Data[i])
			g := float64(p.Grad.Data[i])
			w -= c.LR * c.WeightDecay * w
			mi := c.Beta1*float64(m.Data[i]) + (1-c.Beta1)*g
			vi := c.Beta2*float64(v.Data[i]) + (1-c.Beta2)*g*g
			m.Data[i], v.Data[i] = float32(mi), float32(vi)
			w -= c.LR * (mi / bias1) / (math.Sqrt(vi/bias2) + c.Eps)
			p.Value.Data[i] = float32(w)
		}
	}
}

// State returns a copy of the moment buffers and step counter.
func (o *AdamW) State() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, 2*len(o.expAv)+1)
	for name, t := range o.expAv {
		out[name+slotExpAvg] = t.Clone()
	}
	for name, t := range o.expSq {
		out[name+slotExpAvgSq] = t.Clone()
	}
	out[stepKey] = encodeStep(o.step)
	return out
}

// LoadState replaces the optimizer state with a copy of state.
func (o *AdamW) LoadState(state map[string]*tensor.Tensor) error {
	expAv := make(map[string]*tensor.Tensor)
	expSq := make(map[string]*tensor.Tensor)
	step := 0
	for key, t := range state {
		switch {
		case key == stepKey:
			n, err := decodeStep(t)
			if err != nil {
				return err
			}
			step = n
		case strings.HasSuffix(key, slotExpAvgSq):
			expSq[strings.TrimSuffix(key, slotExpAvgSq)] = t.Clone()
		case strings.HasSuffix(key, slotExpAvg):
			expAv[strings.TrimSuffix(key, slotExpAvg)] = t.Clone()
		default:
			return errors.Errorf("unknown optimizer state %q", key)
		}
	}
	o.step, o.expAv, o.expSq = step, expAv, expSq
	return nil
}

// encodeStep packs step as [low word, high word].
func encodeStep(step int) *tensor.Tensor {
	t := tensor.New(2)
	t.Data[0] = float32(step & stepWordMask)
	t.Data[1] = float32(step >> stepWordBits)
	return t
}

// decodeStep also accepts the single-value form written by older checkpoints.
func decodeStep(t *tensor.Tensor) (int, error) {
	switch t.Len() {
	case 1:
		return int(t.Data[0]), nil
	case 2:
		return int(t.Data[1])<<stepWordBits | int(t.Data[0]), nil
	default:
		return 0, errors.Errorf("optimizer step holds %d values", t.Len())
	}
}
