package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"disparity-forge/internal/tensor"
)

const softArgminTemperature = 0.1

// imagenet normalization used by both backbones.
var (
	channelMean = []float32{0.485, 0.456, 0.406}
	channelStd  = []float32{0.229, 0.224, 0.225}
)

// Baseline regresses disparity by soft-argmin over a matching cost volume
// sampled every CVScale pixels, then applies one affine head per output
// scale. Scale s has resolution (H>>s, W>>s) and disparity divided by 2^s.
type Baseline struct {
	opts    Options
	mean    *tensor.Tensor
	std     *tensor.Tensor
	buffers map[string]*tensor.Tensor
	heads   []*Param // weight, bias per scale
	cache   []*tensor.Tensor
}

// NewBaseline validates opts and initializes the heads from opts.Seed.
func NewBaseline(opts Options) (*Baseline, error) {
	if opts.MaxDisp <= 0 {
		return nil, errors.Errorf("max disparity must be > 0 (got %d)", opts.MaxDisp)
	}
	if opts.CVScale <= 0 || opts.CVScale > opts.MaxDisp {
		return nil, errors.Errorf("cost volume scale %d out of range", opts.CVScale)
	}
	if opts.Scales <= 0 {
		return nil, errors.Errorf("scales must be > 0 (got %d)", opts.Scales)
	}
	if !contains(Backbones, opts.Backbone) {
		return nil, errors.Errorf("unknown backbone %q", opts.Backbone)
	}
	if !contains(CostVolumes, opts.CostVolume) {
		return nil, errors.Errorf("unknown cost volume %q", opts.CostVolume)
	}
	m := &Baseline{
		opts: opts,
		mean: tensor.New(3),
		std:  tensor.New(3),
	}
	copy(m.mean.Data, channelMean)
	copy(m.std.Data, channelStd)
	prefix := "backbone." + opts.Backbone
	m.buffers = map[string]*tensor.Tensor{prefix + ".mean": m.mean, prefix + ".std": m.std}

	rng := rand.New(rand.NewSource(opts.Seed))
	for s := 0; s < opts.Scales; s++ {
		w := tensor.New(1).Fill(float32(1 + (rng.Float64()*2-1)*0.01))
		b := tensor.New(1)
		m.heads = append(m.heads,
			&Param{Name: fmt.Sprintf("head.%d.weight", s), Value: w, Grad: tensor.New(1)},
			&Param{Name: fmt.Sprintf("head.%d.bias", s), Value: b, Grad: tensor.New(1)},
		)
	}
	return m, nil
}

func (m *Baseline) Params() []*Param { return m.heads }

func (m *Baseline) Buffers() map[string]*tensor.Tensor { return m.buffers }

func (m *Baseline) Forward(left, right *tensor.Tensor, mode Mode) ([]*tensor.Tensor, error) {
	if len(left.Shape) != 4 || left.Dim(1) != 3 || !left.SameShape(right) {
		return nil, errors.Errorf("want left/right [B,3,H,W], got %v and %v", left.Shape, right.Shape)
	}
	scales := m.opts.Scales
	if mode == Eval {
		scales = 1
	}
	h, w := left.Dim(2), left.Dim(3)
	if h>>(scales-1) == 0 || w>>(scales-1) == 0 {
		return nil, errors.Errorf("input %dx%d too small for %d scales", h, w, scales)
	}

	coarse := m.regress(left, right)
	bases := make([]*tensor.Tensor, scales)
	preds := make([]*tensor.Tensor, scales)
	for s := 0; s < scales; s++ {
		base := downsample(coarse, s)
		wt, bs := m.heads[2*s].Value.Data[0], m.heads[2*s+1].Value.Data[0]
		pred := tensor.New(base.Shape...)
		for i, v := range base.Data {
			pred.Data[i] = wt*v + bs
		}
		bases[s], preds[s] = base, pred
	}
	if mode == Train {
		m.cache = bases
	}
	return preds, nil
}

func (m *Baseline) Backward(grads []*tensor.Tensor) error {
	if m.cache == nil {
		return errors.New("backward without a training forward")
	}
	if len(grads) > len(m.cache) {
		return errors.Errorf("%d gradients for %d outputs", len(grads), len(m.cache))
	}
	for s, g := range grads {
		if g == nil {
			continue
		}
		base := m.cache[s]
		if !g.SameShape(base) {
			return errors.Errorf("scale %d: gradient %v, output %v", s, g.Shape, base.Shape)
		}
		var dw, db float64
		for i, gv := range g.Data {
			dw += float64(gv) * float64(base.Data[i])
			db += float64(gv)
		}
		m.heads[2*s].Grad.Data[0] += float32(dw)
		m.heads[2*s+1].Grad.Data[0] += float32(db)
	}
	m.cache = nil
	return nil
}

// regress returns the full-resolution soft-argmin disparity [B,H,W].
func (m *Baseline) regress(left, right *tensor.Tensor) *tensor.Tensor {
	bsz, h, w := left.Dim(0), left.Dim(2), left.Dim(3)
	plane := h * w
	out := tensor.New(bsz, h, w)
	candidates := make([]int, 0, m.opts.MaxDisp/m.opts.CVScale)
	for d := 0; d < m.opts.MaxDisp; d += m.opts.CVScale {
		candidates = append(candidates, d)
	}
	costs := make([]float64, len(candidates))
	var l, r [3]float64
	for b := 0; b < bsz; b++ {
		li, ri := left.Slice(b).Data, right.Slice(b).Data
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for c := 0; c < 3; c++ {
					l[c] = m.normalize(li[c*plane+y*w+x], c)
				}
				n := 0
				for _, d := range candidates {
					if x-d < 0 {
						break
					}
					for c := 0; c < 3; c++ {
						r[c] = m.normalize(ri[c*plane+y*w+x-d], c)
					}
					costs[n] = m.similarity(l, r)
					n++
				}
				out.Data[b*plane+y*w+x] = float32(softArgmin(costs[:n], candidates))
			}
		}
	}
	return out
}

func (m *Baseline) normalize(v float32, c int) float64 {
	return float64((v - m.mean.Data[c]) / m.std.Data[c])
}

func (m *Baseline) similarity(l, r [3]float64) float64 {
	if m.opts.CostVolume == "gwc" {
		// one channel per group
		return (l[0]*r[0] + l[1]*r[1] + l[2]*r[2]) / 3
	}
	dot := l[0]*r[0] + l[1]*r[1] + l[2]*r[2]
	nl := math.Sqrt(l[0]*l[0] + l[1]*l[1] + l[2]*l[2])
	nr := math.Sqrt(r[0]*r[0] + r[1]*r[1] + r[2]*r[2])
	return dot / (nl*nr + 1e-6)
}

func softArgmin(costs []float64, candidates []int) float64 {
	maxC := math.Inf(-1)
	for _, c := range costs {
		maxC = math.Max(maxC, c)
	}
	var sum, acc float64
	for i, c := range costs {
		p := math.Exp((c - maxC) / softArgminTemperature)
		sum += p
		acc += p * float64(candidates[i])
	}
	return acc / sum
}

// downsample average-pools [B,H,W] by 2^s and rescales disparity to match.
func downsample(t *tensor.Tensor, s int) *tensor.Tensor {
	if s == 0 {
		return t.Clone()
	}
	f := 1 << s
	bsz, h, w := t.Dim(0), t.Dim(1), t.Dim(2)
	oh, ow := h/f, w/f
	out := tensor.New(bsz, oh, ow)
	norm := float32(f * f * f)
	for b := 0; b < bsz; b++ {
		src := t.Slice(b).Data
		dst := out.Slice(b).Data
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				var sum float32
				for dy := 0; dy < f; dy++ {
					row := (y*f + dy) * w
					for dx := 0; dx < f; dx++ {
						sum += src[row+x*f+dx]
					}
				}
				dst[y*ow+x] = sum / norm
			}
		}
	}
	return out
}
