// Package model holds the disparity networks the engine can run.
package model

import (
	"sort"

	"github.com/pkg/errors"

	"disparity-forge/internal/tensor"
)

// Mode selects the forward behavior.
type Mode int

const (
	// Train returns every supervised scale and keeps what Backward needs.
	Train Mode = iota
	// Eval returns the full-resolution prediction only.
	Eval
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Model maps a stereo pair to disparity maps, highest resolution first.
type Model interface {
	Forward(left, right *tensor.Tensor, mode Mode) ([]*tensor.Tensor, error)
	// Backward accumulates parameter gradients for the last Train forward.
	// grads[i] is dLoss/dPrediction[i]; nil entries contribute nothing.
	Backward(grads []*tensor.Tensor) error
	Params() []*Param
	// Buffers are persistent non-trainable tensors.
	Buffers() map[string]*tensor.Tensor
}

// Options selects a network variant.
type Options struct {
	MaxDisp    int
	Backbone   string
	CostVolume string
	CVScale    int
	Scales     int
	Seed       int64
}

// Backbones and cost volumes accepted by Options.
var (
	Backbones   = []string{"mobilenetv2_100", "efficientnet_b2"}
	CostVolumes = []string{"norm_correlation", "gwc"}
)

var registry = map[string]func(Options) (Model, error){
	"baseline": func(o Options) (Model, error) { return NewBaseline(o) },
}

// New builds the named model.
func New(name string, opts Options) (Model, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown model %q", name)
	}
	return ctor(opts)
}

// Names lists the registered models.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// StateDict returns copies of every parameter and buffer keyed by name.
func StateDict(m Model) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for _, p := range m.Params() {
		out[p.Name] = p.Value.Clone()
	}
	for k, v := range m.Buffers() {
		out[k] = v.Clone()
	}
	return out
}

// LoadStateDict copies state into m. Every name of m must be present with
// the same shape; extra names in state are an error.
func LoadStateDict(m Model, state map[string]*tensor.Tensor) error {
	targets := make(map[string]*tensor.Tensor)
	for _, p := range m.Params() {
		targets[p.Name] = p.Value
	}
	for k, v := range m.Buffers() {
		targets[k] = v
	}
	for name := range state {
		if _, ok := targets[name]; !ok {
			return errors.Errorf("unexpected key %q in state", name)
		}
	}
	for name, dst := range targets {
		src, ok := state[name]
		if !ok {
			return errors.Errorf("missing key %q in state", name)
		}
		if !src.SameShape(dst) {
			return errors.Errorf("%s: shape %v, model has %v", name, src.Shape, dst.Shape)
		}
		copy(dst.Data, src.Data)
	}
	return nil
}

// CountParameters returns the number of trainable scalars.
func CountParameters(m Model) int {
	n := 0
	for _, p := range m.Params() {
		n += p.Value.Len()
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
