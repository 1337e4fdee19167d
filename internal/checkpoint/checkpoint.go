// Package checkpoint persists training state as npz archives named by epoch.
//
// Archive layout:
//
//	epoch.npy                      int64[1]
//	model/<param>.npy              float32 data, flattened
//	optimizer/<slot>.npy           float32 data, flattened
//	shape/<section>/<name>.npy     int64 rank followed by dims
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npz"
	"k8s.io/klog/v2"

	"disparity-forge/internal/tensor"
)

const (
	ext        = ".ckpt"
	epochKey   = "epoch.npy"
	sectModel  = "model"
	sectOptim  = "optimizer"
	shapePrefx = "shape/"
)

// State is the training state captured at the end of an epoch.
type State struct {
	Epoch     int
	Model     map[string]*tensor.Tensor
	Optimizer map[string]*tensor.Tensor
}

// NextEpoch is the first epoch to run after restoring s.
func (s State) NextEpoch() int { return s.Epoch + 1 }

// FileName returns the checkpoint file name for epoch.
func FileName(epoch int) string {
	return fmt.Sprintf("checkpoint_%06d%s", epoch, ext)
}

// Save writes s into dir as FileName(s.Epoch), replacing any file of the
// same name. Other checkpoints are left alone.
func Save(dir string, s State) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create checkpoint directory")
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	w := npz.NewWriter(tmp)
	if err := writeState(w, s); err != nil {
		tmp.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "finish checkpoint archive")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close checkpoint")
	}
	path := filepath.Join(dir, FileName(s.Epoch))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrap(err, "publish checkpoint")
	}
	return path, nil
}

func writeState(w *npz.Writer, s State) error {
	if err := w.Write(epochKey, []int64{int64(s.Epoch)}); err != nil {
		return errors.Wrap(err, "write epoch")
	}
	for _, sect := range []struct {
		name string
		m    map[string]*tensor.Tensor
	}{{sectModel, s.Model}, {sectOptim, s.Optimizer}} {
		for _, name := range sortedKeys(sect.m) {
			t := sect.m[name]
			key := sect.name + "/" + name + ".npy"
			if err := w.Write(key, t.Data); err != nil {
				return errors.Wrapf(err, "write %s", key)
			}
			if err := w.Write(shapePrefx+key, encodeShape(t.Shape)); err != nil {
				return errors.Wrapf(err, "write shape of %s", key)
			}
		}
	}
	return nil
}

// Latest finds the checkpoint in dir with the highest epoch suffix.
func Latest(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, &RestoreError{Path: dir, Err: err}
	}
	best, bestEpoch := "", -1
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		epoch, err := parseEpoch(e.Name())
		if err != nil {
			return "", 0, &RestoreError{Path: filepath.Join(dir, e.Name()), Err: err}
		}
		if epoch > bestEpoch {
			best, bestEpoch = filepath.Join(dir, e.Name()), epoch
		}
	}
	if best == "" {
		return "", 0, &RestoreError{Path: dir, Err: ErrNoCheckpoint}
	}
	return best, bestEpoch, nil
}

func parseEpoch(name string) (int, error) {
	stem := strings.TrimSuffix(name, ext)
	if i := strings.LastIndex(stem, "_"); i >= 0 {
		stem = stem[i+1:]
	}
	epoch, err := strconv.Atoi(stem)
	if err != nil || epoch < 0 {
		return 0, errors.Errorf("unparsable epoch suffix in %q", name)
	}
	return epoch, nil
}

// Resume loads the latest checkpoint in dir, model and optimizer included.
func Resume(dir string) (State, error) {
	path, _, err := Latest(dir)
	if err != nil {
		return State{}, err
	}
	klog.Infof("loading the latest checkpoint in %s: %s", dir, path)
	s, err := Load(path)
	if err != nil {
		return State{}, &RestoreError{Path: path, Err: err}
	}
	return s, nil
}

// Load reads every section of the checkpoint at path.
func Load(path string) (State, error) {
	r, err := npz.Open(path)
	if err != nil {
		return State{}, errors.Wrap(err, "open checkpoint")
	}
	defer r.Close()

	var epoch []int64
	if err := r.Read(epochKey, &epoch); err != nil {
		return State{}, errors.Wrap(err, "read epoch")
	}
	if len(epoch) != 1 {
		return State{}, errors.Errorf("epoch entry holds %d values", len(epoch))
	}
	model, err := readSection(r, sectModel)
	if err != nil {
		return State{}, err
	}
	optim, err := readSection(r, sectOptim)
	if err != nil {
		return State{}, err
	}
	return State{Epoch: int(epoch[0]), Model: model, Optimizer: optim}, nil
}

func readSection(r *npz.Reader, sect string) (map[string]*tensor.Tensor, error) {
	prefix := sect + "/"
	out := make(map[string]*tensor.Tensor)
	for _, key := range r.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var data []float32
		if err := r.Read(key, &data); err != nil {
			return nil, errors.Wrapf(err, "read %s", key)
		}
		var enc []int64
		if err := r.Read(shapePrefx+key, &enc); err != nil {
			return nil, errors.Wrapf(err, "read shape of %s", key)
		}
		shape, err := decodeShape(enc)
		if err != nil {
			return nil, errors.Wrapf(err, "shape of %s", key)
		}
		t, err := tensor.FromData(data, shape...)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", key)
		}
		out[strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".npy")] = t
	}
	return out, nil
}

func encodeShape(shape []int) []int64 {
	out := make([]int64, 0, len(shape)+1)
	out = append(out, int64(len(shape)))
	for _, d := range shape {
		out = append(out, int64(d))
	}
	return out
}

func decodeShape(enc []int64) ([]int, error) {
	if len(enc) == 0 || int(enc[0]) != len(enc)-1 {
		return nil, errors.Errorf("malformed shape record %v", enc)
	}
	shape := make([]int, len(enc)-1)
	for i, d := range enc[1:] {
		shape[i] = int(d)
	}
	return shape, nil
}

func sortedKeys(m map[string]*tensor.Tensor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
