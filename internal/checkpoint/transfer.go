package checkpoint

import (
	"sort"

	"github.com/sbinet/npyio/npz"
	"k8s.io/klog/v2"

	"disparity-forge/internal/tensor"
)

// TransferResult is the outcome of a partial weight transfer.
type TransferResult struct {
	// Params is current with every compatible checkpoint entry applied.
	Params map[string]*tensor.Tensor
	// Loaded lists the names taken from the checkpoint.
	Loaded []string
	// Skipped lists checkpoint names absent from current or of another shape.
	Skipped []string
}

// Transfer reads only the model section of the checkpoint at path and
// overlays the entries whose name and shape exist in current. Entries of
// current that the checkpoint does not provide keep their values. Key
// mismatches are not errors; only unreadable storage is.
func Transfer(path string, current map[string]*tensor.Tensor) (TransferResult, error) {
	r, err := npz.Open(path)
	if err != nil {
		return TransferResult{}, &TransferError{Path: path, Err: err}
	}
	defer r.Close()

	saved, err := readSection(r, sectModel)
	if err != nil {
		return TransferResult{}, &TransferError{Path: path, Err: err}
	}

	res := TransferResult{Params: tensor.CloneMap(current)}
	for _, name := range sortedKeys(saved) {
		cur, ok := current[name]
		if !ok || !cur.SameShape(saved[name]) {
			res.Skipped = append(res.Skipped, name)
			klog.V(1).Infof("transfer: skipping %s", name)
			continue
		}
		res.Params[name] = saved[name]
		res.Loaded = append(res.Loaded, name)
	}
	sort.Strings(res.Loaded)
	return res, nil
}
