package trainer

import "math"

// BestResult is the epoch with the lowest full-test EPE seen so far.
type BestResult struct {
	Epoch int
	EPE   float64
}

// NewBestResult returns a result that any finite EPE improves on.
func NewBestResult() BestResult {
	return BestResult{Epoch: -1, EPE: math.Inf(1)}
}

// Observe returns the updated result. Only a strictly lower EPE moves it.
func (b BestResult) Observe(epoch int, epe float64) BestResult {
	if epe < b.EPE {
		return BestResult{Epoch: epoch, EPE: epe}
	}
	return b
}

// Found reports whether any epoch has been observed.
func (b BestResult) Found() bool { return b.Epoch >= 0 }
