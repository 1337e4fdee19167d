package metrics

import "sort"

// RunningAverage is a weighted streaming mean. The zero value is empty.
// Add returns a new value; the receiver is never modified.
type RunningAverage struct {
	Value float64
	Sum   float64
	Count float64
}

// Add folds one weighted observation into the average.
func (a RunningAverage) Add(value, weight float64) RunningAverage {
	return RunningAverage{
		Value: value,
		Sum:   a.Sum + value*weight,
		Count: a.Count + weight,
	}
}

// Mean returns Sum/Count, or 0 before the first observation.
func (a RunningAverage) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / a.Count
}

// MeanDict tracks one RunningAverage per scalar name.
type MeanDict map[string]RunningAverage

// Add folds a mapping of scalars, each with weight 1, and returns the new dict.
func (d MeanDict) Add(scalars map[string]float64) MeanDict {
	out := make(MeanDict, len(d)+len(scalars))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range scalars {
		out[k] = out[k].Add(v, 1)
	}
	return out
}

// Means finalizes every tracked scalar into its mean.
func (d MeanDict) Means() map[string]float64 {
	out := make(map[string]float64, len(d))
	for k, v := range d {
		out[k] = v.Mean()
	}
	return out
}

// Keys returns the tracked names in sorted order.
func (d MeanDict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
