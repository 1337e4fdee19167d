package schedule

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Decay divides the base learning rate by Factor once for every milestone
// the current epoch has reached.
type Decay struct {
	Milestones []int
	Factor     float64
}

// Parse reads the "e1,e2,...:factor" form, e.g. "20,32,40,48,56:2".
func Parse(s string) (Decay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Decay{}, errors.Errorf("decay schedule %q: want \"e1,e2,...:factor\"", s)
	}
	factor, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Decay{}, errors.Wrapf(err, "decay schedule %q: factor", s)
	}
	d := Decay{Factor: factor}
	if list := strings.TrimSpace(parts[0]); list != "" {
		for _, field := range strings.Split(list, ",") {
			e, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return Decay{}, errors.Wrapf(err, "decay schedule %q: milestone", s)
			}
			d.Milestones = append(d.Milestones, e)
		}
	}
	if err := d.Validate(); err != nil {
		return Decay{}, err
	}
	return d, nil
}

// Validate checks that milestones are non-negative and strictly increasing
// and that the factor is positive.
func (d Decay) Validate() error {
	if !(d.Factor > 0) || math.IsInf(d.Factor, 0) {
		return errors.Errorf("decay factor must be a positive number (got %v)", d.Factor)
	}
	for i, e := range d.Milestones {
		if e < 0 {
			return errors.Errorf("decay milestone %d is negative", e)
		}
		if i > 0 && e <= d.Milestones[i-1] {
			return errors.Errorf("decay milestones must increase (%d after %d)", e, d.Milestones[i-1])
		}
	}
	return nil
}

// Rate returns the learning rate in effect for epoch.
func (d Decay) Rate(base float64, epoch int) float64 {
	lr := base
	for _, e := range d.Milestones {
		if epoch >= e {
			lr /= d.Factor
		}
	}
	return lr
}

func (d Decay) String() string {
	fields := make([]string, len(d.Milestones))
	for i, e := range d.Milestones {
		fields[i] = strconv.Itoa(e)
	}
	return strings.Join(fields, ",") + ":" + strconv.FormatFloat(d.Factor, 'g', -1, 64)
}
