package tensor

// Mask marks the pixels that take part in loss and metric computation.
type Mask struct {
	Shape []int
	Valid []bool
}

// ValidDisparity returns the mask 0 < gt < maxDisp.
func ValidDisparity(gt *Tensor, maxDisp float64) *Mask {
	m := &Mask{Shape: append([]int(nil), gt.Shape...), Valid: make([]bool, len(gt.Data))}
	for i, v := range gt.Data {
		d := float64(v)
		m.Valid[i] = d > 0 && d < maxDisp
	}
	return m
}

// Count returns the number of valid pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return n
}

// Slice returns a view of the i-th entry along the leading dimension.
func (m *Mask) Slice(i int) *Mask {
	inner := numel(m.Shape[1:])
	return &Mask{Shape: append([]int(nil), m.Shape[1:]...), Valid: m.Valid[i*inner : (i+1)*inner]}
}
