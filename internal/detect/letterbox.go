package detect

// Letterbox records the scale and padding applied when fitting a
// source frame into a square model input while preserving aspect
// ratio. The inverse mapping converts model-space coordinates back to
// source-frame coordinates.
type Letterbox struct {
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
	Target  int     `json:"target"`
}

// FitLetterbox computes the letterbox parameters for fitting a
// srcW×srcH frame into a target×target model input.
func FitLetterbox(srcW, srcH, target int) Letterbox {
	if srcW <= 0 || srcH <= 0 || target <= 0 {
		return Letterbox{Scale: 1, Target: target}
	}

	scale := float64(target) / float64(srcW)
	if srcH > srcW {
		scale = float64(target) / float64(srcH)
	}

	scaledW := float64(srcW) * scale
	scaledH := float64(srcH) * scale

	return Letterbox{
		Scale:   scale,
		OffsetX: (float64(target) - scaledW) / 2,
		OffsetY: (float64(target) - scaledH) / 2,
		Target:  target,
	}
}

// ToSource maps a point from model-input space back to source-frame
// space by undoing the padding offset and scale.
func (lb Letterbox) ToSource(x, y float64) (float64, float64) {
	if lb.Scale == 0 {
		return x, y
	}
	return (x - lb.OffsetX) / lb.Scale, (y - lb.OffsetY) / lb.Scale
}

// Identity reports whether this letterbox performs no transformation.
func (lb Letterbox) Identity() bool {
	return lb.Scale == 1 && lb.OffsetX == 0 && lb.OffsetY == 0
}
