package evaluators

// Breakpoint anchors one point of a piecewise-linear normalization.
type Breakpoint struct {
	Value float64
	Norm  float64
}

// normalize interpolates x over the breakpoint anchors, clamped to the
// endpoint norms outside the range. Anchors must be sorted by Value.
func normalize(x float64, bps []Breakpoint) float64 {
	if len(bps) == 0 {
		return 0
	}

	if x <= bps[0].Value {
		return bps[0].Norm
	}

	for i := 1; i < len(bps); i++ {
		if x > bps[i].Value {
			continue
		}

		prev, next := bps[i-1], bps[i]
		span := next.Value - prev.Value
		if span == 0 {
			return next.Norm
		}

		t := (x - prev.Value) / span

		return prev.Norm + t*(next.Norm-prev.Norm)
	}

	return bps[len(bps)-1].Norm
}

// clamp bounds v to [0, 1].
func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
