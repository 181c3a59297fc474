package main

import (
	"math"
	"time"
)

// ============================================================================
// Velocity estimation with a hysteresis anchor
// ============================================================================
//
// Velocity is the slope of the key travel since the anchor, scaled by
// velocity_scale/100 and clamped to [0,1]. The anchor marks the start of the
// current rising excursion and is moved whenever the window would otherwise
// go stale:
//   - the key is back at rest (0)
//   - the key leaves rest (anchor at the last rest sample)
//   - the key stalls (no movement this tick, or none since the anchor)
//   - the key falls back by more than anchorRegressMargin
//
// ============================================================================

type velocityAnchor struct {
	at    time.Time
	value float64
}

type velocityTracker struct {
	anchor    velocityAnchor
	hasAnchor bool
	lastAt    time.Time
}

// observe folds one sample into the tracker. It returns the new velocity and
// true while the magnitude is rising from a known anchor; otherwise the
// caller keeps its previous estimate.
func (v *velocityTracker) observe(prev, next float64, now time.Time, scale float64) (float64, bool) {
	if prev <= 0 && next > 0 && !v.lastAt.IsZero() {
		v.anchor = velocityAnchor{at: v.lastAt, value: 0}
		v.hasAnchor = true
	}

	vel, ok := 0.0, false
	if v.hasAnchor && next > prev {
		if elapsed := now.Sub(v.anchor.at).Seconds(); elapsed > 0 {
			vel = clamp01((next - v.anchor.value) / elapsed * (scale / 100))
			ok = true
		}
	}

	switch {
	case next <= 0:
		v.reanchor(now, 0)
	case !v.hasAnchor:
		v.reanchor(now, next)
	case math.Abs(next-prev) < anchorStallEpsilon, math.Abs(next-v.anchor.value) < anchorStallEpsilon:
		v.reanchor(now, next)
	case next < v.anchor.value-anchorRegressMargin, next < prev-anchorRegressMargin:
		v.reanchor(now, next)
	}
	v.lastAt = now

	return vel, ok
}

func (v *velocityTracker) reanchor(now time.Time, value float64) {
	v.anchor = velocityAnchor{at: now, value: value}
	v.hasAnchor = true
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
