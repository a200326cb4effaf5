// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package easing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/r2core/motioncore/internal/easing"
)

func allCurves() []easing.Easing {
	return []easing.Easing{
		easing.Linear(),
		easing.QuadIn(), easing.QuadOut(), easing.QuadInOut(),
		easing.CubicIn(), easing.CubicOut(), easing.CubicInOut(),
		easing.QuartIn(), easing.QuartOut(),
		easing.BackIn(1.70158), easing.BackOut(1.70158),
		easing.BounceOut(),
		easing.ElasticOut(1, 0.3),
		easing.AnticipateHoldRelease(),
	}
}

func Test_endpoints(t *testing.T) {
	for _, e := range allCurves() {
		e := e
		t.Run(e.ID(), func(t *testing.T) {
			assert.InDeltaf(t, 0, e.At(0), 1e-9, "f(0) must be 0 for %s", e.ID())
			assert.InDeltaf(t, 1, e.At(1), 1e-9, "f(1) must be 1 for %s", e.ID())
		})
	}
}

func Test_boundPositive(t *testing.T) {
	for _, e := range allCurves() {
		assert.Greaterf(t, e.Bound(), 0.0, "%s must have a positive velocity bound", e.ID())
	}
}

// Test_neverExceedsDeclaredBound checks, for every curve, that the
// sampled derivative never exceeds the curve's declared Bound by more
// than a small numerical-sampling tolerance. This is what C3's
// acceleration check and C5's realizability solver rely on.
func Test_neverExceedsDeclaredBound(t *testing.T) {
	for _, e := range allCurves() {
		e := e
		rapid.Check(t, func(t *rapid.T) {
			u := rapid.Float64Range(0, 0.999).Draw(t, "u")
			const h = 1e-4
			d := (e.At(u+h) - e.At(u)) / h
			if d < 0 {
				d = -d
			}
			assert.LessOrEqualf(t, d, e.Bound()*1.05, "%s derivative at u=%v exceeded declared bound", e.ID(), u)
		})
	}
}

func Test_lookupRoundTrip(t *testing.T) {
	ids := []string{
		"linear", "quad-in", "quad-out", "quad-in-out",
		"cubic-in", "cubic-out", "cubic-in-out",
		"quart-in", "quart-out",
		"back-in(1.70158)", "back-out(2.5)",
		"bounce-out",
		"elastic-out(1.2,0.4)",
		"anticipate-hold-release",
	}
	for _, id := range ids {
		e, err := easing.Lookup(id)
		require.NoError(t, err, id)
		assert.InDelta(t, 0, e.At(0), 1e-9)
		assert.InDelta(t, 1, e.At(1), 1e-9)
	}
}

func Test_lookupUnknown(t *testing.T) {
	_, err := easing.Lookup("not-a-curve")
	assert.Error(t, err)
}

func Test_lookupMalformed(t *testing.T) {
	_, err := easing.Lookup("back-in(oops")
	assert.Error(t, err)
}

func Test_anticipateHoldReleaseStaysInRange(t *testing.T) {
	e := easing.AnticipateHoldRelease()
	rapid.Check(t, func(t *rapid.T) {
		u := rapid.Float64Range(0, 1).Draw(t, "u")
		v := e.At(u)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	})
}
