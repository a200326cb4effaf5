// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package sequence_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/r2core/motioncore/internal/model"
	"github.com/r2core/motioncore/internal/sequence"
)

func domeChannel() model.Channel {
	return model.Channel{
		ID: 1, Name: "dome_rotate", MinUS: 992, MaxUS: 2000, HomeUS: 1500,
		MaxSpeedUSPerSec: 2000, MaxAccelUSPerSec2: 20000, Position: 1500,
	}
}

func writeSeq(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func Test_loadValidSequence(t *testing.T) {
	dir := t.TempDir()
	writeSeq(t, dir, "wave.yaml", `
id: wave
name: Wave
priority_class: 5
cooldown: 2s
tags: [greeting]
motion:
  - {channel: 1, t_rel: 0s, target_us: 1500, easing: linear}
  - {channel: 1, t_rel: 500ms, target_us: 1800, easing: quad-in-out}
audio:
  - {t_rel: 0s, asset: beep1, gain: 1.0}
`)
	lib, err := sequence.LoadDir(dir, map[model.ChannelID]model.Channel{1: domeChannel()}, func(id string) bool { return id == "beep1" })
	require.NoError(t, err)
	seq, ok := lib.Get("wave")
	require.True(t, ok)
	assert.Equal(t, "Wave", seq.Name)
	assert.True(t, seq.HasTag("greeting"))
	require.Len(t, seq.MotionTracks, 1)
	require.Len(t, seq.AudioCues, 1)
}

func Test_loadRejectsUnknownChannel(t *testing.T) {
	dir := t.TempDir()
	writeSeq(t, dir, "bad.yaml", `
id: bad
priority_class: 1
motion:
  - {channel: 99, t_rel: 0s, target_us: 1500, easing: linear}
`)
	_, err := sequence.LoadDir(dir, map[model.ChannelID]model.Channel{1: domeChannel()}, nil)
	assert.Error(t, err)
}

func Test_loadRejectsNonIncreasingKeyframes(t *testing.T) {
	dir := t.TempDir()
	writeSeq(t, dir, "bad.yaml", `
id: bad
priority_class: 1
motion:
  - {channel: 1, t_rel: 500ms, target_us: 1500, easing: linear}
  - {channel: 1, t_rel: 200ms, target_us: 1800, easing: linear}
`)
	_, err := sequence.LoadDir(dir, map[model.ChannelID]model.Channel{1: domeChannel()}, nil)
	assert.Error(t, err)
}

func Test_loadRejectsMissingAsset(t *testing.T) {
	dir := t.TempDir()
	writeSeq(t, dir, "bad.yaml", `
id: bad
priority_class: 1
audio:
  - {t_rel: 0s, asset: ghost, gain: 1.0}
`)
	_, err := sequence.LoadDir(dir, map[model.ChannelID]model.Channel{1: domeChannel()}, func(string) bool { return false })
	assert.Error(t, err)
}

func Test_loadRejectsUnrealizableSpeed(t *testing.T) {
	dir := t.TempDir()
	// 992us of travel in 1ms needs ~992000us/s, far over the 2000us/s limit.
	writeSeq(t, dir, "bad.yaml", `
id: bad
priority_class: 1
motion:
  - {channel: 1, t_rel: 0s, target_us: 992, easing: linear}
  - {channel: 1, t_rel: 1ms, target_us: 1984, easing: linear}
`)
	_, err := sequence.LoadDir(dir, map[model.ChannelID]model.Channel{1: domeChannel()}, nil)
	assert.Error(t, err)
}

func Test_loadRejectsDurationMismatch(t *testing.T) {
	dir := t.TempDir()
	writeSeq(t, dir, "bad.yaml", `
id: bad
priority_class: 1
duration: 10s
motion:
  - {channel: 1, t_rel: 0s, target_us: 1500, easing: linear}
  - {channel: 1, t_rel: 500ms, target_us: 1600, easing: linear}
`)
	_, err := sequence.LoadDir(dir, map[model.ChannelID]model.Channel{1: domeChannel()}, nil)
	assert.Error(t, err)
}

func Test_loadRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeSeq(t, dir, "a.yaml", "id: dup\npriority_class: 1\n")
	writeSeq(t, dir, "b.yaml", "id: dup\npriority_class: 1\n")
	_, err := sequence.LoadDir(dir, map[model.ChannelID]model.Channel{1: domeChannel()}, nil)
	assert.Error(t, err)
}

// Test_realizabilitySolverRejectsWhenExceedingEnvelope is a property
// check: for any single-segment move with a linear ease, the solver
// must reject exactly when the naive required speed exceeds the
// channel's declared max, independent of the specific magnitudes.
func Test_realizabilitySolverRejectsWhenExceedingEnvelope(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ch := domeChannel()
		start := rapid.IntRange(ch.MinUS, ch.MaxUS).Draw(rt, "start")
		end := rapid.IntRange(ch.MinUS, ch.MaxUS).Draw(rt, "end")
		ms := rapid.IntRange(1, 5000).Draw(rt, "ms")

		tmp := t.TempDir()
		body := "id: seq\npriority_class: 1\nmotion:\n" +
			"  - {channel: 1, t_rel: 0s, target_us: " + itoa(start) + ", easing: linear}\n" +
			"  - {channel: 1, t_rel: " + itoa(ms) + "ms, target_us: " + itoa(end) + ", easing: linear}\n"
		writeSeq(t, tmp, "seq.yaml", body)

		delta := end - start
		if delta < 0 {
			delta = -delta
		}
		requiredSpeed := float64(delta) / (float64(ms) / 1000.0)
		wantErr := requiredSpeed > ch.MaxSpeedUSPerSec

		_, err := sequence.LoadDir(tmp, map[model.ChannelID]model.Channel{1: ch}, nil)
		if wantErr {
			assert.Error(rt, err)
		}
		// When requiredSpeed is within budget the accel check may still
		// reject very short segments; only the over-speed direction is
		// asserted deterministically.
	})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
