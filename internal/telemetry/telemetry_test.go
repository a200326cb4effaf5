// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2core/motioncore/internal/model"
	"github.com/r2core/motioncore/internal/telemetry"
)

func Test_ringOverwritesOldestWhenFull(t *testing.T) {
	r := telemetry.NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(model.TelemetryEvent{Kind: model.TelemetryTick, Message: string(rune('a' + i))})
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "c", snap[0].Message)
	assert.Equal(t, "e", snap[2].Message)
	assert.Equal(t, uint64(2), r.Dropped())
}

func Test_ringSubscriberReceivesLive(t *testing.T) {
	r := telemetry.NewRing(8)
	ch := r.Subscribe(4)
	r.Push(model.TelemetryEvent{Kind: model.TelemetryHeartbeat})
	select {
	case ev := <-ch:
		assert.Equal(t, model.TelemetryHeartbeat, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
	r.Unsubscribe()
}

func Test_ringDropsWhenSubscriberBackedUp(t *testing.T) {
	r := telemetry.NewRing(8)
	r.Subscribe(1)
	r.Push(model.TelemetryEvent{Kind: model.TelemetryHeartbeat})
	r.Push(model.TelemetryEvent{Kind: model.TelemetryHeartbeat})
	assert.Equal(t, uint64(1), r.Dropped())
}

func Test_surfaceDispatchesStart(t *testing.T) {
	var started string
	s := telemetry.NewSurface(telemetry.Handlers{
		Start: func(id string) error { started = id; return nil },
	})
	_, err := s.Dispatch(telemetry.Command{Kind: telemetry.CmdStart, SequenceID: "wave"})
	require.NoError(t, err)
	assert.Equal(t, "wave", started)
}

func Test_surfaceReportsUnwiredHandler(t *testing.T) {
	s := telemetry.NewSurface(telemetry.Handlers{})
	_, err := s.Dispatch(telemetry.Command{Kind: telemetry.CmdStart})
	assert.Error(t, err)
}

func Test_surfaceGetStatus(t *testing.T) {
	s := telemetry.NewSurface(telemetry.Handlers{
		GetStatus: func() telemetry.Status { return telemetry.Status{CoordState: "running"} },
	})
	st, err := s.Dispatch(telemetry.Command{Kind: telemetry.CmdGetStatus})
	require.NoError(t, err)
	assert.Equal(t, "running", st.CoordState)
}

func Test_rollingLogName(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	name, err := telemetry.RollingLogName(ts)
	require.NoError(t, err)
	assert.Equal(t, "r2core-20260731-14.log", name)
}
