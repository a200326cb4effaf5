// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package coordinator_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2core/motioncore/internal/audio"
	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/coordinator"
	"github.com/r2core/motioncore/internal/logging"
	"github.com/r2core/motioncore/internal/model"
)

const (
	testAbortWindow = 10 * time.Millisecond
	testDwellWindow = 10 * time.Millisecond
)

type fakeMotion struct {
	mu        sync.Mutex
	onDone    func()
	stopped   bool
	startLog  []string // sequence of track descriptions, for asserting re-plans
	startCnt  int
}

func (f *fakeMotion) StartRun(tracks []model.MotionTrack, startAt clock.Instant, onDone func()) {
	f.mu.Lock()
	f.onDone = onDone
	f.startCnt++
	f.mu.Unlock()
}
func (f *fakeMotion) StopRun() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}
func (f *fakeMotion) finish() {
	f.mu.Lock()
	done := f.onDone
	f.mu.Unlock()
	if done != nil {
		done()
	}
}
func (f *fakeMotion) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCnt
}

type fakeAudio struct {
	mu         sync.Mutex
	scheduled  []string
	cancelled  bool
	rejectNext bool
}

func (f *fakeAudio) Schedule(assetID string, startAt clock.Instant, gain float64, cueID string, priority int) (audio.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectNext {
		f.rejectNext = false
		return audio.Handle{}, assertErr("rejected")
	}
	f.scheduled = append(f.scheduled, cueID)
	return audio.Handle{CueID: cueID}, nil
}
func (f *fakeAudio) CancelAll() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakePositions struct{}

func (fakePositions) ReadLastTarget(id model.ChannelID) (int, error) { return 1500, nil }

func testChannels() map[model.ChannelID]model.Channel {
	return map[model.ChannelID]model.Channel{
		1: {ID: 1, Name: "dome", MinUS: 1000, MaxUS: 2000, HomeUS: 1500, MaxSpeedUSPerSec: 2000, MaxAccelUSPerSec2: 5000, Group: "dome"},
	}
}

func newCoordinator(m coordinator.MotionRunner, a coordinator.AudioScheduler, clk clock.Source, onTel coordinator.TelemetryFunc) *coordinator.Coordinator {
	return coordinator.New(m, a, fakePositions{}, testChannels(), testAbortWindow, testDwellWindow, clk, logging.Discard(), onTel)
}

func wave() *model.Sequence {
	return &model.Sequence{
		ID: "wave", Name: "Wave", PriorityClass: 5, Groups: []string{"dome"},
		MotionTracks: []model.MotionTrack{{
			ChannelID: 1,
			Keyframes: []model.Keyframe{{TRel: 0, ChannelID: 1, TargetUS: 1500, EasingID: "linear"}},
		}},
	}
}

func alert() *model.Sequence {
	s := wave()
	s.ID = "alert"
	s.Name = "Alert"
	s.PriorityClass = 9
	return s
}

func Test_startRunsMotionAndCompletesOnDone(t *testing.T) {
	m := &fakeMotion{}
	a := &fakeAudio{}
	fake := clock.NewFake(time.Unix(0, 0))
	var events []model.TelemetryEvent
	var mu sync.Mutex
	c := newCoordinator(m, a, fake, func(e model.TelemetryEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	require.NoError(t, c.Start(wave(), nil, clock.Instant{}))
	assert.Equal(t, coordinator.Running, c.State())

	m.finish()
	assert.Equal(t, coordinator.Draining, c.State(), "must hold dwell before going Idle")

	assert.Eventually(t, func() bool { return c.State() == coordinator.Idle }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, model.TelemetrySequenceStarted, events[0].Kind)
	assert.Equal(t, model.TelemetrySequenceCompleted, events[1].Kind)
}

func Test_startRejectsOverlappingGroupWhenBusy(t *testing.T) {
	m := &fakeMotion{}
	a := &fakeAudio{}
	fake := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(m, a, fake, nil)

	require.NoError(t, c.Start(wave(), nil, clock.Instant{}))
	err := c.Start(wave(), nil, clock.Instant{})
	assert.Error(t, err)
}

func Test_startPreemptsLowerPriorityAndGracefullyAbortsIt(t *testing.T) {
	m := &fakeMotion{}
	a := &fakeAudio{}
	fake := clock.NewFake(time.Unix(0, 0))
	var kinds []model.TelemetryKind
	var mu sync.Mutex
	c := newCoordinator(m, a, fake, func(e model.TelemetryEvent) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	require.NoError(t, c.Start(wave(), nil, clock.Instant{}))
	assert.Equal(t, coordinator.Running, c.State())

	// The pre-empting Start blocks inside Abort's graceful wait; finish
	// the in-flight home-return plan from another goroutine so it can
	// proceed, the way a real scheduler would report completion.
	go func() {
		for i := 0; i < 50; i++ {
			if m.starts() >= 2 {
				m.finish()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, c.Start(alert(), nil, clock.Instant{}))
	assert.Equal(t, coordinator.Running, c.State())

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, model.SequenceID("alert"), cur.ID)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, model.TelemetrySequenceStarted, kinds[0]) // wave started
	assert.Equal(t, model.TelemetrySequenceAborted, kinds[1]) // wave preempted
	assert.Equal(t, model.TelemetrySequenceStarted, kinds[2]) // alert started
}

func Test_startRejectsExpiredDeadline(t *testing.T) {
	m := &fakeMotion{}
	a := &fakeAudio{}
	fake := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(m, a, fake, nil)

	past := fake.Now().Add(-time.Millisecond)
	err := c.Start(wave(), nil, past)
	assert.Error(t, err)
	assert.Equal(t, coordinator.Idle, c.State())
}

func Test_abortReplansGracefulReturnHomeAndCancelsAudio(t *testing.T) {
	m := &fakeMotion{}
	a := &fakeAudio{}
	fake := clock.NewFake(time.Unix(0, 0))
	var gotAbort bool
	c := newCoordinator(m, a, fake, func(e model.TelemetryEvent) {
		if e.Kind == model.TelemetrySequenceAborted {
			gotAbort = true
		}
	})

	require.NoError(t, c.Start(wave(), nil, clock.Instant{}))

	go func() {
		for i := 0; i < 50; i++ {
			if m.starts() >= 2 {
				m.finish()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	c.Abort("test")

	assert.Equal(t, coordinator.Idle, c.State())
	assert.False(t, m.stopped, "graceful abort must replan motion, not just stop it")
	assert.Equal(t, 2, m.starts(), "abort must issue a second StartRun for the home-return plan")
	assert.True(t, a.cancelled)
	assert.True(t, gotAbort)
}

func Test_freezeHoldsPositionWithoutReplanning(t *testing.T) {
	m := &fakeMotion{}
	a := &fakeAudio{}
	fake := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(m, a, fake, nil)

	require.NoError(t, c.Start(wave(), nil, clock.Instant{}))
	c.Freeze("estop")

	assert.Equal(t, coordinator.Idle, c.State())
	assert.True(t, m.stopped)
	assert.Equal(t, 1, m.starts(), "freeze must not plan a return to home")
	assert.True(t, a.cancelled)
}

func Test_waitsForAudioDrainBeforeCompleting(t *testing.T) {
	m := &fakeMotion{}
	a := &fakeAudio{}
	fake := clock.NewFake(time.Unix(0, 0))
	seq := wave()
	seq.AudioCues = []model.AudioCue{{TRel: 0, AssetID: "beep", CueID: "c1"}}

	var completed bool
	var mu sync.Mutex
	c := newCoordinator(m, a, fake, func(e model.TelemetryEvent) {
		mu.Lock()
		if e.Kind == model.TelemetrySequenceCompleted {
			completed = true
		}
		mu.Unlock()
	})
	require.NoError(t, c.Start(seq, nil, clock.Instant{}))

	m.finish()
	mu.Lock()
	assert.False(t, completed, "must not complete until audio cue also finishes")
	mu.Unlock()

	c.NotifyCueFinished()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed
	}, time.Second, time.Millisecond)
}
