// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package motion_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/logging"
	"github.com/r2core/motioncore/internal/model"
	"github.com/r2core/motioncore/internal/motion"
	"github.com/r2core/motioncore/internal/servohal"
)

type recordingSetter struct {
	mu   sync.Mutex
	last map[model.ChannelID]int
	n    int
}

func newRecordingSetter() *recordingSetter {
	return &recordingSetter{last: make(map[model.ChannelID]int)}
}

func (r *recordingSetter) SetTargets(cmds []servohal.ChannelCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	for _, c := range cmds {
		r.last[c.ChannelID] = c.TargetUS
	}
	return nil
}

func (r *recordingSetter) get(id model.ChannelID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[id]
}

func domeChannel() model.Channel {
	return model.Channel{
		ID: 1, Name: "dome_rotate",
		MinUS: 992, MaxUS: 2000, HomeUS: 1500,
		MaxSpeedUSPerSec: 6000, MaxAccelUSPerSec2: 60000,
		Position: 1500,
	}
}

func Test_holdsLastTargetWhenIdle(t *testing.T) {
	setter := newRecordingSetter()
	fake := clock.NewFake(time.Unix(0, 0))
	s := motion.New(setter, []model.Channel{domeChannel()}, 50, fake, logging.Discard(), nil, nil)
	s.Start()
	defer s.Close()

	for i := 0; i < 3; i++ {
		fake.Advance(20 * time.Millisecond)
		time.Sleep(25 * time.Millisecond)
	}
	assert.Equal(t, 1500, setter.get(1))
}

func Test_holdsPastLastKeyframe(t *testing.T) {
	setter := newRecordingSetter()
	fake := clock.NewFake(time.Unix(0, 0))
	s := motion.New(setter, []model.Channel{domeChannel()}, 50, fake, logging.Discard(), nil, nil)
	s.Start()
	defer s.Close()

	start := fake.Now()
	s.StartRun([]model.MotionTrack{{
		ChannelID: 1,
		Keyframes: []model.Keyframe{
			{TRel: 0, ChannelID: 1, TargetUS: 1500, EasingID: "linear"},
			{TRel: 100 * time.Millisecond, ChannelID: 1, TargetUS: 1800, EasingID: "linear"},
		},
	}}, start, nil)

	fake.Advance(200 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Eventually(t, func() bool { return setter.get(1) == 1800 }, time.Second, 5*time.Millisecond)
}

func Test_singleKeyframeHoldsConstant(t *testing.T) {
	setter := newRecordingSetter()
	fake := clock.NewFake(time.Unix(0, 0))
	s := motion.New(setter, []model.Channel{domeChannel()}, 50, fake, logging.Discard(), nil, nil)
	s.Start()
	defer s.Close()

	start := fake.Now()
	s.StartRun([]model.MotionTrack{{
		ChannelID: 1,
		Keyframes: []model.Keyframe{{TRel: 0, ChannelID: 1, TargetUS: 1700, EasingID: "linear"}},
	}}, start, nil)

	fake.Advance(500 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Eventually(t, func() bool { return setter.get(1) == 1700 }, time.Second, 5*time.Millisecond)
}

func Test_completionCallback(t *testing.T) {
	setter := newRecordingSetter()
	fake := clock.NewFake(time.Unix(0, 0))
	s := motion.New(setter, []model.Channel{domeChannel()}, 50, fake, logging.Discard(), nil, nil)
	s.Start()
	defer s.Close()

	doneCh := make(chan struct{}, 1)
	start := fake.Now()
	s.StartRun([]model.MotionTrack{{
		ChannelID: 1,
		Keyframes: []model.Keyframe{
			{TRel: 0, ChannelID: 1, TargetUS: 1500, EasingID: "linear"},
			{TRel: 40 * time.Millisecond, ChannelID: 1, TargetUS: 1600, EasingID: "linear"},
		},
	}}, start, func() { doneCh <- struct{}{} })

	fake.Advance(100 * time.Millisecond)
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("completion callback never fired")
	}
}

func Test_rateLimitNeverExceedsMaxSpeed(t *testing.T) {
	setter := newRecordingSetter()
	fake := clock.NewFake(time.Unix(0, 0))
	slow := model.Channel{
		ID: 1, Name: "slow", MinUS: 992, MaxUS: 2000, HomeUS: 1500,
		MaxSpeedUSPerSec: 600, MaxAccelUSPerSec2: 100000, Position: 1500,
	}
	s := motion.New(setter, []model.Channel{slow}, 50, fake, logging.Discard(), nil, nil)
	s.Start()
	defer s.Close()

	start := fake.Now()
	// A jump far larger than reachable within one tick at 600us/s.
	s.StartRun([]model.MotionTrack{{
		ChannelID: 1,
		Keyframes: []model.Keyframe{
			{TRel: 0, ChannelID: 1, TargetUS: 1500, EasingID: "linear"},
			{TRel: time.Millisecond, ChannelID: 1, TargetUS: 2000, EasingID: "linear"},
		},
	}}, start, nil)

	fake.Advance(20 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	v := setter.get(1)
	maxStepPerTick := int(600.0 / 50.0) // us per tick at 50Hz
	assert.LessOrEqualf(t, v-1500, maxStepPerTick+1, "single tick must not move further than max_speed allows")
}
