// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package coordinator implements the Coordinator (C6): it drives one
// sequence at a time through the Motion Scheduler (C3) and Audio
// Player (C4), owns channel-group exclusivity, and exposes an explicit
// state machine the way the teacher's ptt.go drives the PTT line
// through a small set of named states instead of ad hoc booleans.
package coordinator

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/r2core/motioncore/internal/audio"
	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
)

// State is the coordinator's run state.
type State int

const (
	Idle State = iota
	Loading
	Running
	Draining
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Aborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// homeEasing shapes the graceful return-to-home segment built by Abort.
const homeEasing = "quad-in-out"

// abortGrace bounds how much longer than abortWindow Abort will wait on
// the motion scheduler's completion callback before giving up and
// declaring the sequence aborted anyway.
const abortGrace = 50 * time.Millisecond

// MotionRunner is the subset of motion.Scheduler the coordinator needs.
type MotionRunner interface {
	StartRun(tracks []model.MotionTrack, startAt clock.Instant, onDone func())
	StopRun()
}

// AudioScheduler is the subset of audio.Player the coordinator needs.
type AudioScheduler interface {
	Schedule(assetID string, startAt clock.Instant, gain float64, cueID string, priority int) (audio.Handle, error)
	CancelAll()
}

// PositionSource reports a channel's last commanded target, letting the
// coordinator plan a graceful return-to-home from wherever a channel
// actually is rather than from its nominal sequence target.
type PositionSource interface {
	ReadLastTarget(id model.ChannelID) (int, error)
}

// TelemetryFunc receives lifecycle telemetry for the active run.
type TelemetryFunc func(model.TelemetryEvent)

// Coordinator sequences exactly one Sequence at a time.
type Coordinator struct {
	motion   MotionRunner
	player   AudioScheduler
	positions PositionSource
	channels map[model.ChannelID]model.Channel
	clock    clock.Source
	log      *log.Logger
	onTel    TelemetryFunc

	abortWindow time.Duration
	dwellWindow time.Duration

	mu         sync.Mutex
	state      State
	current    *model.Sequence
	heldGroups map[string]bool
	motionDone bool
	audioCues  int
	audioDone  int
	drainTimer *time.Timer
	drainGen   uint64
}

// New constructs a Coordinator over the given motion and audio
// backends. positions lets Abort read each channel's actual last
// commanded target when building its graceful return-to-home plan;
// channels supplies each channel's home position and travel limits.
func New(m MotionRunner, p AudioScheduler, positions PositionSource, channels map[model.ChannelID]model.Channel, abortWindow, dwellWindow time.Duration, clk clock.Source, logger *log.Logger, onTel TelemetryFunc) *Coordinator {
	if abortWindow <= 0 {
		abortWindow = 600 * time.Millisecond
	}
	if dwellWindow <= 0 {
		dwellWindow = 200 * time.Millisecond
	}
	return &Coordinator{
		motion:      m,
		player:      p,
		positions:   positions,
		channels:    channels,
		abortWindow: abortWindow,
		dwellWindow: dwellWindow,
		clock:       clk,
		log:         logger,
		onTel:       onTel,
		state:       Idle,
		heldGroups:  make(map[string]bool),
	}
}

// State returns the coordinator's current run state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the currently running sequence, if any.
func (c *Coordinator) Current() (*model.Sequence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, false
	}
	return c.current, true
}

// Start begins playing seq. The coordinator runs exactly one sequence
// at a time regardless of group overlap — it owns a single Motion
// Scheduler run and a single current-sequence record, so a disjoint
// group does not mean genuine concurrency is possible. While busy,
// Start rejects with ErrBusy unless seq's priority class is strictly
// higher than the running sequence's, in which case the running
// sequence is gracefully aborted first and seq takes its place. The
// busy check and the Idle->Running commit happen under one critical
// section (retried across an intervening preemption) so a second Start
// can never observe a window in which the coordinator looks idle while
// a commit is still in flight. A non-zero deadline rejects the request
// with ErrExpired if it has already passed by the time Start runs, per
// the dispatch-time deadline_to_start contract.
func (c *Coordinator) Start(seq *model.Sequence, heldGroups []string, deadline clock.Instant) error {
	if !deadline.IsZero() && c.clock.Now().After(deadline) {
		return errs.Wrap(errs.ErrExpired, "start request arrived past its deadline_to_start")
	}

	for {
		c.mu.Lock()
		switch c.state {
		case Running, Draining:
			current := c.current
			if current != nil && seq.PriorityClass > current.PriorityClass {
				c.mu.Unlock()
				c.Abort("preempted")
				continue
			}
			c.mu.Unlock()
			return errs.Wrap(errs.ErrBusy, "coordinator busy with another sequence")
		case Idle:
			c.cancelDrainLocked()
			c.current = seq
			c.heldGroups = toSet(seq.Groups)
			c.motionDone = len(seq.MotionTracks) == 0
			c.audioCues = len(seq.AudioCues)
			c.audioDone = 0
			c.state = Running
			c.mu.Unlock()
		default:
			c.mu.Unlock()
			return errs.Wrap(errs.ErrBusy, "coordinator busy")
		}
		break
	}

	start := c.clock.Now()

	if c.onTel != nil {
		c.onTel(model.TelemetryEvent{Kind: model.TelemetrySequenceStarted, SequenceID: seq.ID})
	}

	if len(seq.MotionTracks) > 0 {
		c.motion.StartRun(seq.MotionTracks, start, c.onMotionDone)
	}
	for _, cue := range seq.AudioCues {
		cueID := cue.CueID
		_, err := c.player.Schedule(cue.AssetID, start.Add(cue.TRel), cue.Gain, cueID, seq.PriorityClass)
		if err != nil {
			c.log.Warn("audio cue failed to schedule", "cue", cueID, "err", err)
			c.mu.Lock()
			c.audioDone++
			c.mu.Unlock()
		}
	}
	c.checkCompletion()
	return nil
}

// Abort stops the active sequence gracefully: audio cues are cancelled
// immediately, and motion is replaced with a single-segment eased
// return-to-home plan per channel, bounded by abortWindow and still
// subject to each channel's speed/accel envelope. It blocks until that
// plan completes (or abortWindow elapses) before returning the
// coordinator to Idle. Safety's E-stop does not use this path; it uses
// Freeze, which holds position instead of returning home.
func (c *Coordinator) Abort(reason string) {
	c.mu.Lock()
	if c.state != Running && c.state != Draining {
		c.mu.Unlock()
		return
	}
	seq := c.current
	c.cancelDrainLocked()
	c.state = Aborting
	c.mu.Unlock()

	c.player.CancelAll()

	start := c.clock.Now()
	homeTracks := c.buildHomeTracks()

	done := make(chan struct{})
	var closeOnce sync.Once
	onDone := func() { closeOnce.Do(func() { close(done) }) }
	c.motion.StartRun(homeTracks, start, onDone)

	select {
	case <-done:
	case <-time.After(c.abortWindow + abortGrace):
		c.log.Warn("graceful abort did not confirm completion within abort_window", "reason", reason)
	}

	c.mu.Lock()
	c.state = Idle
	c.current = nil
	c.heldGroups = map[string]bool{}
	c.mu.Unlock()

	if c.onTel != nil && seq != nil {
		c.onTel(model.TelemetryEvent{Kind: model.TelemetrySequenceAborted, SequenceID: seq.ID, Reason: reason})
	}
}

// Freeze is the E-stop path: it is non-cooperative and does not plan a
// return to home. Motion holds whatever target it last commanded,
// audio cancels immediately, and the coordinator returns to Idle
// without waiting on anything. Clearing the E-stop latch is what later
// drives channels home (see safety.Supervisor.ClearEStop).
func (c *Coordinator) Freeze(reason string) {
	c.mu.Lock()
	if c.state != Running && c.state != Draining {
		c.mu.Unlock()
		return
	}
	seq := c.current
	c.cancelDrainLocked()
	c.state = Aborting
	c.mu.Unlock()

	c.motion.StopRun()
	c.player.CancelAll()

	c.mu.Lock()
	c.state = Idle
	c.current = nil
	c.heldGroups = map[string]bool{}
	c.mu.Unlock()

	if c.onTel != nil && seq != nil {
		c.onTel(model.TelemetryEvent{Kind: model.TelemetrySequenceAborted, SequenceID: seq.ID, Reason: reason})
	}
}

// buildHomeTracks constructs a single-segment eased path from each
// channel's actual last commanded target to its configured home
// position, to be run over abortWindow. The scheduler's own rate/accel
// limiter still governs how fast the channel can actually move.
func (c *Coordinator) buildHomeTracks() []model.MotionTrack {
	tracks := make([]model.MotionTrack, 0, len(c.channels))
	for id, ch := range c.channels {
		cur := ch.Position
		if c.positions != nil {
			if v, err := c.positions.ReadLastTarget(id); err == nil {
				cur = v
			}
		}
		tracks = append(tracks, model.MotionTrack{
			ChannelID: id,
			Keyframes: []model.Keyframe{
				{TRel: 0, ChannelID: id, TargetUS: cur, EasingID: "linear"},
				{TRel: c.abortWindow, ChannelID: id, TargetUS: ch.HomeUS, EasingID: homeEasing},
			},
		})
	}
	return tracks
}

func (c *Coordinator) onMotionDone() {
	c.mu.Lock()
	c.motionDone = true
	c.mu.Unlock()
	c.checkCompletion()
}

// checkCompletion transitions Running -> Draining once both the motion
// run and every audio cue have finished, then holds Draining for
// dwellWindow (holding last targets) before transitioning to Idle, so
// a sequence's settle motion isn't cut short and a trailing audio cue
// isn't clipped.
func (c *Coordinator) checkCompletion() {
	c.mu.Lock()
	if c.state != Running && c.state != Draining {
		c.mu.Unlock()
		return
	}
	if c.state == Running {
		c.state = Draining
	}
	done := c.motionDone && c.audioDone >= c.audioCues
	alreadyScheduled := c.drainTimer != nil
	seq := c.current
	gen := c.drainGen
	c.mu.Unlock()

	if !done || alreadyScheduled {
		return
	}

	c.mu.Lock()
	// Re-check under lock: another goroutine may have raced us between
	// the unlock above and here.
	if c.drainTimer != nil || c.state != Draining {
		c.mu.Unlock()
		return
	}
	c.drainTimer = time.AfterFunc(c.dwellWindow, func() { c.finishDrain(gen, seq) })
	c.mu.Unlock()
}

func (c *Coordinator) finishDrain(gen uint64, seq *model.Sequence) {
	c.mu.Lock()
	if c.drainGen != gen || c.state != Draining {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.current = nil
	c.heldGroups = map[string]bool{}
	c.drainTimer = nil
	c.drainGen++
	c.mu.Unlock()

	if c.onTel != nil && seq != nil {
		c.onTel(model.TelemetryEvent{Kind: model.TelemetrySequenceCompleted, SequenceID: seq.ID})
	}
}

// cancelDrainLocked stops any pending dwell timer and invalidates it,
// so a stale finishDrain callback from a previous sequence can't fire
// against the sequence that just replaced it. c.mu must be held.
func (c *Coordinator) cancelDrainLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	c.drainGen++
}

// NotifyCueFinished lets the audio subsystem report that one of the
// current sequence's cues has finished playing (or was aborted),
// advancing the drain-completion count.
func (c *Coordinator) NotifyCueFinished() {
	c.mu.Lock()
	c.audioDone++
	c.mu.Unlock()
	c.checkCompletion()
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func toSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
