// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package motion implements the fixed-rate tick scheduler (C3): at
// rate R it advances the active motion plan, interpolates keyframes
// through the easing library (C2), enforces per-channel speed/accel
// envelopes, and emits a batch of targets to the Servo HAL (C1) every
// tick. When idle it still ticks at R holding last targets, the
// starvation guard that keeps the timing and I/O paths warm —
// generalizing the teacher's beacon.go periodic-timer idiom from APRS
// beaconing to a keep-alive tick.
package motion

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/easing"
	"github.com/r2core/motioncore/internal/model"
	"github.com/r2core/motioncore/internal/servohal"
)

// DefaultRateHz, FloorRateHz, and CeilingRateHz bound the configurable
// tick rate R, per the specification.
const (
	DefaultRateHz = 50
	FloorRateHz   = 20
	CeilingRateHz = 200
)

// TargetSetter is the subset of the Servo HAL the scheduler depends
// on, letting tests substitute a recording fake without pulling in a
// real transport.
type TargetSetter interface {
	SetTargets(cmds []servohal.ChannelCommand) error
}

// TickStats is recorded once per tick for C9.
type TickStats struct {
	Tick      uint64
	Latency   time.Duration
	Missed    bool
	Clamped   map[model.ChannelID]int // channel -> clamp delta, only set when clamping occurred
}

// TelemetryFunc receives one TelemetryEvent per notable occurrence.
type TelemetryFunc func(model.TelemetryEvent)

// WatchdogFunc is invoked after two consecutive missed ticks, or when
// tick latency exceeds 2/R, letting C8 react without C3 importing the
// supervisor package.
type WatchdogFunc func(reason string)

type channelState struct {
	cfg          model.Channel
	lastTarget   float64 // microseconds, fractional for accurate rate integration
	lastVelocity float64 // microseconds/sec
}

type activeRun struct {
	tracks    map[model.ChannelID]model.MotionTrack
	start     clock.Instant
	onDone    func()
	completed bool
}

// Scheduler is the Motion Scheduler (C3).
type Scheduler struct {
	rateHz   int
	interval time.Duration
	hal      TargetSetter
	clock    clock.Source
	log      *log.Logger
	onTelemetry TelemetryFunc
	onWatchdog  WatchdogFunc

	mu           sync.Mutex
	channels     map[model.ChannelID]*channelState
	run          *activeRun
	missedTicks  int
	tickCount    uint64
	lastStats    TickStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler over the given channel configuration. It
// does not start ticking until Start is called.
func New(hal TargetSetter, channels []model.Channel, rateHz int, clk clock.Source, logger *log.Logger, onTelemetry TelemetryFunc, onWatchdog WatchdogFunc) *Scheduler {
	if rateHz < FloorRateHz {
		rateHz = FloorRateHz
	}
	if rateHz > CeilingRateHz {
		rateHz = CeilingRateHz
	}
	cs := make(map[model.ChannelID]*channelState, len(channels))
	for _, c := range channels {
		cs[c.ID] = &channelState{cfg: c, lastTarget: float64(c.Position)}
	}
	return &Scheduler{
		rateHz:      rateHz,
		interval:    time.Second / time.Duration(rateHz),
		hal:         hal,
		clock:       clk,
		log:         logger,
		onTelemetry: onTelemetry,
		onWatchdog:  onWatchdog,
		channels:    cs,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the tick loop in its own goroutine.
func (s *Scheduler) Start() {
	go s.loop()
}

// Close stops the tick loop and waits for it to exit.
func (s *Scheduler) Close() {
	close(s.stopCh)
	<-s.doneCh
}

// StartRun begins interpolating tracks starting at startAt. Any
// previously active run is replaced.
func (s *Scheduler) StartRun(tracks []model.MotionTrack, startAt clock.Instant, onDone func()) {
	m := make(map[model.ChannelID]model.MotionTrack, len(tracks))
	for _, t := range tracks {
		m[t.ChannelID] = t
	}
	s.mu.Lock()
	s.run = &activeRun{tracks: m, start: startAt, onDone: onDone}
	s.mu.Unlock()
}

// StopRun clears the active run; channels hold their last target,
// matching the idle starvation-guard behavior.
func (s *Scheduler) StopRun() {
	s.mu.Lock()
	s.run = nil
	s.mu.Unlock()
}

// LastStats returns the most recently recorded TickStats.
func (s *Scheduler) LastStats() TickStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}

// RateHz returns the scheduler's current configured tick rate.
func (s *Scheduler) RateHz() int {
	return s.rateHz
}

// SetRateHz lowers or raises the tick rate at runtime, within
// [FloorRateHz, CeilingRateHz], used by C8 to drop to the floor rate
// in Degraded mode.
func (s *Scheduler) SetRateHz(hz int) {
	if hz < FloorRateHz {
		hz = FloorRateHz
	}
	if hz > CeilingRateHz {
		hz = CeilingRateHz
	}
	s.mu.Lock()
	s.rateHz = hz
	s.interval = time.Second / time.Duration(hz)
	s.mu.Unlock()
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
			s.mu.Lock()
			if s.interval != interval {
				interval = s.interval
				ticker.Reset(interval)
			}
			s.mu.Unlock()
		}
	}
}

// tick executes one scheduler tick: the contract in section 4.3 of the
// specification, steps 1-5.
func (s *Scheduler) tick() {
	tickStart := s.clock.Now()

	s.mu.Lock()
	run := s.run
	interval := s.interval
	s.tickCount++
	tickNum := s.tickCount
	s.mu.Unlock()

	deltaSec := interval.Seconds()
	clamped := map[model.ChannelID]int{}
	cmds := make([]servohal.ChannelCommand, 0, len(s.channels))

	s.mu.Lock()
	for id, cs := range s.channels {
		desired, atEnd := s.desiredTarget(run, id, cs, tickStart)
		_ = atEnd
		applied, clampDelta := s.applyLimits(cs, desired, deltaSec)
		cs.lastTarget = applied
		cmds = append(cmds, servohal.ChannelCommand{ChannelID: id, TargetUS: int(applied + 0.5)})
		if clampDelta != 0 {
			clamped[id] = clampDelta
		}
	}
	s.mu.Unlock()

	_ = s.hal.SetTargets(cmds)

	latency := s.clock.Now().Sub(tickStart)
	deadline := interval / 2
	missed := latency > deadline

	var tripped []string
	s.mu.Lock()
	if missed {
		s.missedTicks++
		if s.missedTicks >= 2 {
			tripped = append(tripped, "consecutive missed ticks")
		}
	} else {
		s.missedTicks = 0
	}
	if latency > 2*interval {
		tripped = append(tripped, "tick latency exceeded 2/R")
	}
	s.lastStats = TickStats{Tick: tickNum, Latency: latency, Missed: missed, Clamped: clamped}
	s.mu.Unlock()

	// The watchdog runs without s.mu held: C8 reacts by calling back
	// into SetRateHz and, through C6's abort, StartRun.
	if s.onWatchdog != nil {
		for _, reason := range tripped {
			s.onWatchdog(reason)
		}
	}

	if s.onTelemetry != nil {
		s.onTelemetry(model.TelemetryEvent{Kind: model.TelemetryTick, TickLatency: latency, Missed: missed})
		for id, delta := range clamped {
			s.onTelemetry(model.TelemetryEvent{Kind: model.TelemetryLimitClamped, ChannelID: id, ClampedDelta: delta})
		}
	}

	if run != nil {
		s.maybeCompleteRun(run, tickStart)
	}
}

// desiredTarget computes the eased, un-rate-limited target for a
// channel at the current instant, per steps 2-3 of the tick contract.
// If the channel has no active track, or the run has ended for it, the
// last commanded target is held.
func (s *Scheduler) desiredTarget(run *activeRun, id model.ChannelID, cs *channelState, now clock.Instant) (target float64, atOrPastEnd bool) {
	if run == nil {
		return cs.lastTarget, true
	}
	track, ok := run.tracks[id]
	if !ok || len(track.Keyframes) == 0 {
		return cs.lastTarget, true
	}
	tRel := now.Sub(run.start)

	if len(track.Keyframes) == 1 {
		return float64(track.Keyframes[0].TargetUS), tRel >= track.Keyframes[0].TRel
	}

	last := track.Keyframes[len(track.Keyframes)-1]
	if tRel >= last.TRel {
		return float64(last.TargetUS), true
	}
	if tRel < track.Keyframes[0].TRel {
		return float64(track.Keyframes[0].TargetUS), false
	}

	for i := 0; i < len(track.Keyframes)-1; i++ {
		ki := track.Keyframes[i]
		kj := track.Keyframes[i+1]
		if tRel >= ki.TRel && tRel < kj.TRel {
			span := (kj.TRel - ki.TRel).Seconds()
			if span <= 0 {
				return float64(kj.TargetUS), false
			}
			u := (tRel - ki.TRel).Seconds() / span
			e, err := easing.Lookup(kj.EasingID)
			if err != nil {
				e = easing.Linear()
			}
			eased := e.At(clampUnit(u))
			return lerp(float64(ki.TargetUS), float64(kj.TargetUS), eased), false
		}
	}
	return float64(last.TargetUS), true
}

// applyLimits enforces the rate and acceleration envelopes and the
// channel's declared min/max, per step 4 of the tick contract. It
// returns the applied target and, if clamping occurred, the signed
// delta between the desired and applied value.
func (s *Scheduler) applyLimits(cs *channelState, desired float64, deltaSec float64) (applied float64, clampDelta int) {
	raw := desired
	maxStep := cs.cfg.MaxSpeedUSPerSec * deltaSec
	step := desired - cs.lastTarget
	if step > maxStep {
		desired = cs.lastTarget + maxStep
	} else if step < -maxStep {
		desired = cs.lastTarget - maxStep
	}

	velocity := (desired - cs.lastTarget) / maxDeltaSec(deltaSec)
	dv := velocity - cs.lastVelocity
	maxDV := cs.cfg.MaxAccelUSPerSec2 * deltaSec
	if dv > maxDV {
		velocity = cs.lastVelocity + maxDV
		desired = cs.lastTarget + velocity*deltaSec
	} else if dv < -maxDV {
		velocity = cs.lastVelocity - maxDV
		desired = cs.lastTarget + velocity*deltaSec
	}
	cs.lastVelocity = velocity

	if desired < float64(cs.cfg.MinUS) {
		desired = float64(cs.cfg.MinUS)
	} else if desired > float64(cs.cfg.MaxUS) {
		desired = float64(cs.cfg.MaxUS)
	}

	if int(raw+0.5) != int(desired+0.5) {
		clampDelta = int(raw+0.5) - int(desired+0.5)
	}
	return desired, clampDelta
}

func maxDeltaSec(d float64) float64 {
	if d == 0 {
		return 1
	}
	return d
}

func (s *Scheduler) maybeCompleteRun(run *activeRun, now clock.Instant) {
	s.mu.Lock()
	if s.run != run || run.completed {
		s.mu.Unlock()
		return
	}
	done := true
	for _, track := range run.tracks {
		if len(track.Keyframes) == 0 {
			continue
		}
		last := track.Keyframes[len(track.Keyframes)-1]
		if now.Sub(run.start) < last.TRel {
			done = false
			break
		}
	}
	if done {
		run.completed = true
	}
	s.mu.Unlock()
	if done && run.onDone != nil {
		run.onDone()
	}
}

func clampUnit(u float64) float64 {
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

func lerp(a, b, u float64) float64 {
	return a + (b-a)*u
}
