// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package safety implements the Safety Supervisor (C8): an audit loop
// independent of the motion tick that checks declared limits, an
// atomic E-stop latch that every actuation path must honor, a
// watchdog escalation path that aborts the active sequence, and a
// Degraded mode that drops the scheduler's tick rate to the floor
// rather than stop outright. The split-rate audit loop mirrors the
// teacher's dlq.go background sweep pattern — a ticker-driven
// goroutine doing periodic housekeeping independent of the hot path.
package safety

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
)

// NormalHz and DegradedHz are the supervisor's own audit cadence,
// distinct from the motion tick rate R: a light check runs at
// NormalHz, escalating to DegradedHz once a fault has been observed.
const (
	NormalHz   = 10
	DegradedHz = 200
)

// DefaultHomeToleranceUS and DefaultHomeHoldWindow are the
// specification's fallback values for confirming a homing pass before
// ClearEStop releases the latch.
const (
	DefaultHomeToleranceUS = 5
	DefaultHomeHoldWindow  = 200 * time.Millisecond
)

// EStopSource is the subset of actuation the supervisor halts on
// E-stop: motion holds position, audio stops immediately.
type EStopSource interface {
	StopRun()
	CancelAll()
}

// RateController lets the supervisor drop the scheduler to its floor
// rate in Degraded mode.
type RateController interface {
	SetRateHz(hz int)
}

// TickSource is polled once per audit cycle for the latest scheduler
// stats. motion.Scheduler does not implement this directly (its
// LastStats returns a richer TickStats); runtime wires a thin adapter
// so this package stays independent of the motion package.
type TickSource interface {
	LastStats() (missed bool, clampedChannels int)
}

// Aborter lets the supervisor escalate a watchdog trip into a graceful
// abort of whatever the Coordinator is running, instead of merely
// dropping the tick rate.
type Aborter interface {
	Abort(reason string)
}

// Homer performs the explicit homing pass ClearEStop requires: drive
// every enabled channel to home within home-speed limits and confirm
// each is within toleranceUS of home for holdWindow before returning.
type Homer interface {
	HomeAndConfirm(toleranceUS int, holdWindow time.Duration) error
}

// TelemetryFunc receives estop/fault/degraded-mode telemetry.
type TelemetryFunc func(model.TelemetryEvent)

// Supervisor is the Safety Supervisor (C8).
type Supervisor struct {
	actuation EStopSource
	rate      RateController
	ticks     TickSource
	aborter   Aborter
	homer     Homer
	clock     clock.Source
	log       *log.Logger
	onTel     TelemetryFunc

	estopped   atomic.Bool
	degraded   atomic.Bool
	homing     atomic.Bool
	floorRate  int
	normalRate int

	homeToleranceUS int
	homeHoldWindow  time.Duration

	mu               sync.Mutex
	consecutiveClamp int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Supervisor. normalRate and floorRate are the motion
// scheduler's full and degraded tick rates. A zero homeToleranceUS or
// homeHoldWindow falls back to the specification's defaults.
func New(actuation EStopSource, rate RateController, ticks TickSource, aborter Aborter, homer Homer, clk clock.Source, logger *log.Logger, normalRate, floorRate, homeToleranceUS int, homeHoldWindow time.Duration, onTel TelemetryFunc) *Supervisor {
	if homeToleranceUS <= 0 {
		homeToleranceUS = DefaultHomeToleranceUS
	}
	if homeHoldWindow <= 0 {
		homeHoldWindow = DefaultHomeHoldWindow
	}
	return &Supervisor{
		actuation:       actuation,
		rate:            rate,
		ticks:           ticks,
		aborter:         aborter,
		homer:           homer,
		clock:           clk,
		log:             logger,
		onTel:           onTel,
		normalRate:      normalRate,
		floorRate:       floorRate,
		homeToleranceUS: homeToleranceUS,
		homeHoldWindow:  homeHoldWindow,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start begins the audit loop.
func (s *Supervisor) Start() {
	go s.loop()
}

// Close stops the audit loop.
func (s *Supervisor) Close() {
	close(s.stopCh)
	<-s.doneCh
}

// EStopped reports whether the latch is currently engaged.
func (s *Supervisor) EStopped() bool {
	return s.estopped.Load()
}

// Degraded reports whether the supervisor has dropped the scheduler to
// its floor rate.
func (s *Supervisor) Degraded() bool {
	return s.degraded.Load()
}

// TriggerEStop latches the E-stop: motion and audio halt immediately
// and stay halted until ClearEStop is called. It is safe to call from
// any goroutine, including the audit loop itself.
func (s *Supervisor) TriggerEStop(reason string) {
	if !s.estopped.CompareAndSwap(false, true) {
		return
	}
	s.actuation.StopRun()
	s.actuation.CancelAll()
	if s.onTel != nil {
		s.onTel(model.TelemetryEvent{Kind: model.TelemetryEStop, Message: reason})
	}
}

// ClearEStop releases the latch, but only after an explicit homing
// pass: every enabled channel is driven to home within home-speed
// limits and confirmed within homeToleranceUS of home for
// homeHoldWindow. It returns ErrHoming if a homing pass is already in
// progress or if the pass itself fails, leaving the latch engaged.
func (s *Supervisor) ClearEStop() error {
	if !s.estopped.Load() {
		return nil
	}
	if !s.homing.CompareAndSwap(false, true) {
		return errs.Wrap(errs.ErrHoming, "homing pass already in progress")
	}
	defer s.homing.Store(false)

	if s.homer != nil {
		if err := s.homer.HomeAndConfirm(s.homeToleranceUS, s.homeHoldWindow); err != nil {
			return errs.Wrapf(errs.ErrHoming, "clear estop: homing pass failed: %v", err)
		}
	}

	s.estopped.Store(false)
	if s.onTel != nil {
		s.onTel(model.TelemetryEvent{Kind: model.TelemetryEStop, Message: "cleared after homing pass"})
	}
	return nil
}

// WatchdogTripped is wired as the motion scheduler's WatchdogFunc: two
// consecutive missed ticks, or a tick latency over 2/R, escalates to a
// graceful abort of the active sequence and drops the scheduler into
// Degraded mode.
func (s *Supervisor) WatchdogTripped(reason string) {
	if s.aborter != nil {
		s.aborter.Abort("watchdog")
	}
	s.enterDegraded(reason)
}

func (s *Supervisor) enterDegraded(reason string) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	s.rate.SetRateHz(s.floorRate)
	s.log.Warn("entering degraded mode", "reason", reason)
	if s.onTel != nil {
		s.onTel(model.TelemetryEvent{Kind: model.TelemetryFault, Message: "degraded: " + reason})
	}
}

// ClearDegraded restores the full tick rate once conditions recover.
func (s *Supervisor) ClearDegraded() {
	if !s.degraded.CompareAndSwap(true, false) {
		return
	}
	s.rate.SetRateHz(s.normalRate)
}

// CheckLimits is the structural limit audit: it recomputes, per
// channel, whether the declared limits are internally consistent
// (positive, home within range). No load path calls it; config.Validate
// runs the same model.Channel.Valid check itself. C5 owns per-sequence segment
// realizability; this is the cheaper structural half of the check.
func CheckLimits(channels map[model.ChannelID]model.Channel) []string {
	var problems []string
	for id, ch := range channels {
		if !ch.Valid() {
			problems = append(problems, fmt.Sprintf("channel %d (%s): invalid bounds", id, ch.Name))
		}
	}
	return problems
}

func (s *Supervisor) loop() {
	defer close(s.doneCh)
	interval := time.Second / time.Duration(NormalHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.audit()
			want := time.Second / time.Duration(NormalHz)
			if s.degraded.Load() {
				want = time.Second / time.Duration(DegradedHz)
			}
			if want != interval {
				interval = want
				ticker.Reset(interval)
			}
		}
	}
}

// audit runs one lightweight pass over the scheduler's latest stats,
// escalating to Degraded after three consecutive audit passes that
// each see clamping on some channel in the latest tick — a sustained clamp means the plan is asking for more
// than the hardware can deliver, not a one-off transient.
func (s *Supervisor) audit() {
	if s.ticks == nil {
		return
	}
	missed, clampedChannels := s.ticks.LastStats()
	s.mu.Lock()
	if clampedChannels > 0 {
		s.consecutiveClamp++
	} else {
		s.consecutiveClamp = 0
	}
	streak := s.consecutiveClamp
	s.mu.Unlock()

	if missed {
		s.enterDegraded("missed tick observed by supervisor")
	}
	if streak >= 3 {
		s.enterDegraded("sustained limit clamping")
	}
}
