// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package runtime implements the Core Runtime (C10): it owns
// construction and lifecycle of every other component in dependency
// order, and is the only package that imports all of them.
// Construction goes from the hardware edge inward (HAL, then motion,
// then audio, then the sequence library, coordinator, trigger, safety
// and telemetry surface). Shutdown aborts the active sequence first,
// then stops the safety audit loop, the motion scheduler, the audio
// player and finally the HAL.
package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/r2core/motioncore/internal/audio"
	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/config"
	"github.com/r2core/motioncore/internal/coordinator"
	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/logging"
	"github.com/r2core/motioncore/internal/model"
	"github.com/r2core/motioncore/internal/motion"
	"github.com/r2core/motioncore/internal/safety"
	"github.com/r2core/motioncore/internal/sequence"
	"github.com/r2core/motioncore/internal/servohal"
	"github.com/r2core/motioncore/internal/telemetry"
	"github.com/r2core/motioncore/internal/trigger"
)

// nullAssetStore reports every asset as missing. Decoding audio bytes
// into PCM samples is out of scope for the core (the specification
// treats the player's input as already-decoded samples). New always
// wires this store, and its sequence-load asset check also reports
// every asset missing, so a sequence with audio cues fails to load.
type nullAssetStore struct{}

func (nullAssetStore) Load(id string) (*audio.Asset, error) {
	return nil, errs.Wrapf(errs.ErrAssetMissing, "no asset decoder wired for %q", id)
}

// tickAdapter narrows motion.Scheduler's TickStats down to the two
// fields safety.TickSource needs, keeping the safety package free of a
// motion import.
type tickAdapter struct{ s *motion.Scheduler }

func (a tickAdapter) LastStats() (bool, int) {
	st := a.s.LastStats()
	return st.Missed, len(st.Clamped)
}

// Runtime is the Core Runtime (C10): the fully wired, running system.
type Runtime struct {
	cfg       *config.Config
	clock     clock.Source
	log       *log.Logger
	hal       *servohal.HAL
	transport servohal.Transport
	scheduler *motion.Scheduler
	player    *audio.Player
	lib       *sequence.Library
	coord     *coordinator.Coordinator
	trig      *trigger.Machine
	super     *safety.Supervisor
	ring      *telemetry.Ring
	surface   *telemetry.Surface
}

// New constructs every component and wires them together. The HAL's
// batch goroutine and the audio player's render loop start in their
// constructors; the motion tick loop and the safety audit loop wait
// for Start.
func New(cfg *config.Config) (*Runtime, error) {
	clk := clock.Real{}
	r := &Runtime{cfg: cfg, clock: clk}

	r.ring = telemetry.NewRing(cfg.Telemetry.RingCapacity)
	telFunc := func(ev model.TelemetryEvent) { r.ring.Push(ev) }

	channels := cfg.ChannelSlice()
	channelMap := cfg.ChannelMap()

	transport, err := openTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	r.transport = transport

	r.log = logging.New("hal", log.InfoLevel)
	r.hal = servohal.New(transport, channels, clk, r.log, func(err error) {
		telFunc(model.TelemetryEvent{Kind: model.TelemetryFault, Message: "HAL fault: " + err.Error()})
	})

	// onWatchdog defers dereferencing r.super until the scheduler
	// actually ticks, which only happens after Start wires everything
	// below and calls r.scheduler.Start().
	r.scheduler = motion.New(haltargetAdapter{r.hal}, channels, cfg.TickRateHz, clk,
		logging.New("motion", log.InfoLevel), telFunc, func(reason string) {
			if r.super != nil {
				r.super.WatchdogTripped(reason)
			}
		})

	sink, err := openAudioSink(cfg.Audio)
	if err != nil {
		return nil, err
	}
	r.player = audio.New(nullAssetStore{}, sink, clk, logging.New("audio", log.InfoLevel), cfg.Audio.Mixing, telFunc)

	assetExists := func(id string) bool { return false } // no decoder wired; see nullAssetStore.
	lib, err := sequence.LoadDir(cfg.SequenceRoot, channelMap, assetExists)
	if err != nil {
		return nil, err
	}
	r.lib = lib

	r.coord = coordinator.New(r.scheduler, r.player, r.hal, channelMap,
		cfg.AbortWindowDuration(), cfg.DwellWindowDuration(),
		clk, logging.New("coordinator", log.InfoLevel), telFunc)

	r.trig = trigger.New(r.lib, clk, logging.New("trigger", log.InfoLevel), nil,
		cfg.Trigger.DebounceWindowDuration(), cfg.Trigger.MaxResponseLatencyDuration(),
		func(seq *model.Sequence, req model.SelectionRequest) {
			if err := r.coord.Start(seq, nil, req.DeadlineToStart); err != nil {
				r.log.Warn("trigger-selected sequence rejected", "sequence", seq.ID, "reason", req.Reason, "err", err)
			}
		})

	r.super = safety.New(
		coordinatorEStopAdapter{r.coord},
		r.scheduler,
		tickAdapter{r.scheduler},
		r.coord,
		homingAdapter{scheduler: r.scheduler, hal: r.hal, channels: channelMap, clock: clk, travelWindow: cfg.AbortWindowDuration()},
		clk,
		logging.New("safety", log.InfoLevel),
		cfg.TickRateHz, motion.FloorRateHz,
		cfg.Safety.HomeToleranceUS, cfg.Safety.HomeHoldWindowDuration(),
		telFunc,
	)

	r.surface = telemetry.NewSurface(telemetry.Handlers{
		Start: func(id string) error {
			seq, ok := r.lib.Get(model.SequenceID(id))
			if !ok {
				return errs.Wrapf(errs.ErrNotFound, "sequence %q", id)
			}
			return r.coord.Start(seq, nil, clock.Instant{})
		},
		Abort:      r.coord.Abort,
		EStopSet:   r.super.TriggerEStop,
		EStopClear: r.super.ClearEStop,
		SetEnabled: func(ch model.ChannelID, enabled bool) error { return r.hal.SetEnabled(ch, enabled) },
		GetStatus: func() telemetry.Status {
			seqID := ""
			if s, ok := r.coord.Current(); ok {
				seqID = string(s.ID)
			}
			return telemetry.Status{
				EStopped: r.super.EStopped(), Degraded: r.super.Degraded(),
				CoordState: r.coord.State().String(), CurrentSeq: seqID,
				RingDropped: r.ring.Dropped(), ChannelCount: len(channels),
			}
		},
	})

	return r, nil
}

// coordinatorEStopAdapter narrows coordinator.Coordinator down to
// safety.EStopSource. E-stop uses Freeze, not Abort: it is
// non-cooperative and must not attempt a graceful return to home — the
// homing pass belongs exclusively to ClearEStop.
type coordinatorEStopAdapter struct{ c *coordinator.Coordinator }

func (a coordinatorEStopAdapter) StopRun()   { a.c.Freeze("estop") }
func (a coordinatorEStopAdapter) CancelAll() {} // Freeze already cancels audio.

// haltargetAdapter narrows servohal.HAL to motion.TargetSetter.
type haltargetAdapter struct{ h *servohal.HAL }

func (a haltargetAdapter) SetTargets(cmds []servohal.ChannelCommand) error {
	return a.h.SetTargets(cmds)
}

// homingAdapter implements safety.Homer: it drives every enabled
// channel home over travelWindow using the same single-segment eased
// plan shape the coordinator uses for a graceful abort, then polls
// the HAL's last commanded target (the real-time-driven poll idiom
// this codebase uses wherever something must be confirmed by wall
// clock rather than the injected clock.Source) until every channel has
// held within tolerance for holdWindow.
type homingAdapter struct {
	scheduler    *motion.Scheduler
	hal          *servohal.HAL
	channels     map[model.ChannelID]model.Channel
	clock        clock.Source
	travelWindow time.Duration
}

const homingPollInterval = 20 * time.Millisecond

func (a homingAdapter) HomeAndConfirm(toleranceUS int, holdWindow time.Duration) error {
	var enabled []model.ChannelID
	for id := range a.channels {
		if a.hal.IsEnabled(id) {
			enabled = append(enabled, id)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	tracks := make([]model.MotionTrack, 0, len(enabled))
	for _, id := range enabled {
		ch := a.channels[id]
		cur, err := a.hal.ReadLastTarget(id)
		if err != nil {
			cur = ch.Position
		}
		tracks = append(tracks, model.MotionTrack{
			ChannelID: id,
			Keyframes: []model.Keyframe{
				{TRel: 0, ChannelID: id, TargetUS: cur, EasingID: "linear"},
				{TRel: a.travelWindow, ChannelID: id, TargetUS: ch.HomeUS, EasingID: "quad-in-out"},
			},
		})
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	a.scheduler.StartRun(tracks, a.clock.Now(), func() { closeOnce.Do(func() { close(done) }) })
	select {
	case <-done:
	case <-time.After(a.travelWindow + 50*time.Millisecond):
	}

	bound := time.Now().Add(a.travelWindow + holdWindow + 2*time.Second)
	var held time.Duration
	for held < holdWindow {
		if time.Now().After(bound) {
			return errs.Wrap(errs.ErrHoming, "channels did not settle within tolerance before the homing bound elapsed")
		}
		settled := true
		for _, id := range enabled {
			ch := a.channels[id]
			v, err := a.hal.ReadLastTarget(id)
			if err != nil || absInt(v-ch.HomeUS) > toleranceUS {
				settled = false
				break
			}
		}
		if settled {
			held += homingPollInterval
		} else {
			held = 0
		}
		time.Sleep(homingPollInterval)
	}
	return nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func openTransport(cfg config.TransportConfig) (servohal.Transport, error) {
	switch cfg.Kind {
	case "maestro_serial":
		baud := cfg.BaudRate
		if baud == 0 {
			baud = 115200
		}
		return servohal.OpenMaestroSerial(cfg.Device, baud)
	case "memory_mapped":
		return servohal.NewMemoryMapped(), nil
	default:
		return nil, errs.Wrapf(errs.ErrConfigInvalid, "unknown transport kind %q", cfg.Kind)
	}
}

func openAudioSink(cfg config.AudioConfig) (audio.Sink, error) {
	return audio.OpenPortAudioSink(2)
}

// Surface exposes the telemetry command surface to cmd/r2core.
func (r *Runtime) Surface() *telemetry.Surface { return r.surface }

// Telemetry exposes the ring buffer to cmd/r2core for streaming/dump.
func (r *Runtime) Telemetry() *telemetry.Ring { return r.ring }

// Trigger exposes the trigger state machine so the CLI's perception
// adapter (out of core scope) can feed it events.
func (r *Runtime) Trigger() *trigger.Machine { return r.trig }

// Start starts the motion tick loop, then the safety audit loop.
func (r *Runtime) Start() {
	r.scheduler.Start()
	r.super.Start()
}

// Stop brings the runtime down gracefully: abort any in-flight
// sequence, stop the audit loop, then close the actuation path.
func (r *Runtime) Stop() error {
	r.coord.Abort("runtime shutdown")
	r.super.Close()
	r.scheduler.Close()
	if err := r.player.Close(); err != nil {
		r.log.Warn("audio close failed", "err", err)
	}
	return r.hal.Close()
}

// SelfTest runs a minimal hardware-loop confidence check against a
// memory-mapped transport: every channel is enabled, driven to 5% of
// its declared travel away from home and back, and the HAL's
// last-commanded-target bookkeeping is checked at each step, so a
// channel that silently rejects writes or never leaves its rest
// position is caught instead of trivially passing a home-only check.
// It reports the exit code contract named in the specification: 0 ok,
// 2 hardware fault, 3 configuration error.
func SelfTest(cfg *config.Config) int {
	if err := cfg.Validate(); err != nil {
		fmt.Println("configuration invalid:", err)
		return 3
	}
	fake := servohal.NewMemoryMapped()
	clk := clock.Real{}
	hal := servohal.New(fake, cfg.ChannelSlice(), clk, logging.New("selftest", log.WarnLevel), nil)
	defer hal.Close()

	channels := cfg.ChannelSlice()
	for _, ch := range channels {
		if err := hal.SetTarget(ch.ID, ch.HomeUS); err != nil {
			fmt.Println("selftest: home failed for", ch.Name, ":", err)
			return 2
		}
		if err := hal.SetEnabled(ch.ID, true); err != nil {
			fmt.Println("selftest: enable failed for", ch.Name, ":", err)
			return 2
		}
	}
	if err := hal.Flush(); err != nil {
		fmt.Println("selftest: flush failed:", err)
		return 2
	}
	time.Sleep(50 * time.Millisecond)

	for _, ch := range channels {
		if err := hal.SetTarget(ch.ID, probeTarget(ch)); err != nil {
			fmt.Println("selftest: probe move failed for", ch.Name, ":", err)
			return 2
		}
	}
	if err := hal.Flush(); err != nil {
		fmt.Println("selftest: flush failed:", err)
		return 2
	}
	time.Sleep(50 * time.Millisecond)

	for _, ch := range channels {
		got, err := hal.ReadLastTarget(ch.ID)
		if err != nil || got != probeTarget(ch) {
			fmt.Println("selftest: channel did not confirm its 5% probe move:", ch.Name)
			return 2
		}
		if err := hal.SetTarget(ch.ID, ch.HomeUS); err != nil {
			fmt.Println("selftest: return-to-home failed for", ch.Name, ":", err)
			return 2
		}
	}
	if err := hal.Flush(); err != nil {
		fmt.Println("selftest: flush failed:", err)
		return 2
	}
	time.Sleep(50 * time.Millisecond)
	for _, ch := range channels {
		_ = hal.SetEnabled(ch.ID, false)
	}

	fmt.Println("selftest ok")
	return 0
}

// probeTarget returns a target 5% of the channel's declared travel
// away from home, preferring the upward direction and falling back
// downward (or to home, for a channel with no usable travel) if that
// would leave the channel's bounds.
func probeTarget(ch model.Channel) int {
	travel := ch.MaxUS - ch.MinUS
	delta := travel / 20
	if up := ch.HomeUS + delta; up <= ch.MaxUS {
		return up
	}
	if down := ch.HomeUS - delta; down >= ch.MinUS {
		return down
	}
	return ch.HomeUS
}
