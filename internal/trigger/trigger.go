// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package trigger implements the Trigger State Machine (C7): it
// consumes sensor events, applies confidence, zone, and debounce
// gating, and selects a sequence to hand the Coordinator (C6),
// enforcing per-tag cooldowns so the same reaction doesn't replay
// back-to-back. The event-in/decision-out shape and the mutex-guarded
// state struct follow the session orchestrator pattern found in the
// pack's xg2g session manager, adapted from a lease-owning pipeline
// orchestrator down to a single-machine state holder.
package trigger

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/model"
	"github.com/r2core/motioncore/internal/sequence"
)

// Phase is the state machine's current phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEngaged
	PhasePerforming
	PhaseCooldown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEngaged:
		return "engaged"
	case PhasePerforming:
		return "performing"
	case PhaseCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// MinConfidence is the default floor below which a trigger event is
// discarded outright.
const MinConfidence = 0.55

// DefaultDebounceWindow and DefaultMaxResponseLatency are the
// specification's fallback timing defaults.
const (
	DefaultDebounceWindow     = 250 * time.Millisecond
	DefaultMaxResponseLatency = 150 * time.Millisecond
)

// SelectFunc chooses a sequence for a qualifying event from the
// library, or returns ok=false if nothing matches. lastUsed is a
// point-in-time snapshot of when each sequence id was last dispatched,
// keyed for the least-recently-used tie-break; a sequence absent from
// the map has never been used.
type SelectFunc func(lib *sequence.Library, ev model.TriggerEvent, lastUsed map[model.SequenceID]clock.Instant) (*model.Sequence, bool)

// DecisionFunc is invoked once per accepted trigger, carrying the
// sequence the state machine selected and the start request C6 must
// honor or reject as Expired.
type DecisionFunc func(seq *model.Sequence, req model.SelectionRequest)

// Machine is the Trigger State Machine (C7).
type Machine struct {
	lib                *sequence.Library
	clock              clock.Source
	log                *log.Logger
	selector           SelectFunc
	onDecide           DecisionFunc
	minConf            float64
	debounceWindow     time.Duration
	maxResponseLatency time.Duration

	mu           sync.Mutex
	phase        Phase
	engagedZone  model.Zone
	performingID model.SequenceID
	cooldowns    map[string]clock.Instant              // tag -> expiry
	lastUsed     map[model.SequenceID]clock.Instant     // sequence -> last dispatch time
	pending      map[model.TriggerKind]*time.Timer      // kind -> debounce window timer
	latestByKind map[model.TriggerKind]model.TriggerEvent
}

// New constructs a Machine. selector picks a sequence given a
// qualifying event; if nil, DefaultSelector is used. A zero
// debounceWindow or maxResponseLatency falls back to the
// specification's defaults.
func New(lib *sequence.Library, clk clock.Source, logger *log.Logger, selector SelectFunc, debounceWindow, maxResponseLatency time.Duration, onDecide DecisionFunc) *Machine {
	if selector == nil {
		selector = DefaultSelector
	}
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounceWindow
	}
	if maxResponseLatency <= 0 {
		maxResponseLatency = DefaultMaxResponseLatency
	}
	return &Machine{
		lib:                lib,
		clock:              clk,
		log:                logger,
		selector:           selector,
		onDecide:           onDecide,
		minConf:            MinConfidence,
		debounceWindow:     debounceWindow,
		maxResponseLatency: maxResponseLatency,
		phase:              PhaseIdle,
		cooldowns:          make(map[string]clock.Instant),
		lastUsed:           make(map[model.SequenceID]clock.Instant),
		pending:            make(map[model.TriggerKind]*time.Timer),
		latestByKind:       make(map[model.TriggerKind]model.TriggerEvent),
	}
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// zoneAllowed implements the zone-gating rule: immediate-zone events
// always pass; far-zone events only pass while the machine is Idle.
// Every other zone is ungated here, leaving admission to the
// confidence floor, debounce, phase, and cooldown checks.
func zoneAllowed(zone model.Zone, phase Phase) bool {
	switch zone {
	case model.ZoneImmediate:
		return true
	case model.ZoneFar:
		return phase == PhaseIdle
	default:
		return true
	}
}

// Handle processes one incoming trigger event. It returns true if the
// event was accepted into debounce processing, not whether it
// ultimately produced a selection — events of the same kind arriving
// within debounce_window collapse into the one that fires when the
// window elapses, per the specification's debounce rule.
func (m *Machine) Handle(ev model.TriggerEvent) bool {
	if ev.Confidence < m.minConf {
		m.log.Debug("trigger below confidence floor", "kind", ev.Kind, "confidence", ev.Confidence)
		return false
	}

	m.mu.Lock()
	if !zoneAllowed(ev.Zone, m.phase) {
		m.mu.Unlock()
		m.log.Debug("trigger rejected by zone gate", "kind", ev.Kind, "zone", ev.Zone, "phase", m.phase)
		return false
	}

	m.latestByKind[ev.Kind] = ev
	if _, active := m.pending[ev.Kind]; active {
		m.mu.Unlock()
		return true // collapsed into the already-running debounce window
	}
	kind := ev.Kind
	m.pending[kind] = time.AfterFunc(m.debounceWindow, func() { m.fireDebounced(kind) })
	m.mu.Unlock()
	return true
}

// fireDebounced runs the phase/cooldown/selection logic against the
// most recent event of kind once its debounce window has elapsed.
func (m *Machine) fireDebounced(kind model.TriggerKind) {
	m.mu.Lock()
	ev, ok := m.latestByKind[kind]
	delete(m.pending, kind)
	delete(m.latestByKind, kind)
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()

	switch m.phase {
	case PhasePerforming:
		m.mu.Unlock()
		return
	case PhaseCooldown:
		for _, tag := range ev.Payload.Tags {
			if until, cooling := m.cooldowns[tag]; cooling && now.Before(until) {
				m.mu.Unlock()
				return
			}
		}
		m.phase = PhaseIdle
	}

	if ev.Zone == model.ZoneImmediate || ev.Zone == model.ZoneClose {
		m.phase = PhaseEngaged
		m.engagedZone = ev.Zone
	}
	lastUsed := make(map[model.SequenceID]clock.Instant, len(m.lastUsed))
	for id, t := range m.lastUsed {
		lastUsed[id] = t
	}
	m.mu.Unlock()

	seq, selected := m.selector(m.lib, ev, lastUsed)
	if !selected {
		return
	}

	m.mu.Lock()
	m.phase = PhasePerforming
	m.performingID = seq.ID
	m.lastUsed[seq.ID] = now
	m.mu.Unlock()

	if m.onDecide != nil {
		m.onDecide(seq, model.SelectionRequest{
			SequenceID:      seq.ID,
			Reason:          string(ev.Kind),
			DeadlineToStart: ev.ReceivedAtMonotonic.Add(m.maxResponseLatency),
		})
	}
}

// NotifySequenceFinished transitions Performing -> Cooldown -> Idle,
// arming the cooldown window for every tag the finished sequence
// carried.
func (m *Machine) NotifySequenceFinished(seq *model.Sequence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhasePerforming || seq.ID != m.performingID {
		return
	}
	now := m.clock.Now()
	if seq.Cooldown > 0 {
		for _, tag := range seq.Tags {
			m.cooldowns[tag] = now.Add(seq.Cooldown)
		}
		m.phase = PhaseCooldown
	} else {
		m.phase = PhaseIdle
	}
	m.performingID = ""
}

// Reset forces the machine back to Idle. Any in-flight debounce
// windows are cancelled without firing.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, t := range m.pending {
		t.Stop()
		delete(m.pending, kind)
	}
	m.latestByKind = make(map[model.TriggerKind]model.TriggerEvent)
	m.phase = PhaseIdle
	m.performingID = ""
}

// DefaultSelector picks, among sequences tagged with the event kind's
// tag, the highest priority class; ties break by least-recently-used,
// per the specification, with never-used sequences treated as more
// eligible than any sequence lastUsed records, and a stable id order
// as the final tiebreaker for sequences that have never been used.
func DefaultSelector(lib *sequence.Library, ev model.TriggerEvent, lastUsed map[model.SequenceID]clock.Instant) (*model.Sequence, bool) {
	tag := tagForKind(ev.Kind)
	candidates := lib.ByTag(tag)
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].PriorityClass != candidates[j].PriorityClass {
			return candidates[i].PriorityClass > candidates[j].PriorityClass
		}
		ti, iUsed := lastUsed[candidates[i].ID]
		tj, jUsed := lastUsed[candidates[j].ID]
		switch {
		case !iUsed && !jUsed:
			return candidates[i].ID < candidates[j].ID
		case !iUsed:
			return true
		case !jUsed:
			return false
		default:
			return ti.Before(tj)
		}
	})
	return candidates[0], true
}

func tagForKind(k model.TriggerKind) string {
	switch k {
	case model.KindGuestDetected:
		return "guest_detected"
	case model.KindCharacterDetected:
		return "character_detected"
	case model.KindGesture:
		return "gesture"
	case model.KindProximityZoneEnter:
		return "proximity_enter"
	case model.KindProximityZoneExit:
		return "proximity_exit"
	default:
		return "manual"
	}
}
