// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package telemetry implements the Telemetry & Control Surface (C9): a
// bounded ring buffer of TelemetryEvents with overwrite accounting, a
// single-subscriber live stream, and the command surface the operator
// console drives (start/abort/estop/enable/status). The ring buffer
// and single-subscriber fan-out follow the teacher's telemetry.go
// in-process event bus, generalized from AGW monitor frames to
// TelemetryEvent values, and rolling log file names are produced with
// github.com/lestrrat-go/strftime the way the rest of the pack
// composes time-based file naming instead of hand-formatting dates.
package telemetry

import (
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
)

// DefaultCapacity is the ring buffer's default size.
const DefaultCapacity = 8192

// Ring is a fixed-capacity, overwrite-on-full event buffer.
type Ring struct {
	mu        sync.Mutex
	buf       []model.TelemetryEvent
	next      int
	count     int
	dropped   uint64
	subscriber chan model.TelemetryEvent
}

// NewRing constructs a Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]model.TelemetryEvent, capacity)}
}

// Push appends ev, overwriting the oldest entry once the ring is full,
// and forwards a copy to the live subscriber if one is attached and
// not currently backed up.
func (r *Ring) Push(ev model.TelemetryEvent) {
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.dropped++
	}
	sub := r.subscriber
	r.mu.Unlock()

	if sub != nil {
		select {
		case sub <- ev:
		default:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
		}
	}
}

// Snapshot returns the buffered events oldest-first.
func (r *Ring) Snapshot() []model.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TelemetryEvent, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Dropped returns the number of events lost to overwrite or a backed
// up subscriber.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Subscribe attaches the single live-stream subscriber, replacing any
// previous one (the specification allows exactly one). The returned
// channel is closed by Unsubscribe.
func (r *Ring) Subscribe(bufSize int) <-chan model.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriber != nil {
		close(r.subscriber)
	}
	ch := make(chan model.TelemetryEvent, bufSize)
	r.subscriber = ch
	return ch
}

// Unsubscribe detaches the current subscriber, if any.
func (r *Ring) Unsubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriber != nil {
		close(r.subscriber)
		r.subscriber = nil
	}
}

// Status summarizes the system for a get_status command response.
type Status struct {
	EStopped     bool
	Degraded     bool
	CoordState   string
	CurrentSeq   string
	RingDropped  uint64
	ChannelCount int
}

// CommandKind enumerates the control-surface command verbs named in
// the specification.
type CommandKind string

const (
	CmdStart      CommandKind = "start"
	CmdAbort      CommandKind = "abort"
	CmdEStopSet   CommandKind = "estop_set"
	CmdEStopClear CommandKind = "estop_clear"
	CmdSetEnabled CommandKind = "set_enabled"
	CmdGetStatus  CommandKind = "get_status"
)

// Command is one request from the control surface.
type Command struct {
	Kind      CommandKind
	SequenceID string
	ChannelID  model.ChannelID
	Enabled    bool
	Reason     string
}

// Handlers wires the control surface's command verbs to the rest of
// the system; Surface dispatches into these without importing the
// coordinator, safety, or servohal packages directly.
type Handlers struct {
	Start      func(sequenceID string) error
	Abort      func(reason string)
	EStopSet   func(reason string)
	EStopClear func() error
	SetEnabled func(ch model.ChannelID, enabled bool) error
	GetStatus  func() Status
}

// Surface is the command-dispatch half of C9.
type Surface struct {
	handlers Handlers
}

// NewSurface constructs a Surface over the given handlers.
func NewSurface(h Handlers) *Surface {
	return &Surface{handlers: h}
}

// Dispatch executes one command and returns its status payload, if
// any (only get_status populates it).
func (s *Surface) Dispatch(cmd Command) (Status, error) {
	switch cmd.Kind {
	case CmdStart:
		if s.handlers.Start == nil {
			return Status{}, errs.Wrap(errs.ErrNotFound, "start handler not wired")
		}
		return Status{}, s.handlers.Start(cmd.SequenceID)
	case CmdAbort:
		if s.handlers.Abort != nil {
			s.handlers.Abort(cmd.Reason)
		}
		return Status{}, nil
	case CmdEStopSet:
		if s.handlers.EStopSet != nil {
			s.handlers.EStopSet(cmd.Reason)
		}
		return Status{}, nil
	case CmdEStopClear:
		if s.handlers.EStopClear == nil {
			return Status{}, nil
		}
		return Status{}, s.handlers.EStopClear()
	case CmdSetEnabled:
		if s.handlers.SetEnabled == nil {
			return Status{}, errs.Wrap(errs.ErrNotFound, "set_enabled handler not wired")
		}
		return Status{}, s.handlers.SetEnabled(cmd.ChannelID, cmd.Enabled)
	case CmdGetStatus:
		if s.handlers.GetStatus == nil {
			return Status{}, errs.Wrap(errs.ErrNotFound, "get_status handler not wired")
		}
		return s.handlers.GetStatus(), nil
	default:
		return Status{}, errs.Wrapf(errs.ErrNotFound, "unknown command %q", cmd.Kind)
	}
}

// rollingPattern names the rolling log file per hour, e.g.
// "r2core-20260731-14.log".
const rollingPattern = "r2core-%Y%m%d-%H.log"

// RollingLogName returns the log file name for the given instant.
func RollingLogName(t time.Time) (string, error) {
	name, err := strftime.Format(rollingPattern, t)
	if err != nil {
		return "", errs.Wrapf(errs.ErrConfigInvalid, "rolling log pattern: %v", err)
	}
	return name, nil
}
