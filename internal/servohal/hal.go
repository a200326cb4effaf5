// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package servohal

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
)

// homeGrace is how long after a successful home-position set_target a
// channel may still be enabled, per the specification's set_enabled
// contract.
const homeGrace = 250 * time.Millisecond

// FaultFunc is invoked when a transport exhausts its retry budget,
// letting C8 transition to Degraded without C1 importing the
// supervisor package directly.
type FaultFunc func(err error)

// HAL is the Servo HAL (C1): a uniform, testable abstraction over one
// PWM transport, totally ordering writes arriving from any caller.
type HAL struct {
	transport Transport
	clock     clock.Source
	log       *log.Logger
	onFault   FaultFunc

	mu          sync.Mutex
	channels    map[model.ChannelID]model.Channel
	lastTarget  map[model.ChannelID]int
	enabled     map[model.ChannelID]bool
	homedAt     map[model.ChannelID]clock.Instant
	pendingBatch map[model.ChannelID]int

	batchCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs a HAL over transport for the given channel set.
func New(transport Transport, channels []model.Channel, clk clock.Source, logger *log.Logger, onFault FaultFunc) *HAL {
	h := &HAL{
		transport:    transport,
		clock:        clk,
		log:          logger,
		onFault:      onFault,
		channels:     make(map[model.ChannelID]model.Channel, len(channels)),
		lastTarget:   make(map[model.ChannelID]int, len(channels)),
		enabled:      make(map[model.ChannelID]bool, len(channels)),
		homedAt:      make(map[model.ChannelID]clock.Instant),
		pendingBatch: make(map[model.ChannelID]int),
		batchCh:      make(chan struct{}, 1), // depth 1: newest batch supersedes queued-but-unsent
		closeCh:      make(chan struct{}),
	}
	for _, c := range channels {
		h.channels[c.ID] = c
		h.lastTarget[c.ID] = c.Position
	}
	h.wg.Add(1)
	go h.batchLoop()
	return h
}

// SetTarget applies a single channel write immediately, clamped to the
// channel's min/max, coalesced with any other writes issued in the
// same tick. It fails with ErrChannelUnknown or ErrDisabled.
func (h *HAL) SetTarget(id model.ChannelID, us int) error {
	h.mu.Lock()
	ch, ok := h.channels[id]
	if !ok {
		h.mu.Unlock()
		return errs.Wrapf(errs.ErrChannelUnknown, "channel %d", id)
	}
	if !h.enabled[id] && us != ch.HomeUS {
		h.mu.Unlock()
		return errs.Wrapf(errs.ErrDisabled, "channel %d", id)
	}
	clamped, _ := ch.Clamp(us)
	h.lastTarget[id] = clamped
	h.pendingBatch[id] = clamped
	if clamped == ch.HomeUS {
		h.homedAt[id] = h.clock.Now()
	}
	h.mu.Unlock()

	h.signalBatch()
	return nil
}

// SetTargets applies a full batch of channel writes as a single
// transaction, the shape C3 uses once per tick.
func (h *HAL) SetTargets(cmds []ChannelCommand) error {
	h.mu.Lock()
	for _, c := range cmds {
		ch, ok := h.channels[c.ChannelID]
		if !ok {
			continue
		}
		if !h.enabled[c.ChannelID] && c.TargetUS != ch.HomeUS {
			continue
		}
		clamped, _ := ch.Clamp(c.TargetUS)
		h.lastTarget[c.ChannelID] = clamped
		h.pendingBatch[c.ChannelID] = clamped
		if clamped == ch.HomeUS {
			h.homedAt[c.ChannelID] = h.clock.Now()
		}
	}
	h.mu.Unlock()
	h.signalBatch()
	return nil
}

// SetEnabled enables or disables a channel. Enabling requires a prior
// successful SetTarget at the channel's home position within
// homeGrace, else it fails with ErrNotHomed.
func (h *HAL) SetEnabled(id model.ChannelID, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[id]; !ok {
		return errs.Wrapf(errs.ErrChannelUnknown, "channel %d", id)
	}
	if !enable {
		h.enabled[id] = false
		return nil
	}
	homedAt, ok := h.homedAt[id]
	if !ok || h.clock.Now().Sub(homedAt) > homeGrace {
		return errs.Wrapf(errs.ErrNotHomed, "channel %d", id)
	}
	h.enabled[id] = true
	return nil
}

// ReadLastTarget returns the last commanded value for a channel. This
// is not a sensed position: most PWM servo controllers are open-loop.
func (h *HAL) ReadLastTarget(id model.ChannelID) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.lastTarget[id]
	if !ok {
		return 0, errs.Wrapf(errs.ErrChannelUnknown, "channel %d", id)
	}
	return v, nil
}

// IsEnabled reports whether the channel is currently enabled.
func (h *HAL) IsEnabled(id model.ChannelID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[id]
}

// Flush guarantees all previously issued writes have been observed by
// the device, or returns ErrIoFatal.
func (h *HAL) Flush() error {
	h.mu.Lock()
	pending := len(h.pendingBatch) > 0
	h.mu.Unlock()
	if !pending {
		return nil
	}
	return h.drainOnce(context.Background())
}

// Close stops the batch goroutine and closes the underlying transport.
func (h *HAL) Close() error {
	close(h.closeCh)
	h.wg.Wait()
	return h.transport.Close()
}

func (h *HAL) signalBatch() {
	select {
	case h.batchCh <- struct{}{}:
	default:
		// A batch is already queued; the newest pendingBatch map
		// supersedes it since batchLoop always reads the latest
		// pendingBatch snapshot, matching the HAL-thread coalescing
		// rule in the specification's concurrency model.
	}
}

func (h *HAL) batchLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.closeCh:
			return
		case <-h.batchCh:
			if err := h.drainOnce(context.Background()); err != nil {
				h.log.Error("batch write failed", "err", err)
			}
		}
	}
}

// drainOnce applies the HAL's bounded retry-with-backoff policy (one
// attempt plus up to 3 retries, exponential, capped at 20ms) around a single transport
// write, per the specification's HAL failure semantics. Every
// Transport implementation gets this behavior for free.
func (h *HAL) drainOnce(ctx context.Context) error {
	h.mu.Lock()
	if len(h.pendingBatch) == 0 {
		h.mu.Unlock()
		return nil
	}
	cmds := make([]ChannelCommand, 0, len(h.pendingBatch))
	for id, us := range h.pendingBatch {
		cmds = append(cmds, ChannelCommand{ChannelID: id, TargetUS: us})
	}
	h.pendingBatch = make(map[model.ChannelID]int)
	h.mu.Unlock()

	attempts, _ := retryBudget()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := h.transport.WriteBatch(ctx, cmds); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return errs.Wrap(ctx.Err(), "write batch cancelled")
			case <-time.After(backoffDelay(attempt)):
			}
		}
	}
	err := errs.Wrapf(errs.ErrIoFatal, "write batch failed after retries: %v", lastErr)
	if h.onFault != nil {
		h.onFault(err)
	}
	return err
}
