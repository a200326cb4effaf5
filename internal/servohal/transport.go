// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package servohal abstracts one or more PWM servo controllers into an
// addressable set of channels with position/speed/accel limits (C1).
// The authoritative transport is a USB/serial Maestro-like board
// (MaestroSerial, generalizing the teacher's serial_port.go use of
// github.com/pkg/term); MemoryMapped stands in for testing and
// selftest dry runs, the "alternate variant" named in the
// specification.
package servohal

import (
	"context"
	"time"

	"github.com/r2core/motioncore/internal/model"
)

// ChannelCommand is one channel's target within a batch write.
type ChannelCommand struct {
	ChannelID model.ChannelID
	TargetUS  int
}

// Transport is the wire-level contract a Servo HAL variant implements.
// Implementations serialize internally: calls arrive totally ordered.
type Transport interface {
	// WriteBatch issues a coalesced multi-target write where the wire
	// protocol supports it, or per-channel writes in channel-id order
	// otherwise. It makes a single attempt; HAL.drainOnce applies the
	// retry budget around it.
	WriteBatch(ctx context.Context, cmds []ChannelCommand) error
	// Close releases any underlying resources (serial port, fd, etc).
	Close() error
}

// retryBudget is the bounded exponential backoff applied to transient
// transport failures, per the specification's HAL failure semantics:
// up to 3 retries, backoff bounded at 20ms. attempts counts the
// initial write plus those retries.
func retryBudget() (attempts int, cap time.Duration) {
	return 1 + 3, 20 * time.Millisecond
}

func backoffDelay(attempt int) time.Duration {
	d := time.Millisecond * time.Duration(1<<uint(attempt))
	_, capAt := retryBudget()
	if d > capAt {
		return capAt
	}
	return d
}
