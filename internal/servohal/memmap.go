// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package servohal

import (
	"context"
	"sync"

	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
)

// MemoryMapped is the alternate, test-oriented Transport named in the
// specification: an in-process fake standing in for a memory-mapped
// PWM device. It backs the memory_mapped transport kind, the
// `selftest` dry run, and the servohal unit tests.
type MemoryMapped struct {
	mu      sync.Mutex
	applied map[model.ChannelID]int
	writes  int

	// FailNextN, when > 0, makes the next N WriteBatch calls return
	// ErrIoTransient before succeeding, for retry/backoff tests.
	FailNextN int
}

// NewMemoryMapped returns an empty fake transport.
func NewMemoryMapped() *MemoryMapped {
	return &MemoryMapped{applied: make(map[model.ChannelID]int)}
}

// WriteBatch records the batch as applied, honoring FailNextN.
func (m *MemoryMapped) WriteBatch(ctx context.Context, cmds []ChannelCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNextN > 0 {
		m.FailNextN--
		return errs.ErrIoTransient
	}
	for _, c := range cmds {
		m.applied[c.ChannelID] = c.TargetUS
	}
	m.writes++
	return nil
}

// Applied returns the last applied target for a channel.
func (m *MemoryMapped) Applied(id model.ChannelID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.applied[id]
	return v, ok
}

// Writes returns the number of successful batch writes observed.
func (m *MemoryMapped) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Close is a no-op for the in-process fake.
func (m *MemoryMapped) Close() error { return nil }
