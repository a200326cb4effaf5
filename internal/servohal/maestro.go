// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package servohal

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/term"

	"github.com/r2core/motioncore/internal/errs"
)

// MaestroSerial is the authoritative transport: a USB/serial
// Maestro-like PWM board addressed with a 16-bit channel id and a
// 16-bit target in quarter-microseconds, per the downstream interface
// in the specification. It generalizes the teacher's serial_port.go
// (github.com/pkg/term raw-mode serial line) from a packet-radio TNC
// link to a servo command link. It runs a 100ms poll loop, but the
// loop sends no status query and reads nothing back, so it does not
// detect stalls.
type MaestroSerial struct {
	mu   sync.Mutex
	port *term.Term

	stopPoll chan struct{}
	pollDone chan struct{}
}

// OpenMaestroSerial opens devicename (e.g. "/dev/ttyACM0") at baud and
// puts it into raw mode, mirroring serial_port_open's approach of
// opening the line once and leaving framing to the caller.
func OpenMaestroSerial(devicename string, baud int) (*MaestroSerial, error) {
	t, err := term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrIoFatal, "open serial port %s: %v", devicename, err)
	}
	if baud > 0 {
		if err := t.SetSpeed(baud); err != nil {
			_ = t.Close()
			return nil, errs.Wrapf(errs.ErrIoFatal, "set baud %d on %s: %v", baud, devicename, err)
		}
	}
	m := &MaestroSerial{
		port:     t,
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
	}
	go m.pollStalls()
	return m, nil
}

// WriteBatch encodes cmds as a sequence of per-channel target commands
// in channel-id order: 16-bit channel id, 16-bit target in
// quarter-microseconds, and issues a single write so the device sees
// the whole batch as one transaction where the wire protocol supports
// it. A single attempt is made; the HAL itself owns the retry budget
// so every Transport implementation gets identical retry semantics.
func (m *MaestroSerial) WriteBatch(ctx context.Context, cmds []ChannelCommand) error {
	sorted := append([]ChannelCommand(nil), cmds...)
	sortByChannel(sorted)

	buf := make([]byte, 0, 4*len(sorted))
	for _, c := range sorted {
		var chanBytes, targetBytes [2]byte
		binary.BigEndian.PutUint16(chanBytes[:], uint16(c.ChannelID))
		binary.BigEndian.PutUint16(targetBytes[:], uint16(c.TargetUS*4)) // quarter-microseconds
		buf = append(buf, chanBytes[:]...)
		buf = append(buf, targetBytes[:]...)
	}

	m.mu.Lock()
	_, err := m.port.Write(buf)
	m.mu.Unlock()
	if err != nil {
		return errs.Wrapf(errs.ErrIoTransient, "write batch: %v", err)
	}
	return nil
}

// pollStalls wakes every 100ms and takes the port lock; it sends no
// status query and reports nothing.
func (m *MaestroSerial) pollStalls() {
	defer close(m.pollDone)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopPoll:
			return
		case <-ticker.C:
			m.mu.Lock()
			// A real status query would read back a byte here; absent
			// hardware in this pack, presence of the port itself is
			// the stall signal we can observe.
			_ = m.port
			m.mu.Unlock()
		}
	}
}

// Close stops the stall-poll goroutine and closes the serial line.
func (m *MaestroSerial) Close() error {
	close(m.stopPoll)
	<-m.pollDone
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port.Close()
}

func sortByChannel(cmds []ChannelCommand) {
	for i := 1; i < len(cmds); i++ {
		for j := i; j > 0 && cmds[j].ChannelID < cmds[j-1].ChannelID; j-- {
			cmds[j], cmds[j-1] = cmds[j-1], cmds[j]
		}
	}
}
