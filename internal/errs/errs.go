// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package errs defines the sentinel error kinds shared across the
// motion coordination core, per the error taxonomy in the
// specification's error handling design. Components wrap these with
// github.com/pkg/errors for context; callers unwrap with errors.Is.
package errs

import "github.com/pkg/errors"

var (
	// ErrConfigInvalid marks a fatal, never-partial configuration load failure.
	ErrConfigInvalid = errors.New("config invalid")
	// ErrSequenceInvalid marks a fatal sequence validation failure at load time.
	ErrSequenceInvalid = errors.New("sequence invalid")
	// ErrChannelUnknown is returned when a channel id has no backing configuration.
	ErrChannelUnknown = errors.New("channel unknown")
	// ErrNotHomed is returned when enabling a channel without a prior homed set_target.
	ErrNotHomed = errors.New("channel not homed")
	// ErrDisabled is returned when writing to a disabled channel.
	ErrDisabled = errors.New("channel disabled")
	// ErrBusy is returned when a coordinator or surface request cannot be serviced now.
	ErrBusy = errors.New("busy")
	// ErrExpired is returned when a start request arrives past its deadline_to_start.
	ErrExpired = errors.New("request expired")
	// ErrIoTransient marks a retryable hardware I/O failure.
	ErrIoTransient = errors.New("transient io error")
	// ErrIoFatal marks a hardware I/O failure that exhausted its retry budget.
	ErrIoFatal = errors.New("fatal io error")
	// ErrDeadlineMissed marks a tick or request that missed its deadline.
	ErrDeadlineMissed = errors.New("deadline missed")
	// ErrLimitViolation marks a detected breach of a channel's declared limits.
	ErrLimitViolation = errors.New("limit violation")
	// ErrEStopped is returned by any operation short-circuited by a latched e-stop.
	ErrEStopped = errors.New("e-stop latched")
	// ErrAssetMissing marks a reference to an audio asset that could not be resolved.
	ErrAssetMissing = errors.New("asset missing")
	// ErrUnderrun marks an audio buffer underrun.
	ErrUnderrun = errors.New("audio underrun")
	// ErrNotFound is returned when a referenced sequence id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrHoming is returned by estop_clear while a homing pass is still in progress.
	ErrHoming = errors.New("homing in progress")
	// ErrFault is returned by estop_clear when the supervisor is in a Faulted state.
	ErrFault = errors.New("supervisor faulted")
	// ErrTimeout is returned when an external request exceeds request_timeout.
	ErrTimeout = errors.New("request timeout")
)

// Wrap attaches a message to err using github.com/pkg/errors, preserving
// the sentinel for errors.Is comparisons further up the call chain.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
