// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logging centralizes construction of the structured loggers
// used by every component, one charmbracelet/log.Logger per concern
// (servohal, motion, audio, coordinator, trigger, safety, telemetry,
// runtime), mirroring the one-log-sink-per-concern shape of the
// teacher's log.go / telemetry.go without its C-era dw_printf idiom.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New returns a logger prefixed with the given component name, writing
// to stderr at the given level. Components hold their own *log.Logger
// rather than reaching for a package-level global, so tests can inject
// a silenced or buffered logger per component.
func New(component string, level log.Level) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          component,
		Level:           level,
	})
	return l
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output but still need to satisfy a *log.Logger field.
func Discard() *log.Logger {
	l := log.New(discardWriter{})
	l.SetLevel(log.FatalLevel + 1)
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
