// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package model

import "time"

// TelemetryKind tags the union of events C9 records and streams.
type TelemetryKind string

const (
	TelemetryTick               TelemetryKind = "tick"
	TelemetrySequenceStarted    TelemetryKind = "sequence_started"
	TelemetrySequenceCompleted  TelemetryKind = "sequence_completed"
	TelemetrySequenceAborted    TelemetryKind = "sequence_aborted"
	TelemetryLimitClamped       TelemetryKind = "limit_clamped"
	TelemetryEStop              TelemetryKind = "e_stop"
	TelemetryFault              TelemetryKind = "fault"
	TelemetryHeartbeat          TelemetryKind = "heartbeat"
	TelemetryCueAborted         TelemetryKind = "cue_aborted"
	TelemetryUnderrun           TelemetryKind = "underrun"
)

// TelemetryEvent is one entry in C9's bounded ring buffer. Fields
// outside Kind's relevant subset are left zero; consumers switch on
// Kind before reading the rest, matching the tagged-union shape called
// for in the specification's data model.
type TelemetryEvent struct {
	Kind      TelemetryKind
	Timestamp time.Time // wall-clock stamp, telemetry only

	// tick / limit_clamped
	ChannelID    ChannelID
	TickLatency  time.Duration
	ClampedDelta int
	Missed       bool

	// sequence_started / completed / aborted
	SequenceID SequenceID
	Reason     string

	// fault / e_stop / underrun / cue_aborted
	Message string
}
