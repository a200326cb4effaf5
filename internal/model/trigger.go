// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package model

import (
	"fmt"
	"time"

	"github.com/r2core/motioncore/internal/clock"
)

// TriggerSource names the producer of a TriggerEvent.
type TriggerSource string

const (
	SourceVision    TriggerSource = "vision"
	SourceProximity TriggerSource = "proximity"
	SourceOperator  TriggerSource = "operator"
)

// TriggerKind is the tagged kind of a TriggerEvent.
type TriggerKind string

const (
	KindGuestDetected       TriggerKind = "guest_detected"
	KindCharacterDetected   TriggerKind = "character_detected"
	KindGesture             TriggerKind = "gesture"
	KindProximityZoneEnter  TriggerKind = "proximity_zone_enter"
	KindProximityZoneExit   TriggerKind = "proximity_zone_exit"
	KindManual              TriggerKind = "manual"
)

// Zone is the discrete proximity class attached to a trigger event,
// ordered immediate > close > medium > far > none.
type Zone string

const (
	ZoneImmediate Zone = "immediate"
	ZoneClose     Zone = "close"
	ZoneMedium    Zone = "medium"
	ZoneFar       Zone = "far"
	ZoneNone      Zone = "none"
)

// zoneRank gives the total order used for zone-gating comparisons;
// lower rank means higher priority.
var zoneRank = map[Zone]int{
	ZoneImmediate: 0,
	ZoneClose:     1,
	ZoneMedium:    2,
	ZoneFar:       3,
	ZoneNone:      4,
}

// Rank returns the zone's priority rank; lower is higher priority.
func (z Zone) Rank() int {
	r, ok := zoneRank[z]
	if !ok {
		return zoneRank[ZoneNone]
	}
	return r
}

// HigherOrEqual reports whether z is at least as urgent as other.
func (z Zone) HigherOrEqual(other Zone) bool {
	return z.Rank() <= other.Rank()
}

// TriggerPayload carries the interaction tags and any perception-layer
// extras; the core only ever inspects Tags.
type TriggerPayload struct {
	Tags  []string
	Extra map[string]string
}

// TriggerEvent is one observation from the perception pipeline or the
// operator surface, as defined by the upstream schema in the external
// interfaces section of the specification.
type TriggerEvent struct {
	Source            TriggerSource
	Kind               TriggerKind
	Confidence         float64 // 0.0..1.0
	Zone               Zone
	Payload            TriggerPayload
	ReceivedAtMonotonic clock.Instant
	ReceivedAtWall     time.Time
}

func (e TriggerEvent) String() string {
	return fmt.Sprintf("trigger{source=%s kind=%s zone=%s confidence=%.2f tags=%v}",
		e.Source, e.Kind, e.Zone, e.Confidence, e.Payload.Tags)
}

// SelectionRequest is C7's output, fed to C6: a request to start a
// specific sequence by its deadline.
type SelectionRequest struct {
	SequenceID      SequenceID
	Reason          string
	DeadlineToStart clock.Instant
}
