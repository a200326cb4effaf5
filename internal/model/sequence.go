// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package model

import "time"

// AudioCue schedules a decoded asset's playback relative to sequence
// start. DurationHint is advisory only; actual duration comes from the
// decoded asset once C4 loads it.
type AudioCue struct {
	TRel         time.Duration
	AssetID      string
	Gain         float64
	DurationHint time.Duration
	CueID        string // stable id for cancellation; the sequence loader sets it to "<sequence id>-<asset id>-<t_rel in ns>"
}

// SequenceID identifies an immutable, loaded sequence.
type SequenceID string

// Sequence is an immutable bundle of motion tracks and audio cues with
// scheduling metadata. Once loaded by C5 a Sequence is never mutated;
// C6/C7 only ever hold references to it by id.
type Sequence struct {
	ID            SequenceID
	Name          string
	Duration      time.Duration
	MotionTracks  []MotionTrack
	AudioCues     []AudioCue
	PriorityClass int // 1..10, higher pre-empts lower
	Cooldown      time.Duration
	Tags          []string
	Groups        []string // channel groups this sequence occupies
	RequiresFullRate bool  // loaded from requires_full_rate; no component reads it, so it does not stop the sequence from running while C8 is Degraded
}

// TrackFor returns the motion track for the given channel and whether
// one was declared.
func (s *Sequence) TrackFor(id ChannelID) (MotionTrack, bool) {
	for _, t := range s.MotionTracks {
		if t.ChannelID == id {
			return t, true
		}
	}
	return MotionTrack{}, false
}

// HasTag reports whether the sequence is tagged with the given tag.
func (s *Sequence) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// OccupiesAny reports whether s shares any channel group with groups.
func (s *Sequence) OccupiesAny(groups []string) bool {
	for _, g := range s.Groups {
		for _, o := range groups {
			if g == o {
				return true
			}
		}
	}
	return false
}
