// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sequence implements the Sequence Library (C5): it loads,
// validates, and serves immutable sequences by id. Validation follows
// the teacher's config.go stance of "read once, validate fully, never
// partial" — a sequence either loads clean or the whole load fails
// with a precise diagnostic.
package sequence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r2core/motioncore/internal/easing"
	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
)

// doc is the on-disk YAML shape for one sequence file.
type doc struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Duration      string   `yaml:"duration,omitempty"`
	PriorityClass int      `yaml:"priority_class"`
	Cooldown      string   `yaml:"cooldown"`
	Tags          []string `yaml:"tags"`
	Groups        []string `yaml:"groups"`
	RequiresFullRate bool  `yaml:"requires_full_rate,omitempty"`
	Motion        []struct {
		Channel int    `yaml:"channel"`
		TRel    string `yaml:"t_rel"`
		Target  int    `yaml:"target_us"`
		Easing  string `yaml:"easing"`
	} `yaml:"motion"`
	Audio []struct {
		TRel     string  `yaml:"t_rel"`
		Asset    string  `yaml:"asset"`
		Gain     float64 `yaml:"gain"`
		Duration string  `yaml:"duration_hint,omitempty"`
	} `yaml:"audio"`
}

// Library serves immutable, validated sequences by id.
type Library struct {
	sequences map[model.SequenceID]*model.Sequence
}

// Diagnostic describes precisely which segment of which sequence
// failed realizability, per the specification's load-time validation.
type Diagnostic struct {
	SequenceID   model.SequenceID
	ChannelID    model.ChannelID
	SegmentIndex int
	Detail       string
}

func (d *Diagnostic) Error() string {
	return fmt.Sprintf("sequence %s channel %d segment %d: %s", d.SequenceID, d.ChannelID, d.SegmentIndex, d.Detail)
}

// LoadDir reads every *.yaml file under root and validates each
// against channels, building a Library. The load is all-or-nothing:
// the first invalid sequence aborts the whole load.
func LoadDir(root string, channels map[model.ChannelID]model.Channel, assetExists func(id string) bool) (*Library, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrConfigInvalid, "read sequence dir %s: %v", root, err)
	}
	lib := &Library{sequences: make(map[model.SequenceID]*model.Sequence)}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(root, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrConfigInvalid, "read %s: %v", path, err)
		}
		seq, err := parseAndValidate(raw, channels, assetExists)
		if err != nil {
			return nil, errs.Wrapf(err, "load %s", path)
		}
		if _, dup := lib.sequences[seq.ID]; dup {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "duplicate sequence id %s in %s", seq.ID, path)
		}
		lib.sequences[seq.ID] = seq
	}
	return lib, nil
}

// Get returns the sequence for id, or ok=false if unknown.
func (l *Library) Get(id model.SequenceID) (*model.Sequence, bool) {
	s, ok := l.sequences[id]
	return s, ok
}

// ByTag returns every sequence carrying the given tag, ordered by id
// for determinism.
func (l *Library) ByTag(tag string) []*model.Sequence {
	var out []*model.Sequence
	for _, s := range l.sequences {
		if s.HasTag(tag) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every loaded sequence, ordered by id.
func (l *Library) All() []*model.Sequence {
	out := make([]*model.Sequence, 0, len(l.sequences))
	for _, s := range l.sequences {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func parseAndValidate(raw []byte, channels map[model.ChannelID]model.Channel, assetExists func(string) bool) (*model.Sequence, error) {
	var d doc
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, errs.Wrapf(errs.ErrSequenceInvalid, "yaml parse: %v", err)
	}
	if d.ID == "" {
		return nil, errs.Wrap(errs.ErrSequenceInvalid, "missing id")
	}

	tracksByChannel := map[model.ChannelID][]model.Keyframe{}
	for i, m := range d.Motion {
		ch := model.ChannelID(m.Channel)
		if _, ok := channels[ch]; !ok {
			return nil, &Diagnostic{SequenceID: model.SequenceID(d.ID), ChannelID: ch, SegmentIndex: i, Detail: "references unknown channel"}
		}
		tRel, err := time.ParseDuration(m.TRel)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: bad t_rel %q: %v", d.ID, m.TRel, err)
		}
		if tRel < 0 {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: negative t_rel", d.ID)
		}
		if m.Easing == "" {
			m.Easing = "linear"
		}
		if _, err := easing.Lookup(m.Easing); err != nil {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: %v", d.ID, err)
		}
		tracksByChannel[ch] = append(tracksByChannel[ch], model.Keyframe{
			TRel: tRel, ChannelID: ch, TargetUS: m.Target, EasingID: m.Easing,
		})
	}

	var maxEnd time.Duration
	var tracks []model.MotionTrack
	for ch, kfs := range tracksByChannel {
		sort.Slice(kfs, func(i, j int) bool { return kfs[i].TRel < kfs[j].TRel })
		for i := 1; i < len(kfs); i++ {
			if kfs[i].TRel <= kfs[i-1].TRel {
				return nil, &Diagnostic{SequenceID: model.SequenceID(d.ID), ChannelID: ch, SegmentIndex: i, Detail: "keyframes not strictly increasing in time"}
			}
		}
		if err := checkRealizable(model.SequenceID(d.ID), ch, channels[ch], kfs); err != nil {
			return nil, err
		}
		if len(kfs) > 0 {
			if end := kfs[len(kfs)-1].TRel; end > maxEnd {
				maxEnd = end
			}
		}
		tracks = append(tracks, model.MotionTrack{ChannelID: ch, Keyframes: kfs})
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ChannelID < tracks[j].ChannelID })

	var cues []model.AudioCue
	for _, a := range d.Audio {
		tRel, err := time.ParseDuration(a.TRel)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: bad audio t_rel %q: %v", d.ID, a.TRel, err)
		}
		if assetExists != nil && !assetExists(a.Asset) {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: audio cue references missing asset %q", d.ID, a.Asset)
		}
		var hint time.Duration
		if a.Duration != "" {
			hint, err = time.ParseDuration(a.Duration)
			if err != nil {
				return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: bad duration_hint: %v", d.ID, err)
			}
		}
		cue := model.AudioCue{TRel: tRel, AssetID: a.Asset, Gain: a.Gain, DurationHint: hint, CueID: fmt.Sprintf("%s-%s-%d", d.ID, a.Asset, tRel)}
		if end := tRel + hint; end > maxEnd {
			maxEnd = end
		}
		cues = append(cues, cue)
	}
	sort.Slice(cues, func(i, j int) bool { return cues[i].TRel < cues[j].TRel })

	duration := maxEnd
	if d.Duration != "" {
		declared, err := time.ParseDuration(d.Duration)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: bad duration %q: %v", d.ID, d.Duration, err)
		}
		if declared != maxEnd {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: declared duration %v does not match computed %v", d.ID, declared, maxEnd)
		}
	}

	var cooldown time.Duration
	if d.Cooldown != "" {
		var err error
		cooldown, err = time.ParseDuration(d.Cooldown)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: bad cooldown %q: %v", d.ID, d.Cooldown, err)
		}
	}
	if d.PriorityClass < 1 || d.PriorityClass > 10 {
		return nil, errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: priority_class %d out of [1,10]", d.ID, d.PriorityClass)
	}

	return &model.Sequence{
		ID: model.SequenceID(d.ID), Name: d.Name, Duration: duration,
		MotionTracks: tracks, AudioCues: cues, PriorityClass: d.PriorityClass,
		Cooldown: cooldown, Tags: d.Tags, Groups: d.Groups, RequiresFullRate: d.RequiresFullRate,
	}, nil
}

// checkRealizable is C5's solver: given the easing's declared velocity
// envelope bound, the channel's declared speed/accel limits, and the
// segment's duration, reject segments that can't be driven within
// limits. The required peak speed for a segment of displacement
// |target_j - target_i| over duration T, eased by a curve whose
// derivative never exceeds `bound`, is bound * |delta| / T; if that
// exceeds the channel's max speed the segment is rejected.
func checkRealizable(seqID model.SequenceID, ch model.ChannelID, cfg model.Channel, kfs []model.Keyframe) error {
	prev := model.Keyframe{TRel: 0, TargetUS: cfg.Position}
	if len(kfs) > 0 {
		// The first segment runs from the channel's starting position
		// to the first keyframe only if it starts after t_rel=0; a
		// keyframe at t_rel=0 is the starting point itself.
		if kfs[0].TRel == 0 {
			prev = kfs[0]
			kfs = kfs[1:]
		}
	}
	for i, kf := range kfs {
		segDur := (kf.TRel - prev.TRel).Seconds()
		if segDur <= 0 {
			return &Diagnostic{SequenceID: seqID, ChannelID: ch, SegmentIndex: i, Detail: "zero or negative segment duration"}
		}
		e, err := easing.Lookup(kf.EasingID)
		if err != nil {
			return errs.Wrapf(errs.ErrSequenceInvalid, "sequence %s: %v", seqID, err)
		}
		delta := float64(kf.TargetUS - prev.TargetUS)
		if delta < 0 {
			delta = -delta
		}
		requiredSpeed := e.Bound() * delta / segDur
		if requiredSpeed > cfg.MaxSpeedUSPerSec {
			return &Diagnostic{
				SequenceID: seqID, ChannelID: ch, SegmentIndex: i,
				Detail: fmt.Sprintf("requires peak speed %.1f us/s, channel allows %.1f us/s", requiredSpeed, cfg.MaxSpeedUSPerSec),
			}
		}
		requiredAccel := e.Bound() * delta / (segDur * segDur)
		if requiredAccel > cfg.MaxAccelUSPerSec2 {
			return &Diagnostic{
				SequenceID: seqID, ChannelID: ch, SegmentIndex: i,
				Detail: fmt.Sprintf("requires peak accel %.1f us/s^2, channel allows %.1f us/s^2", requiredAccel, cfg.MaxAccelUSPerSec2),
			}
		}
		prev = kf
	}
	return nil
}
