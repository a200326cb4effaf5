// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and validates the core runtime's configuration
// document: channel table, groups, rates, thresholds, and asset/
// sequence root directories. Following the teacher's config.go stance
// of reading everything up front and failing loudly on the first bad
// value, Load never returns a partially valid Config.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
	"github.com/r2core/motioncore/internal/motion"
)

// ChannelConfig is the on-disk shape of one servo channel.
type ChannelConfig struct {
	ID                int    `yaml:"id"`
	Name              string `yaml:"name"`
	MinUS             int    `yaml:"min_us"`
	MaxUS             int    `yaml:"max_us"`
	HomeUS            int    `yaml:"home_us"`
	MaxSpeedUSPerSec  float64 `yaml:"max_speed_us_per_sec"`
	MaxAccelUSPerSec2 float64 `yaml:"max_accel_us_per_sec2"`
	Group             string `yaml:"group,omitempty"`
}

// GroupConfig names a set of channel ids that are mutually exclusive
// for sequence scheduling purposes (e.g. "dome", "arms").
type GroupConfig struct {
	Name       string `yaml:"name"`
	ChannelIDs []int  `yaml:"channel_ids"`
}

// TransportConfig selects and parameterizes the Servo HAL transport.
type TransportConfig struct {
	Kind     string `yaml:"kind"` // "maestro_serial" or "memory_mapped"
	Device   string `yaml:"device,omitempty"`
	BaudRate int    `yaml:"baud_rate,omitempty"`
}

// AudioConfig parameterizes the Audio Player.
type AudioConfig struct {
	AssetRoot string `yaml:"asset_root"`
	Mixing    bool   `yaml:"mixing"`
	DeviceOut string `yaml:"device_out,omitempty"`
}

// SafetyConfig parameterizes the Safety Supervisor.
type SafetyConfig struct {
	NormalAuditHz   int    `yaml:"normal_audit_hz,omitempty"`
	DegradedAuditHz int    `yaml:"degraded_audit_hz,omitempty"`
	HomeToleranceUS int    `yaml:"home_tolerance_us,omitempty"`
	HomeHoldWindow  string `yaml:"home_hold_window,omitempty"`
}

// HomeHoldWindowDuration parses HomeHoldWindow, falling back to the
// specification's default 200 ms hold if it is unset or malformed.
func (s SafetyConfig) HomeHoldWindowDuration() time.Duration {
	return parseDurOr(s.HomeHoldWindow, 200*time.Millisecond)
}

// TriggerConfig parameterizes the Trigger State Machine's timing
// rules: debounce and the deadline given to a selected sequence before
// the coordinator must reject it as Expired.
type TriggerConfig struct {
	DebounceWindow     string `yaml:"debounce_window,omitempty"`
	MaxResponseLatency string `yaml:"max_response_latency,omitempty"`
}

// DebounceWindowDuration parses DebounceWindow, falling back to the
// specification's default 250 ms.
func (t TriggerConfig) DebounceWindowDuration() time.Duration {
	return parseDurOr(t.DebounceWindow, 250*time.Millisecond)
}

// MaxResponseLatencyDuration parses MaxResponseLatency, falling back
// to the specification's default 150 ms.
func (t TriggerConfig) MaxResponseLatencyDuration() time.Duration {
	return parseDurOr(t.MaxResponseLatency, 150*time.Millisecond)
}

func parseDurOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// TelemetryConfig parameterizes the telemetry ring buffer and logging.
type TelemetryConfig struct {
	RingCapacity int    `yaml:"ring_capacity,omitempty"`
	LogDir       string `yaml:"log_dir,omitempty"`
}

// Config is the fully validated core runtime configuration.
type Config struct {
	TickRateHz   int               `yaml:"tick_rate_hz"`
	AudioLead    string            `yaml:"audio_lead,omitempty"`
	AbortWindow  string            `yaml:"abort_window,omitempty"`
	DwellWindow  string            `yaml:"dwell_window,omitempty"`
	Channels     []ChannelConfig   `yaml:"channels"`
	Groups       []GroupConfig     `yaml:"groups,omitempty"`
	SequenceRoot string            `yaml:"sequence_root"`
	Transport    TransportConfig   `yaml:"transport"`
	Audio        AudioConfig       `yaml:"audio"`
	Safety       SafetyConfig      `yaml:"safety,omitempty"`
	Telemetry    TelemetryConfig   `yaml:"telemetry,omitempty"`
	Trigger      TriggerConfig     `yaml:"trigger,omitempty"`
}

// AbortWindowDuration parses AbortWindow, falling back to the
// specification's default 600 ms bound on a graceful abort.
func (c *Config) AbortWindowDuration() time.Duration {
	return parseDurOr(c.AbortWindow, 600*time.Millisecond)
}

// DwellWindowDuration parses DwellWindow, falling back to the
// specification's default 200 ms hold in Draining.
func (c *Config) DwellWindowDuration() time.Duration {
	return parseDurOr(c.DwellWindow, 200*time.Millisecond)
}

// Load reads, parses, and validates a Config document from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrConfigInvalid, "read %s: %v", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errs.Wrapf(errs.ErrConfigInvalid, "parse %s: %v", path, err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.TickRateHz == 0 {
		c.TickRateHz = motion.DefaultRateHz
	}
	if c.AudioLead == "" {
		c.AudioLead = "50ms"
	}
	if c.AbortWindow == "" {
		c.AbortWindow = "600ms"
	}
	if c.DwellWindow == "" {
		c.DwellWindow = "200ms"
	}
	if c.Safety.NormalAuditHz == 0 {
		c.Safety.NormalAuditHz = 10
	}
	if c.Safety.DegradedAuditHz == 0 {
		c.Safety.DegradedAuditHz = 200
	}
	if c.Safety.HomeToleranceUS == 0 {
		c.Safety.HomeToleranceUS = 5
	}
	if c.Safety.HomeHoldWindow == "" {
		c.Safety.HomeHoldWindow = "200ms"
	}
	if c.Trigger.DebounceWindow == "" {
		c.Trigger.DebounceWindow = "250ms"
	}
	if c.Trigger.MaxResponseLatency == "" {
		c.Trigger.MaxResponseLatency = "150ms"
	}
	if c.Telemetry.RingCapacity == 0 {
		c.Telemetry.RingCapacity = 8192
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "memory_mapped"
	}
}

// Validate checks the whole document for internal consistency: unique
// channel ids and names, valid bounds, groups referencing known
// channels, and a resolvable tick rate. It never mutates c.
func (c *Config) Validate() error {
	if c.TickRateHz < motion.FloorRateHz || c.TickRateHz > motion.CeilingRateHz {
		return errs.Wrapf(errs.ErrConfigInvalid, "tick_rate_hz %d out of [%d,%d]", c.TickRateHz, motion.FloorRateHz, motion.CeilingRateHz)
	}
	if len(c.Channels) == 0 {
		return errs.Wrap(errs.ErrConfigInvalid, "no channels declared")
	}
	seenID := map[int]bool{}
	seenName := map[string]bool{}
	for _, ch := range c.Channels {
		if seenID[ch.ID] {
			return errs.Wrapf(errs.ErrConfigInvalid, "duplicate channel id %d", ch.ID)
		}
		seenID[ch.ID] = true
		if ch.Name == "" {
			return errs.Wrapf(errs.ErrConfigInvalid, "channel %d missing name", ch.ID)
		}
		if seenName[ch.Name] {
			return errs.Wrapf(errs.ErrConfigInvalid, "duplicate channel name %q", ch.Name)
		}
		seenName[ch.Name] = true
		mc := ch.toModel()
		if !mc.Valid() {
			return errs.Wrapf(errs.ErrConfigInvalid, "channel %d (%s) has invalid bounds", ch.ID, ch.Name)
		}
	}
	for _, g := range c.Groups {
		if g.Name == "" {
			return errs.Wrap(errs.ErrConfigInvalid, "group missing name")
		}
		for _, id := range g.ChannelIDs {
			if !seenID[id] {
				return errs.Wrapf(errs.ErrConfigInvalid, "group %q references unknown channel %d", g.Name, id)
			}
		}
	}
	if c.SequenceRoot == "" {
		return errs.Wrap(errs.ErrConfigInvalid, "sequence_root must be set")
	}
	switch c.Transport.Kind {
	case "maestro_serial":
		if c.Transport.Device == "" {
			return errs.Wrap(errs.ErrConfigInvalid, "transport.device required for maestro_serial")
		}
	case "memory_mapped":
		// no required fields, used for selftest and simulation.
	default:
		return errs.Wrapf(errs.ErrConfigInvalid, "unknown transport.kind %q", c.Transport.Kind)
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"abort_window", c.AbortWindow},
		{"dwell_window", c.DwellWindow},
		{"safety.home_hold_window", c.Safety.HomeHoldWindow},
		{"trigger.debounce_window", c.Trigger.DebounceWindow},
		{"trigger.max_response_latency", c.Trigger.MaxResponseLatency},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return errs.Wrapf(errs.ErrConfigInvalid, "%s: %v", d.name, err)
		}
	}
	if c.Safety.HomeToleranceUS < 0 {
		return errs.Wrap(errs.ErrConfigInvalid, "safety.home_tolerance_us must be non-negative")
	}
	return nil
}

func (ch ChannelConfig) toModel() model.Channel {
	return model.Channel{
		ID: model.ChannelID(ch.ID), Name: ch.Name,
		MinUS: ch.MinUS, MaxUS: ch.MaxUS, HomeUS: ch.HomeUS,
		MaxSpeedUSPerSec: ch.MaxSpeedUSPerSec, MaxAccelUSPerSec2: ch.MaxAccelUSPerSec2,
		Group: ch.Group, Position: ch.HomeUS, Target: ch.HomeUS, Enabled: false,
	}
}

// ChannelMap converts the validated config's channel table to the
// runtime's model.Channel map, keyed by channel id.
func (c *Config) ChannelMap() map[model.ChannelID]model.Channel {
	out := make(map[model.ChannelID]model.Channel, len(c.Channels))
	for _, ch := range c.Channels {
		out[model.ChannelID(ch.ID)] = ch.toModel()
	}
	return out
}

// ChannelSlice returns the config's channels as a slice, in document
// order, the shape motion.New expects.
func (c *Config) ChannelSlice() []model.Channel {
	out := make([]model.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, ch.toModel())
	}
	return out
}
