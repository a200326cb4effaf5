// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2core/motioncore/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func validBody() string {
	return `
tick_rate_hz: 50
sequence_root: /tmp/sequences
transport:
  kind: memory_mapped
audio:
  asset_root: /tmp/assets
  mixing: true
channels:
  - {id: 1, name: dome_rotate, min_us: 992, max_us: 2000, home_us: 1500, max_speed_us_per_sec: 600, max_accel_us_per_sec2: 2000, group: dome}
  - {id: 2, name: head_tilt, min_us: 1000, max_us: 1900, home_us: 1450, max_speed_us_per_sec: 400, max_accel_us_per_sec2: 1500, group: dome}
groups:
  - {name: dome, channel_ids: [1, 2]}
`
}

func Test_loadValidConfig(t *testing.T) {
	path := writeConfig(t, validBody())
	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, c.TickRateHz)
	assert.Len(t, c.Channels, 2)
	assert.Equal(t, "50ms", c.AudioLead)
}

func Test_loadRejectsDuplicateChannelID(t *testing.T) {
	path := writeConfig(t, `
tick_rate_hz: 50
sequence_root: /tmp/s
transport: {kind: memory_mapped}
audio: {asset_root: /tmp/a}
channels:
  - {id: 1, name: a, min_us: 1000, max_us: 2000, home_us: 1500, max_speed_us_per_sec: 500, max_accel_us_per_sec2: 1000}
  - {id: 1, name: b, min_us: 1000, max_us: 2000, home_us: 1500, max_speed_us_per_sec: 500, max_accel_us_per_sec2: 1000}
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func Test_loadRejectsGroupReferencingUnknownChannel(t *testing.T) {
	path := writeConfig(t, `
tick_rate_hz: 50
sequence_root: /tmp/s
transport: {kind: memory_mapped}
audio: {asset_root: /tmp/a}
channels:
  - {id: 1, name: a, min_us: 1000, max_us: 2000, home_us: 1500, max_speed_us_per_sec: 500, max_accel_us_per_sec2: 1000}
groups:
  - {name: g, channel_ids: [99]}
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func Test_loadRejectsMaestroWithoutDevice(t *testing.T) {
	path := writeConfig(t, `
tick_rate_hz: 50
sequence_root: /tmp/s
transport: {kind: maestro_serial}
audio: {asset_root: /tmp/a}
channels:
  - {id: 1, name: a, min_us: 1000, max_us: 2000, home_us: 1500, max_speed_us_per_sec: 500, max_accel_us_per_sec2: 1000}
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func Test_loadRejectsOutOfRangeTickRate(t *testing.T) {
	path := writeConfig(t, `
tick_rate_hz: 5000
sequence_root: /tmp/s
transport: {kind: memory_mapped}
audio: {asset_root: /tmp/a}
channels:
  - {id: 1, name: a, min_us: 1000, max_us: 2000, home_us: 1500, max_speed_us_per_sec: 500, max_accel_us_per_sec2: 1000}
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func Test_channelsMapKeyedByID(t *testing.T) {
	path := writeConfig(t, validBody())
	c, err := config.Load(path)
	require.NoError(t, err)
	m := c.ChannelMap()
	ch, ok := m[1]
	require.True(t, ok)
	assert.Equal(t, "dome_rotate", ch.Name)
}
