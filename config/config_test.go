// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	d := Default()
	assert.Equal(t, 2*time.Second, d.JoinAckTimeout)
	assert.Equal(t, 500*time.Millisecond, d.ReportMeasurePeriod)
	assert.InDelta(t, 5e-2, d.ControlSigma, 1e-9)
	assert.InDelta(t, 4e-5, d.ControlTau, 1e-9)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	got, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "agent.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
join_ack_timeout_sec = 1.5
error_rate = 0.9
`), 0o644))

	got, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, got.JoinAckTimeout)
	assert.InDelta(t, 0.9, got.ErrorRate, 1e-9)
	// Unset fields fall back to the same defaults as Default().
	assert.Equal(t, Default().ReportMeasurePeriod, got.ReportMeasurePeriod)
}
