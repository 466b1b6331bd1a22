// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package config loads the timeout, period, and control-loop constants that
// parameterize an agent. None of this is persisted state (spec §6): it is
// read once at process start, the way cmd/allocator and cmd/load read their
// command-line flags.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// raw is the TOML-decodable shape; all durations are expressed in seconds
// since TOML has no native duration type.
type raw struct {
	JoinAckTimeoutSec      float64 `toml:"join_ack_timeout_sec"`
	StopAckTimeoutSec      float64 `toml:"stop_ack_timeout_sec"`
	AllocAckTimeoutSec     float64 `toml:"alloc_ack_timeout_sec"`
	UpdateMeasurePeriodSec float64 `toml:"update_measure_period_sec"`
	ReportMeasurePeriodSec float64 `toml:"report_measure_period_sec"`
	GenerateAllocPeriodSec float64 `toml:"generate_allocations_period_sec"`
	ControlSigma           float64 `toml:"control_sigma"`
	ControlTau             float64 `toml:"control_tau"`
	ErrorRate              float64 `toml:"error_rate"`
}

// Agent holds the tunables named throughout spec.md §4: scheduler timeouts,
// the Load's periodic task cadence, and the PI controller's gains.
type Agent struct {
	JoinAckTimeout      time.Duration
	StopAckTimeout      time.Duration
	AllocAckTimeout     time.Duration
	UpdateMeasurePeriod time.Duration
	ReportMeasurePeriod time.Duration
	GenerateAllocPeriod time.Duration

	// ControlSigma and ControlTau are the PI controller's proportional and
	// integral gains (σ ≈ 5e-2 1/V, τ ≈ 4e-5 1/(V·s), spec §4.7).
	ControlSigma float64
	ControlTau   float64

	// ErrorRate is the ErrorModel's keep-rate r ∈ [0,1] (spec §3); 1 disables
	// loss injection.
	ErrorRate float64
}

func fromRaw(r raw) Agent {
	return Agent{
		JoinAckTimeout:      durSec(r.JoinAckTimeoutSec),
		StopAckTimeout:      durSec(r.StopAckTimeoutSec),
		AllocAckTimeout:     durSec(r.AllocAckTimeoutSec),
		UpdateMeasurePeriod: durSec(r.UpdateMeasurePeriodSec),
		ReportMeasurePeriod: durSec(r.ReportMeasurePeriodSec),
		GenerateAllocPeriod: durSec(r.GenerateAllocPeriodSec),
		ControlSigma:        r.ControlSigma,
		ControlTau:          r.ControlTau,
		ErrorRate:           r.ErrorRate,
	}
}

func durSec(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func defaultRaw() raw {
	return raw{
		JoinAckTimeoutSec:      2,
		StopAckTimeoutSec:      2,
		AllocAckTimeoutSec:     2,
		UpdateMeasurePeriodSec: 0.5,
		ReportMeasurePeriodSec: 0.5,
		GenerateAllocPeriodSec: 5,
		ControlSigma:           5e-2,
		ControlTau:             4e-5,
		ErrorRate:              1,
	}
}

// Default returns the constants used throughout spec.md's scenarios (§8)
// absent an override file.
func Default() Agent {
	return fromRaw(defaultRaw())
}

// Load reads overrides from a TOML file on top of Default(). A missing path
// is not an error; callers pass "" to skip loading entirely.
func Load(path string) (Agent, error) {
	r := defaultRaw()
	if path == "" {
		return fromRaw(r), nil
	}
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return Agent{}, err
	}
	return fromRaw(r), nil
}
