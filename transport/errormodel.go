// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

import (
	"math/rand"
	"sync"
)

// ErrorModel is the injectable stochastic loss model from spec §3: a keep
// rate in [0,1] and an RNG. Corrupt returns true independently per packet
// with probability 1-rate. A nil *ErrorModel never corrupts, matching
// "applied symmetrically on send and receive paths when installed" - when
// not installed, nothing is consulted at all.
type ErrorModel struct {
	rate float64
	mu   sync.Mutex
	rng  *rand.Rand
}

// NewErrorModel builds an ErrorModel with the given keep rate, seeded from
// seed for reproducible test runs (spec §8 P8 statistical fairness checks
// want a known seed).
func NewErrorModel(rate float64, seed int64) *ErrorModel {
	return &ErrorModel{rate: rate, rng: rand.New(rand.NewSource(seed))}
}

// Corrupt reports whether the next packet should be dropped.
func (e *ErrorModel) Corrupt() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	r := e.rng.Float64()
	e.mu.Unlock()
	return r >= e.rate
}
