// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package clog provides global conditional logging for application
// components, backed by a structured zerolog sink.
package clog

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

var (
	enabled = false
	sink    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
)

// Enable turns on conditional log output at Printf level (Errorf always logs).
func Enable() {
	enabled = true
}

// SetSink replaces the underlying zerolog logger, e.g. to switch to JSON
// output or attach the process-wide log level.
func SetSink(l zerolog.Logger) {
	sink = l
}

// A CLogger represents a logger object that logs output in the manner of the
// standard logger but can be conditionally enabled. By default, conditional
// logging is disabled. Each CLogger carries a fixed set of structured fields
// (e.g. the owning agent's Endpoint and role) applied to every line.
type CLogger struct {
	logger zerolog.Logger
	prefix string // human-readable prefix kept for Printf/Errorf-style messages
}

// New creates a new conditional logger whose prefix is formatted from
// prefixFormat and prefixArgs and attached as the structured "component"
// field. Further fields are added with With.
func New(prefixFormat string, prefixArgs ...any) *CLogger {
	prefix := fmt.Sprintf(prefixFormat, prefixArgs...)
	return &CLogger{
		logger: sink.With().Str("component", prefix).Logger(),
		prefix: prefix,
	}
}

// With returns a derived logger with an additional structured field.
func (c *CLogger) With(key string, value any) *CLogger {
	return &CLogger{
		logger: c.logger.With().Interface(key, value).Logger(),
		prefix: c.prefix,
	}
}

// Printf logs output conditionally (if Enable has been called) at info level,
// in the manner of log.Printf.
func (c *CLogger) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	c.logger.Info().Msg(fmt.Sprintf(format, a...))
}

// Errorf logs output unconditionally, i.e. always, at warn level, in the
// manner of log.Printf. Used for the "drop, log at warn" policies in spec §7.
func (c *CLogger) Errorf(format string, a ...any) {
	c.logger.Warn().Msg(fmt.Sprintf(format, a...))
}
