// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log builds the slog loggers used across unitd and defines the
// attribute keys they share.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace sits below Debug.
const LevelTrace = slog.Level(-8)

// Attribute keys shared by every component.
const (
	SessionIDKey = "session_id"
	RequestIDKey = "request_id"
	ConnIDKey    = "conn_id"
	UnitKey      = "unit"
	ChannelKey   = "channel"
	JobIDKey     = "job_id"
	LockKey      = "lock"
	DurationKey  = "duration_ms"
)

var levels = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Config describes a logger. The zero value logs JSON at info to stderr.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the zero-config logger settings made explicit.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv reads logger settings from the environment before the config
// file is loaded. UNITD_DEBUG=1 forces debug with source positions;
// otherwise UNITD_LOG_LEVEL beats LOG_LEVEL. LOG_FORMAT and LOG_SOURCE
// apply in both cases.
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch os.Getenv("UNITD_DEBUG") {
	case "1", "true":
		cfg.Level, cfg.AddSource = "debug", true
	case "":
		for _, key := range []string{"UNITD_LOG_LEVEL", "LOG_LEVEL"} {
			if v := os.Getenv(key); v != "" {
				cfg.Level = strings.ToLower(v)
				break
			}
		}
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = Format(strings.ToLower(v))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New builds a logger from cfg; nil means DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}

	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// Discard returns a logger that writes nothing.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	if lvl, ok := levels[strings.ToLower(name)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// WithComponent tags logger with the emitting component.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithUnit tags logger with a unit name.
func WithUnit(logger *slog.Logger, unit string) *slog.Logger {
	return logger.With(slog.String(UnitKey, unit))
}

// Error wraps err as the conventional "error" attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration records a duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(DurationKey, ms)
}
