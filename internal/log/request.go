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

package log

import (
	"log/slog"
)

// RequestInfo describes a routed protocol request for logging purposes.
type RequestInfo struct {
	// Type is the request verb (command, lock, publish, ...).
	Type string

	// RequestID is the caller-assigned correlation id.
	RequestID string

	// SessionID is the logical caller identity.
	SessionID string

	// ConnID identifies the physical connection.
	ConnID string
}

// LogRequest logs an incoming request at debug level.
func LogRequest(logger *slog.Logger, req RequestInfo) {
	logger.Debug("request received",
		"event", "request",
		"type", req.Type,
		RequestIDKey, req.RequestID,
		SessionIDKey, req.SessionID,
		ConnIDKey, req.ConnID,
	)
}

// LogOutcome logs the completion of a request. Failures are logged at warn,
// successes at debug, so a busy daemon stays quiet by default.
func LogOutcome(logger *slog.Logger, req RequestInfo, durationMs int64, err error) {
	attrs := []any{
		"event", "response",
		"type", req.Type,
		RequestIDKey, req.RequestID,
		SessionIDKey, req.SessionID,
		ConnIDKey, req.ConnID,
		DurationKey, durationMs,
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		logger.Warn("request failed", attrs...)
		return
	}
	logger.Debug("request completed", attrs...)
}
