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

// Package protocol defines the newline-delimited JSON envelopes exchanged
// between unitd and its clients, and the validator every inbound request
// passes before dispatch.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// RequestType identifies the verb of an inbound request.
type RequestType string

const (
	TypeCommand        RequestType = "command"
	TypePing           RequestType = "ping"
	TypeShutdown       RequestType = "shutdown"
	TypeReload         RequestType = "reload"
	TypePromptResponse RequestType = "prompt_response"
	TypeSubscribe      RequestType = "subscribe"
	TypeUnsubscribe    RequestType = "unsubscribe"
	TypePublish        RequestType = "publish"
	TypeLock           RequestType = "lock"
	TypeUnlock         RequestType = "unlock"
	TypeSchedule       RequestType = "schedule"
	TypeUnschedule     RequestType = "unschedule"
	TypeListJobs       RequestType = "list_jobs"
	TypeListLocks      RequestType = "list_locks"
	TypeGetEventsSince RequestType = "get_events_since"
)

// ResponseType identifies the kind of an outbound message.
type ResponseType string

const (
	ResponseResult         ResponseType = "result"
	ResponseError          ResponseType = "error"
	ResponsePong           ResponseType = "pong"
	ResponsePrompt         ResponseType = "prompt"
	ResponseChannelMessage ResponseType = "channel_message"
	ResponseRefreshNeeded  ResponseType = "refresh_needed"
)

// ClientType records which kind of client opened a session. It is kept for
// diagnostics only.
type ClientType string

const (
	ClientCLI ClientType = "cli"
	ClientUI  ClientType = "ui"
	ClientMCP ClientType = "mcp"
)

// PromptKind selects how a client should collect a prompt answer.
type PromptKind string

const (
	PromptText     PromptKind = "text"
	PromptPassword PromptKind = "password"
	PromptConfirm  PromptKind = "confirm"
	PromptSelect   PromptKind = "select"
	PromptNumber   PromptKind = "number"
)

// Request is one inbound message.
type Request struct {
	Type       RequestType `json:"type"`
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId,omitempty"`
	ClientType ClientType  `json:"clientType,omitempty"`

	// Unit names the target unit; UnitPath locates its source.
	Unit     string `json:"unit,omitempty"`
	UnitPath string `json:"unitPath,omitempty"`

	Method string         `json:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	Channel     string          `json:"channel,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	LastEventID string          `json:"lastEventId,omitempty"`

	LockName string `json:"lockName,omitempty"`
	// LockTimeout is the lock TTL in milliseconds; zero selects the default.
	LockTimeout int64 `json:"lockTimeout,omitempty"`

	JobID string `json:"jobId,omitempty"`
	Cron  string `json:"cron,omitempty"`

	PromptValue json.RawMessage `json:"promptValue,omitempty"`
}

// UnmarshalJSON accepts "photonPath" as another name for "unitPath"; when
// both are present unitPath wins.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var aux struct {
		plain
		PhotonPath string `json:"photonPath,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Request(aux.plain)
	if r.UnitPath == "" {
		r.UnitPath = aux.PhotonPath
	}
	return nil
}

// Prompt describes a question the daemon needs answered before a suspended
// command can continue.
type Prompt struct {
	Type    PromptKind `json:"type"`
	Message string     `json:"message"`
	Default any        `json:"default,omitempty"`
	Options []string   `json:"options,omitempty"`
}

// Response is one outbound message: either the answer to a request or an
// asynchronous push.
type Response struct {
	Type    ResponseType    `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success,omitempty"`
	Data    any             `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Prompt  *Prompt         `json:"prompt,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	EventID string          `json:"eventId,omitempty"`
	Unit    string          `json:"unit,omitempty"`
}

// NewResult creates a successful response for the given request id.
func NewResult(id string, data any) *Response {
	return &Response{Type: ResponseResult, ID: id, Success: true, Data: data}
}

// NewError creates an error response for the given request id.
func NewError(id string, err error) *Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Response{Type: ResponseError, ID: id, Error: msg}
}

// NewPong answers a ping.
func NewPong(id string) *Response {
	return &Response{Type: ResponsePong, ID: id, Success: true}
}

// NewPrompt asks the client a question on behalf of the request id.
func NewPrompt(id string, p Prompt) *Response {
	return &Response{Type: ResponsePrompt, ID: id, Prompt: &p}
}

// NewChannelMessage creates a push delivered to channel subscribers.
func NewChannelMessage(channel string, message json.RawMessage, eventID string) *Response {
	return &Response{
		Type:    ResponseChannelMessage,
		ID:      PushID(),
		Channel: channel,
		Message: message,
		EventID: eventID,
	}
}

// NewRefreshNeeded tells clients that their view of a unit or channel is
// stale. id is empty for unsolicited pushes.
func NewRefreshNeeded(id, unit, channel string) *Response {
	if id == "" {
		id = PushID()
	}
	return &Response{Type: ResponseRefreshNeeded, ID: id, Unit: unit, Channel: channel}
}

// PushID returns a server-generated id for messages not tied to a request.
func PushID() string {
	return "push_" + uuid.NewString()
}

// SyntheticID returns an id used to address errors for lines that carried
// no usable id of their own.
func SyntheticID() string {
	return "err_" + uuid.NewString()
}
