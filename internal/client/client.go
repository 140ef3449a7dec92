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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/transport"
)

// ErrClosed is returned for calls made on, or interrupted by, a closed client.
var ErrClosed = errors.New("client: connection closed")

// DefaultMaxLineBytes bounds a single inbound line.
const DefaultMaxLineBytes = 16 << 20

// ResponseError is an error response returned by the daemon.
type ResponseError struct {
	ID      string
	Message string
}

func (e *ResponseError) Error() string {
	return e.Message
}

// PromptHandler answers a prompt the daemon sends while a command is
// suspended. The returned value is sent back as the prompt response.
type PromptHandler func(ctx context.Context, p protocol.Prompt) (any, error)

// PushHandler receives messages not addressed to an in-flight request:
// channel messages and refresh notices.
type PushHandler func(resp *protocol.Response)

// DefaultAnswers answers every prompt with its default value.
func DefaultAnswers(_ context.Context, p protocol.Prompt) (any, error) {
	return p.Default, nil
}

// Client is a connection to the unitd socket. It is safe for concurrent
// use; responses are matched to requests by id.
type Client struct {
	conn       net.Conn
	sessionID  string
	clientType protocol.ClientType
	maxLine    int
	prompts    PromptHandler
	pushes     PushHandler
	logger     *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*call
	err     error
	done    chan struct{}
}

type call struct {
	ctx       context.Context
	sessionID string
	done      chan result
}

type result struct {
	resp *protocol.Response
	err  error
}

func (c *call) complete(r result) {
	select {
	case c.done <- r:
	default:
	}
}

// Option configures a Client.
type Option func(*Client)

// WithSessionID sends every request under the given session. Without it
// the daemon derives a session from the connection.
func WithSessionID(id string) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithClientType records the kind of client on every request.
func WithClientType(t protocol.ClientType) Option {
	return func(c *Client) {
		c.clientType = t
	}
}

// WithPromptHandler sets how prompts are answered. The default answers
// with each prompt's default value.
func WithPromptHandler(h PromptHandler) Option {
	return func(c *Client) {
		c.prompts = h
	}
}

// WithPushHandler receives channel messages and refresh notices.
func WithPushHandler(h PushHandler) Option {
	return func(c *Client) {
		c.pushes = h
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMaxLineBytes bounds a single inbound line.
func WithMaxLineBytes(n int) Option {
	return func(c *Client) {
		c.maxLine = n
	}
}

// New wraps an established connection and starts reading from it.
func New(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:       conn,
		clientType: protocol.ClientCLI,
		maxLine:    DefaultMaxLineBytes,
		prompts:    DefaultAnswers,
		logger:     slog.New(slog.DiscardHandler),
		pending:    make(map[string]*call),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Close closes the connection and fails every in-flight call.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection has gone away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the session the client sends requests under, or "" if
// the daemon assigns one.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Do sends req and waits for its final response. Prompts received in the
// meantime are answered through the prompt handler. An error response is
// returned together with a *ResponseError.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	if req.ClientType == "" {
		req.ClientType = c.clientType
	}

	cl := &call{ctx: ctx, sessionID: req.SessionID, done: make(chan result, 1)}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: request %q already in flight", req.ID)
	}
	c.pending[req.ID] = cl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, req); err != nil {
		return nil, err
	}

	select {
	case r := <-cl.done:
		if r.err != nil {
			return r.resp, r.err
		}
		if r.resp.Type == protocol.ResponseError {
			return r.resp, &ResponseError{ID: r.resp.ID, Message: r.resp.Error}
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	framer := transport.NewFramer(c.maxLine)
	buf := make([]byte, 64*1024)
	var readErr error

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			lines, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				c.logger.Warn("dropped oversized line from daemon", "error", ferr)
			}
			for _, line := range lines {
				c.dispatch(line)
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	c.shutdown(readErr)
}

func (c *Client) shutdown(readErr error) {
	err := ErrClosed
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, net.ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrClosed, readErr)
	}

	c.mu.Lock()
	c.err = err
	calls := make([]*call, 0, len(c.pending))
	for _, cl := range c.pending {
		calls = append(calls, cl)
	}
	c.mu.Unlock()

	for _, cl := range calls {
		cl.complete(result{err: err})
	}
	close(c.done)
}

func (c *Client) dispatch(line []byte) {
	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		c.logger.Warn("undecodable line from daemon", "error", err, "line", string(bytes.TrimSpace(line)))
		return
	}

	c.mu.Lock()
	cl := c.pending[resp.ID]
	c.mu.Unlock()

	switch {
	case cl != nil && resp.Type == protocol.ResponsePrompt:
		go c.answer(cl, resp)
	case cl != nil:
		cl.complete(result{resp: resp})
	default:
		if c.pushes != nil {
			c.pushes(resp)
		} else {
			c.logger.Debug("unhandled push", "type", resp.Type, "id", resp.ID)
		}
	}
}

// answer resolves a prompt and sends the prompt response. When the handler
// fails the daemon is still answered with null so the command can finish,
// and the local call fails with the handler's error.
func (c *Client) answer(cl *call, resp *protocol.Response) {
	var prompt protocol.Prompt
	if resp.Prompt != nil {
		prompt = *resp.Prompt
	}

	value, err := c.prompts(cl.ctx, prompt)
	if err != nil {
		value = nil
		cl.complete(result{err: fmt.Errorf("answer prompt %q: %w", prompt.Message, err)})
	}

	raw, merr := json.Marshal(value)
	if merr != nil {
		cl.complete(result{err: fmt.Errorf("encode prompt answer: %w", merr)})
		raw = []byte("null")
	}

	reply := &protocol.Request{
		Type:        protocol.TypePromptResponse,
		ID:          resp.ID,
		SessionID:   cl.sessionID,
		ClientType:  c.clientType,
		PromptValue: raw,
	}
	if err := c.write(cl.ctx, reply); err != nil {
		cl.complete(result{err: err})
	}
}

// decodeData converts a response's data into out.
func decodeData(resp *protocol.Response, out any) error {
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("decode %s data: %w", resp.Type, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", resp.Type, err)
	}
	return nil
}
