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

package transport

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/unitd/internal/protocol"
)

// ErrConnClosed is returned by Send after the connection has closed.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn is one client connection. Outbound messages go through a bounded
// queue drained by a dedicated writer goroutine, so a slow reader never
// blocks whoever is sending to it.
type Conn struct {
	id     string
	nc     net.Conn
	out    chan []byte
	done   chan struct{}
	closed chan struct{}
	once   sync.Once

	writeTimeout time.Duration
	logger       *slog.Logger

	dropped atomic.Int64
}

// NewConn wraps nc and starts its writer.
func NewConn(nc net.Conn, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		id:           "conn_" + uuid.NewString(),
		nc:           nc,
		out:          make(chan []byte, queueSize),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.logger = logger.With(slog.String("conn_id", c.id))

	go c.writeLoop()
	return c
}

// ID returns the server-assigned connection identity.
func (c *Conn) ID() string {
	return c.id
}

// Send queues resp, waiting for queue space if necessary. It fails only
// once the connection is closed.
func (c *Conn) Send(resp *protocol.Response) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// TrySend queues resp without waiting. It returns false when the queue is
// full or the connection is closed; the message is then dropped.
func (c *Conn) TrySend(resp *protocol.Response) bool {
	data, err := protocol.Encode(resp)
	if err != nil {
		c.logger.Warn("failed to encode push message", slog.Any("error", err))
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped returns how many messages TrySend discarded for a full queue.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops accepting messages. Already queued messages are flushed
// before the underlying connection is closed.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// Done is closed when Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed is closed once the underlying connection has been torn down.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) writeLoop() {
	defer close(c.closed)
	defer c.nc.Close()

	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.logger.Debug("write failed, closing connection", slog.Any("error", err))
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.nc.Write(data)
	return err
}
