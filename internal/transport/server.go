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

// Package transport accepts client connections on the daemon socket and
// moves newline-delimited JSON between them and a Handler.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tombee/unitd/internal/metrics"
	"github.com/tombee/unitd/internal/protocol"
)

// Handler receives framed lines and connection teardown notifications.
// HandleMessage is called from the connection's read goroutine, one line at
// a time in arrival order; long-running work must be moved off it.
type Handler interface {
	HandleMessage(ctx context.Context, c *Conn, line []byte)
	HandleDisconnect(c *Conn)
}

// Config controls per-connection limits.
type Config struct {
	MaxLineBytes int
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server runs the accept loop and tracks open connections.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	ln     net.Listener

	wg sync.WaitGroup
}

// NewServer creates a server dispatching to h.
func NewServer(cfg Config, h Handler) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: h,
		logger:  logger.With(slog.String("component", "transport")),
		conns:   make(map[string]*Conn),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn reads from nc until it closes. It is exported so tests can
// drive a server over net.Pipe.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := NewConn(nc, s.cfg.QueueSize, s.cfg.WriteTimeout, s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c.ID()] = c
	s.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	c.logger.Debug("connection opened")

	defer func() {
		c.Close()

		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()

		metrics.ConnectionsActive.Dec()
		s.handler.HandleDisconnect(c)
		c.logger.Debug("connection closed")
	}()

	// Unblock the read when the connection is closed from elsewhere.
	go func() {
		<-c.Closed()
		nc.Close()
	}()

	framer := NewFramer(s.cfg.MaxLineBytes)
	buf := make([]byte, 32*1024)

	for {
		n, err := nc.Read(buf)
		if n > 0 {
			lines, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				c.logger.Warn("dropped oversized line", slog.Int("max_bytes", s.cfg.MaxLineBytes))
				_ = c.Send(protocol.NewError(protocol.SyntheticID(), ferr))
			}
			for _, line := range lines {
				s.handler.HandleMessage(ctx, c, line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read failed", slog.Any("error", err))
			}
			return
		}
	}
}

// Broadcast offers resp to every open connection without blocking and
// returns how many accepted it.
func (s *Server) Broadcast(resp *protocol.Response) int {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	delivered := 0
	for _, c := range conns {
		if c.TrySend(resp) {
			delivered++
		}
	}
	return delivered
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection and waits for their
// handlers to return or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
