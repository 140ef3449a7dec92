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

// Package bridge exposes unit methods as MCP tools over stdio. Each tool
// call is forwarded to the daemon as a command.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/tombee/unitd/internal/log"
	"github.com/tombee/unitd/internal/protocol"
	"github.com/tombee/unitd/internal/unit"
	"github.com/tombee/unitd/internal/unit/manifest"
)

// ErrNoDefault is returned when a unit prompts without a default value;
// MCP clients cannot answer prompts.
var ErrNoDefault = errors.New("prompt has no default and the MCP bridge cannot ask")

// Caller forwards a method call to the daemon. *client.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, target, method string, args map[string]any) (any, error)
}

// Config configures the bridge.
type Config struct {
	// Name is the server name (default: "unitd")
	Name string

	// Version is the unitd version
	Version string

	// UnitPaths are the manifest files whose methods become tools.
	UnitPaths []string

	// Caller reaches the daemon.
	Caller Caller

	// CallsPerMinute caps tool calls. Zero means 120.
	CallsPerMinute int

	Logger *slog.Logger
}

// Server wraps the MCP server.
type Server struct {
	mcpServer *server.MCPServer
	caller    Caller
	limiter   *rate.Limiter
	logger    *slog.Logger
	version   string

	tools []string
}

// NewServer describes every unit and registers one tool per method.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Caller == nil {
		return nil, errors.New("bridge: caller is required")
	}
	if cfg.Name == "" {
		cfg.Name = "unitd"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 120
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version),
		caller:    cfg.Caller,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.CallsPerMinute)/60), cfg.CallsPerMinute),
		logger:    log.WithComponent(logger, "mcp-bridge"),
		version:   cfg.Version,
	}

	for _, path := range cfg.UnitPaths {
		m, err := manifest.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", path, err)
		}
		if err := s.registerUnit(path, m.Describe()); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Tools returns the registered tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

func (s *Server) registerUnit(path string, desc unit.Description) error {
	for _, m := range desc.Methods {
		name := ToolName(desc.Name, m.Name)
		for _, existing := range s.tools {
			if existing == name {
				return fmt.Errorf("duplicate tool %q from %s", name, path)
			}
		}

		props := make(map[string]any, len(m.Params))
		for _, p := range m.Params {
			props[p] = map[string]any{
				"description": fmt.Sprintf("Argument %q of %s.%s", p, desc.Name, m.Name),
			}
		}

		description := m.Description
		if description == "" {
			description = fmt.Sprintf("Call %s on the %s unit", m.Name, desc.Name)
		}

		s.mcpServer.AddTool(mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: props,
			},
		}, s.handleCall(path, desc.Name, m.Name))
		s.tools = append(s.tools, name)
	}
	return nil
}

// handleCall forwards one tool to the daemon.
func (s *Server) handleCall(path, unitName, method string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.limiter.Allow() {
			return errorResponse("Rate limit exceeded. Please try again later."), nil
		}

		out, err := s.caller.Call(ctx, path, method, request.GetArguments())
		if err != nil {
			s.logger.Warn("tool call failed",
				slog.String(log.UnitKey, unitName),
				slog.String("method", method),
				log.Error(err))
			return errorResponse(err.Error()), nil
		}

		text, err := formatResult(out)
		if err != nil {
			return errorResponse(err.Error()), nil
		}
		return textResponse(text), nil
	}
}

// Run serves MCP over stdio until the client disconnects.
func (s *Server) Run(_ context.Context) error {
	s.logger.Info("Starting unitd MCP bridge",
		slog.String("version", s.version),
		slog.Int("tools", len(s.tools)))

	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// AnswerWithDefault answers prompts with their default value and fails
// those that have none.
func AnswerWithDefault(_ context.Context, p protocol.Prompt) (any, error) {
	if p.Default == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoDefault, p.Message)
	}
	return p.Default, nil
}

var invalidToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ToolName builds the tool name for a unit method.
func ToolName(unitName, method string) string {
	name := invalidToolChars.ReplaceAllString(unitName+"_"+method, "_")
	name = strings.Trim(name, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func formatResult(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
