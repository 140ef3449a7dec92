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

/*
Package client speaks the unitd socket protocol.

A Client owns one connection. Requests are matched to responses by id, so
one Client may be shared by concurrent callers. While a command is
suspended on a prompt the daemon sends a prompt message on the same id; the
client answers it through its PromptHandler and keeps waiting for the final
result.

# Basic Usage

	c, err := client.Dial(ctx, socketPath, client.WithSessionID("term-1"))
	if err != nil {
	    return err
	}
	defer c.Close()

	out, err := c.Call(ctx, "counter", "increment", map[string]any{"n": 2})

# Pushes

Channel messages and refresh notices are not tied to a request and arrive
at the PushHandler:

	c, _ := client.Dial(ctx, socketPath, client.WithPushHandler(func(m *protocol.Response) {
	    fmt.Println(m.Channel, string(m.Message))
	}))
	_ = c.Subscribe(ctx, "board:*")

# Auto-Start

EnsureDaemon starts unitd in the background when nothing is listening on
the socket and auto-start is enabled.
*/
package client
