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

// Package channels implements the pub/sub commands.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tombee/unitd/internal/channel"
	"github.com/tombee/unitd/internal/client"
	"github.com/tombee/unitd/internal/commands/shared"
	"github.com/tombee/unitd/internal/protocol"
)

// NewPublishCommand creates the publish command.
func NewPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <channel> <message>",
		Short: "Publish a message to a channel",
		Long: `Publish a message to every subscriber of a channel. A message that
parses as JSON is sent as that value, anything else as a string. The
message is kept in the channel's history for late subscribers.`,
		Example: `  unitd publish builds '{"status":"green"}'
  unitd publish chat hello`,
		Annotations: map[string]string{
			"group": "channels",
		},
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Publish(ctx, args[0], parseMessage(args[1]))
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("publish", res)
			}
			if !shared.GetQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (event %s, delivered %d, dropped %d)\n",
					shared.RenderOK("Published to "+args[0]), res.EventID, res.Delivered, res.Dropped)
			}
			return nil
		},
	}
}

// NewSubscribeCommand creates the subscribe command.
func NewSubscribeCommand() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "subscribe <pattern>...",
		Short: "Stream messages from channels",
		Long: `Subscribe to one or more channels and print messages as they arrive,
one JSON object per line, until interrupted. A pattern ending in "*"
matches every channel with that prefix.

With --since, history after that event id is printed first. When the id
is no longer in history a refresh notice is printed instead.`,
		Example: `  unitd subscribe builds
  unitd subscribe 'deploy.*' --since 0`,
		Annotations: map[string]string{
			"group": "channels",
		},
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			out := newEventPrinter(cmd.OutOrStdout())
			c, err := shared.Connect(ctx, client.WithPushHandler(out.push))
			if err != nil {
				return err
			}
			defer c.Close()

			if since != "" {
				for _, ch := range args {
					if err := replay(ctx, c, out, ch, since); err != nil {
						return err
					}
				}
			}

			for _, pattern := range args {
				if err := c.Subscribe(ctx, pattern); err != nil {
					return err
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return fmt.Errorf("connection to daemon closed")
			}
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Replay history after this event id first")
	return cmd
}

// NewEventsCommand creates the events command.
func NewEventsCommand() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "events <channel>",
		Short: "Print a channel's recent history",
		Long: `Print the events a channel published after --since, or its whole
retained history. Exits with a refresh notice when --since has fallen out
of history.`,
		Annotations: map[string]string{
			"group": "channels",
		},
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shared.CommandContext(cmd.Context())
			defer cancel()

			c, err := shared.Connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			events, refresh, err := c.EventsSince(ctx, args[0], since)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONResult("events", map[string]any{
					"events":        events,
					"refreshNeeded": refresh,
				})
			}
			out := newEventPrinter(cmd.OutOrStdout())
			if refresh {
				out.refresh(args[0])
				return nil
			}
			for _, ev := range events {
				out.event(ev)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only events after this id")
	return cmd
}

func replay(ctx context.Context, c *client.Client, out *eventPrinter, ch, since string) error {
	events, refresh, err := c.EventsSince(ctx, ch, since)
	if err != nil {
		return err
	}
	if refresh {
		out.refresh(ch)
		return nil
	}
	for _, ev := range events {
		out.event(ev)
	}
	return nil
}

// parseMessage keeps JSON values typed and sends anything else as a string.
func parseMessage(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// pushedEvent is a live message. Pushes carry no publish time.
type pushedEvent struct {
	ID      string          `json:"eventId"`
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message,omitempty"`
}

// eventPrinter writes events as JSON lines. Pushes arrive on the client's
// read goroutine, so writes are serialized.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) write(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(v)
}

func (p *eventPrinter) event(ev channel.Event) {
	p.write(ev)
}

func (p *eventPrinter) refresh(ch string) {
	p.write(map[string]any{"type": protocol.ResponseRefreshNeeded, "channel": ch})
}

func (p *eventPrinter) push(resp *protocol.Response) {
	switch resp.Type {
	case protocol.ResponseChannelMessage:
		p.write(pushedEvent{ID: resp.EventID, Channel: resp.Channel, Message: resp.Message})
	case protocol.ResponseRefreshNeeded:
		p.write(map[string]any{"type": resp.Type, "channel": resp.Channel, "unit": resp.Unit})
	}
}
