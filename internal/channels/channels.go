// Package channels carries rendered bot messages to their recipients.
package channels

import (
	"context"
	"sync"

	"converse/internal/nlg"
)

// OutputChannel delivers bot messages for one transport.
type OutputChannel interface {
	// Name identifies the channel, e.g. "rest" or "collector".
	Name() string
	Send(ctx context.Context, recipientID string, msg *nlg.Message) error
}

// Collected is one message captured by a Collector.
type Collected struct {
	RecipientID string         `json:"recipient_id"`
	Text        string         `json:"text,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Collector buffers outgoing messages so a request handler can return
// them in its response body. Safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	messages []Collected
}

// NewCollector returns an empty collector.
func NewCollector() *Collector { return &Collector{} }

// Name implements OutputChannel.
func (c *Collector) Name() string { return "collector" }

// Send implements OutputChannel.
func (c *Collector) Send(_ context.Context, recipientID string, msg *nlg.Message) error {
	if msg == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Collected{
		RecipientID: recipientID,
		Text:        msg.Text,
		Data:        msg.Data,
	})
	return nil
}

// Messages returns the captured messages in send order.
func (c *Collector) Messages() []Collected {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Collected, len(c.messages))
	copy(out, c.messages)
	return out
}
