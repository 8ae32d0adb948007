// Package nlg renders bot responses. The templated generator resolves a
// response name against the domain, picks a variation and interpolates
// slot values into the text.
package nlg

import (
	"context"
	"fmt"
	"regexp"

	"converse/internal/domain"
	"converse/internal/tracker"
)

// Message is one rendered bot response.
type Message struct {
	Text string
	// Data carries structured payload alongside the text. The generator
	// always records the response name under "utter_action".
	Data map[string]any
}

// Generator renders a response name into a message. A nil message with a
// nil error means no response is configured under that name.
type Generator interface {
	Generate(ctx context.Context, utterAction string, tr *tracker.Tracker, outputChannel string) (*Message, error)
}

// Templated renders responses from the domain's response templates.
type Templated struct {
	domain *domain.Domain
}

// NewTemplated creates a generator over the given domain.
func NewTemplated(d *domain.Domain) *Templated {
	return &Templated{domain: d}
}

// slotRef matches {slot_name} placeholders in response text.
var slotRef = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Generate implements Generator. Variation choice is deterministic; the
// first variation always wins so conversations replay identically.
func (g *Templated) Generate(_ context.Context, utterAction string, tr *tracker.Tracker, _ string) (*Message, error) {
	variations := g.domain.Responses[utterAction]
	if len(variations) == 0 {
		return nil, nil
	}

	text := Interpolate(variations[0].Text, tr.Slots())
	return &Message{
		Text: text,
		Data: map[string]any{"utter_action": utterAction},
	}, nil
}

// Interpolate substitutes {name} placeholders with slot values. Unset
// slots leave their placeholder untouched.
func Interpolate(text string, slots map[string]any) string {
	return slotRef.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := slots[name]
		if !ok || value == nil {
			return match
		}
		return fmt.Sprintf("%v", value)
	})
}
