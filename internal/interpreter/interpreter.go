// Package interpreter turns raw message text into structured parse data.
// The engine itself has no NLU model; it either reads the structured
// shorthand format or delegates to a remote NLU server.
package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"converse/internal/events"
)

// Interpreter parses one user message.
type Interpreter interface {
	Parse(ctx context.Context, text string) (events.ParseData, error)
}

// messagePattern matches the structured shorthand
// /intent_name@confidence{"entity": "value"}.
var messagePattern = regexp.MustCompile(`^/([^{@\s]+)(?:@([0-9.]+))?\s*(\{.*\})?\s*$`)

// Regex reads messages in the structured shorthand format. Text without a
// leading slash yields an empty intent so the caller can fall back.
type Regex struct{}

// NewRegex returns the shorthand interpreter.
func NewRegex() *Regex { return &Regex{} }

// Parse implements Interpreter.
func (r *Regex) Parse(_ context.Context, text string) (events.ParseData, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return events.ParseData{Text: text}, nil
	}

	m := messagePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return events.ParseData{Text: text}, fmt.Errorf("malformed structured message %q", text)
	}

	confidence := 1.0
	if m[2] != "" {
		c, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return events.ParseData{Text: text}, fmt.Errorf("bad confidence in %q: %w", text, err)
		}
		confidence = c
	}

	var entities []events.Entity
	if m[3] != "" {
		parsed, err := parseEntities(m[3])
		if err != nil {
			return events.ParseData{Text: text}, fmt.Errorf("bad entities in %q: %w", text, err)
		}
		entities = parsed
	}

	return events.ParseData{
		Intent:   events.Intent{Name: m[1], Confidence: confidence},
		Entities: entities,
		Text:     text,
	}, nil
}

// parseEntities accepts both entity encodings of the shorthand: a plain
// object of name to value, and a full list of entity objects carrying
// role and group.
func parseEntities(raw string) ([]events.Entity, error) {
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &asMap); err != nil {
		return nil, err
	}

	if listRaw, ok := asMap["entities"]; ok && len(asMap) == 1 {
		var list []events.Entity
		if err := json.Unmarshal(listRaw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	entities := make([]events.Entity, 0, len(asMap))
	names := make([]string, 0, len(asMap))
	for name := range asMap {
		names = append(names, name)
	}
	// Stable order regardless of map iteration.
	sort.Strings(names)
	for _, name := range names {
		var value any
		if err := json.Unmarshal(asMap[name], &value); err != nil {
			return nil, err
		}
		if list, ok := value.([]any); ok {
			for _, v := range list {
				entities = append(entities, events.Entity{Name: name, Value: v})
			}
			continue
		}
		entities = append(entities, events.Entity{Name: name, Value: value})
	}
	return entities, nil
}
