package events

import (
	"encoding/json"
	"fmt"
)

// Marshal serializes an event to JSON with its type tag under "event".
func Marshal(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.TypeName(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.TypeName(), err)
	}
	tag, _ := json.Marshal(e.TypeName())
	fields["event"] = tag
	return json.Marshal(fields)
}

// Unmarshal deserializes a single tagged event. Unknown tags are errors:
// the event set is closed and a tag we do not know means the payload was
// written by an incompatible version.
func Unmarshal(data []byte) (Event, error) {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("read event tag: %w", err)
	}

	var e Event
	switch probe.Event {
	case TagUserUttered:
		e = &UserUttered{}
	case TagBotUttered:
		e = &BotUttered{}
	case TagSlotSet:
		e = &SlotSet{}
	case TagActionExecuted:
		e = &ActionExecuted{}
	case TagActiveLoop:
		e = &ActiveLoop{}
	case TagLoopInterrupted:
		e = &LoopInterrupted{}
	case TagActionExecutionRejected:
		e = &ActionExecutionRejected{}
	case TagSessionStarted:
		e = &SessionStarted{}
	case TagRestarted:
		e = &Restarted{}
	case TagUserFeaturization:
		e = &DefinePrevUserUtteredFeaturization{}
	case TagReminderScheduled:
		e = &ReminderScheduled{}
	case TagReminderCancelled:
		e = &ReminderCancelled{}
	default:
		return nil, fmt.Errorf("unknown event tag %q", probe.Event)
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("unmarshal %q event: %w", probe.Event, err)
	}
	return e, nil
}

// MarshalList serializes events to a JSON array.
func MarshalList(evs []Event) ([]byte, error) {
	items := make([]json.RawMessage, 0, len(evs))
	for _, e := range evs {
		raw, err := Marshal(e)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	return json.Marshal(items)
}

// UnmarshalList deserializes a JSON array of tagged events.
func UnmarshalList(data []byte) ([]Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("read event list: %w", err)
	}
	evs := make([]Event, 0, len(items))
	for i, item := range items {
		e, err := Unmarshal(item)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		evs = append(evs, e)
	}
	return evs, nil
}
