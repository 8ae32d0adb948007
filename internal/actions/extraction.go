package actions

import (
	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/tracker"
)

// extractOtherSlots opportunistically fills required slots other than the
// requested one. Only entity mappings whose signature is unique across
// all forms qualify, so an entity can never ambiguously fill two slots.
// Trigger-intent mappings fill only on the activation turn.
func (f *Form) extractOtherSlots(tr *tracker.Tracker, d *domain.Domain, form *domain.Form, requestedSlot string, activating bool) []events.Event {
	msg := tr.LatestMessage()
	if msg == nil {
		return nil
	}
	intent := msg.ParseData.Intent.Name

	var out []events.Event
	for _, slotName := range form.RequiredSlots.Names {
		if slotName == requestedSlot {
			continue
		}
		isList := d.Slots[slotName].Type == domain.SlotList
		for _, m := range form.RequiredSlots.Mappings[slotName] {
			value, ok := f.extractOther(msg, d, form, m, intent, isList, activating)
			if ok {
				out = append(out, events.NewSlotSet(slotName, value))
				break
			}
		}
	}
	return out
}

func (f *Form) extractOther(msg *events.UserUttered, d *domain.Domain, form *domain.Form, m domain.SlotMapping, intent string, isList, activating bool) (any, bool) {
	if !m.AppliesToIntent(intent, form.IgnoredIntents) {
		return nil, false
	}
	switch m.Kind {
	case domain.MappingFromEntity:
		if !d.IsUniqueMapping(m.Signature()) {
			return nil, false
		}
		return matchEntities(msg.ParseData.Entities, m, isList)
	case domain.MappingFromTriggerIntent:
		if activating {
			return m.Value, true
		}
	}
	return nil, false
}

// extractRequestedSlot fills the slot the form asked for, trying each of
// its mappings in order.
func (f *Form) extractRequestedSlot(tr *tracker.Tracker, d *domain.Domain, form *domain.Form, requestedSlot string) []events.Event {
	msg := tr.LatestMessage()
	if msg == nil {
		return nil
	}
	intent := msg.ParseData.Intent.Name
	isList := d.Slots[requestedSlot].Type == domain.SlotList

	for _, m := range form.RequiredSlots.Mappings[requestedSlot] {
		if !m.AppliesToIntent(intent, form.IgnoredIntents) {
			continue
		}
		switch m.Kind {
		case domain.MappingFromEntity:
			if value, ok := matchEntities(msg.ParseData.Entities, m, isList); ok {
				return []events.Event{events.NewSlotSet(requestedSlot, value)}
			}
		case domain.MappingFromIntent:
			return []events.Event{events.NewSlotSet(requestedSlot, m.Value)}
		case domain.MappingFromText:
			return []events.Event{events.NewSlotSet(requestedSlot, msg.Text)}
		}
	}
	return nil
}

// matchEntities collects entity values matching the mapping. Role and
// group must match exactly; a mapping without them only accepts entities
// carrying neither. List slots accumulate every match, scalar slots take
// the first.
func matchEntities(entities []events.Entity, m domain.SlotMapping, isList bool) (any, bool) {
	var values []any
	for _, e := range entities {
		if e.Name != m.Entity || e.Role != m.Role || e.Group != m.Group {
			continue
		}
		if !isList {
			return e.Value, true
		}
		values = append(values, e.Value)
	}
	if len(values) > 0 {
		return values, true
	}
	return nil, false
}
