// Package tracker maintains per-conversation state as a replayable event
// log. A Tracker owns the full ordered history for one sender and keeps a
// derived view (slots, active loop, latest turns) that is recomputed
// purely by applying events, so replaying the same log always yields the
// same state.
package tracker

import (
	"converse/internal/events"
)

// Tracker is the event-sourced state of a single conversation.
type Tracker struct {
	senderID string
	log      []events.Event

	// initialSlots restores slot values on reset.
	initialSlots map[string]any

	slots           map[string]any
	activeLoop      string
	loopInterrupted bool
	loopRejected    bool
	latestMessage   *events.UserUttered
	latestAction    *events.ActionExecuted
	latestBot       *events.BotUttered
	inputChannel    string
	followupAction  string
}

// New creates an empty tracker. initialSlots seeds slot values and is what
// slots reset to on restart; nil means no seeded slots.
func New(senderID string, initialSlots map[string]any) *Tracker {
	t := &Tracker{
		senderID:     senderID,
		initialSlots: initialSlots,
	}
	t.reset()
	return t
}

// NewFromEvents replays a stored event log into a fresh tracker.
func NewFromEvents(senderID string, log []events.Event, initialSlots map[string]any) *Tracker {
	t := New(senderID, initialSlots)
	t.UpdateWithEvents(log)
	return t
}

// SenderID returns the conversation id.
func (t *Tracker) SenderID() string { return t.senderID }

// Events returns the full event log. Callers must not mutate it.
func (t *Tracker) Events() []events.Event { return t.log }

// AppliedEvents returns the suffix of the log after the most recent
// restart. This is the history policies are allowed to see.
func (t *Tracker) AppliedEvents() []events.Event {
	for i := len(t.log) - 1; i >= 0; i-- {
		if _, ok := t.log[i].(*events.Restarted); ok {
			return t.log[i+1:]
		}
	}
	return t.log
}

// Update appends an event to the log and applies its state effect.
func (t *Tracker) Update(e events.Event) {
	if e == nil {
		return
	}
	t.log = append(t.log, e)
	t.apply(e)
}

// UpdateWithEvents appends a batch of events in order.
func (t *Tracker) UpdateWithEvents(evs []events.Event) {
	for _, e := range evs {
		t.Update(e)
	}
}

func (t *Tracker) apply(e events.Event) {
	switch ev := e.(type) {
	case *events.UserUttered:
		t.latestMessage = ev
		if ev.InputChannel != "" {
			t.inputChannel = ev.InputChannel
		}
	case *events.BotUttered:
		t.latestBot = ev
	case *events.SlotSet:
		if ev.Value == nil {
			delete(t.slots, ev.Key)
		} else {
			t.slots[ev.Key] = ev.Value
		}
	case *events.ActionExecuted:
		t.latestAction = ev
		if ev.Name != "" && ev.Name == t.activeLoop {
			t.loopRejected = false
		}
	case *events.ActiveLoop:
		t.activeLoop = ev.Name
		t.loopInterrupted = false
		t.loopRejected = false
	case *events.LoopInterrupted:
		t.loopInterrupted = ev.IsInterrupted
	case *events.ActionExecutionRejected:
		if ev.Name == t.activeLoop {
			t.loopRejected = true
		}
	case *events.Restarted:
		t.reset()
		t.followupAction = ""
	case *events.SessionStarted:
		t.reset()
	}
}

// reset clears all derived state back to a fresh conversation.
func (t *Tracker) reset() {
	t.slots = make(map[string]any, len(t.initialSlots))
	for k, v := range t.initialSlots {
		if v != nil {
			t.slots[k] = v
		}
	}
	t.activeLoop = ""
	t.loopInterrupted = false
	t.loopRejected = false
	t.latestMessage = nil
	t.latestAction = nil
	t.latestBot = nil
}

// Copy returns an independent tracker sharing the (immutable) events but
// owning its own derived state. Updates to the copy never touch the
// original.
func (t *Tracker) Copy() *Tracker {
	c := New(t.senderID, t.initialSlots)
	c.log = make([]events.Event, len(t.log))
	copy(c.log, t.log)
	c.slots = make(map[string]any, len(t.slots))
	for k, v := range t.slots {
		c.slots[k] = v
	}
	c.activeLoop = t.activeLoop
	c.loopInterrupted = t.loopInterrupted
	c.loopRejected = t.loopRejected
	c.latestMessage = t.latestMessage
	c.latestAction = t.latestAction
	c.latestBot = t.latestBot
	c.inputChannel = t.inputChannel
	c.followupAction = t.followupAction
	return c
}

// SlotValue returns the current value of a slot, nil if unset.
func (t *Tracker) SlotValue(name string) any { return t.slots[name] }

// HasSlotValue reports whether the slot currently holds a non-nil value.
func (t *Tracker) HasSlotValue(name string) bool {
	v, ok := t.slots[name]
	return ok && v != nil
}

// Slots returns a snapshot of the current slot values.
func (t *Tracker) Slots() map[string]any {
	out := make(map[string]any, len(t.slots))
	for k, v := range t.slots {
		out[k] = v
	}
	return out
}

// ActiveLoopName returns the active form's name, empty if none.
func (t *Tracker) ActiveLoopName() string { return t.activeLoop }

// HasActiveLoop reports whether a form is currently active.
func (t *Tracker) HasActiveLoop() bool { return t.activeLoop != "" }

// ActiveLoopInterrupted reports whether the active loop is on hold.
func (t *Tracker) ActiveLoopInterrupted() bool { return t.loopInterrupted }

// ActiveLoopRejected reports whether the active loop refused to run on its
// most recent turn and has not run successfully since.
func (t *Tracker) ActiveLoopRejected() bool { return t.loopRejected }

// LatestMessage returns the most recent user message of the session.
func (t *Tracker) LatestMessage() *events.UserUttered { return t.latestMessage }

// LatestAction returns the most recent executed action of the session.
func (t *Tracker) LatestAction() *events.ActionExecuted { return t.latestAction }

// LatestActionName returns the name (or end-to-end text) of the most
// recent executed action, empty if none ran yet this session.
func (t *Tracker) LatestActionName() string {
	if t.latestAction == nil {
		return ""
	}
	return t.latestAction.NameOrText()
}

// LatestBotUtterance returns the most recent bot message of the session.
func (t *Tracker) LatestBotUtterance() *events.BotUttered { return t.latestBot }

// LatestInputChannel returns the channel of the most recent user message
// that declared one.
func (t *Tracker) LatestInputChannel() string { return t.inputChannel }

// RejectedActionName returns the name of the rejecting action when the
// log's most recent action-level event is a rejection, empty otherwise.
func (t *Tracker) RejectedActionName() string {
	applied := t.AppliedEvents()
	for i := len(applied) - 1; i >= 0; i-- {
		switch ev := applied[i].(type) {
		case *events.ActionExecutionRejected:
			return ev.Name
		case *events.ActionExecuted:
			return ""
		}
	}
	return ""
}

// FollowupAction returns the queued followup action name, empty if none.
func (t *Tracker) FollowupAction() string { return t.followupAction }

// SetFollowupAction queues an action to run next, bypassing prediction.
func (t *Tracker) SetFollowupAction(name string) { t.followupAction = name }

// ClearFollowupAction removes the queued followup.
func (t *Tracker) ClearFollowupAction() { t.followupAction = "" }

// LastTimestamp returns the timestamp of the newest event, 0 for an empty
// log.
func (t *Tracker) LastTimestamp() float64 {
	if len(t.log) == 0 {
		return 0
	}
	return t.log[len(t.log)-1].EventTimestamp()
}

// LatestMessageTimestamp returns the timestamp of the newest user message
// anywhere in the log, 0 if the user never spoke.
func (t *Tracker) LatestMessageTimestamp() float64 {
	for i := len(t.log) - 1; i >= 0; i-- {
		if u, ok := t.log[i].(*events.UserUttered); ok {
			return u.EventTimestamp()
		}
	}
	return 0
}

// LatestHumanMessageTimestamp is LatestMessageTimestamp restricted to
// messages the user actually typed, skipping reminder-injected ones.
func (t *Tracker) LatestHumanMessageTimestamp() float64 {
	for i := len(t.log) - 1; i >= 0; i-- {
		if u, ok := t.log[i].(*events.UserUttered); ok && !u.IsExternal() {
			return u.EventTimestamp()
		}
	}
	return 0
}

// PendingReminders returns the reminders scheduled this session that no
// later cancellation or restart has voided, newest last.
func (t *Tracker) PendingReminders() []*events.ReminderScheduled {
	var pending []*events.ReminderScheduled
	for _, e := range t.AppliedEvents() {
		switch ev := e.(type) {
		case *events.ReminderScheduled:
			pending = append(pending, ev)
		case *events.ReminderCancelled:
			kept := pending[:0]
			for _, r := range pending {
				if !ev.Cancels(r) {
					kept = append(kept, r)
				}
			}
			pending = kept
		}
	}
	return pending
}
