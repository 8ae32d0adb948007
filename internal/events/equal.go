package events

import "reflect"

// Equal compares two events structurally, ignoring timestamps. Two events
// recorded at different times for the same state change are the same event
// as far as replay and tests are concerned.
func Equal(a, b Event) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.TypeName() != b.TypeName() {
		return false
	}

	switch x := a.(type) {
	case *UserUttered:
		y := b.(*UserUttered)
		return x.Text == y.Text &&
			x.ParseData.Intent == y.ParseData.Intent &&
			entitiesEqual(x.ParseData.Entities, y.ParseData.Entities) &&
			x.InputChannel == y.InputChannel
	case *BotUttered:
		y := b.(*BotUttered)
		return x.Text == y.Text && reflect.DeepEqual(x.Data, y.Data)
	case *SlotSet:
		y := b.(*SlotSet)
		return x.Key == y.Key && reflect.DeepEqual(x.Value, y.Value)
	case *ActionExecuted:
		y := b.(*ActionExecuted)
		return x.Name == y.Name && x.ActionText == y.ActionText
	case *ActiveLoop:
		y := b.(*ActiveLoop)
		return x.Name == y.Name
	case *LoopInterrupted:
		y := b.(*LoopInterrupted)
		return x.IsInterrupted == y.IsInterrupted
	case *ActionExecutionRejected:
		y := b.(*ActionExecutionRejected)
		return x.Name == y.Name
	case *SessionStarted, *Restarted:
		return true
	case *DefinePrevUserUtteredFeaturization:
		y := b.(*DefinePrevUserUtteredFeaturization)
		return x.UseTextForFeaturization == y.UseTextForFeaturization
	case *ReminderScheduled:
		y := b.(*ReminderScheduled)
		return x.IntentName == y.IntentName &&
			x.Name == y.Name &&
			x.TriggerTime.Equal(y.TriggerTime) &&
			x.KillOnUserMessage == y.KillOnUserMessage &&
			entitiesEqual(x.Entities, y.Entities)
	case *ReminderCancelled:
		y := b.(*ReminderCancelled)
		return x.Name == y.Name && x.IntentName == y.IntentName &&
			entitiesEqual(x.Entities, y.Entities)
	}
	return false
}

// ListsEqual compares two event sequences element-wise with Equal.
func ListsEqual(a, b []Event) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Contains reports whether evs holds an event equal to target.
func Contains(evs []Event, target Event) bool {
	for _, e := range evs {
		if Equal(e, target) {
			return true
		}
	}
	return false
}

func entitiesEqual(a, b []Entity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Role != b[i].Role || a[i].Group != b[i].Group {
			return false
		}
		if !reflect.DeepEqual(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}
