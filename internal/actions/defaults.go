package actions

import (
	"context"
	"sort"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/nlg"
	"converse/internal/tracker"
)

// listen waits for the next user message.
type listen struct{}

func (listen) Name() string { return domain.ActionListenName }

func (listen) Run(context.Context, *tracker.Tracker, *domain.Domain, nlg.Generator) ([]events.Event, error) {
	return nil, nil
}

// restart wipes the conversation. The processor follows up with a fresh
// session start.
type restart struct{}

func (restart) Name() string { return domain.ActionRestartName }

func (restart) Run(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, gen nlg.Generator) ([]events.Event, error) {
	var out []events.Event
	msg, err := gen.Generate(ctx, "utter_restart", tr, tr.LatestInputChannel())
	if err != nil {
		return nil, err
	}
	if msg != nil {
		out = append(out, botEvent(msg))
	}
	return append(out, events.NewRestarted()), nil
}

// sessionStart opens a session, carrying over slot values when the domain
// asks for it, and ends listening for the user.
type sessionStart struct{}

func (sessionStart) Name() string { return domain.ActionSessionStartName }

func (sessionStart) Run(_ context.Context, tr *tracker.Tracker, d *domain.Domain, _ nlg.Generator) ([]events.Event, error) {
	out := []events.Event{events.NewSessionStarted()}
	if d.Session.CarryOverSlots {
		for _, name := range sortedSlotNames(tr.Slots()) {
			out = append(out, events.NewSlotSet(name, tr.SlotValue(name)))
		}
	}
	return append(out, events.NewActionExecuted(domain.ActionListenName)), nil
}

// defaultFallback apologizes when the engine has no idea what to do.
type defaultFallback struct{}

func (defaultFallback) Name() string { return domain.ActionDefaultFallbackName }

func (defaultFallback) Run(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, gen nlg.Generator) ([]events.Event, error) {
	msg, err := gen.Generate(ctx, "utter_default", tr, tr.LatestInputChannel())
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	return []events.Event{botEvent(msg)}, nil
}

// deactivateLoop force-closes the active loop.
type deactivateLoop struct{}

func (deactivateLoop) Name() string { return domain.ActionDeactivateLoopName }

func (deactivateLoop) Run(context.Context, *tracker.Tracker, *domain.Domain, nlg.Generator) ([]events.Event, error) {
	return []events.Event{
		events.NewActiveLoop(""),
		events.NewSlotSet(domain.RequestedSlot, nil),
	}, nil
}

// unlikelyIntent is a pure marker turn; the interesting part is the
// ActionExecuted record the processor writes for it.
type unlikelyIntent struct{}

func (unlikelyIntent) Name() string { return domain.ActionUnlikelyIntentName }

func (unlikelyIntent) Run(context.Context, *tracker.Tracker, *domain.Domain, nlg.Generator) ([]events.Event, error) {
	return nil, nil
}

func sortedSlotNames(slots map[string]any) []string {
	names := make([]string, 0, len(slots))
	for name := range slots {
		names = append(names, name)
	}
	// Deterministic carry-over order keeps replays stable.
	sort.Strings(names)
	return names
}
