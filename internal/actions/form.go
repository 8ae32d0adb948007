package actions

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/nlg"
	"converse/internal/tracker"
)

// Form runs one slot-filling loop: activate, extract and validate slot
// candidates, then either ask for the next empty required slot or
// deactivate.
type Form struct {
	name   string
	client ServerClient
	logger *zap.Logger
}

// NewForm creates the action for a configured form. client may be nil; the
// form then runs without a custom validator or ask-actions.
func NewForm(name string, client ServerClient, logger *zap.Logger) *Form {
	return &Form{name: name, client: client, logger: logger}
}

func (f *Form) Name() string { return f.name }

// Run implements Action.
func (f *Form) Run(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, gen nlg.Generator) ([]events.Event, error) {
	form := d.Forms[f.name]
	if form == nil {
		return nil, fmt.Errorf("form %q is not in the domain", f.name)
	}

	var out []events.Event
	temp := tr.Copy()

	activating := temp.ActiveLoopName() != f.name
	var candidates []events.Event
	if activating {
		activation := events.NewActiveLoop(f.name)
		out = append(out, activation)
		temp.Update(activation)

		// Slots already holding values pass through validation like
		// freshly extracted ones.
		for _, slotName := range form.RequiredSlots.Names {
			if tr.HasSlotValue(slotName) {
				candidates = append(candidates, events.NewSlotSet(slotName, tr.SlotValue(slotName)))
			}
		}
	}

	requestedSlot, _ := tr.SlotValue(domain.RequestedSlot).(string)

	needsValidation := activating ||
		(tr.LatestActionName() == domain.ActionListenName && !tr.ActiveLoopInterrupted())

	if needsValidation {
		candidates = append(candidates, f.extractOtherSlots(tr, d, form, requestedSlot, activating)...)
		if !activating && requestedSlot != "" {
			candidates = append(candidates, f.extractRequestedSlot(tr, d, form, requestedSlot)...)
		}
	} else {
		// The validator still gets a say with zero candidates, so an
		// interrupted form can steer requested_slot on resumption.
		candidates = nil
	}

	validated, finalRequested, err := f.validate(ctx, tr, d, out, candidates)
	if err != nil {
		return nil, err
	}

	if containsRejection(validated) {
		return append(out, validated...), nil
	}

	if needsValidation && requestedSlot != "" && !slotWasFilled(candidates, validated, requestedSlot) {
		return nil, &ExecutionRejection{
			ActionName: f.name,
			Reason:     fmt.Sprintf("no slot value extracted for %q", requestedSlot),
		}
	}

	out = append(out, validated...)
	temp.UpdateWithEvents(validated)

	if finalRequested {
		return out, nil
	}
	return f.requestNextSlotOrDeactivate(ctx, temp, d, form, gen, out)
}

// validate runs the custom validator when configured. Returned events
// replace the candidates; unmentioned candidates are appended after them.
// finalRequested reports that the validator pinned requested_slot itself.
func (f *Form) validate(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, soFar, candidates []events.Event) ([]events.Event, bool, error) {
	validatorName := domain.ValidationActionName(f.name)
	if f.client == nil || !d.HasAction(validatorName) {
		return candidates, false, nil
	}

	vt := tr.Copy()
	vt.UpdateWithEvents(soFar)
	vt.UpdateWithEvents(candidates)
	vt.Update(events.NewActionExecuted(f.name))

	returned, err := f.client.Call(ctx, validatorName, vt, d)
	if err != nil {
		return nil, false, fmt.Errorf("validator %s: %w", validatorName, err)
	}

	if containsRejection(returned) {
		return returned, false, nil
	}

	finalRequested := false
	mentioned := map[string]bool{}
	for _, ev := range returned {
		if ss, ok := ev.(*events.SlotSet); ok {
			mentioned[ss.Key] = true
			if ss.Key == domain.RequestedSlot && ss.Value != nil {
				finalRequested = true
			}
		}
	}

	merged := returned
	for _, ev := range candidates {
		ss, ok := ev.(*events.SlotSet)
		if ok && mentioned[ss.Key] {
			continue
		}
		merged = append(merged, ev)
	}
	return merged, finalRequested, nil
}

// requestNextSlotOrDeactivate asks for the first still-empty required
// slot, or closes the loop when everything is filled.
func (f *Form) requestNextSlotOrDeactivate(ctx context.Context, temp *tracker.Tracker, d *domain.Domain, form *domain.Form, gen nlg.Generator, out []events.Event) ([]events.Event, error) {
	next := ""
	for _, slotName := range form.RequiredSlots.Names {
		if !temp.HasSlotValue(slotName) {
			next = slotName
			break
		}
	}

	if next == "" {
		return append(out,
			events.NewSlotSet(domain.RequestedSlot, nil),
			events.NewActiveLoop(""),
		), nil
	}

	out = append(out, events.NewSlotSet(domain.RequestedSlot, next))
	prompt, err := f.askFor(ctx, next, temp, d, gen)
	if err != nil {
		return nil, err
	}
	return append(out, prompt...), nil
}

// askFor resolves the prompt for a slot. Precedence: form-scoped ask
// action, form-scoped response, generic ask action, generic response.
// Nothing configured means asking silently.
func (f *Form) askFor(ctx context.Context, slotName string, temp *tracker.Tracker, d *domain.Domain, gen nlg.Generator) ([]events.Event, error) {
	scoped := fmt.Sprintf("action_ask_%s_%s", f.name, slotName)
	generic := "action_ask_" + slotName

	for _, candidate := range []struct {
		action   string
		response string
	}{
		{action: scoped},
		{response: fmt.Sprintf("utter_ask_%s_%s", f.name, slotName)},
		{action: generic},
		{response: "utter_ask_" + slotName},
	} {
		if candidate.action != "" && d.HasAction(candidate.action) && f.client != nil {
			return f.client.Call(ctx, candidate.action, temp, d)
		}
		if candidate.response != "" && d.HasResponse(candidate.response) {
			msg, err := gen.Generate(ctx, candidate.response, temp, temp.LatestInputChannel())
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return []events.Event{botEvent(msg)}, nil
			}
		}
	}

	f.logger.Debug("no prompt configured for slot",
		zap.String("form", f.name), zap.String("slot", slotName))
	return nil, nil
}

func containsRejection(evs []events.Event) bool {
	for _, ev := range evs {
		if _, ok := ev.(*events.ActionExecutionRejected); ok {
			return true
		}
	}
	return false
}

// slotWasFilled reports whether extraction or validation produced any
// value besides bookkeeping of requested_slot itself.
func slotWasFilled(candidates, validated []events.Event, requestedSlot string) bool {
	if len(candidates) > 0 {
		return true
	}
	for _, ev := range validated {
		if ss, ok := ev.(*events.SlotSet); ok && ss.Key != domain.RequestedSlot {
			return true
		}
	}
	return false
}
