// Package actions executes the behaviors a policy can predict: built-in
// engine actions, templated bot responses, remote custom actions and the
// form slot-filling loop.
package actions

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/nlg"
	"converse/internal/tracker"
)

// Action is one executable behavior. Run returns the events to append to
// the conversation; it must not mutate the tracker it receives.
type Action interface {
	Name() string
	Run(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, gen nlg.Generator) ([]events.Event, error)
}

// ExecutionRejection is returned by an action that declines to run so
// another policy can take over the turn.
type ExecutionRejection struct {
	ActionName string
	Reason     string
}

func (e *ExecutionRejection) Error() string {
	return fmt.Sprintf("action %s rejected execution: %s", e.ActionName, e.Reason)
}

// ServerClient calls a custom action on the action server.
type ServerClient interface {
	// Call runs the named action against the given tracker state. The
	// returned events include bot responses converted to BotUttered.
	Call(ctx context.Context, actionName string, tr *tracker.Tracker, d *domain.Domain) ([]events.Event, error)
}

// Registry resolves predicted action names to runnable actions.
type Registry struct {
	client ServerClient
	logger *zap.Logger
}

// NewRegistry creates a registry. client may be nil when no action server
// is configured; resolving a custom action then fails.
func NewRegistry(client ServerClient, logger *zap.Logger) *Registry {
	return &Registry{client: client, logger: logger}
}

// For resolves an action name against the domain.
func (r *Registry) For(name string, d *domain.Domain) (Action, error) {
	switch name {
	case domain.ActionListenName:
		return listen{}, nil
	case domain.ActionRestartName:
		return restart{}, nil
	case domain.ActionSessionStartName:
		return sessionStart{}, nil
	case domain.ActionDefaultFallbackName:
		return defaultFallback{}, nil
	case domain.ActionDeactivateLoopName:
		return deactivateLoop{}, nil
	case domain.ActionUnlikelyIntentName:
		return unlikelyIntent{}, nil
	}

	if d.IsFormName(name) {
		return NewForm(name, r.client, r.logger), nil
	}
	if strings.HasPrefix(name, "utter_") && d.HasResponse(name) {
		return BotResponse{ResponseName: name}, nil
	}
	if d.HasAction(name) {
		if r.client == nil {
			return nil, fmt.Errorf("custom action %q needs an action server endpoint", name)
		}
		return Remote{ActionName: name, Client: r.client}, nil
	}
	return nil, fmt.Errorf("unknown action %q", name)
}

// ForEndToEnd returns an action that utters the predicted free text.
func (r *Registry) ForEndToEnd(actionText string) Action {
	return endToEnd{text: actionText}
}

// BotResponse renders one domain response and says it.
type BotResponse struct {
	ResponseName string
}

func (a BotResponse) Name() string { return a.ResponseName }

func (a BotResponse) Run(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, gen nlg.Generator) ([]events.Event, error) {
	msg, err := gen.Generate(ctx, a.ResponseName, tr, tr.LatestInputChannel())
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", a.ResponseName, err)
	}
	if msg == nil {
		return nil, nil
	}
	return []events.Event{botEvent(msg)}, nil
}

// Remote delegates to the action server.
type Remote struct {
	ActionName string
	Client     ServerClient
}

func (a Remote) Name() string { return a.ActionName }

func (a Remote) Run(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, _ nlg.Generator) ([]events.Event, error) {
	return a.Client.Call(ctx, a.ActionName, tr, d)
}

type endToEnd struct {
	text string
}

func (a endToEnd) Name() string { return a.text }

func (a endToEnd) Run(_ context.Context, _ *tracker.Tracker, _ *domain.Domain, _ nlg.Generator) ([]events.Event, error) {
	return []events.Event{events.NewBotUttered(a.text)}, nil
}

func botEvent(msg *nlg.Message) *events.BotUttered {
	ev := events.NewBotUttered(msg.Text)
	ev.Data = msg.Data
	return ev
}
