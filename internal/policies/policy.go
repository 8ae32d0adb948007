package policies

import (
	"context"

	"converse/internal/domain"
	"converse/internal/tracker"
)

// Standard policy priorities. Higher wins in the ensemble.
const (
	MemoizationPriority = 1
	NeuralPriority      = 2
	FallbackPriority    = 3
	RulePriority        = 6
)

// Policy predicts the next action for a conversation.
type Policy interface {
	Name() string
	Priority() int
	Predict(ctx context.Context, tr *tracker.Tracker, d *domain.Domain) (*Prediction, error)
}

// Story is one training conversation: alternating user and bot turns.
type Story struct {
	Name  string
	Steps []Step
}

// Step is a single story turn. Exactly one of Intent and Action is set.
type Step struct {
	// Intent is a user turn.
	Intent string
	// Action is a bot turn.
	Action string
}

// UserStep builds a user turn.
func UserStep(intent string) Step { return Step{Intent: intent} }

// ActionStep builds a bot turn.
func ActionStep(action string) Step { return Step{Action: action} }

// Trainable is implemented by policies that learn from stories.
type Trainable interface {
	Train(stories []Story, d *domain.Domain) error
}
