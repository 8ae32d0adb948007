// Package policies decides the next action of a conversation. Each policy
// produces a Prediction over the domain's action index; the Ensemble
// arbitrates between them with an explicit priority table.
package policies

import (
	"converse/internal/domain"
	"converse/internal/events"
)

// Prediction is one policy's opinion about the next action.
type Prediction struct {
	// Probabilities over the domain's action index.
	Probabilities []float64
	PolicyName    string
	Priority      int

	// Events must be applied to the tracker no matter which policy wins.
	Events []events.Event
	// OptionalEvents are applied only for the winner, or for losers when
	// an equal event is not already present.
	OptionalEvents []events.Event

	// IsEndToEnd marks a prediction made from raw text rather than the
	// classified intent.
	IsEndToEnd bool
	// IsNoUser marks a prediction that does not consume the user message,
	// such as an active loop continuing on its own.
	IsNoUser bool
	// HideRuleTurn marks turns produced by rules that should stay
	// invisible to learning policies.
	HideRuleTurn bool
	// ExactMatch marks a prediction that reproduces known rule or
	// training data verbatim.
	ExactMatch bool

	Diagnostics map[string]any
}

// NewPrediction builds a zero-event prediction for a policy.
func NewPrediction(probabilities []float64, policyName string, priority int) *Prediction {
	return &Prediction{
		Probabilities: probabilities,
		PolicyName:    policyName,
		Priority:      priority,
	}
}

// MaxConfidence returns the highest probability in the distribution.
func (p *Prediction) MaxConfidence() float64 {
	max := 0.0
	for _, v := range p.Probabilities {
		if v > max {
			max = v
		}
	}
	return max
}

// MaxIndex returns the index of the highest probability, first on ties,
// -1 for an empty distribution.
func (p *Prediction) MaxIndex() int {
	best := -1
	bestVal := 0.0
	for i, v := range p.Probabilities {
		if best == -1 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}

// IsDegenerate reports whether the prediction carries no signal at all.
func (p *Prediction) IsDegenerate() bool {
	return p.MaxConfidence() == 0
}

// ConfidenceScoresFor builds a one-hot distribution for a named action.
func ConfidenceScoresFor(d *domain.Domain, action string, confidence float64) []float64 {
	scores := make([]float64, d.NumActions())
	if i, ok := d.IndexForAction(action); ok {
		scores[i] = confidence
	}
	return scores
}
