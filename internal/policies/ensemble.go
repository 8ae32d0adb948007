package policies

import (
	"context"

	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/tracker"
)

// Ensemble arbitrates between its policies with an explicit priority
// table. Selection order: eligibility filtering (no-user beats end-to-end
// beats regular), then highest priority, lowest index, highest confidence.
type Ensemble struct {
	policies []Policy
	logger   *zap.Logger
}

// NewEnsemble builds an ensemble. At least one policy is required.
func NewEnsemble(policies []Policy, logger *zap.Logger) (*Ensemble, error) {
	if len(policies) == 0 {
		return nil, &domain.ConfigError{Reason: "ensemble needs at least one policy"}
	}
	return &Ensemble{policies: policies, logger: logger}, nil
}

// Predict runs every policy and returns the winning prediction. The
// returned prediction's Events already contain everything the tracker
// must apply for this turn, the must-have events of losing policies
// included.
func (e *Ensemble) Predict(ctx context.Context, tr *tracker.Tracker, d *domain.Domain) (*Prediction, error) {
	predictions := e.collect(ctx, tr, d)
	if len(predictions) == 0 {
		return nil, &domain.ConfigError{Reason: "no policy produced a prediction"}
	}

	// A rejected action must not win again this turn.
	if rejected := tr.RejectedActionName(); rejected != "" {
		if idx, ok := d.IndexForAction(rejected); ok {
			for _, p := range predictions {
				if idx < len(p.Probabilities) {
					p.Probabilities[idx] = 0
				}
			}
		}
	}

	allDegenerate := true
	for _, p := range predictions {
		if !p.IsDegenerate() {
			allDegenerate = false
			break
		}
	}
	if allDegenerate {
		return nil, &domain.ConfigError{Reason: "every policy prediction is degenerate"}
	}

	winner := e.selectWinner(predictions, tr, d)
	if winner == nil {
		return nil, &domain.ConfigError{Reason: "no eligible prediction"}
	}

	result := *winner
	result.Events = e.assembleEvents(predictions, winner)
	result.OptionalEvents = nil

	if tr.LatestActionName() == domain.ActionListenName &&
		!winner.IsNoUser && !winner.HideRuleTurn {
		result.Events = append(result.Events,
			events.NewDefinePrevUserUtteredFeaturization(winner.IsEndToEnd))
	}

	e.logger.Debug("prediction selected",
		zap.String("policy", result.PolicyName),
		zap.Int("priority", result.Priority),
		zap.Float64("confidence", result.MaxConfidence()))
	return &result, nil
}

// collect gathers one prediction per policy. A policy error degrades to an
// all-zero prediction; a nil or malformed prediction is excluded.
func (e *Ensemble) collect(ctx context.Context, tr *tracker.Tracker, d *domain.Domain) []*Prediction {
	predictions := make([]*Prediction, 0, len(e.policies))
	for _, pol := range e.policies {
		p, err := pol.Predict(ctx, tr, d)
		if err != nil {
			e.logger.Error("policy failed, treating as no-opinion",
				zap.String("policy", pol.Name()), zap.Error(err))
			predictions = append(predictions,
				NewPrediction(make([]float64, d.NumActions()), pol.Name(), pol.Priority()))
			continue
		}
		if p == nil {
			e.logger.Warn("policy returned no prediction", zap.String("policy", pol.Name()))
			continue
		}
		if len(p.Probabilities) != d.NumActions() {
			e.logger.Warn("policy distribution does not cover the action index",
				zap.String("policy", pol.Name()),
				zap.Int("got", len(p.Probabilities)), zap.Int("want", d.NumActions()))
			continue
		}
		predictions = append(predictions, p)
	}
	return predictions
}

// selectWinner applies eligibility, the priority table and the
// unlikely-intent suppression rule. Degenerate predictions are a
// policy's way of declining the turn; they never compete for the win,
// whatever their priority.
func (e *Ensemble) selectWinner(predictions []*Prediction, tr *tracker.Tracker, d *domain.Domain) *Prediction {
	candidates := make([]*Prediction, 0, len(predictions))
	for _, p := range predictions {
		if p.IsDegenerate() {
			continue
		}
		candidates = append(candidates, p)
	}
	for len(candidates) > 0 {
		winner := pickBest(eligible(candidates))
		if winner == nil {
			return nil
		}

		if action, ok := d.ActionForIndex(winner.MaxIndex()); ok &&
			action == domain.ActionUnlikelyIntentName &&
			unlikelyIntentAlreadyRan(tr) {
			e.logger.Debug("suppressing repeated action_unlikely_intent",
				zap.String("policy", winner.PolicyName))
			candidates = without(candidates, winner)
			continue
		}
		return winner
	}
	return nil
}

// eligible filters predictions by kind: any no-user prediction restricts
// the field to no-user predictions; otherwise any end-to-end prediction
// restricts it to end-to-end ones, unless an exact-match prediction with
// at least the best end-to-end priority exists (rules beat the model's
// end-to-end match).
func eligible(predictions []*Prediction) []*Prediction {
	var noUser, endToEnd []*Prediction
	for _, p := range predictions {
		if p.IsNoUser {
			noUser = append(noUser, p)
		}
		if p.IsEndToEnd {
			endToEnd = append(endToEnd, p)
		}
	}
	if len(noUser) > 0 {
		return noUser
	}
	if len(endToEnd) > 0 {
		bestE2E := 0
		for _, p := range endToEnd {
			if p.Priority > bestE2E {
				bestE2E = p.Priority
			}
		}
		for _, p := range predictions {
			if p.ExactMatch && !p.IsEndToEnd && p.Priority >= bestE2E {
				return predictions
			}
		}
		return endToEnd
	}
	return predictions
}

// pickBest selects the highest-priority prediction; ties keep the
// earliest configured policy.
func pickBest(predictions []*Prediction) *Prediction {
	var best *Prediction
	for _, p := range predictions {
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

// assembleEvents merges event payloads: every prediction's must-have
// events, the winner's optional events, and losers' optional events that
// are not already present.
func (e *Ensemble) assembleEvents(predictions []*Prediction, winner *Prediction) []events.Event {
	var out []events.Event
	for _, p := range predictions {
		out = append(out, p.Events...)
	}
	out = append(out, winner.OptionalEvents...)
	for _, p := range predictions {
		if p == winner {
			continue
		}
		for _, ev := range p.OptionalEvents {
			if !events.Contains(out, ev) {
				out = append(out, ev)
			}
		}
	}
	return out
}

func without(predictions []*Prediction, drop *Prediction) []*Prediction {
	out := make([]*Prediction, 0, len(predictions)-1)
	for _, p := range predictions {
		if p != drop {
			out = append(out, p)
		}
	}
	return out
}

// unlikelyIntentAlreadyRan reports whether action_unlikely_intent already
// executed since the most recent user message.
func unlikelyIntentAlreadyRan(tr *tracker.Tracker) bool {
	applied := tr.AppliedEvents()
	for i := len(applied) - 1; i >= 0; i-- {
		switch ev := applied[i].(type) {
		case *events.UserUttered:
			return false
		case *events.ActionExecuted:
			if ev.Name == domain.ActionUnlikelyIntentName {
				return true
			}
		}
	}
	return false
}
