package policies

import (
	"context"

	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/tracker"
)

// Rule applies fixed conversation rules: keeping active loops running,
// returning to listening after a loop's own turn, and mapping intents
// straight to actions. Rule predictions reproduce configured data, so
// they are exact matches and their turns are hidden from learning
// policies.
type Rule struct {
	triggers map[string]string
	memo     *Memoization
	logger   *zap.Logger
}

// defaultTriggers are the intent rules every assistant has.
var defaultTriggers = map[string]string{
	domain.IntentRestart:      domain.ActionRestartName,
	domain.IntentSessionStart: domain.ActionSessionStartName,
}

// NewRule creates a rule policy. triggers maps intent names to actions and
// extends the built-in restart and session-start rules.
func NewRule(triggers map[string]string, logger *zap.Logger) *Rule {
	merged := make(map[string]string, len(defaultTriggers)+len(triggers))
	for intent, action := range defaultTriggers {
		merged[intent] = action
	}
	for intent, action := range triggers {
		merged[intent] = action
	}
	return &Rule{
		triggers: merged,
		memo:     NewMemoization(DefaultMaxHistory, logger),
		logger:   logger,
	}
}

func (r *Rule) Name() string  { return "RulePolicy" }
func (r *Rule) Priority() int { return RulePriority }

// Train memoizes rule stories.
func (r *Rule) Train(rules []Story, d *domain.Domain) error {
	return r.memo.Train(rules, d)
}

// Predict implements Policy.
func (r *Rule) Predict(ctx context.Context, tr *tracker.Tracker, d *domain.Domain) (*Prediction, error) {
	if p := r.loopPrediction(tr, d); p != nil {
		return p, nil
	}

	if tr.LatestActionName() == domain.ActionListenName && tr.LatestMessage() != nil {
		intent := tr.LatestMessage().ParseData.Intent.Name
		if action, ok := r.triggers[intent]; ok {
			p := NewPrediction(ConfidenceScoresFor(d, action, 1.0), r.Name(), r.Priority())
			p.ExactMatch = true
			p.HideRuleTurn = true
			return p, nil
		}
	}

	memoized, err := r.memo.Predict(ctx, tr, d)
	if err != nil {
		return nil, err
	}
	if memoized.ExactMatch {
		p := NewPrediction(memoized.Probabilities, r.Name(), r.Priority())
		p.ExactMatch = true
		p.HideRuleTurn = true
		return p, nil
	}

	return NewPrediction(make([]float64, d.NumActions()), r.Name(), r.Priority()), nil
}

// loopPrediction keeps an active loop turning: the loop runs again after
// every user message, and the bot listens again after the loop's own
// turn. A loop that just rejected is left to other policies.
func (r *Rule) loopPrediction(tr *tracker.Tracker, d *domain.Domain) *Prediction {
	loop := tr.ActiveLoopName()
	if loop == "" || tr.ActiveLoopRejected() {
		return nil
	}
	if _, ok := d.IndexForAction(loop); !ok {
		r.logger.Warn("active loop is not a domain action", zap.String("loop", loop))
		return nil
	}

	switch tr.LatestActionName() {
	case domain.ActionListenName:
		p := NewPrediction(ConfidenceScoresFor(d, loop, 1.0), r.Name(), r.Priority())
		p.ExactMatch = true
		return p
	case loop:
		p := NewPrediction(ConfidenceScoresFor(d, domain.ActionListenName, 1.0), r.Name(), r.Priority())
		p.ExactMatch = true
		p.IsNoUser = true
		return p
	}
	return nil
}
