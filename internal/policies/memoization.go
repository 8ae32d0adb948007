package policies

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/tracker"
)

// Memoization predicts exactly what it saw during training: it memoizes
// (recent turn history, next action) pairs from stories and answers with
// full confidence on a hit, silence otherwise.
type Memoization struct {
	maxHistory int
	lookup     map[string]string
	logger     *zap.Logger
}

// DefaultMaxHistory is the number of turn tokens a memoization key spans.
const DefaultMaxHistory = 5

// NewMemoization creates an untrained memoization policy. maxHistory <= 0
// selects the default window.
func NewMemoization(maxHistory int, logger *zap.Logger) *Memoization {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Memoization{
		maxHistory: maxHistory,
		lookup:     map[string]string{},
		logger:     logger,
	}
}

func (m *Memoization) Name() string  { return "MemoizationPolicy" }
func (m *Memoization) Priority() int { return MemoizationPriority }

// Train memoizes every (history window, next action) pair in the stories.
// Windows that different stories map to different actions are ambiguous
// and forgotten.
func (m *Memoization) Train(stories []Story, _ *domain.Domain) error {
	poisoned := map[string]bool{}
	learn := func(key, action string) {
		if poisoned[key] {
			return
		}
		if prev, ok := m.lookup[key]; ok && prev != action {
			m.logger.Warn("ambiguous story history, forgetting it",
				zap.String("key", key), zap.String("first", prev), zap.String("second", action))
			delete(m.lookup, key)
			poisoned[key] = true
			return
		}
		m.lookup[key] = action
	}

	for _, story := range stories {
		var tokens []string
		for i, step := range story.Steps {
			if step.Intent != "" {
				tokens = append(tokens, "u:"+step.Intent)
				continue
			}
			learn(windowKey(tokens, m.maxHistory), step.Action)
			tokens = append(tokens, "a:"+step.Action)
			// The bot listens after its last action of a user turn.
			if i == len(story.Steps)-1 || story.Steps[i+1].Intent != "" {
				learn(windowKey(tokens, m.maxHistory), domain.ActionListenName)
			}
		}
	}
	return nil
}

// Predict implements Policy.
func (m *Memoization) Predict(_ context.Context, tr *tracker.Tracker, d *domain.Domain) (*Prediction, error) {
	key := windowKey(historyTokens(tr), m.maxHistory)
	action, ok := m.lookup[key]
	if !ok {
		return NewPrediction(make([]float64, d.NumActions()), m.Name(), m.Priority()), nil
	}

	p := NewPrediction(ConfidenceScoresFor(d, action, 1.0), m.Name(), m.Priority())
	p.ExactMatch = true
	return p, nil
}

// historyTokens renders the tracker's applied history in the same token
// alphabet training uses. Listen turns, session boundaries and hidden
// rule turns are invisible, just as they are absent from stories.
func historyTokens(tr *tracker.Tracker) []string {
	var tokens []string
	for _, e := range tr.AppliedEvents() {
		switch ev := e.(type) {
		case *events.UserUttered:
			tokens = append(tokens, "u:"+ev.ParseData.Intent.Name)
		case *events.ActionExecuted:
			if ev.Name == domain.ActionListenName ||
				ev.Name == domain.ActionSessionStartName ||
				ev.HideRuleTurn {
				continue
			}
			tokens = append(tokens, "a:"+ev.NameOrText())
		}
	}
	return tokens
}

func windowKey(tokens []string, maxHistory int) string {
	if len(tokens) > maxHistory {
		tokens = tokens[len(tokens)-maxHistory:]
	}
	return strings.Join(tokens, "|")
}
