package policies

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/tracker"
)

// stub is a fixed-output policy for arbitration tests.
type stub struct {
	name     string
	priority int
	pred     *Prediction
	err      error
}

func (s *stub) Name() string  { return s.name }
func (s *stub) Priority() int { return s.priority }

func (s *stub) Predict(_ context.Context, _ *tracker.Tracker, d *domain.Domain) (*Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pred == nil {
		return nil, nil
	}
	// Copy so the ensemble's zeroing never leaks between test cases.
	probs := make([]float64, len(s.pred.Probabilities))
	copy(probs, s.pred.Probabilities)
	p := *s.pred
	p.Probabilities = probs
	p.PolicyName = s.name
	p.Priority = s.priority
	return &p, nil
}

func arbitrationDomain(t *testing.T) *domain.Domain {
	t.Helper()
	d, err := domain.FromYAML([]byte(`
intents: [greet]
actions: [action_a, action_b]
responses:
  utter_greet:
    - text: "hi"
`))
	require.NoError(t, err)
	return d
}

func oneHot(t *testing.T, d *domain.Domain, action string, confidence float64) *Prediction {
	t.Helper()
	_, ok := d.IndexForAction(action)
	require.True(t, ok, action)
	return &Prediction{Probabilities: ConfidenceScoresFor(d, action, confidence)}
}

func listeningTracker() *tracker.Tracker {
	tr := tracker.New("s", nil)
	tr.Update(events.NewActionExecuted(domain.ActionListenName))
	tr.Update(events.NewUserUttered("/greet", events.Intent{Name: "greet", Confidence: 1.0}, nil))
	return tr
}

func predictedAction(t *testing.T, d *domain.Domain, p *Prediction) string {
	t.Helper()
	name, ok := d.ActionForIndex(p.MaxIndex())
	require.True(t, ok)
	return name
}

func TestEnsembleHighestPriorityWins(t *testing.T) {
	d := arbitrationDomain(t)
	e, err := NewEnsemble([]Policy{
		&stub{name: "low", priority: 1, pred: oneHot(t, d, "action_a", 1.0)},
		&stub{name: "high", priority: 5, pred: oneHot(t, d, "action_b", 0.4)},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)
	assert.Equal(t, "high", winner.PolicyName)
	assert.Equal(t, "action_b", predictedAction(t, d, winner))
}

func TestEnsemblePriorityTiePrefersFirstConfigured(t *testing.T) {
	d := arbitrationDomain(t)
	e, err := NewEnsemble([]Policy{
		&stub{name: "first", priority: 2, pred: oneHot(t, d, "action_a", 0.5)},
		&stub{name: "second", priority: 2, pred: oneHot(t, d, "action_b", 0.9)},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)
	assert.Equal(t, "first", winner.PolicyName)
}

func TestEnsembleNoUserSupersedesOthers(t *testing.T) {
	d := arbitrationDomain(t)
	noUser := oneHot(t, d, domain.ActionListenName, 1.0)
	noUser.IsNoUser = true
	e2e := oneHot(t, d, "action_b", 1.0)
	e2e.IsEndToEnd = true

	e, err := NewEnsemble([]Policy{
		&stub{name: "e2e", priority: 9, pred: e2e},
		&stub{name: "loop", priority: 1, pred: noUser},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)
	assert.Equal(t, "loop", winner.PolicyName)
	assert.True(t, winner.IsNoUser)
}

func TestEnsembleEndToEndSupersedesRegular(t *testing.T) {
	d := arbitrationDomain(t)
	e2e := oneHot(t, d, "action_b", 0.6)
	e2e.IsEndToEnd = true

	e, err := NewEnsemble([]Policy{
		&stub{name: "regular", priority: 9, pred: oneHot(t, d, "action_a", 1.0)},
		&stub{name: "e2e", priority: 2, pred: e2e},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)
	assert.Equal(t, "e2e", winner.PolicyName)
}

func TestEnsembleExactMatchRuleBeatsEndToEnd(t *testing.T) {
	d := arbitrationDomain(t)
	e2e := oneHot(t, d, "action_b", 1.0)
	e2e.IsEndToEnd = true
	rule := oneHot(t, d, "action_a", 1.0)
	rule.ExactMatch = true

	e, err := NewEnsemble([]Policy{
		&stub{name: "e2e", priority: 2, pred: e2e},
		&stub{name: "rule", priority: 6, pred: rule},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)
	assert.Equal(t, "rule", winner.PolicyName)
}

func TestEnsembleEventAssembly(t *testing.T) {
	d := arbitrationDomain(t)

	loserMust := events.NewSlotSet("from_loser", 1)
	loserOptional := events.NewSlotSet("optional", "loser")
	duplicateOptional := events.NewSlotSet("optional", "winner")

	loser := oneHot(t, d, "action_a", 0.2)
	loser.Events = []events.Event{loserMust}
	loser.OptionalEvents = []events.Event{loserOptional, duplicateOptional}

	winnerPred := oneHot(t, d, "action_b", 1.0)
	winnerPred.Events = []events.Event{events.NewSlotSet("from_winner", 2)}
	winnerPred.OptionalEvents = []events.Event{events.NewSlotSet("optional", "winner")}

	e, err := NewEnsemble([]Policy{
		&stub{name: "loser", priority: 1, pred: loser},
		&stub{name: "winner", priority: 5, pred: winnerPred},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)

	// Must-have events from both, winner's optional, loser's novel
	// optional; the duplicate optional is dropped.
	assert.True(t, events.Contains(winner.Events, loserMust))
	assert.True(t, events.Contains(winner.Events, events.NewSlotSet("from_winner", 2)))
	assert.True(t, events.Contains(winner.Events, events.NewSlotSet("optional", "winner")))
	assert.True(t, events.Contains(winner.Events, loserOptional))

	count := 0
	for _, ev := range winner.Events {
		if events.Equal(ev, duplicateOptional) {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEnsembleZeroesRejectedAction(t *testing.T) {
	d := arbitrationDomain(t)
	pred := oneHot(t, d, "action_a", 1.0)
	idxB, _ := d.IndexForAction("action_b")
	pred.Probabilities[idxB] = 0.4

	e, err := NewEnsemble([]Policy{&stub{name: "p", priority: 1, pred: pred}}, zap.NewNop())
	require.NoError(t, err)

	tr := listeningTracker()
	tr.Update(events.NewActionExecutionRejected("action_a"))

	winner, err := e.Predict(context.Background(), tr, d)
	require.NoError(t, err)
	assert.Equal(t, "action_b", predictedAction(t, d, winner))
}

func featurizations(evs []events.Event) []*events.DefinePrevUserUtteredFeaturization {
	var out []*events.DefinePrevUserUtteredFeaturization
	for _, ev := range evs {
		if f, ok := ev.(*events.DefinePrevUserUtteredFeaturization); ok {
			out = append(out, f)
		}
	}
	return out
}

func TestEnsembleFeaturizationEvent(t *testing.T) {
	d := arbitrationDomain(t)

	t.Run("appended after listen", func(t *testing.T) {
		e, err := NewEnsemble([]Policy{
			&stub{name: "p", priority: 1, pred: oneHot(t, d, "action_a", 1.0)},
		}, zap.NewNop())
		require.NoError(t, err)

		winner, err := e.Predict(context.Background(), listeningTracker(), d)
		require.NoError(t, err)
		fs := featurizations(winner.Events)
		require.Len(t, fs, 1)
		assert.False(t, fs[0].UseTextForFeaturization)
	})

	t.Run("records end-to-end winners", func(t *testing.T) {
		pred := oneHot(t, d, "action_a", 1.0)
		pred.IsEndToEnd = true
		e, err := NewEnsemble([]Policy{&stub{name: "p", priority: 1, pred: pred}}, zap.NewNop())
		require.NoError(t, err)

		winner, err := e.Predict(context.Background(), listeningTracker(), d)
		require.NoError(t, err)
		fs := featurizations(winner.Events)
		require.Len(t, fs, 1)
		assert.True(t, fs[0].UseTextForFeaturization)
	})

	t.Run("skipped when latest action is not listen", func(t *testing.T) {
		e, err := NewEnsemble([]Policy{
			&stub{name: "p", priority: 1, pred: oneHot(t, d, "action_a", 1.0)},
		}, zap.NewNop())
		require.NoError(t, err)

		tr := listeningTracker()
		tr.Update(events.NewActionExecuted("action_b"))
		winner, err := e.Predict(context.Background(), tr, d)
		require.NoError(t, err)
		assert.Empty(t, featurizations(winner.Events))
	})

	t.Run("skipped for no-user and hidden rule turns", func(t *testing.T) {
		for _, mutate := range []func(*Prediction){
			func(p *Prediction) { p.IsNoUser = true },
			func(p *Prediction) { p.HideRuleTurn = true },
		} {
			pred := oneHot(t, d, "action_a", 1.0)
			mutate(pred)
			e, err := NewEnsemble([]Policy{&stub{name: "p", priority: 1, pred: pred}}, zap.NewNop())
			require.NoError(t, err)

			winner, err := e.Predict(context.Background(), listeningTracker(), d)
			require.NoError(t, err)
			assert.Empty(t, featurizations(winner.Events))
		}
	})
}

func TestEnsembleSuppressesRepeatedUnlikelyIntent(t *testing.T) {
	d := arbitrationDomain(t)
	unlikely := oneHot(t, d, domain.ActionUnlikelyIntentName, 1.0)
	other := oneHot(t, d, "action_a", 0.7)

	e, err := NewEnsemble([]Policy{
		&stub{name: "anomaly", priority: 6, pred: unlikely},
		&stub{name: "regular", priority: 1, pred: other},
	}, zap.NewNop())
	require.NoError(t, err)

	// First time: the anomaly prediction goes through.
	tr := listeningTracker()
	winner, err := e.Predict(context.Background(), tr, d)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUnlikelyIntentName, predictedAction(t, d, winner))

	// Once it ran for this user turn, the next-best wins instead.
	tr.Update(events.NewActionExecuted(domain.ActionUnlikelyIntentName))
	winner, err = e.Predict(context.Background(), tr, d)
	require.NoError(t, err)
	assert.Equal(t, "regular", winner.PolicyName)

	// A fresh user message lifts the suppression.
	tr.Update(events.NewActionExecuted(domain.ActionListenName))
	tr.Update(events.NewUserUttered("/greet", events.Intent{Name: "greet", Confidence: 1.0}, nil))
	winner, err = e.Predict(context.Background(), tr, d)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUnlikelyIntentName, predictedAction(t, d, winner))
}

func TestEnsembleConfigurationErrors(t *testing.T) {
	d := arbitrationDomain(t)

	_, err := NewEnsemble(nil, zap.NewNop())
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	// All-degenerate predictions are a configuration error too.
	e, err := NewEnsemble([]Policy{
		&stub{name: "silent", priority: 1, pred: &Prediction{Probabilities: make([]float64, d.NumActions())}},
	}, zap.NewNop())
	require.NoError(t, err)
	_, err = e.Predict(context.Background(), listeningTracker(), d)
	require.ErrorAs(t, err, &cfgErr)
}

func TestEnsembleDecliningPolicyNeverWins(t *testing.T) {
	d := arbitrationDomain(t)
	e, err := NewEnsemble([]Policy{
		&stub{name: "declining", priority: 6, pred: &Prediction{Probabilities: make([]float64, d.NumActions())}},
		&stub{name: "confident", priority: 1, pred: oneHot(t, d, "action_a", 0.8)},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)
	assert.Equal(t, "confident", winner.PolicyName)
	assert.Equal(t, "action_a", predictedAction(t, d, winner))
}

func TestEnsembleSurvivesBrokenPolicies(t *testing.T) {
	d := arbitrationDomain(t)
	e, err := NewEnsemble([]Policy{
		&stub{name: "failing", priority: 9, err: errors.New("model exploded")},
		&stub{name: "nil", priority: 8},
		&stub{name: "working", priority: 1, pred: oneHot(t, d, "action_a", 0.9)},
	}, zap.NewNop())
	require.NoError(t, err)

	winner, err := e.Predict(context.Background(), listeningTracker(), d)
	require.NoError(t, err)
	assert.Equal(t, "working", winner.PolicyName)
}
