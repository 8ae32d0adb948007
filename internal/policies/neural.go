package policies

import (
	"context"
	"fmt"

	"converse/internal/domain"
	"converse/internal/tracker"
)

// TrainablePredictor is the opaque surface of a learned model. The engine
// neither trains nor inspects it beyond these two calls.
type TrainablePredictor interface {
	Fit(stories []Story, d *domain.Domain) error
	PredictProbabilities(tr *tracker.Tracker, d *domain.Domain) ([]float64, error)
}

// Neural wraps a learned predictor as a policy. Its predictions are never
// exact matches; the model interpolates.
type Neural struct {
	predictor TrainablePredictor
}

// NewNeural wraps a predictor.
func NewNeural(predictor TrainablePredictor) *Neural {
	return &Neural{predictor: predictor}
}

func (n *Neural) Name() string  { return "NeuralPolicy" }
func (n *Neural) Priority() int { return NeuralPriority }

// Train implements Trainable.
func (n *Neural) Train(stories []Story, d *domain.Domain) error {
	return n.predictor.Fit(stories, d)
}

// Predict implements Policy.
func (n *Neural) Predict(_ context.Context, tr *tracker.Tracker, d *domain.Domain) (*Prediction, error) {
	probabilities, err := n.predictor.PredictProbabilities(tr, d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Name(), err)
	}
	if len(probabilities) != d.NumActions() {
		return nil, fmt.Errorf("%s: predictor returned %d probabilities for %d actions",
			n.Name(), len(probabilities), d.NumActions())
	}
	return NewPrediction(probabilities, n.Name(), n.Priority()), nil
}

var _ Policy = (*Neural)(nil)
var _ Trainable = (*Neural)(nil)
