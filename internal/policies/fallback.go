package policies

import (
	"context"

	"converse/internal/domain"
	"converse/internal/tracker"
)

// Fallback predicts action_default_fallback when the NLU was not sure
// enough about the latest user message.
type Fallback struct {
	nluThreshold   float64
	coreConfidence float64
}

// Default fallback thresholds.
const (
	DefaultNLUThreshold       = 0.3
	DefaultFallbackConfidence = 0.3
)

// NewFallback creates a fallback policy. Non-positive arguments select the
// defaults.
func NewFallback(nluThreshold, coreConfidence float64) *Fallback {
	if nluThreshold <= 0 {
		nluThreshold = DefaultNLUThreshold
	}
	if coreConfidence <= 0 {
		coreConfidence = DefaultFallbackConfidence
	}
	return &Fallback{nluThreshold: nluThreshold, coreConfidence: coreConfidence}
}

func (f *Fallback) Name() string  { return "FallbackPolicy" }
func (f *Fallback) Priority() int { return FallbackPriority }

// Predict implements Policy.
func (f *Fallback) Predict(_ context.Context, tr *tracker.Tracker, d *domain.Domain) (*Prediction, error) {
	msg := tr.LatestMessage()
	tooUnsure := msg != nil &&
		tr.LatestActionName() == domain.ActionListenName &&
		msg.ParseData.Intent.Confidence < f.nluThreshold

	if !tooUnsure {
		return NewPrediction(make([]float64, d.NumActions()), f.Name(), f.Priority()), nil
	}
	return NewPrediction(
		ConfidenceScoresFor(d, domain.ActionDefaultFallbackName, f.coreConfidence),
		f.Name(), f.Priority()), nil
}
