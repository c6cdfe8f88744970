// Package evidence attaches provenance records to fact versions and turns an
// evidence set into an aggregate confidence.
package evidence

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/store"
)

// Formula is reported with every breakdown
const Formula = "support × (1 − contradiction), support = 1 − Π(1 − c) over supporting, contradiction = 1 − Π(1 − c) over contradicting"

// Tracker reads and appends evidence through the fact store
type Tracker struct {
	store  *store.Store
	logger *zap.SugaredLogger
}

// NewTracker creates an evidence tracker over s
func NewTracker(s *store.Store, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		store:  s,
		logger: logger.OrComponent(log, "evidence"),
	}
}

// Attach appends one evidence record to an existing fact version.
// Attaching never changes the version's status.
func (t *Tracker) Attach(ctx context.Context, factID string, draft model.EvidenceDraft) (model.Evidence, error) {
	ev, err := t.store.AppendEvidence(ctx, factID, draft)
	if err != nil {
		return model.Evidence{}, err
	}
	t.logger.Debugw("Evidence attached",
		logger.FieldFactID, factID,
		"source", ev.Source,
		"polarity", ev.Polarity,
		"confidence", ev.Confidence,
	)
	return ev, nil
}

// For returns every evidence record of a version in insertion order
func (t *Tracker) For(ctx context.Context, factID string) ([]model.Evidence, error) {
	return t.store.ReadEvidence(ctx, factID)
}

// Confidence returns the aggregate confidence of a version
func (t *Tracker) Confidence(ctx context.Context, factID string) (float64, error) {
	evs, err := t.For(ctx, factID)
	if err != nil {
		return 0, err
	}
	return Aggregate(evs), nil
}

// Breakdown explains the aggregate confidence of a version
func (t *Tracker) Breakdown(ctx context.Context, factID string) (model.ConfidenceBreakdown, error) {
	evs, err := t.For(ctx, factID)
	if err != nil {
		return model.ConfidenceBreakdown{}, err
	}
	return Explain(evs), nil
}

// Aggregate combines an evidence set into one confidence in [0,1].
// An empty set has confidence 0. The result does not depend on order.
func Aggregate(evs []model.Evidence) float64 {
	return Explain(evs).Aggregate
}

// Explain computes the aggregate together with its parts
func Explain(evs []model.Evidence) model.ConfidenceBreakdown {
	var supporting, contradicting []float64
	for _, ev := range evs {
		if ev.Polarity == model.PolarityContradicts {
			contradicting = append(contradicting, ev.Confidence)
		} else {
			supporting = append(supporting, ev.Confidence)
		}
	}

	support := Combine(supporting)
	contra := Combine(contradicting)
	return model.ConfidenceBreakdown{
		Aggregate:     support * (1 - contra),
		Support:       support,
		Contradiction: contra,
		Supporting:    len(supporting),
		Contradicting: len(contradicting),
		Formula:       Formula,
	}
}

// DraftConfidence is the aggregate a draft's evidence would have on a fresh version
func DraftConfidence(drafts []model.EvidenceDraft) float64 {
	evs := make([]model.Evidence, 0, len(drafts))
	for _, d := range drafts {
		evs = append(evs, model.Evidence{Confidence: d.Confidence, Polarity: d.Polarity})
	}
	return Aggregate(evs)
}

// Combine is the noisy-or of independent confidences: 1 − Π(1 − c).
// Values are clamped to [0,1] and multiplied in sorted order so that
// permutations of the same set give bit-identical results.
func Combine(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	sorted := make([]float64, len(confidences))
	for i, c := range confidences {
		sorted[i] = clamp(c)
	}
	sort.Float64s(sorted)

	miss := 1.0
	for _, c := range sorted {
		miss *= 1 - c
	}
	return clamp(1 - miss)
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
