// Package evolution decides how each new assertion lands on its
// (subject, predicate) lineage: create, confirm, update, conflict, backfill
// or retract. Decisions are made inside the store's write transaction.
package evolution

import (
	"context"

	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/evidence"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/store"
)

// Result reports how an assertion was recorded
type Result = store.WriteResult

// Tracker implements store.Resolver and drives writes through the store
type Tracker struct {
	store  *store.Store
	cfg    config.EvolutionConfig
	logger *zap.SugaredLogger
}

// NewTracker creates an evolution tracker
func NewTracker(s *store.Store, cfg config.EvolutionConfig, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		store:  s,
		cfg:    cfg,
		logger: logger.OrComponent(log, "evolution"),
	}
}

// Assert records draft on its lineage
func (t *Tracker) Assert(ctx context.Context, draft model.FactDraft) (*Result, error) {
	res, err := t.store.Write(ctx, draft, t)
	if err != nil {
		return nil, err
	}

	switch res.Transition {
	case model.TransitionConflict:
		t.logger.Infow("Conflicting assertion recorded",
			logger.FieldSubject, draft.SubjectID,
			logger.FieldPredicate, draft.Predicate,
			logger.FieldFactID, res.FactID,
			"versions", len(res.Changed)+1,
		)
	case model.TransitionRetract:
		if res.FactID == "" {
			t.logger.Infow("Retraction with no current value ignored",
				logger.FieldSubject, draft.SubjectID,
				logger.FieldPredicate, draft.Predicate,
			)
		}
	default:
		t.logger.Debugw("Assertion recorded",
			logger.FieldSubject, draft.SubjectID,
			logger.FieldPredicate, draft.Predicate,
			logger.FieldTransition, res.Transition,
			logger.FieldFactID, res.FactID,
		)
	}
	return res, nil
}

// Resolve settles a conflict externally: winnerID becomes active and every
// other current version of the lineage becomes superseded.
func (t *Tracker) Resolve(ctx context.Context, subjectID, predicate, winnerID string) (*Result, error) {
	res, err := t.store.Amend(ctx, subjectID, predicate, func(l store.Lineage) (store.Plan, error) {
		var found bool
		for _, f := range l.Current {
			if f.ID == winnerID {
				found = true
				break
			}
		}
		if !found {
			return store.Plan{}, errors.WithHint(
				errors.Wrapf(errors.ErrNotFound, "version %s is not current on %s/%s", winnerID, subjectID, predicate),
				"only active or conflicting versions can win a resolution")
		}

		plan := store.Plan{Transition: model.TransitionResolve}
		for _, f := range l.Current {
			switch {
			case f.ID == winnerID && f.Status != model.StatusActive:
				plan.Changes = append(plan.Changes, store.StatusChange{FactID: f.ID, Status: model.StatusActive})
			case f.ID != winnerID:
				plan.Changes = append(plan.Changes, store.StatusChange{FactID: f.ID, Status: model.StatusSuperseded})
			}
		}
		return plan, nil
	})
	if err != nil {
		return nil, err
	}

	res.FactID = winnerID
	t.logger.Infow("Conflict resolved",
		logger.FieldSubject, subjectID,
		logger.FieldPredicate, predicate,
		logger.FieldFactID, winnerID,
		"changed", len(res.Changed),
	)
	return res, nil
}

// Decide computes the plan for draft against the current lineage. It is pure.
func (t *Tracker) Decide(l store.Lineage, d model.FactDraft) store.Plan {
	if d.Retract {
		return t.retract(l, d)
	}

	for _, f := range l.Current {
		if f.Value == d.Value {
			return store.Plan{
				Transition: model.TransitionConfirm,
				AttachTo:   []string{f.ID},
				Polarity:   model.PolaritySupports,
			}
		}
	}

	if len(l.Current) == 0 || t.cfg.IsMultiValued(l.Predicate) {
		return store.Plan{
			Transition: model.TransitionCreate,
			Insert:     &store.Insertion{Value: d.Value, Status: model.StatusActive},
		}
	}

	conf := evidence.DraftConfidence(d.Evidence)
	if active := l.Active(); len(active) > 0 {
		return t.againstActive(active[len(active)-1], evidence.Aggregate(l.Evidence[active[len(active)-1].ID]), d, conf)
	}
	return t.againstConflicting(l, d, conf)
}

// clearlyStronger reports whether confidence a beats b by more than the margin
func (t *Tracker) clearlyStronger(a, b float64) bool {
	return a-b > t.cfg.ConfidenceMargin
}

func (t *Tracker) againstActive(a model.Fact, aConf float64, d model.FactDraft, dConf float64) store.Plan {
	switch {
	case d.AssertedAt.After(a.AssertedAt) && !t.clearlyStronger(aConf, dConf):
		return store.Plan{
			Transition: model.TransitionUpdate,
			Changes:    []store.StatusChange{supersede(a, d)},
			Insert:     &store.Insertion{Value: d.Value, Status: model.StatusActive, Supersedes: a.ID},
		}

	case d.AssertedAt.Before(a.AssertedAt) && !t.clearlyStronger(dConf, aConf):
		ins := &store.Insertion{Value: d.Value, Status: model.StatusSuperseded, Precedes: a.ID}
		if d.ValidTo == nil && a.ValidFrom.After(d.ValidFrom) {
			closeAt := a.ValidFrom
			ins.ValidTo = &closeAt
		}
		return store.Plan{Transition: model.TransitionBackfill, Insert: ins}

	default:
		return store.Plan{
			Transition: model.TransitionConflict,
			Changes:    []store.StatusChange{{FactID: a.ID, Status: model.StatusConflicting}},
			Insert:     &store.Insertion{Value: d.Value, Status: model.StatusConflicting},
		}
	}
}

// againstConflicting handles a differing draft on a lineage with no active version
func (t *Tracker) againstConflicting(l store.Lineage, d model.FactDraft, dConf float64) store.Plan {
	rows := l.Conflicting()
	later := true
	for _, r := range rows {
		if !d.AssertedAt.After(r.AssertedAt) || t.clearlyStronger(evidence.Aggregate(l.Evidence[r.ID]), dConf) {
			later = false
			break
		}
	}

	if !later {
		return store.Plan{
			Transition: model.TransitionConflict,
			Insert:     &store.Insertion{Value: d.Value, Status: model.StatusConflicting},
		}
	}

	plan := store.Plan{
		Transition: model.TransitionUpdate,
		Insert:     &store.Insertion{Value: d.Value, Status: model.StatusActive, Supersedes: rows[len(rows)-1].ID},
	}
	for _, r := range rows {
		plan.Changes = append(plan.Changes, supersede(r, d))
	}
	return plan
}

// supersede retires f in favour of d, closing an open interval at d's start
func supersede(f model.Fact, d model.FactDraft) store.StatusChange {
	change := store.StatusChange{FactID: f.ID, Status: model.StatusSuperseded}
	if f.ValidTo == nil && d.ValidFrom.After(f.ValidFrom) {
		closeAt := d.ValidFrom
		change.CloseAt = &closeAt
	}
	return change
}

// retract negates the current value. A draft value narrows the target to
// versions holding that value; an empty value targets the whole current state.
func (t *Tracker) retract(l store.Lineage, d model.FactDraft) store.Plan {
	targets := l.Active()
	if len(targets) == 0 {
		targets = l.Conflicting()
	}
	if d.Value != "" {
		matching := targets[:0:0]
		for _, f := range targets {
			if f.Value == d.Value {
				matching = append(matching, f)
			}
		}
		targets = matching
	}

	plan := store.Plan{Transition: model.TransitionRetract}
	if len(targets) == 0 {
		return plan
	}

	for _, f := range targets {
		plan.Changes = append(plan.Changes, store.StatusChange{FactID: f.ID, Status: model.StatusRetracted})
		plan.AttachTo = append(plan.AttachTo, f.ID)
	}
	plan.Polarity = model.PolarityContradicts

	if d.Replacement != nil {
		plan.Insert = &store.Insertion{
			Value:      *d.Replacement,
			Status:     model.StatusActive,
			Supersedes: targets[len(targets)-1].ID,
		}
	}
	return plan
}
