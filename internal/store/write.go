package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/model"
)

// Write records a draft on its lineage. The lineage is loaded, handed to the
// resolver and the resulting plan applied inside one serialized transaction,
// so retiring the old version and inserting the new one are atomic.
func (s *Store) Write(ctx context.Context, draft model.FactDraft, resolver Resolver) (*WriteResult, error) {
	if err := ValidateDraft(draft); err != nil {
		return nil, err
	}
	decide := func(l Lineage) (Plan, error) {
		return resolver.Decide(l, draft), nil
	}
	return s.transact(ctx, draft.SubjectID, draft.Predicate, &draft, decide)
}

// Amend applies a plan computed from the current lineage without a new draft.
// Plans from fn may change statuses only.
func (s *Store) Amend(ctx context.Context, subjectID, predicate string, fn func(Lineage) (Plan, error)) (*WriteResult, error) {
	return s.transact(ctx, subjectID, predicate, nil, fn)
}

func (s *Store) transact(ctx context.Context, subjectID, predicate string, draft *model.FactDraft, fn func(Lineage) (Plan, error)) (*WriteResult, error) {
	var result *WriteResult

	err := s.update(ctx, func(tx *sql.Tx) error {
		lineage, err := loadLineage(ctx, tx, subjectID, predicate)
		if err != nil {
			return err
		}

		plan, err := fn(lineage)
		if err != nil {
			return err
		}
		if draft == nil && (plan.Insert != nil || len(plan.AttachTo) > 0) {
			return errors.Wrap(errors.ErrInvalidInput, "plan writes rows but no draft was given")
		}

		result, err = s.apply(ctx, tx, subjectID, predicate, draft, plan)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Revision = s.Revision()
	s.logger.Debugw("Fact written",
		"subject", subjectID,
		"predicate", predicate,
		"transition", result.Transition,
		"fact_id", result.FactID,
		"changed", len(result.Changed),
	)
	return result, nil
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, subjectID, predicate string, draft *model.FactDraft, plan Plan) (*WriteResult, error) {
	result := &WriteResult{
		Transition:  plan.Transition,
		Changed:     []string{},
		EvidenceIDs: []string{},
	}

	for _, change := range plan.Changes {
		if !change.Status.Valid() {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid status %q", change.Status)
		}
		var err error
		if change.CloseAt != nil {
			_, err = tx.ExecContext(ctx,
				"UPDATE facts SET status = ?, valid_to = ? WHERE id = ?",
				string(change.Status), toNanos(*change.CloseAt), change.FactID)
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE facts SET status = ? WHERE id = ?",
				string(change.Status), change.FactID)
		}
		if err != nil {
			return nil, errors.StoreFailure(err, "update fact status")
		}
		result.Changed = append(result.Changed, change.FactID)
	}

	if plan.Insert != nil {
		ins := *plan.Insert
		var child string
		if ins.Precedes != "" {
			var err error
			child, ins.Supersedes, err = spliceSlot(ctx, tx, ins.Precedes, draft.AssertedAt)
			if err != nil {
				return nil, err
			}
		}
		id, err := s.insertFact(ctx, tx, subjectID, predicate, *draft, ins)
		if err != nil {
			return nil, err
		}
		result.FactID = id
		if child != "" {
			if _, err := tx.ExecContext(ctx, "UPDATE facts SET supersedes = ? WHERE id = ?", id, child); err != nil {
				return nil, errors.StoreFailure(err, "link backfilled fact")
			}
		}

		ids, err := s.insertEvidence(ctx, tx, id, draft.Evidence, model.PolaritySupports)
		if err != nil {
			return nil, err
		}
		result.EvidenceIDs = append(result.EvidenceIDs, ids...)
	}

	for _, target := range plan.AttachTo {
		polarity := plan.Polarity
		if polarity == "" {
			polarity = model.PolaritySupports
		}
		ids, err := s.insertEvidence(ctx, tx, target, draft.Evidence, polarity)
		if err != nil {
			return nil, err
		}
		result.EvidenceIDs = append(result.EvidenceIDs, ids...)
		if result.FactID == "" {
			result.FactID = target
		}
	}

	if result.FactID == "" && len(result.Changed) > 0 {
		result.FactID = result.Changed[0]
	}
	return result, nil
}

// spliceSlot finds where a version asserted at assertedAt belongs in the chain
// ending at from: the child it goes in front of and the parent it follows.
// Walking stops at the first ancestor asserted before assertedAt. An ancestor
// asserted at exactly assertedAt has no strict slot, so no child is returned.
func spliceSlot(ctx context.Context, tx *sql.Tx, from string, assertedAt time.Time) (child, parent string, err error) {
	at := toNanos(assertedAt)
	child = from
	seen := map[string]bool{}
	for !seen[child] {
		seen[child] = true
		var next sql.NullString
		if err := tx.QueryRowContext(ctx, "SELECT supersedes FROM facts WHERE id = ?", child).Scan(&next); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", "", errors.Wrapf(errors.ErrNotFound, "fact %s", child)
			}
			return "", "", errors.StoreFailure(err, "walk chain")
		}
		if !next.Valid {
			return child, "", nil
		}
		var parentAt int64
		if err := tx.QueryRowContext(ctx, "SELECT asserted_at FROM facts WHERE id = ?", next.String).Scan(&parentAt); err != nil {
			return "", "", errors.StoreFailure(err, "walk chain")
		}
		switch {
		case parentAt < at:
			return child, next.String, nil
		case parentAt == at:
			return "", "", nil
		}
		child = next.String
	}
	return "", "", errors.Newf("supersedes cycle at fact %s", child)
}

func (s *Store) insertFact(ctx context.Context, tx *sql.Tx, subjectID, predicate string, draft model.FactDraft, ins Insertion) (string, error) {
	if !ins.Status.Valid() {
		return "", errors.Wrapf(errors.ErrInvalidInput, "invalid status %q", ins.Status)
	}

	validTo := draft.ValidTo
	if ins.ValidTo != nil {
		validTo = ins.ValidTo
	}
	attribution := draft.Attribution
	if attribution == "" {
		attribution = model.AttributionAssistant
	}
	var supersedes sql.NullString
	if ins.Supersedes != "" {
		supersedes = sql.NullString{String: ins.Supersedes, Valid: true}
	}

	id := newID("fact")
	_, err := tx.ExecContext(ctx, `
		INSERT INTO facts (id, subject_id, predicate, value, valid_from, valid_to,
			asserted_at, status, attribution, supersedes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, subjectID, predicate, ins.Value,
		toNanos(draft.ValidFrom), nullableNanos(validTo), toNanos(draft.AssertedAt),
		string(ins.Status), string(attribution), supersedes, toNanos(s.now()),
	)
	if err != nil {
		return "", errors.StoreFailure(err, "insert fact")
	}
	return id, nil
}

func (s *Store) insertEvidence(ctx context.Context, tx *sql.Tx, factID string, drafts []model.EvidenceDraft, polarity model.Polarity) ([]string, error) {
	ids := make([]string, 0, len(drafts))
	for _, ev := range drafts {
		p := polarity
		if ev.Polarity == model.PolarityContradicts {
			// An explicitly contradicting record stays contradicting wherever it lands
			p = model.PolarityContradicts
		}
		observed := ev.ObservedAt
		if observed.IsZero() {
			observed = s.now()
		}

		id := newID("ev")
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evidence (id, fact_id, source, excerpt, confidence, polarity, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, factID, ev.Source, ev.Excerpt, ev.Confidence, string(p), toNanos(observed),
		)
		if err != nil {
			return nil, errors.StoreFailure(err, "insert evidence")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AppendEvidence attaches one evidence record to an existing version
func (s *Store) AppendEvidence(ctx context.Context, factID string, ev model.EvidenceDraft) (model.Evidence, error) {
	if err := ValidateEvidence(ev); err != nil {
		return model.Evidence{}, err
	}
	polarity := ev.Polarity
	if polarity == "" {
		polarity = model.PolaritySupports
	}

	var id string
	err := s.update(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM facts WHERE id = ?)", factID).Scan(&exists); err != nil {
			return errors.StoreFailure(err, "check fact")
		}
		if !exists {
			return errors.Wrapf(errors.ErrNotFound, "fact %s", factID)
		}
		ids, err := s.insertEvidence(ctx, tx, factID, []model.EvidenceDraft{ev}, polarity)
		if err != nil {
			return err
		}
		id = ids[0]
		return nil
	})
	if err != nil {
		return model.Evidence{}, err
	}

	observed := ev.ObservedAt
	if observed.IsZero() {
		return s.evidenceByID(ctx, id)
	}
	return model.Evidence{
		ID:         id,
		FactID:     factID,
		Source:     ev.Source,
		Excerpt:    ev.Excerpt,
		Confidence: ev.Confidence,
		Polarity:   polarity,
		ObservedAt: observed.UTC(),
	}, nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
