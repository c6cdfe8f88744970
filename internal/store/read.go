package store

import (
	"context"
	"database/sql"

	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/model"
)

// Snapshot is one lineage read in a single transaction
type Snapshot struct {
	Facts    []model.Fact
	Evidence map[string][]model.Evidence
	Revision int64
}

const factColumns = `seq, id, subject_id, predicate, value, valid_from, valid_to,
	asserted_at, status, attribution, supersedes`

// Read returns the versions of (subject, predicate) matching filter, ordered by
// assertion time then insertion order. Every status is included.
func (s *Store) Read(ctx context.Context, subjectID, predicate string, filter TimeFilter) ([]model.Fact, error) {
	snap, err := s.Snapshot(ctx, subjectID, predicate, filter)
	if err != nil {
		return nil, err
	}
	return snap.Facts, nil
}

// Snapshot reads versions and their evidence from one consistent view
func (s *Store) Snapshot(ctx context.Context, subjectID, predicate string, filter TimeFilter) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.view(ctx, func(tx *sql.Tx) error {
		// Read inside the transaction so a cached result never pairs a revision with other rows
		rev, err := readRevision(ctx, tx)
		if err != nil {
			return err
		}
		snap.Revision = rev

		facts, err := queryFacts(ctx, tx, subjectID, predicate, filter)
		if err != nil {
			return err
		}
		evidence, err := queryLineageEvidence(ctx, tx, subjectID, predicate)
		if err != nil {
			return err
		}
		attachEvidenceIDs(facts, evidence)

		snap.Facts = facts
		snap.Evidence = make(map[string][]model.Evidence, len(facts))
		for _, f := range facts {
			evs := evidence[f.ID]
			if evs == nil {
				evs = []model.Evidence{}
			}
			snap.Evidence[f.ID] = evs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ReadEvidence returns the evidence of one version in insertion order
func (s *Store) ReadEvidence(ctx context.Context, factID string) ([]model.Evidence, error) {
	var out []model.Evidence
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, fact_id, source, excerpt, confidence, polarity, observed_at
			FROM evidence WHERE fact_id = ? ORDER BY seq`, factID)
		if err != nil {
			return errors.StoreFailure(err, "query evidence")
		}
		defer rows.Close()

		out, err = scanEvidence(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fact returns one version by id
func (s *Store) Fact(ctx context.Context, factID string) (model.Fact, error) {
	var f model.Fact
	err := s.view(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+factColumns+" FROM facts WHERE id = ?", factID)
		var err error
		f, err = scanFact(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(errors.ErrNotFound, "fact %s", factID)
		}
		if err != nil {
			return errors.StoreFailure(err, "query fact")
		}

		rows, err := tx.QueryContext(ctx, "SELECT id FROM evidence WHERE fact_id = ? ORDER BY seq", factID)
		if err != nil {
			return errors.StoreFailure(err, "query evidence ids")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return errors.StoreFailure(err, "scan evidence id")
			}
			f.EvidenceIDs = append(f.EvidenceIDs, id)
		}
		return errors.StoreFailure(rows.Err(), "iterate evidence ids")
	})
	return f, err
}

// Predicates lists the predicates recorded for a subject, sorted
func (s *Store) Predicates(ctx context.Context, subjectID string) ([]string, error) {
	out := []string{}
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT DISTINCT predicate FROM facts WHERE subject_id = ? ORDER BY predicate", subjectID)
		if err != nil {
			return errors.StoreFailure(err, "query predicates")
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return errors.StoreFailure(err, "scan predicate")
			}
			out = append(out, p)
		}
		return errors.StoreFailure(rows.Err(), "iterate predicates")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountFacts returns the number of stored versions across all lineages
func (s *Store) CountFacts(ctx context.Context) (int, error) {
	var n int
	err := s.view(ctx, func(tx *sql.Tx) error {
		return errors.StoreFailure(tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM facts").Scan(&n), "count facts")
	})
	return n, err
}

func (s *Store) evidenceByID(ctx context.Context, id string) (model.Evidence, error) {
	var ev model.Evidence
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, fact_id, source, excerpt, confidence, polarity, observed_at
			FROM evidence WHERE id = ?`, id)
		if err != nil {
			return errors.StoreFailure(err, "query evidence")
		}
		defer rows.Close()
		evs, err := scanEvidence(rows)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return errors.Wrapf(errors.ErrNotFound, "evidence %s", id)
		}
		ev = evs[0]
		return nil
	})
	return ev, err
}

// loadLineage reads the active and conflicting versions plus their evidence inside a write
func loadLineage(ctx context.Context, tx *sql.Tx, subjectID, predicate string) (Lineage, error) {
	rows, err := tx.QueryContext(ctx, "SELECT "+factColumns+`
		FROM facts
		WHERE subject_id = ? AND predicate = ? AND status IN ('active', 'conflicting')
		ORDER BY asserted_at, seq`, subjectID, predicate)
	if err != nil {
		return Lineage{}, errors.StoreFailure(err, "query lineage")
	}
	facts, err := scanFacts(rows)
	if err != nil {
		return Lineage{}, err
	}

	evidence, err := queryLineageEvidence(ctx, tx, subjectID, predicate)
	if err != nil {
		return Lineage{}, err
	}
	attachEvidenceIDs(facts, evidence)

	current := make(map[string][]model.Evidence, len(facts))
	for _, f := range facts {
		current[f.ID] = evidence[f.ID]
	}
	return Lineage{
		SubjectID: subjectID,
		Predicate: predicate,
		Current:   facts,
		Evidence:  current,
	}, nil
}

func queryFacts(ctx context.Context, tx *sql.Tx, subjectID, predicate string, filter TimeFilter) ([]model.Fact, error) {
	query := "SELECT " + factColumns + " FROM facts WHERE subject_id = ? AND predicate = ?"
	args := []any{subjectID, predicate}

	switch filter.kind {
	case filterAt:
		query += " AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)"
		args = append(args, toNanos(filter.from), toNanos(filter.from))
	case filterBetween:
		query += " AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)"
		args = append(args, toNanos(filter.to), toNanos(filter.from))
	}
	query += " ORDER BY asserted_at, seq"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StoreFailure(err, "query facts")
	}
	return scanFacts(rows)
}

func queryLineageEvidence(ctx context.Context, tx *sql.Tx, subjectID, predicate string) (map[string][]model.Evidence, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.fact_id, e.source, e.excerpt, e.confidence, e.polarity, e.observed_at
		FROM evidence e
		JOIN facts f ON f.id = e.fact_id
		WHERE f.subject_id = ? AND f.predicate = ?
		ORDER BY e.seq`, subjectID, predicate)
	if err != nil {
		return nil, errors.StoreFailure(err, "query lineage evidence")
	}
	defer rows.Close()

	evs, err := scanEvidence(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.Evidence)
	for _, ev := range evs {
		out[ev.FactID] = append(out[ev.FactID], ev)
	}
	return out, nil
}

func attachEvidenceIDs(facts []model.Fact, evidence map[string][]model.Evidence) {
	for i := range facts {
		ids := make([]string, 0, len(evidence[facts[i].ID]))
		for _, ev := range evidence[facts[i].ID] {
			ids = append(ids, ev.ID)
		}
		facts[i].EvidenceIDs = ids
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (model.Fact, error) {
	var (
		f           model.Fact
		validFrom   int64
		validTo     sql.NullInt64
		assertedAt  int64
		status      string
		attribution string
		supersedes  sql.NullString
	)
	if err := row.Scan(&f.Seq, &f.ID, &f.SubjectID, &f.Predicate, &f.Value,
		&validFrom, &validTo, &assertedAt, &status, &attribution, &supersedes); err != nil {
		return model.Fact{}, err
	}
	f.ValidFrom = fromNanos(validFrom)
	if validTo.Valid {
		t := fromNanos(validTo.Int64)
		f.ValidTo = &t
	}
	f.AssertedAt = fromNanos(assertedAt)
	f.Status = model.FactStatus(status)
	f.Attribution = model.Attribution(attribution)
	f.Supersedes = supersedes.String
	f.EvidenceIDs = []string{}
	return f, nil
}

func scanFacts(rows *sql.Rows) ([]model.Fact, error) {
	defer rows.Close()
	out := []model.Fact{}
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, errors.StoreFailure(err, "scan fact")
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreFailure(err, "iterate facts")
	}
	return out, nil
}

func scanEvidence(rows *sql.Rows) ([]model.Evidence, error) {
	out := []model.Evidence{}
	for rows.Next() {
		var (
			ev       model.Evidence
			polarity string
			observed int64
		)
		if err := rows.Scan(&ev.ID, &ev.FactID, &ev.Source, &ev.Excerpt, &ev.Confidence, &polarity, &observed); err != nil {
			return nil, errors.StoreFailure(err, "scan evidence")
		}
		ev.Polarity = model.Polarity(polarity)
		ev.ObservedAt = fromNanos(observed)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreFailure(err, "iterate evidence")
	}
	return out, nil
}
