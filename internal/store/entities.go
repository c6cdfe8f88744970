package store

import (
	"context"
	"database/sql"
	"sort"

	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/model"
)

// SaveEntity upserts an entity and adds any aliases not yet stored.
// Aliases are only removed through DeleteAlias.
func (s *Store) SaveEntity(ctx context.Context, e model.Entity) error {
	if e.ID == "" || e.Type == "" {
		return errors.Wrap(errors.ErrInvalidInput, "entity id and type are required")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	return s.update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, type, confidence, use_count, last_used_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				confidence = excluded.confidence,
				use_count = excluded.use_count,
				last_used_at = excluded.last_used_at`,
			e.ID, e.Type, e.Confidence, e.UseCount, toNanos(e.LastUsedAt), toNanos(created))
		if err != nil {
			return errors.StoreFailure(err, "upsert entity")
		}

		for _, alias := range e.Aliases {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO entity_aliases (entity_id, alias) VALUES (?, ?)", e.ID, alias); err != nil {
				return errors.StoreFailure(err, "insert alias")
			}
		}
		return nil
	})
}

// DeleteAlias prunes one superseded alias. The entity itself is never deleted.
func (s *Store) DeleteAlias(ctx context.Context, entityID, alias string) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM entity_aliases WHERE entity_id = ? AND alias = ?", entityID, alias)
		return errors.StoreFailure(err, "delete alias")
	})
}

// LoadEntities returns every entity with its aliases, ordered by id
func (s *Store) LoadEntities(ctx context.Context) ([]model.Entity, error) {
	out := []model.Entity{}
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, type, confidence, use_count, last_used_at, created_at
			FROM entities ORDER BY id`)
		if err != nil {
			return errors.StoreFailure(err, "query entities")
		}
		index := make(map[string]int)
		for rows.Next() {
			var (
				e        model.Entity
				lastUsed int64
				created  int64
			)
			if err := rows.Scan(&e.ID, &e.Type, &e.Confidence, &e.UseCount, &lastUsed, &created); err != nil {
				rows.Close()
				return errors.StoreFailure(err, "scan entity")
			}
			e.LastUsedAt = fromNanos(lastUsed)
			e.CreatedAt = fromNanos(created)
			e.Aliases = []string{}
			index[e.ID] = len(out)
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return errors.StoreFailure(err, "iterate entities")
		}
		rows.Close()

		aliasRows, err := tx.QueryContext(ctx, "SELECT entity_id, alias FROM entity_aliases")
		if err != nil {
			return errors.StoreFailure(err, "query aliases")
		}
		defer aliasRows.Close()
		for aliasRows.Next() {
			var id, alias string
			if err := aliasRows.Scan(&id, &alias); err != nil {
				return errors.StoreFailure(err, "scan alias")
			}
			if i, ok := index[id]; ok {
				out[i].Aliases = append(out[i].Aliases, alias)
			}
		}
		return errors.StoreFailure(aliasRows.Err(), "iterate aliases")
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		sort.Strings(out[i].Aliases)
	}
	return out, nil
}

// SavePattern upserts a learned pattern
func (s *Store) SavePattern(ctx context.Context, p model.LearnedPattern) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO learned_patterns (id, type, kind, rule, support, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				support = excluded.support,
				last_used_at = excluded.last_used_at`,
			p.ID, p.Type, string(p.Kind), p.Rule, p.Support, toNanos(p.CreatedAt), toNanos(p.LastUsedAt))
		return errors.StoreFailure(err, "upsert pattern")
	})
}

// DeletePattern removes a learned pattern
func (s *Store) DeletePattern(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM learned_patterns WHERE id = ?", id)
		return errors.StoreFailure(err, "delete pattern")
	})
}

// LoadPatterns returns all learned patterns ordered by type then rule
func (s *Store) LoadPatterns(ctx context.Context) ([]model.LearnedPattern, error) {
	out := []model.LearnedPattern{}
	err := s.view(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, type, kind, rule, support, created_at, last_used_at
			FROM learned_patterns ORDER BY type, rule`)
		if err != nil {
			return errors.StoreFailure(err, "query patterns")
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p        model.LearnedPattern
				kind     string
				created  int64
				lastUsed int64
			)
			if err := rows.Scan(&p.ID, &p.Type, &kind, &p.Rule, &p.Support, &created, &lastUsed); err != nil {
				return errors.StoreFailure(err, "scan pattern")
			}
			p.Kind = model.PatternKind(kind)
			p.CreatedAt = fromNanos(created)
			p.LastUsedAt = fromNanos(lastUsed)
			out = append(out, p)
		}
		return errors.StoreFailure(rows.Err(), "iterate patterns")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordSuppressions appends suppression decisions to the audit log
func (s *Store) RecordSuppressions(ctx context.Context, decisions []model.SuppressionDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	return s.update(ctx, func(tx *sql.Tx) error {
		for _, d := range decisions {
			id := d.ID
			if id == "" {
				id = newID("sup")
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO suppression_decisions
					(id, context, type, winner_id, loser_id, winner, loser, similarity, factor, decided_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, d.Context, d.Type, d.WinnerID, d.LoserID, d.Winner, d.Loser,
				d.Similarity, d.Factor, toNanos(d.DecidedAt))
			if err != nil {
				return errors.StoreFailure(err, "insert suppression decision")
			}
		}
		return nil
	})
}

// Suppressions returns recorded decisions in insertion order. An empty context returns all.
func (s *Store) Suppressions(ctx context.Context, contextHash string) ([]model.SuppressionDecision, error) {
	out := []model.SuppressionDecision{}
	err := s.view(ctx, func(tx *sql.Tx) error {
		query := `SELECT id, context, type, winner_id, loser_id, winner, loser, similarity, factor, decided_at
			FROM suppression_decisions`
		var args []any
		if contextHash != "" {
			query += " WHERE context = ?"
			args = append(args, contextHash)
		}
		query += " ORDER BY seq"

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.StoreFailure(err, "query suppression decisions")
		}
		defer rows.Close()
		for rows.Next() {
			var (
				d       model.SuppressionDecision
				decided int64
			)
			if err := rows.Scan(&d.ID, &d.Context, &d.Type, &d.WinnerID, &d.LoserID,
				&d.Winner, &d.Loser, &d.Similarity, &d.Factor, &decided); err != nil {
				return errors.StoreFailure(err, "scan suppression decision")
			}
			d.DecidedAt = fromNanos(decided)
			out = append(out, d)
		}
		return errors.StoreFailure(rows.Err(), "iterate suppression decisions")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
