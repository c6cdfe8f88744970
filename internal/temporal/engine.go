// Package temporal answers point-in-time, latest, range and history queries
// over fact lineages.
//
// Every query reads one consistent store snapshot and depends only on the
// snapshot and its parameters. Results are cached under the snapshot revision,
// so a cache hit is the same answer a fresh read at that revision would give.
package temporal

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/cache"
	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/evidence"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/store"
)

// Engine is the temporal query engine
type Engine struct {
	store  *store.Store
	cache  cache.Cache
	cfg    config.EvolutionConfig
	logger *zap.SugaredLogger

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports query cache effectiveness
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewEngine creates a query engine. A nil cache disables result caching.
func NewEngine(s *store.Store, c cache.Cache, cfg config.EvolutionConfig, log *zap.SugaredLogger) *Engine {
	if c == nil {
		c = cache.Nop{}
	}
	return &Engine{
		store:  s,
		cache:  c,
		cfg:    cfg,
		logger: logger.OrComponent(log, "temporal"),
	}
}

// Stats returns cache hit and miss counts
func (e *Engine) Stats() Stats {
	return Stats{Hits: e.hits.Load(), Misses: e.misses.Load()}
}

// AsOf returns the value that held at t: versions whose valid-time interval
// covers t and that were not retracted. A superseded version gives way to any
// covering version later in chain order, so only versions that overlap
// without replacing one another are flagged as conflicting. No covering
// version is an unknown answer, not an error.
func (e *Engine) AsOf(ctx context.Context, subjectID, predicate string, t time.Time) (model.Answer, error) {
	if err := checkKey(subjectID, predicate); err != nil {
		return model.Answer{}, err
	}

	var ans model.Answer
	err := e.cached(ctx, "as_of", []string{subjectID, predicate, stamp(t)}, &ans, func() (any, int64, error) {
		snap, err := e.store.Snapshot(ctx, subjectID, predicate, store.At(t))
		if err != nil {
			return nil, 0, err
		}
		covering := replaced(versions(snap, func(f model.Fact) bool { return f.Status != model.StatusRetracted }))
		if len(covering) == 0 {
			return model.Unknown(), snap.Revision, nil
		}
		return e.answer(predicate, covering, len(covering) > 1), snap.Revision, nil
	})
	return ans, err
}

// Latest returns the current value: the active versions, or the conflicting
// versions (flagged) when nothing is active.
func (e *Engine) Latest(ctx context.Context, subjectID, predicate string) (model.Answer, error) {
	if err := checkKey(subjectID, predicate); err != nil {
		return model.Answer{}, err
	}

	var ans model.Answer
	err := e.cached(ctx, "latest", []string{subjectID, predicate}, &ans, func() (any, int64, error) {
		snap, err := e.store.Snapshot(ctx, subjectID, predicate, store.All())
		if err != nil {
			return nil, 0, err
		}
		if active := versions(snap, withStatus(model.StatusActive)); len(active) > 0 {
			return e.answer(predicate, active, len(active) > 1), snap.Revision, nil
		}
		if conflicting := versions(snap, withStatus(model.StatusConflicting)); len(conflicting) > 0 {
			return e.answer(predicate, conflicting, true), snap.Revision, nil
		}
		return model.Unknown(), snap.Revision, nil
	})
	return ans, err
}

// Range returns every non-retracted version whose interval overlaps
// [from, to], ordered by valid_from. Conflicts are not collapsed.
func (e *Engine) Range(ctx context.Context, subjectID, predicate string, from, to time.Time) ([]model.Version, error) {
	if err := checkKey(subjectID, predicate); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "range end %s before start %s", stamp(to), stamp(from))
	}

	var out []model.Version
	err := e.cached(ctx, "range", []string{subjectID, predicate, stamp(from), stamp(to)}, &out, func() (any, int64, error) {
		snap, err := e.store.Snapshot(ctx, subjectID, predicate, store.Between(from, to))
		if err != nil {
			return nil, 0, err
		}
		vs := versions(snap, func(f model.Fact) bool { return f.Status != model.StatusRetracted })
		sort.SliceStable(vs, func(i, j int) bool {
			a, b := vs[i].Fact, vs[j].Fact
			if !a.ValidFrom.Equal(b.ValidFrom) {
				return a.ValidFrom.Before(b.ValidFrom)
			}
			if !a.AssertedAt.Equal(b.AssertedAt) {
				return a.AssertedAt.Before(b.AssertedAt)
			}
			return a.Seq < b.Seq
		})
		return vs, snap.Revision, nil
	})
	return out, err
}

// History returns every version of the lineage, retracted ones included,
// in chain order with their aggregate confidence.
func (e *Engine) History(ctx context.Context, subjectID, predicate string) ([]model.Version, error) {
	if err := checkKey(subjectID, predicate); err != nil {
		return nil, err
	}

	var out []model.Version
	err := e.cached(ctx, "history", []string{subjectID, predicate}, &out, func() (any, int64, error) {
		snap, err := e.store.Snapshot(ctx, subjectID, predicate, store.All())
		if err != nil {
			return nil, 0, err
		}
		return versions(snap, func(model.Fact) bool { return true }), snap.Revision, nil
	})
	return out, err
}

// cached serves a query from the cache entry for the current revision, or runs
// fill and caches its result under the revision of the snapshot it read.
func (e *Engine) cached(ctx context.Context, kind string, params []string, dst any, fill func() (any, int64, error)) error {
	key := func(rev int64) string {
		return cache.Key("query", append([]string{kind, strconv.FormatInt(rev, 10)}, params...)...)
	}

	if cache.GetJSON(e.cache, key(e.store.Revision()), dst) {
		e.hits.Add(1)
		return nil
	}
	e.misses.Add(1)

	result, rev, err := fill()
	if err != nil {
		return err
	}
	if err := cache.SetJSON(e.cache, key(rev), result, 0); err != nil {
		e.logger.Warnw("Failed to cache query result", "kind", kind, logger.FieldError, err)
	}

	switch d := dst.(type) {
	case *model.Answer:
		*d = result.(model.Answer)
	case *[]model.Version:
		*d = result.([]model.Version)
	default:
		return errors.Newf("unsupported query result %T", dst)
	}
	return nil
}

// answer picks the winning version among candidates. VersionIDs keeps the
// candidates in chain order.
func (e *Engine) answer(predicate string, candidates []model.Version, conflicting bool) model.Answer {
	ids := make([]string, len(candidates))
	for i, v := range candidates {
		ids[i] = v.Fact.ID
	}

	ranked := append([]model.Version(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool { return outranks(ranked[i], ranked[j]) })
	best := ranked[0]

	return model.Answer{
		Known:       true,
		Value:       best.Fact.Value,
		Version:     &best,
		Conflicting: conflicting && !e.cfg.IsMultiValued(predicate),
		VersionIDs:  ids,
	}
}

// outranks orders candidates by aggregate confidence, then assertion time,
// then attribution priority, then the later insertion.
func outranks(a, b model.Version) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.Fact.AssertedAt.Equal(b.Fact.AssertedAt) {
		return a.Fact.AssertedAt.After(b.Fact.AssertedAt)
	}
	if pa, pb := a.Fact.Attribution.Priority(), b.Fact.Attribution.Priority(); pa != pb {
		return pa > pb
	}
	return a.Fact.Seq > b.Fact.Seq
}

// versions pairs the snapshot facts accepted by keep with their aggregate confidence
func versions(snap *store.Snapshot, keep func(model.Fact) bool) []model.Version {
	out := []model.Version{}
	for _, f := range snap.Facts {
		if keep(f) {
			out = append(out, model.Version{Fact: f, Confidence: evidence.Aggregate(snap.Evidence[f.ID])})
		}
	}
	return out
}

// replaced drops superseded versions that a later version in the same set replaces
func replaced(vs []model.Version) []model.Version {
	out := vs[:0:0]
	for _, v := range vs {
		if v.Fact.Status == model.StatusSuperseded && hasLater(vs, v.Fact) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func hasLater(vs []model.Version, f model.Fact) bool {
	for _, v := range vs {
		if laterInChain(v.Fact, f) {
			return true
		}
	}
	return false
}

// laterInChain orders versions by assertion time, then insertion
func laterInChain(a, b model.Fact) bool {
	if !a.AssertedAt.Equal(b.AssertedAt) {
		return a.AssertedAt.After(b.AssertedAt)
	}
	return a.Seq > b.Seq
}

func withStatus(status model.FactStatus) func(model.Fact) bool {
	return func(f model.Fact) bool { return f.Status == status }
}

func checkKey(subjectID, predicate string) error {
	if subjectID == "" || predicate == "" {
		return errors.Wrap(errors.ErrInvalidInput, "subject and predicate are required")
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
