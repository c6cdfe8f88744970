// Package learn induces recognition patterns from confirmed observations.
//
// Induction only ever compares surfaces of the same type, and every learned
// pattern is bound to exactly one type. Patterns earn support from distinct
// same-type observations; they become active at learn.min_support and are
// evicted by Sweep when unused past the retention window.
package learn

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
)

// ErrTypeMismatch rejects induction across observations of different types
var ErrTypeMismatch = errors.New("type mismatch: induction across types rejected")

// Observation is one recognized surface offered to the learner
type Observation struct {
	Surface    string    `json:"surface"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Confirmed  bool      `json:"confirmed"` // Explicitly confirmed, regardless of confidence
	ObservedAt time.Time `json:"observed_at"`
}

// PatternRepository persists learned patterns
type PatternRepository interface {
	SavePattern(ctx context.Context, p model.LearnedPattern) error
	DeletePattern(ctx context.Context, id string) error
	LoadPatterns(ctx context.Context) ([]model.LearnedPattern, error)
}

// ObserveReport summarizes one Observe call
type ObserveReport struct {
	Accepted int                    `json:"accepted"`
	Ignored  int                    `json:"ignored"`  // Below the observation confidence and unconfirmed
	Rejected int                    `json:"rejected"` // Rule already bound to another type
	Induced  []model.LearnedPattern `json:"induced,omitempty"`
}

// SweepReport summarizes one retention sweep
type SweepReport struct {
	Expired   []string `json:"expired"` // Unused past retention
	Evicted   []string `json:"evicted"` // Over the pattern cap
	Remaining int      `json:"remaining"`
}

type entry struct {
	pattern model.LearnedPattern
	match   *regexp.Regexp // Anchored: whole-surface match
}

// Learner holds learned patterns and the observations they were induced from
type Learner struct {
	mu           sync.Mutex
	cfg          config.LearnConfig
	repo         PatternRepository
	observations map[string][]string // type -> distinct surfaces, oldest first
	patterns     map[string]*entry   // id -> pattern
	byRule       map[string]string   // rule -> id
	logger       *zap.SugaredLogger
	now          func() time.Time
}

// New creates a learner and loads persisted patterns from repo. A nil repo
// keeps patterns in memory only.
func New(ctx context.Context, cfg config.LearnConfig, repo PatternRepository, log *zap.SugaredLogger) (*Learner, error) {
	l := &Learner{
		cfg:          cfg,
		repo:         repo,
		observations: make(map[string][]string),
		patterns:     make(map[string]*entry),
		byRule:       make(map[string]string),
		logger:       logger.OrComponent(log, "learn"),
		now:          time.Now,
	}
	if repo == nil {
		return l, nil
	}

	stored, err := repo.LoadPatterns(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load learned patterns")
	}
	for _, p := range stored {
		re, err := anchored(p.Rule)
		if err != nil {
			l.logger.Warnw("Skipping stored pattern with invalid rule", logger.FieldPattern, p.Rule, logger.FieldError, err)
			continue
		}
		l.patterns[p.ID] = &entry{pattern: p, match: re}
		l.byRule[p.Rule] = p.ID
	}
	l.logger.Debugw("Learned patterns loaded", logger.FieldCount, len(l.patterns))
	return l, nil
}

// Induce proposes rules from two observations. Observations of different
// types are never compared and yield ErrTypeMismatch.
func (l *Learner) Induce(a, b Observation) ([]Candidate, error) {
	if a.Type != b.Type {
		return nil, errors.WithDetailf(
			errors.Wrapf(ErrTypeMismatch, "%q is %s, %q is %s", a.Surface, a.Type, b.Surface, b.Type),
			"types: %s, %s", a.Type, b.Type)
	}
	return candidates(strings.TrimSpace(a.Surface), []string{strings.TrimSpace(b.Surface)}, l.cfg.MinAffixRatio, 2), nil
}

// Observe feeds observations to the learner, updating support and inducing
// new patterns. Cross-type collisions are counted in the report, not returned.
func (l *Learner) Observe(ctx context.Context, obs []Observation) (ObserveReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report ObserveReport
	dirty := make(map[string]bool)

	for _, o := range obs {
		surface := strings.TrimSpace(o.Surface)
		if surface == "" || o.Type == "" || (!o.Confirmed && o.Confidence < l.cfg.ObservationConfidence) {
			report.Ignored++
			continue
		}
		report.Accepted++

		seen := l.observations[o.Type]
		if contains(seen, surface) {
			continue
		}
		neighbours := seen
		l.remember(o.Type, surface)

		for id, e := range l.patterns {
			if e.pattern.Type == o.Type && e.match.MatchString(surface) {
				e.pattern.Support++
				dirty[id] = true
			}
		}

		at := o.ObservedAt
		if at.IsZero() {
			at = l.now()
		}
		for _, c := range candidates(surface, neighbours, l.cfg.MinAffixRatio, l.cfg.MinSupport) {
			p, err := l.adopt(o.Type, c, at)
			if errors.Is(err, ErrTypeMismatch) {
				report.Rejected++
				l.logger.Debugw("Pattern rejected", logger.FieldPattern, c.Rule, logger.FieldEntityType, o.Type, logger.FieldError, err)
				continue
			}
			if err != nil {
				l.logger.Debugw("Candidate rule skipped", logger.FieldPattern, c.Rule, logger.FieldError, err)
				continue
			}
			if p != nil {
				report.Induced = append(report.Induced, *p)
				dirty[p.ID] = true
			}
		}
	}

	for _, id := range sortedKeys(dirty) {
		if err := l.persist(ctx, l.patterns[id].pattern); err != nil {
			return report, err
		}
	}
	for _, p := range report.Induced {
		l.logger.Infow("Pattern induced",
			logger.FieldPattern, p.Rule,
			logger.FieldEntityType, p.Type,
			"kind", p.Kind,
			"support", l.patterns[p.ID].pattern.Support,
		)
	}
	return report, nil
}

// adopt turns a candidate into a pattern of typ. It returns nil when the rule
// is already learned for typ, and ErrTypeMismatch when another type owns it.
func (l *Learner) adopt(typ string, c Candidate, at time.Time) (*model.LearnedPattern, error) {
	if id, ok := l.byRule[c.Rule]; ok {
		if owner := l.patterns[id].pattern.Type; owner != typ {
			return nil, errors.Wrapf(ErrTypeMismatch, "rule %s belongs to %s, not %s", c.Rule, owner, typ)
		}
		return nil, nil
	}

	re, err := anchored(c.Rule)
	if err != nil {
		return nil, err
	}
	support := 0
	for _, s := range l.observations[typ] {
		if re.MatchString(s) {
			support++
		}
	}

	p := model.LearnedPattern{
		ID:         "pat_" + uuid.NewString(),
		Type:       typ,
		Kind:       c.Kind,
		Rule:       c.Rule,
		Support:    support,
		CreatedAt:  at,
		LastUsedAt: at,
	}
	l.patterns[p.ID] = &entry{pattern: p, match: re}
	l.byRule[p.Rule] = p.ID
	return &p, nil
}

// remember records a distinct surface, dropping the oldest past the per-type cap
func (l *Learner) remember(typ, surface string) {
	seen := append(l.observations[typ], surface)
	if limit := l.cfg.MaxObservations; limit > 0 && len(seen) > limit {
		seen = append([]string(nil), seen[len(seen)-limit:]...)
	}
	l.observations[typ] = seen
}

// Active returns a snapshot of the patterns at or above the support threshold,
// ordered by type then rule.
func (l *Learner) Active() []model.LearnedPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.LearnedPattern, 0, len(l.patterns))
	for _, e := range l.patterns {
		if e.pattern.Support >= l.cfg.MinSupport {
			out = append(out, e.pattern)
		}
	}
	sortPatterns(out)
	return out
}

// All returns a snapshot of every pattern, active or not
func (l *Learner) All() []model.LearnedPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.LearnedPattern, 0, len(l.patterns))
	for _, e := range l.patterns {
		out = append(out, e.pattern)
	}
	sortPatterns(out)
	return out
}

// Touch marks patterns as used at now. Unknown ids are ignored.
func (l *Learner) Touch(ctx context.Context, ids []string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		e, ok := l.patterns[id]
		if !ok || !now.After(e.pattern.LastUsedAt) {
			continue
		}
		e.pattern.LastUsedAt = now
		if err := l.persist(ctx, e.pattern); err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes patterns unused for longer than the retention window, then
// evicts the least recently used patterns above the cap.
func (l *Learner) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := SweepReport{Expired: []string{}, Evicted: []string{}}
	retention := time.Duration(l.cfg.RetentionDays) * 24 * time.Hour
	if l.cfg.RetentionDays > 0 {
		cutoff := now.Add(-retention)
		for _, id := range sortedKeys(l.patterns) {
			if l.patterns[id].pattern.LastUsedAt.Before(cutoff) {
				if err := l.remove(ctx, id); err != nil {
					return report, err
				}
				report.Expired = append(report.Expired, id)
			}
		}
	}

	if limit := l.cfg.MaxPatterns; limit > 0 && len(l.patterns) > limit {
		byUse := make([]model.LearnedPattern, 0, len(l.patterns))
		for _, e := range l.patterns {
			byUse = append(byUse, e.pattern)
		}
		sort.Slice(byUse, func(i, j int) bool {
			a, b := byUse[i], byUse[j]
			if !a.LastUsedAt.Equal(b.LastUsedAt) {
				return a.LastUsedAt.Before(b.LastUsedAt)
			}
			if a.Support != b.Support {
				return a.Support < b.Support
			}
			return a.ID < b.ID
		})
		for _, p := range byUse[:len(byUse)-limit] {
			if err := l.remove(ctx, p.ID); err != nil {
				return report, err
			}
			report.Evicted = append(report.Evicted, p.ID)
		}
	}

	report.Remaining = len(l.patterns)
	if len(report.Expired)+len(report.Evicted) > 0 {
		l.logger.Infow("Pattern sweep",
			"expired", len(report.Expired),
			"evicted", len(report.Evicted),
			"remaining", report.Remaining,
		)
	}
	return report, nil
}

func (l *Learner) remove(ctx context.Context, id string) error {
	if l.repo != nil {
		if err := l.repo.DeletePattern(ctx, id); err != nil {
			return errors.Wrapf(err, "delete pattern %s", id)
		}
	}
	delete(l.byRule, l.patterns[id].pattern.Rule)
	delete(l.patterns, id)
	return nil
}

func (l *Learner) persist(ctx context.Context, p model.LearnedPattern) error {
	if l.repo == nil {
		return nil
	}
	return errors.Wrapf(l.repo.SavePattern(ctx, p), "save pattern %s", p.ID)
}

func anchored(rule string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + rule + `)$`)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "compile rule %q: %v", rule, err)
	}
	return re, nil
}

func sortPatterns(ps []model.LearnedPattern) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Type != ps[j].Type {
			return ps[i].Type < ps[j].Type
		}
		return ps[i].Rule < ps[j].Rule
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
