// Package extract recognizes entity mentions in text through layered rules:
// an exact dictionary with builtin expressions, the learner's induced
// patterns, and an LLM consulted only inside the uncertain confidence band.
package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/entity"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/llm"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
)

// AliasSource resolves known surface forms. The entity registry implements it.
type AliasSource interface {
	Aliases() []entity.Alias
	Lookup(surface, typ string) (model.Entity, bool)
	Get(id string) (model.Entity, bool)
}

// PatternSource supplies active learned patterns. The learner implements it.
type PatternSource interface {
	Active() []model.LearnedPattern
	Touch(ctx context.Context, ids []string, now time.Time) error
}

// Stats counts what one extraction did
type Stats struct {
	Mentions   int `json:"mentions"`
	Dictionary int `json:"dictionary"`
	Learned    int `json:"learned"`
	LLM        int `json:"llm"`
	Ambiguous  int `json:"ambiguous"` // Spans whose best confidence fell inside the gate
	Fallbacks  int `json:"fallbacks"` // Ambiguous spans kept on the rule hypothesis
}

// Result is the output of one extraction
type Result struct {
	Text     string          `json:"text"`
	Mentions []model.Mention `json:"mentions"`
	Stats    Stats           `json:"stats"`
}

// Extractor runs the recognition layers. It is safe for concurrent use.
type Extractor struct {
	cfg      config.ExtractConfig
	gate     config.GateConfig
	builtins []builtin
	aliases  AliasSource
	patterns PatternSource
	llm      llm.Disambiguator
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp // Learned pattern rules, at most maxCompiled
	dictExpr string
	dictRe   *regexp.Regexp
}

const maxCompiled = 512

type builtin struct {
	typ string
	re  *regexp.Regexp
}

// Option configures an Extractor
type Option func(*Extractor)

// WithAliases adds registry aliases to the layer 1 dictionary
func WithAliases(a AliasSource) Option {
	return func(e *Extractor) { e.aliases = a }
}

// WithPatterns enables layer 2
func WithPatterns(p PatternSource) Option {
	return func(e *Extractor) { e.patterns = p }
}

// WithDisambiguator routes gated mentions to d
func WithDisambiguator(d llm.Disambiguator) Option {
	return func(e *Extractor) { e.llm = d }
}

// WithLogger sets the extractor logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the clock used when reporting pattern use
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an extractor. Builtin expressions are compiled up front.
func New(cfg config.ExtractConfig, gate config.GateConfig, opts ...Option) (*Extractor, error) {
	e := &Extractor{
		cfg:      cfg,
		gate:     gate,
		llm:      llm.NewClient(nil),
		logger:   logger.ComponentLogger("extract"),
		now:      time.Now,
		compiled: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, rule := range cfg.Builtins {
		re, err := regexp.Compile(rule.Expr)
		if err != nil {
			return nil, errors.WithDetailf(
				errors.Wrapf(errors.ErrInvalidInput, "builtin rule for %s", rule.Type),
				"expr %q: %v", rule.Expr, err)
		}
		e.builtins = append(e.builtins, builtin{typ: rule.Type, re: re})
	}
	return e, nil
}

// hit is one raw layer match before combination
type hit struct {
	span       model.Span
	typ        string
	entityID   string
	proposed   bool
	confidence float64
	layer      model.Layer
	patternID  string
}

type spanType struct {
	span model.Span
	typ  string
}

// Extract recognizes mentions in text. It fails only when reporting pattern
// use to the learner fails in storage; LLM failures fall back to the rules.
func (e *Extractor) Extract(ctx context.Context, text string) (*Result, error) {
	start := time.Now()

	hits := e.dictionaryHits(text)
	hits = append(hits, e.builtinHits(text)...)
	learned, used := e.learnedHits(text)
	hits = append(hits, learned...)

	if len(used) > 0 && e.patterns != nil {
		if err := e.patterns.Touch(ctx, used, e.now()); err != nil {
			return nil, errors.Wrap(err, "report pattern use")
		}
	}

	mentions := combine(text, hits)
	result := &Result{Text: text}
	mentions = e.gateAndMerge(ctx, text, mentions, &result.Stats)

	sortMentions(mentions)
	result.Mentions = mentions
	for _, m := range mentions {
		switch m.Layer {
		case model.LayerDictionary:
			result.Stats.Dictionary++
		case model.LayerLearned:
			result.Stats.Learned++
		case model.LayerLLM:
			result.Stats.LLM++
		}
	}
	result.Stats.Mentions = len(mentions)

	e.logger.Debugw("Extraction complete",
		logger.FieldCount, len(mentions),
		"ambiguous", result.Stats.Ambiguous,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	)
	return result, nil
}

// ExtractHTML extracts from the visible text of an HTML fragment
func (e *Extractor) ExtractHTML(ctx context.Context, htmlContent string) (*Result, error) {
	text, err := VisibleText(htmlContent)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, text)
}

// dictionaryHits matches configured entries and registry aliases, case-insensitive and word-bounded.
// All surfaces share one alternation, longest first, so a longer surface wins
// over a shorter one it contains.
func (e *Extractor) dictionaryHits(text string) []hit {
	type entry struct{ entityID, typ string }
	entries := make(map[string][]entry)
	add := func(surface, entityID, typ string) {
		if surface == "" || typ == "" {
			return
		}
		key := strings.ToLower(surface)
		entries[key] = append(entries[key], entry{entityID, typ})
	}
	for _, d := range e.cfg.Dictionary {
		add(d.Surface, d.EntityID, d.Type)
	}
	if e.aliases != nil {
		for _, a := range e.aliases.Aliases() {
			add(a.Surface, a.EntityID, a.Type)
		}
	}

	surfaces := make([]string, 0, len(entries))
	for key := range entries {
		surfaces = append(surfaces, key)
	}
	re := e.dictionary(surfaces)
	if re == nil {
		return nil
	}

	var hits []hit
	for pos := 0; pos < len(text); {
		loc := re.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if !wordBounded(text, start, end) {
			if end = shorterBounded(text, start, end, surfaces); end < 0 {
				_, size := utf8.DecodeRuneInString(text[start:])
				pos = start + size
				continue
			}
		}
		pos = end

		surface := text[start:end]
		matched := entries[strings.ToLower(surface)]
		if matched == nil {
			for key, es := range entries {
				if strings.EqualFold(key, surface) {
					matched = es
					break
				}
			}
		}
		seen := make(map[entry]bool, len(matched))
		for _, d := range matched {
			if seen[d] {
				continue
			}
			seen[d] = true
			id, proposed := e.resolve(surface, d.typ, d.entityID)
			hits = append(hits, hit{
				span:       model.Span{Start: start, End: end},
				typ:        d.typ,
				entityID:   id,
				proposed:   proposed,
				confidence: 1.0,
				layer:      model.LayerDictionary,
			})
		}
	}
	return hits
}

// shorterBounded finds the longest surface shorter than text[start:end] that
// also matches at start and is word-bounded. It returns its end or -1.
// Surfaces are sorted longest first.
func shorterBounded(text string, start, end int, surfaces []string) int {
	for _, sf := range surfaces {
		stop := start + len(sf)
		if stop >= end || stop > len(text) {
			continue
		}
		if strings.EqualFold(text[start:stop], sf) && wordBounded(text, start, stop) {
			return stop
		}
	}
	return -1
}

// dictionary returns the alternation over the given surfaces. Only the most
// recent alternation is kept; it is rebuilt when the surfaces change.
func (e *Extractor) dictionary(surfaces []string) *regexp.Regexp {
	if len(surfaces) == 0 {
		return nil
	}
	sort.Slice(surfaces, func(i, j int) bool {
		if len(surfaces[i]) != len(surfaces[j]) {
			return len(surfaces[i]) > len(surfaces[j])
		}
		return surfaces[i] < surfaces[j]
	})
	quoted := make([]string, len(surfaces))
	for i, sf := range surfaces {
		quoted[i] = regexp.QuoteMeta(sf)
	}
	expr := "(?i)(?:" + strings.Join(quoted, "|") + ")"

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dictExpr == expr {
		return e.dictRe
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		e.logger.Warnw("Dictionary did not compile", "surfaces", len(surfaces), "error", err)
		return nil
	}
	e.dictExpr, e.dictRe = expr, re
	return re
}

func (e *Extractor) builtinHits(text string) []hit {
	var hits []hit
	for _, b := range e.builtins {
		for _, loc := range b.re.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			id, proposed := e.resolve(text[loc[0]:loc[1]], b.typ, "")
			hits = append(hits, hit{
				span:       model.Span{Start: loc[0], End: loc[1]},
				typ:        b.typ,
				entityID:   id,
				proposed:   proposed,
				confidence: 1.0,
				layer:      model.LayerDictionary,
			})
		}
	}
	return hits
}

// learnedHits matches every active pattern and returns the ids that matched
func (e *Extractor) learnedHits(text string) ([]hit, []string) {
	if e.patterns == nil {
		return nil, nil
	}

	var (
		hits []hit
		used []string
	)
	for _, p := range e.patterns.Active() {
		re, err := e.compile(p.Rule)
		if err != nil {
			e.logger.Warnw("Skipping uncompilable pattern", logger.FieldPattern, p.Rule, logger.FieldError, err)
			continue
		}
		conf := e.LearnedConfidence(p.Support)
		matched := false
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] || !wordBounded(text, loc[0], loc[1]) {
				continue
			}
			id, proposed := e.resolve(text[loc[0]:loc[1]], p.Type, "")
			hits = append(hits, hit{
				span:       model.Span{Start: loc[0], End: loc[1]},
				typ:        p.Type,
				entityID:   id,
				proposed:   proposed,
				confidence: conf,
				layer:      model.LayerLearned,
				patternID:  p.ID,
			})
			matched = true
		}
		if matched {
			used = append(used, p.ID)
		}
	}
	return hits, used
}

// LearnedConfidence maps pattern support to a layer 2 confidence. It grows
// with support and stays below the configured ceiling.
func (e *Extractor) LearnedConfidence(support int) float64 {
	if support <= 0 {
		return 0
	}
	s := float64(support)
	return e.cfg.LearnedCeiling * s / (s + e.cfg.HalfSupport)
}

// resolve finds the entity for a surface: a registered alias first, then
// the hinted id, then a new-entity proposal.
func (e *Extractor) resolve(surface, typ, hint string) (string, bool) {
	if e.aliases != nil {
		if ent, ok := e.aliases.Lookup(surface, typ); ok {
			return ent.ID, false
		}
	}
	id := hint
	if id == "" {
		id = entity.CanonicalID(typ, surface)
	}
	return id, !e.known(id)
}

func (e *Extractor) known(id string) bool {
	if e.aliases == nil {
		return false
	}
	_, ok := e.aliases.Get(id)
	return ok
}

func (e *Extractor) compile(expr string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.compiled[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	if len(e.compiled) >= maxCompiled {
		// Expired patterns leave stale rules behind; start over
		e.compiled = make(map[string]*regexp.Regexp)
	}
	e.compiled[expr] = re
	return re, nil
}

// combine folds hits on the same span and type into one mention. Confidences
// combine as 1 - prod(1 - c); the strongest layer names the mention.
func combine(text string, hits []hit) []model.Mention {
	byKey := make(map[spanType]*model.Mention)
	miss := make(map[spanType]float64)
	var order []spanType

	for _, h := range hits {
		key := spanType{h.span, h.typ}
		m, ok := byKey[key]
		if !ok {
			m = &model.Mention{
				Span:       h.span,
				Surface:    text[h.span.Start:h.span.End],
				EntityID:   h.entityID,
				Proposed:   h.proposed,
				Type:       h.typ,
				Layer:      h.layer,
				Provenance: model.ProvenanceRule,
			}
			byKey[key] = m
			miss[key] = 1
			order = append(order, key)
		}
		if m.Proposed && !h.proposed {
			m.EntityID, m.Proposed = h.entityID, false
		}
		if h.layer == model.LayerDictionary {
			m.Layer = model.LayerDictionary
		}
		if h.patternID != "" && !containsString(m.PatternIDs, h.patternID) {
			m.PatternIDs = append(m.PatternIDs, h.patternID)
		}
		miss[key] *= 1 - h.confidence
	}

	out := make([]model.Mention, 0, len(order))
	for _, key := range order {
		m := byKey[key]
		m.Confidence = min(1, 1-miss[key])
		sort.Strings(m.PatternIDs)
		out = append(out, *m)
	}
	return out
}

// gateAndMerge sends every span whose best candidate falls inside the gate
// to the disambiguator, concurrently, and merges the outcomes.
func (e *Extractor) gateAndMerge(ctx context.Context, text string, mentions []model.Mention, stats *Stats) []model.Mention {
	spans := make(map[model.Span][]model.Mention)
	var order []model.Span
	for _, m := range mentions {
		if _, ok := spans[m.Span]; !ok {
			order = append(order, m.Span)
		}
		spans[m.Span] = append(spans[m.Span], m)
	}

	type pending struct {
		index int
		req   llm.Request
	}
	var gated []pending
	for i, span := range order {
		group := spans[span]
		sort.SliceStable(group, func(a, b int) bool { return group[a].Confidence > group[b].Confidence })
		if !e.gate.Contains(group[0].Confidence) {
			continue
		}
		req := llm.Request{
			Context: sentenceAround(text, span.Start, span.End),
			Surface: group[0].Surface,
		}
		for _, m := range group {
			req.Hypotheses = append(req.Hypotheses, llm.Hypothesis{Type: m.Type, Confidence: m.Confidence})
		}
		gated = append(gated, pending{index: i, req: req})
	}
	stats.Ambiguous = len(gated)
	if len(gated) == 0 {
		return mentions
	}

	outcomes := make([]llm.Outcome, len(gated))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range gated {
		i, p := i, p
		g.Go(func() error {
			outcomes[i] = e.llm.Disambiguate(gctx, p.req)
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range gated {
		span := order[p.index]
		merged := merge(spans[span], outcomes[i])
		if outcomes[i].Unavailable {
			stats.Fallbacks++
			e.logger.Debugw("LLM unavailable, keeping rule hypothesis",
				"surface", p.req.Surface,
				"reason", outcomes[i].Reason,
			)
		}
		spans[span] = merged
	}

	out := make([]model.Mention, 0, len(mentions))
	for _, span := range order {
		out = append(out, spans[span]...)
	}
	return out
}

// merge applies an LLM outcome to the rule hypotheses of one span. A resolved
// outcome keeps only the chosen type; an unavailable one keeps every rule
// hypothesis unchanged apart from its provenance.
func merge(rule []model.Mention, outcome llm.Outcome) []model.Mention {
	if !outcome.Unavailable {
		for _, m := range rule {
			if m.Type != outcome.Type {
				continue
			}
			m.Confidence = outcome.Confidence
			m.Layer = model.LayerLLM
			m.Provenance = model.ProvenanceLLM
			return []model.Mention{m}
		}
	}

	out := make([]model.Mention, len(rule))
	for i, m := range rule {
		m.Provenance = model.ProvenanceLLMFallback
		out[i] = m
	}
	return out
}

// sortMentions orders by span start, then span end, then type
func sortMentions(ms []model.Mention) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Span.Start != ms[j].Span.Start {
			return ms[i].Span.Start < ms[j].Span.Start
		}
		if ms[i].Span.End != ms[j].Span.End {
			return ms[i].Span.End < ms[j].Span.End
		}
		return ms[i].Type < ms[j].Type
	})
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
