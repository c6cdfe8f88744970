// Package pipeline is the host-facing facade over the memory store. It wires
// the fact store, the evolution and evidence trackers, the query engine and
// the recognition side (registry, learner, suppressor, extractor, LLM).
package pipeline

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/cache"
	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/entity"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/evidence"
	"github.com/ppiankov/tempora/internal/evolution"
	"github.com/ppiankov/tempora/internal/extract"
	"github.com/ppiankov/tempora/internal/learn"
	"github.com/ppiankov/tempora/internal/llm"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/store"
	"github.com/ppiankov/tempora/internal/suppress"
	"github.com/ppiankov/tempora/internal/temporal"
	"github.com/ppiankov/tempora/internal/worker"
)

// Pipeline owns every component of one memory store
type Pipeline struct {
	cfg        config.Config
	store      *store.Store
	facts      *evolution.Tracker
	evidence   *evidence.Tracker
	queries    *temporal.Engine
	registry   *entity.Registry
	learner    *learn.Learner
	suppressor *suppress.Suppressor
	extractor  *extract.Extractor
	llm        *llm.Client
	batch      *worker.BatchProcessor
	logger     *zap.SugaredLogger
	now        func() time.Time
}

type options struct {
	apiKey   string
	getenv   func(string) string
	provider llm.Provider
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// Option customizes Open
type Option func(*options)

// WithAPIKey passes an explicit LLM credential. It takes precedence over
// the environment and the config file.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithGetenv replaces os.Getenv for credential and endpoint lookup
func WithGetenv(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}

// WithProvider uses p instead of building a provider from configuration
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithLogger sets the pipeline logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the wall clock used for usage bookkeeping
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open validates cfg, opens the store and builds every component
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Pipeline, error) {
	o := options{getenv: os.Getenv, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.OrComponent(o.logger, "pipeline")
	st, err := store.Open(ctx, cfg.Store, store.WithLogger(log.Named("store")), store.WithClock(o.now))
	if err != nil {
		return nil, err
	}

	p, err := build(ctx, cfg, st, o, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return p, nil
}

func build(ctx context.Context, cfg config.Config, st *store.Store, o options, log *zap.SugaredLogger) (*Pipeline, error) {
	ttl := time.Duration(cfg.Cache.TTL) * time.Second

	var queryCache cache.Cache = cache.Nop{}
	if cfg.Cache.Enabled {
		queryCache = cache.NewMemoryCache(ttl, 10*time.Minute)
	}

	registry, err := entity.New(ctx, st, log.Named("entity"))
	if err != nil {
		return nil, err
	}
	learner, err := learn.New(ctx, cfg.Learn, st, log.Named("learn"))
	if err != nil {
		return nil, err
	}

	client := newLLMClient(cfg, o, ttl, log.Named("llm"))
	extractor, err := extract.New(cfg.Extract, cfg.Gate,
		extract.WithAliases(registry),
		extract.WithPatterns(learner),
		extract.WithDisambiguator(client),
		extract.WithLogger(log.Named("extract")),
		extract.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		store:      st,
		facts:      evolution.NewTracker(st, cfg.Evolution, log.Named("evolution")),
		evidence:   evidence.NewTracker(st, log.Named("evidence")),
		queries:    temporal.NewEngine(st, queryCache, cfg.Evolution, log.Named("temporal")),
		registry:   registry,
		learner:    learner,
		suppressor: suppress.New(cfg.Suppress, log.Named("suppress")),
		extractor:  extractor,
		llm:        client,
		logger:     log,
		now:        o.now,
	}
	p.batch = worker.NewBatchProcessor(p, cfg.Worker.Workers, cfg.Worker.QueueSize)

	log.Infow("Memory store ready",
		"path", cfg.Store.Path,
		"entities", registry.Len(),
		"patterns", len(learner.All()),
		"llm", client.Enabled(),
	)
	return p, nil
}

// newLLMClient builds the disambiguation client. A provider that cannot be
// built leaves the LLM unavailable; extraction then keeps its rule results.
func newLLMClient(cfg config.Config, o options, ttl time.Duration, log *zap.SugaredLogger) *llm.Client {
	provider := o.provider
	if provider == nil {
		p, err := llm.NewProvider(llm.ConfigFromSettings(cfg.LLM, o.apiKey, o.getenv))
		if err != nil {
			log.Warnw("LLM disabled", logger.FieldProvider, cfg.LLM.Provider, logger.FieldError, err)
		} else if p != nil {
			provider = p
		}
	}

	opts := []llm.ClientOption{
		llm.WithCache(cache.New(cfg.Cache), ttl),
		llm.WithLogger(log),
	}
	if cfg.LLM.Timeout > 0 {
		opts = append(opts, llm.WithTimeout(time.Duration(cfg.LLM.Timeout)*time.Second))
	}
	if cfg.LLM.RequestsPerMinute > 0 {
		opts = append(opts, llm.WithLimiter(worker.PerMinute(cfg.LLM.RequestsPerMinute)))
	}
	return llm.NewClient(provider, opts...)
}

// Close releases the store
func (p *Pipeline) Close() error {
	return p.store.Close()
}

// CheckLLM reports whether the disambiguation provider is reachable
func (p *Pipeline) CheckLLM(ctx context.Context) llm.Status {
	return p.llm.Check(ctx)
}

// Config returns the configuration the pipeline was opened with
func (p *Pipeline) Config() config.Config {
	return p.cfg
}

// Observation is the outcome of observing one piece of text
type Observation struct {
	Mentions   []model.Mention             `json:"mentions"`
	Stats      extract.Stats               `json:"stats"`
	Decisions  []model.SuppressionDecision `json:"decisions,omitempty"`
	Registered []model.Entity              `json:"registered,omitempty"` // Entities created by this observation
	Learning   learn.ObserveReport         `json:"learning"`
}

// Observe recognizes the mentions in text, isolates confusable candidates,
// registers confident mentions and feeds them to the pattern learner.
func (p *Pipeline) Observe(ctx context.Context, text string) (*Observation, error) {
	result, err := p.extractor.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	return p.settle(ctx, text, result)
}

// ObserveHTML observes the visible text of an HTML fragment
func (p *Pipeline) ObserveHTML(ctx context.Context, htmlContent string) (*Observation, error) {
	result, err := p.extractor.ExtractHTML(ctx, htmlContent)
	if err != nil {
		return nil, err
	}
	return p.settle(ctx, result.Text, result)
}

func (p *Pipeline) settle(ctx context.Context, text string, result *extract.Result) (*Observation, error) {
	now := p.now()
	mentions, decisions := p.suppressor.Apply(text, result.Mentions, p.registry, now)
	if err := p.store.RecordSuppressions(ctx, decisions); err != nil {
		return nil, errors.Wrap(err, "record suppression decisions")
	}

	obs := &Observation{Mentions: mentions, Stats: result.Stats, Decisions: decisions}
	var learnable []learn.Observation
	for _, m := range mentions {
		if m.Suppressed || m.Confidence < p.cfg.Extract.AcceptThreshold {
			continue
		}
		e, created, err := p.registry.Register(ctx, m, now)
		if err != nil {
			if errors.Is(err, errors.ErrInvalidInput) {
				p.logger.Debugw("Mention not registered", logger.FieldEntityID, m.EntityID, logger.FieldError, err)
				continue
			}
			return nil, err
		}
		if created {
			obs.Registered = append(obs.Registered, e)
		}
		learnable = append(learnable, learn.Observation{
			Surface:    m.Surface,
			Type:       m.Type,
			Confidence: m.Confidence,
			ObservedAt: now,
		})
	}

	report, err := p.learner.Observe(ctx, learnable)
	if err != nil {
		return nil, err
	}
	obs.Learning = report
	return obs, nil
}

// Teach feeds explicitly confirmed surfaces of one type to the learner and
// registers each as an entity.
func (p *Pipeline) Teach(ctx context.Context, typ string, surfaces ...string) (learn.ObserveReport, error) {
	now := p.now()
	obs := make([]learn.Observation, 0, len(surfaces))
	for _, s := range surfaces {
		m := model.Mention{
			Surface:    s,
			EntityID:   entity.CanonicalID(typ, s),
			Type:       typ,
			Confidence: 1.0,
		}
		if known, ok := p.registry.Lookup(s, typ); ok {
			m.EntityID = known.ID
		}
		if _, _, err := p.registry.Register(ctx, m, now); err != nil {
			return learn.ObserveReport{}, err
		}
		obs = append(obs, learn.Observation{Surface: s, Type: typ, Confidence: 1.0, Confirmed: true, ObservedAt: now})
	}
	return p.learner.Observe(ctx, obs)
}

// Extract runs recognition only, without suppression or any bookkeeping
func (p *Pipeline) Extract(ctx context.Context, text string) (*extract.Result, error) {
	return p.extractor.Extract(ctx, text)
}

// Assert records a fact draft on its lineage. It implements worker.Asserter.
func (p *Pipeline) Assert(ctx context.Context, draft model.FactDraft) (*store.WriteResult, error) {
	return p.facts.Assert(ctx, draft)
}

// AssertBatch asserts drafts concurrently and returns results in input order
func (p *Pipeline) AssertBatch(ctx context.Context, drafts []model.FactDraft) []*worker.AssertResult {
	return p.batch.AssertAll(ctx, drafts)
}

// AssertFile asserts every draft in a JSON lines file
func (p *Pipeline) AssertFile(ctx context.Context, path string) ([]*worker.AssertResult, error) {
	return p.batch.AssertFile(ctx, path)
}

// ResolveConflict makes winnerID the active version of its lineage
func (p *Pipeline) ResolveConflict(ctx context.Context, subjectID, predicate, winnerID string) (*store.WriteResult, error) {
	return p.facts.Resolve(ctx, subjectID, predicate, winnerID)
}

// Attach appends evidence to an existing fact version
func (p *Pipeline) Attach(ctx context.Context, factID string, draft model.EvidenceDraft) (model.Evidence, error) {
	return p.evidence.Attach(ctx, factID, draft)
}

// Evidence returns the evidence of a version with its aggregate confidence
func (p *Pipeline) Evidence(ctx context.Context, factID string) ([]model.Evidence, model.ConfidenceBreakdown, error) {
	evs, err := p.evidence.For(ctx, factID)
	if err != nil {
		return nil, model.ConfidenceBreakdown{}, err
	}
	return evs, evidence.Explain(evs), nil
}

// AsOf answers what held for (subject, predicate) at t
func (p *Pipeline) AsOf(ctx context.Context, subjectID, predicate string, t time.Time) (model.Answer, error) {
	return p.queries.AsOf(ctx, subjectID, predicate, t)
}

// Latest answers the current value of (subject, predicate)
func (p *Pipeline) Latest(ctx context.Context, subjectID, predicate string) (model.Answer, error) {
	return p.queries.Latest(ctx, subjectID, predicate)
}

// Range lists versions overlapping [from, to]
func (p *Pipeline) Range(ctx context.Context, subjectID, predicate string, from, to time.Time) ([]model.Version, error) {
	return p.queries.Range(ctx, subjectID, predicate, from, to)
}

// History lists every version in chain order
func (p *Pipeline) History(ctx context.Context, subjectID, predicate string) ([]model.Version, error) {
	return p.queries.History(ctx, subjectID, predicate)
}

// QueryStats reports query cache hits and misses
func (p *Pipeline) QueryStats() temporal.Stats {
	return p.queries.Stats()
}

// Resolve finds the registered entity for a surface form
func (p *Pipeline) Resolve(surface, typ string) (model.Entity, bool) {
	return p.registry.Lookup(surface, typ)
}

// Entities lists every registered entity
func (p *Pipeline) Entities() []model.Entity {
	return p.registry.List()
}

// PruneAlias removes a superseded alias from an entity
func (p *Pipeline) PruneAlias(ctx context.Context, entityID, alias string) error {
	return p.registry.PruneAlias(ctx, entityID, alias)
}

// Patterns lists every learned pattern, active or not
func (p *Pipeline) Patterns() []model.LearnedPattern {
	return p.learner.All()
}

// Sweep expires unused learned patterns and enforces the pattern cap
func (p *Pipeline) Sweep(ctx context.Context) (learn.SweepReport, error) {
	return p.learner.Sweep(ctx, p.now())
}

// Suppressions returns recorded suppression decisions for one context, or
// all of them when text is empty.
func (p *Pipeline) Suppressions(ctx context.Context, text string) ([]model.SuppressionDecision, error) {
	hash := ""
	if text != "" {
		hash = suppress.ContextHash(text)
	}
	return p.store.Suppressions(ctx, hash)
}
