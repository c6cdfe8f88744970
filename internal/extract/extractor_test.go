package extract

import (
	"context"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/entity"
	"github.com/ppiankov/tempora/internal/llm"
	"github.com/ppiankov/tempora/internal/model"
)

type fakePatterns struct {
	mu       sync.Mutex
	patterns []model.LearnedPattern
	touched  []string
}

func (f *fakePatterns) Active() []model.LearnedPattern {
	return append([]model.LearnedPattern(nil), f.patterns...)
}

func (f *fakePatterns) Touch(_ context.Context, ids []string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ids...)
	return nil
}

type fakeDisambiguator struct {
	mu       sync.Mutex
	outcome  llm.Outcome
	requests []llm.Request
}

func (f *fakeDisambiguator) Disambiguate(_ context.Context, req llm.Request) llm.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.outcome
}

// hangingProvider never answers before its context ends
type hangingProvider struct{}

func (hangingProvider) Name() string { return "hanging" }

func (hangingProvider) Classify(ctx context.Context, _ llm.Request) (*llm.Classification, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingProvider) IsAvailable(context.Context) bool { return true }

func createTestExtractor(t *testing.T, cfg config.ExtractConfig, opts ...Option) *Extractor {
	t.Helper()
	e, err := New(cfg, config.Default().Gate, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func station(id string, support int) model.LearnedPattern {
	return model.LearnedPattern{
		ID:      id,
		Type:    "station",
		Kind:    model.PatternSuffix,
		Rule:    `[A-Z][a-z]+ Station`,
		Support: support,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestExtractor_Builtins(t *testing.T) {
	e := createTestExtractor(t, config.Default().Extract)

	result, err := e.Extract(context.Background(), "robot_7 met project-A in city_12.")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := []struct {
		surface, typ, id string
		start            int
	}{
		{"robot_7", "robot", "robot:robot_7", 0},
		{"project-A", "project", "project:project-a", 12},
		{"city_12", "city", "city:city_12", 25},
	}
	if len(result.Mentions) != len(want) {
		t.Fatalf("Expected %d mentions, got %d: %+v", len(want), len(result.Mentions), result.Mentions)
	}
	for i, w := range want {
		m := result.Mentions[i]
		if m.Surface != w.surface || m.Type != w.typ || m.EntityID != w.id || m.Span.Start != w.start {
			t.Errorf("Mention %d = %+v, want %+v", i, m, w)
		}
		if m.Confidence != 1.0 || m.Layer != model.LayerDictionary || m.Provenance != model.ProvenanceRule {
			t.Errorf("Mention %d should be a layer 1 rule hit at 1.0, got %+v", i, m)
		}
		if !m.Proposed {
			t.Errorf("Mention %d should propose a new entity", i)
		}
	}
	if result.Stats.Dictionary != 3 || result.Stats.Ambiguous != 0 {
		t.Errorf("Unexpected stats %+v", result.Stats)
	}
}

func TestExtractor_DictionaryIsCaseInsensitiveAndWordBounded(t *testing.T) {
	cfg := config.Default().Extract
	cfg.Dictionary = []config.DictionaryEntry{{Surface: "Globex", EntityID: "org:globex", Type: "org"}}
	e := createTestExtractor(t, cfg)

	result, err := e.Extract(context.Background(), "GLOBEX hired; Globexian is not a match.")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Mentions) != 1 {
		t.Fatalf("Expected 1 mention, got %+v", result.Mentions)
	}
	m := result.Mentions[0]
	if m.Surface != "GLOBEX" || m.EntityID != "org:globex" || m.Span != (model.Span{Start: 0, End: 6}) {
		t.Errorf("Unexpected mention %+v", m)
	}
}

func TestExtractor_RegistryAliases(t *testing.T) {
	ctx := context.Background()
	registry, err := entity.New(ctx, nil, nil)
	if err != nil {
		t.Fatalf("entity.New() error = %v", err)
	}
	if _, _, err := registry.Register(ctx, model.Mention{
		Surface: "Acme", EntityID: "org:acme", Type: "org", Confidence: 1,
	}, time.Now()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	e := createTestExtractor(t, config.Default().Extract, WithAliases(registry))
	result, err := e.Extract(ctx, "We bought acme widgets and robot_3.")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Mentions) != 2 {
		t.Fatalf("Expected 2 mentions, got %+v", result.Mentions)
	}
	acme := result.Mentions[0]
	if acme.EntityID != "org:acme" || acme.Proposed || acme.Surface != "acme" {
		t.Errorf("Expected a known org:acme mention, got %+v", acme)
	}
	if !result.Mentions[1].Proposed {
		t.Errorf("robot_3 is unregistered and should be proposed")
	}
}

func TestExtractor_DictionaryPrefersLongestBoundedSurface(t *testing.T) {
	ctx := context.Background()
	registry, err := entity.New(ctx, nil, nil)
	if err != nil {
		t.Fatalf("entity.New() error = %v", err)
	}
	for _, surface := range []string{"Acme", "Acme Corp"} {
		if _, _, err := registry.Register(ctx, model.Mention{
			Surface: surface, EntityID: "org:acme", Type: "org", Confidence: 1,
		}, time.Now()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	e := createTestExtractor(t, config.Default().Extract, WithAliases(registry))

	surfaces := func(text string) []string {
		t.Helper()
		result, err := e.Extract(ctx, text)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		var out []string
		for _, m := range result.Mentions {
			if m.EntityID == "org:acme" {
				out = append(out, m.Surface)
			}
		}
		return out
	}

	if got, want := surfaces("Acme Corp hired. Acme Corporation did not."), []string{"Acme Corp", "Acme"}; !reflect.DeepEqual(got, want) {
		t.Errorf("surfaces = %v, want %v", got, want)
	}
	before := e.dictExpr

	if err := registry.PruneAlias(ctx, "org:acme", "Acme Corp"); err != nil {
		t.Fatalf("PruneAlias() error = %v", err)
	}
	if got, want := surfaces("Acme Corp hired."), []string{"Acme"}; !reflect.DeepEqual(got, want) {
		t.Errorf("After pruning, surfaces = %v, want %v", got, want)
	}
	if e.dictExpr == before || strings.Contains(e.dictExpr, "corp") {
		t.Errorf("Dictionary should be rebuilt without the pruned alias, got %q", e.dictExpr)
	}

	for i := 0; i < 20; i++ {
		surfaces("Acme again.")
	}
	if len(e.compiled) != 0 {
		t.Errorf("Dictionary surfaces should not be cached per alias, got %d compiled rules", len(e.compiled))
	}
}

func TestExtractor_LearnedConfidence(t *testing.T) {
	e := createTestExtractor(t, config.Default().Extract)

	if got := e.LearnedConfidence(3); !almostEqual(got, 0.475) {
		t.Errorf("LearnedConfidence(3) = %v, want 0.475", got)
	}
	if got := e.LearnedConfidence(0); got != 0 {
		t.Errorf("LearnedConfidence(0) = %v, want 0", got)
	}

	prev := 0.0
	for support := 1; support <= 1000; support++ {
		c := e.LearnedConfidence(support)
		if c <= prev {
			t.Fatalf("confidence not increasing at support %d: %v <= %v", support, c, prev)
		}
		if c >= 1.0 {
			t.Fatalf("confidence reached 1.0 at support %d", support)
		}
		prev = c
	}
}

func TestExtractor_GatedMentionFallsBackWithoutLLM(t *testing.T) {
	patterns := &fakePatterns{patterns: []model.LearnedPattern{station("pat_1", 3)}}
	e := createTestExtractor(t, config.Default().Extract, WithPatterns(patterns))

	result, err := e.Extract(context.Background(), "We docked at Kilo Station today.")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Mentions) != 1 {
		t.Fatalf("Expected 1 mention, got %+v", result.Mentions)
	}
	m := result.Mentions[0]
	if m.Surface != "Kilo Station" || m.Type != "station" {
		t.Errorf("Unexpected mention %+v", m)
	}
	if !almostEqual(m.Confidence, 0.475) {
		t.Errorf("Expected rule confidence 0.475, got %v", m.Confidence)
	}
	if m.Layer != model.LayerLearned || m.Provenance != model.ProvenanceLLMFallback {
		t.Errorf("Expected learned layer with fallback provenance, got %s / %s", m.Layer, m.Provenance)
	}
	if !reflect.DeepEqual(m.PatternIDs, []string{"pat_1"}) {
		t.Errorf("PatternIDs = %v", m.PatternIDs)
	}
	if result.Stats.Ambiguous != 1 || result.Stats.Fallbacks != 1 || result.Stats.Learned != 1 {
		t.Errorf("Unexpected stats %+v", result.Stats)
	}
	if !reflect.DeepEqual(patterns.touched, []string{"pat_1"}) {
		t.Errorf("Expected pat_1 to be touched, got %v", patterns.touched)
	}
}

func TestExtractor_LLMResolvesGatedMention(t *testing.T) {
	patterns := &fakePatterns{patterns: []model.LearnedPattern{station("pat_1", 3)}}
	d := &fakeDisambiguator{outcome: llm.Outcome{Type: "station", Confidence: 0.9, Model: "fake"}}
	e := createTestExtractor(t, config.Default().Extract, WithPatterns(patterns), WithDisambiguator(d))

	result, err := e.Extract(context.Background(), "Nothing here. We docked at Kilo Station today. Later we left.")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(d.requests) != 1 {
		t.Fatalf("Expected 1 LLM request, got %d", len(d.requests))
	}
	req := d.requests[0]
	if req.Context != "We docked at Kilo Station today." || req.Surface != "Kilo Station" {
		t.Errorf("Unexpected request %+v", req)
	}
	if len(req.Hypotheses) != 1 || req.Hypotheses[0].Type != "station" || !almostEqual(req.Hypotheses[0].Confidence, 0.475) {
		t.Errorf("Unexpected hypotheses %+v", req.Hypotheses)
	}

	m := result.Mentions[0]
	if m.Layer != model.LayerLLM || m.Provenance != model.ProvenanceLLM || m.Confidence != 0.9 {
		t.Errorf("Expected LLM-resolved mention, got %+v", m)
	}
	if result.Stats.LLM != 1 || result.Stats.Fallbacks != 0 {
		t.Errorf("Unexpected stats %+v", result.Stats)
	}
}

func TestExtractor_LLMTimeoutYieldsRuleFallback(t *testing.T) {
	cfg := config.Default().Extract
	cfg.LearnedCeiling = 0.6 // support 3 with half support 3 gives 0.3
	patterns := &fakePatterns{patterns: []model.LearnedPattern{station("pat_1", 3)}}
	client := llm.NewClient(hangingProvider{}, llm.WithTimeout(50*time.Millisecond))
	e := createTestExtractor(t, cfg, WithPatterns(patterns), WithDisambiguator(client))

	start := time.Now()
	result, err := e.Extract(context.Background(), "We docked at Kilo Station today.")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Extraction should be bounded by the LLM timeout, took %v", elapsed)
	}

	if len(result.Mentions) != 1 {
		t.Fatalf("Expected the rule hypothesis to survive, got %+v", result.Mentions)
	}
	m := result.Mentions[0]
	if !almostEqual(m.Confidence, 0.3) {
		t.Errorf("Expected confidence 0.3, got %v", m.Confidence)
	}
	if m.Type != "station" || m.Layer != model.LayerLearned {
		t.Errorf("Expected the learned station hypothesis, got %+v", m)
	}
	if m.Provenance != model.ProvenanceLLMFallback {
		t.Errorf("Provenance = %q, want %q", m.Provenance, model.ProvenanceLLMFallback)
	}
}

func TestExtractor_HypothesesCoverEveryTypeOnTheSpan(t *testing.T) {
	cfg := config.Default().Extract
	place := model.LearnedPattern{ID: "pat_2", Type: "place", Kind: model.PatternSuffix, Rule: `[A-Z][a-z]+ Station`, Support: 1}
	patterns := &fakePatterns{patterns: []model.LearnedPattern{place, station("pat_1", 3)}}
	d := &fakeDisambiguator{outcome: llm.Outcome{Type: "place", Confidence: 0.8}}
	e := createTestExtractor(t, cfg, WithPatterns(patterns), WithDisambiguator(d))

	result, err := e.Extract(context.Background(), "Kilo Station")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	hyps := d.requests[0].Hypotheses
	if len(hyps) != 2 || hyps[0].Type != "station" || hyps[1].Type != "place" {
		t.Fatalf("Expected hypotheses ordered by confidence, got %+v", hyps)
	}
	if len(result.Mentions) != 1 || result.Mentions[0].Type != "place" || result.Mentions[0].Confidence != 0.8 {
		t.Errorf("Expected the LLM choice to replace the span's hypotheses, got %+v", result.Mentions)
	}
}

func TestExtractor_CombinesHitsOnSameSpan(t *testing.T) {
	cfg := config.Default().Extract
	cfg.Builtins = nil
	patterns := &fakePatterns{patterns: []model.LearnedPattern{
		{ID: "pat_a", Type: "code", Kind: model.PatternPrefix, Rule: `zz_\d+`, Support: 3},
		{ID: "pat_b", Type: "code", Kind: model.PatternPrefix, Rule: `zz_7\d*`, Support: 3},
	}}
	e := createTestExtractor(t, cfg, WithPatterns(patterns))

	result, err := e.Extract(context.Background(), "see zz_7 now")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Mentions) != 1 {
		t.Fatalf("Expected one combined mention, got %+v", result.Mentions)
	}
	m := result.Mentions[0]
	want := 1 - (1-0.475)*(1-0.475)
	if !almostEqual(m.Confidence, want) {
		t.Errorf("Confidence = %v, want %v", m.Confidence, want)
	}
	if !reflect.DeepEqual(m.PatternIDs, []string{"pat_a", "pat_b"}) {
		t.Errorf("PatternIDs = %v", m.PatternIDs)
	}
	if result.Stats.Ambiguous != 0 {
		t.Errorf("Combined confidence is above the gate, stats %+v", result.Stats)
	}

	// A dictionary hit on the same span saturates the confidence
	cfg.Builtins = []config.PatternRule{{Type: "code", Expr: `zz_\d+`}}
	e = createTestExtractor(t, cfg, WithPatterns(patterns))
	result, err = e.Extract(context.Background(), "see zz_7 now")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if m := result.Mentions[0]; m.Confidence != 1.0 || m.Layer != model.LayerDictionary {
		t.Errorf("Expected a saturated dictionary mention, got %+v", m)
	}
}

func TestExtractor_OrdersBySpanThenType(t *testing.T) {
	cfg := config.Default().Extract
	cfg.Dictionary = []config.DictionaryEntry{
		{Surface: "Mercury", Type: "planet"},
		{Surface: "Mercury", Type: "element"},
		{Surface: "Mercury rising", Type: "film"},
		{Surface: "Venus", Type: "planet"},
	}
	e := createTestExtractor(t, cfg)

	result, err := e.Extract(context.Background(), "Venus and Mercury rising")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	var got []string
	for _, m := range result.Mentions {
		got = append(got, m.Type+":"+m.Surface)
	}
	want := []string{"planet:Venus", "element:Mercury", "planet:Mercury", "film:Mercury rising"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Order = %v, want %v", got, want)
	}
}

func TestExtractor_HTML(t *testing.T) {
	e := createTestExtractor(t, config.Default().Extract)

	result, err := e.ExtractHTML(context.Background(), "<p>robot_7 <script>robot_9</script> arrived</p>")
	if err != nil {
		t.Fatalf("ExtractHTML() error = %v", err)
	}
	if len(result.Mentions) != 1 || result.Mentions[0].Surface != "robot_7" {
		t.Errorf("Expected only the visible robot_7, got %+v", result.Mentions)
	}
	if result.Text != "robot_7 arrived" {
		t.Errorf("Text = %q", result.Text)
	}
}

func TestExtractor_RejectsBadBuiltin(t *testing.T) {
	cfg := config.Default().Extract
	cfg.Builtins = []config.PatternRule{{Type: "broken", Expr: `robot[`}}
	if _, err := New(cfg, config.Default().Gate); err == nil {
		t.Fatal("Expected an error for an uncompilable builtin")
	}
}

func TestExtractor_ConcurrentExtractionIsDeterministic(t *testing.T) {
	patterns := &fakePatterns{patterns: []model.LearnedPattern{station("pat_1", 5)}}
	e := createTestExtractor(t, config.Default().Extract, WithPatterns(patterns))
	text := strings.Repeat("robot_1 visited Kilo Station with user_4. ", 5)

	first, err := e.Extract(context.Background(), text)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			result, err := e.Extract(ctx, text)
			if err != nil {
				return err
			}
			if !reflect.DeepEqual(result.Mentions, first.Mentions) {
				t.Errorf("concurrent extraction diverged")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
}

func TestMerge(t *testing.T) {
	rule := []model.Mention{
		{Surface: "Kilo Station", Type: "station", Confidence: 0.4, Layer: model.LayerLearned, Provenance: model.ProvenanceRule},
		{Surface: "Kilo Station", Type: "place", Confidence: 0.25, Layer: model.LayerLearned, Provenance: model.ProvenanceRule},
	}

	fallback := merge(rule, llm.Unavailable("timeout"))
	if len(fallback) != 2 {
		t.Fatalf("Expected both rule hypotheses, got %+v", fallback)
	}
	for i, m := range fallback {
		if m.Provenance != model.ProvenanceLLMFallback || m.Confidence != rule[i].Confidence || m.Type != rule[i].Type {
			t.Errorf("Fallback %d changed more than provenance: %+v", i, m)
		}
	}
	if rule[0].Provenance != model.ProvenanceRule {
		t.Error("merge must not modify its input")
	}

	resolved := merge(rule, llm.Outcome{Type: "station", Confidence: 0.85})
	if len(resolved) != 1 || resolved[0].Layer != model.LayerLLM || resolved[0].Confidence != 0.85 {
		t.Errorf("Unexpected resolved merge %+v", resolved)
	}
}
