package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/tempora/internal/cache"
	"github.com/ppiankov/tempora/internal/worker"
)

// fakeProvider answers from a function and counts calls
type fakeProvider struct {
	calls    atomic.Int32
	classify func(ctx context.Context, req Request) (*Classification, error)
	offline  bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) IsAvailable(ctx context.Context) bool { return !f.offline }

func (f *fakeProvider) Classify(ctx context.Context, req Request) (*Classification, error) {
	f.calls.Add(1)
	return f.classify(ctx, req)
}

func answer(typ string, conf float64) func(context.Context, Request) (*Classification, error) {
	return func(context.Context, Request) (*Classification, error) {
		return &Classification{Type: typ, Confidence: conf, Model: "fake-1"}, nil
	}
}

func TestClient_Disambiguate(t *testing.T) {
	p := &fakeProvider{classify: answer("robot", 0.9)}
	c := NewClient(p)

	out := c.Disambiguate(context.Background(), robotOrProject)
	if out.Unavailable {
		t.Fatalf("Unexpected unavailable outcome: %s", out.Reason)
	}
	if out.Type != "robot" || out.Confidence != 0.9 || out.Model != "fake-1" {
		t.Errorf("Unexpected outcome: %+v", out)
	}
}

func TestClient_NoProvider(t *testing.T) {
	c := NewClient(nil)
	if c.Enabled() {
		t.Error("Expected client without provider to be disabled")
	}

	out := c.Disambiguate(context.Background(), robotOrProject)
	if !out.Unavailable || out.Reason == "" {
		t.Errorf("Expected unavailable outcome with a reason, got %+v", out)
	}
}

func TestClient_Check(t *testing.T) {
	if st := NewClient(nil).Check(context.Background()); st.Enabled || st.Available {
		t.Errorf("Expected disabled status without provider, got %+v", st)
	}

	p := &fakeProvider{classify: answer("robot", 0.9)}
	st := NewClient(p).Check(context.Background())
	if !st.Enabled || !st.Available || st.Provider != "fake" {
		t.Errorf("Expected available fake provider, got %+v", st)
	}

	p.offline = true
	st = NewClient(p).Check(context.Background())
	if !st.Enabled || st.Available {
		t.Errorf("Expected enabled but unavailable provider, got %+v", st)
	}
	if p.calls.Load() != 0 {
		t.Error("Check should not classify")
	}
}

func TestClient_NoHypotheses(t *testing.T) {
	p := &fakeProvider{classify: answer("robot", 0.9)}
	out := NewClient(p).Disambiguate(context.Background(), Request{Context: "x", Surface: "x"})
	if !out.Unavailable {
		t.Error("Expected unavailable outcome without hypotheses")
	}
	if p.calls.Load() != 0 {
		t.Error("Provider should not be called without hypotheses")
	}
}

func TestClient_CachesSuccess(t *testing.T) {
	p := &fakeProvider{classify: answer("robot", 0.9)}
	c := NewClient(p, WithCache(cache.NewMemoryCache(time.Minute, time.Minute), time.Minute))

	first := c.Disambiguate(context.Background(), robotOrProject)
	second := c.Disambiguate(context.Background(), robotOrProject)

	if first != second {
		t.Errorf("Cached outcome differs: %+v vs %+v", first, second)
	}
	if p.calls.Load() != 1 {
		t.Errorf("Expected 1 provider call, got %d", p.calls.Load())
	}

	other := robotOrProject
	other.Surface = "project_A"
	c.Disambiguate(context.Background(), other)
	if p.calls.Load() != 2 {
		t.Errorf("A different surface must miss the cache, got %d calls", p.calls.Load())
	}
}

func TestClient_DoesNotCacheFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	p := &fakeProvider{classify: func(context.Context, Request) (*Classification, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return &Classification{Type: "project", Confidence: 0.6}, nil
	}}
	c := NewClient(p, WithCache(cache.NewMemoryCache(time.Minute, time.Minute), time.Minute))

	out := c.Disambiguate(context.Background(), robotOrProject)
	if !out.Unavailable || !strings.Contains(out.Reason, "boom") {
		t.Fatalf("Expected unavailable outcome carrying the error, got %+v", out)
	}

	fail.Store(false)
	out = c.Disambiguate(context.Background(), robotOrProject)
	if out.Unavailable || out.Type != "project" {
		t.Errorf("Expected the retry to reach the provider, got %+v", out)
	}
	if p.calls.Load() != 2 {
		t.Errorf("Expected 2 provider calls, got %d", p.calls.Load())
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	c := NewClient(provider, WithTimeout(50*time.Millisecond))

	start := time.Now()
	out := c.Disambiguate(context.Background(), Request{
		Context:    "robot_7 reported in",
		Surface:    "robot_7",
		Hypotheses: []Hypothesis{{Type: "robot", Confidence: 0.3}},
	})
	if !out.Unavailable {
		t.Fatalf("Expected unavailable outcome on timeout, got %+v", out)
	}
	if !strings.Contains(out.Reason, "timeout") {
		t.Errorf("Expected timeout reason, got %q", out.Reason)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call was not time-boxed: took %v", elapsed)
	}
}

func TestClient_LimiterKeyedByProvider(t *testing.T) {
	p := &fakeProvider{classify: answer("robot", 0.9)}
	limiter := worker.NewLimiter(1000, 1)
	c := NewClient(p, WithLimiter(limiter))

	for i := 0; i < 3; i++ {
		if out := c.Disambiguate(context.Background(), robotOrProject); out.Unavailable {
			t.Fatalf("Unexpected unavailable outcome: %s", out.Reason)
		}
	}
	if p.calls.Load() != 3 {
		t.Errorf("Expected 3 provider calls, got %d", p.calls.Load())
	}
}

func TestClient_LimiterRespectsTimeout(t *testing.T) {
	p := &fakeProvider{classify: answer("robot", 0.9)}
	limiter := worker.NewLimiter(0.001, 1)
	c := NewClient(p, WithLimiter(limiter), WithTimeout(20*time.Millisecond))

	if out := c.Disambiguate(context.Background(), robotOrProject); out.Unavailable {
		t.Fatalf("First call should use the burst: %s", out.Reason)
	}
	if out := c.Disambiguate(context.Background(), robotOrProject); !out.Unavailable {
		t.Error("Expected unavailable outcome while the limiter is exhausted")
	}
	if p.calls.Load() != 1 {
		t.Errorf("Expected 1 provider call, got %d", p.calls.Load())
	}
}
