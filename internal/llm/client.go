package llm

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/cache"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/worker"
)

// Outcome is the result of one disambiguation call. Either the call resolved
// to one of the hypotheses, or Unavailable is set with a Reason.
type Outcome struct {
	Unavailable bool    `json:"unavailable,omitempty"`
	Type        string  `json:"type,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Model       string  `json:"model,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Unavailable returns the outcome for a call that could not be answered
func Unavailable(reason string) Outcome {
	return Outcome{Unavailable: true, Reason: reason}
}

// Disambiguator resolves an ambiguous mention. It never fails: every
// non-success is reported as an unavailable outcome.
type Disambiguator interface {
	Disambiguate(ctx context.Context, req Request) Outcome
}

// Client is the Disambiguator backed by a Provider. Successful outcomes are
// cached; calls are paced and time-boxed.
type Client struct {
	provider Provider
	cache    cache.Cache
	limiter  *worker.Limiter
	timeout  time.Duration
	ttl      time.Duration
	logger   *zap.SugaredLogger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithCache caches successful outcomes for ttl
func WithCache(c cache.Cache, ttl time.Duration) ClientOption {
	return func(cl *Client) {
		cl.cache = c
		cl.ttl = ttl
	}
}

// WithLimiter paces provider calls
func WithLimiter(l *worker.Limiter) ClientOption {
	return func(cl *Client) { cl.limiter = l }
}

// WithTimeout bounds each call, including the time spent waiting on the limiter
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.timeout = d }
}

// WithLogger sets the client logger
func WithLogger(l *zap.SugaredLogger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a disambiguation client. A nil provider yields a client
// whose every outcome is unavailable.
func NewClient(p Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider: p,
		cache:    cache.Nop{},
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrComponent(c.logger, "llm")
	return c
}

// Enabled reports whether a provider is configured
func (c *Client) Enabled() bool {
	return c.provider != nil
}

// Status reports whether disambiguation can reach its provider
type Status struct {
	Provider  string `json:"provider,omitempty"`
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
}

// Check asks the provider whether it is configured and reachable, within the
// client timeout. A client without a provider is disabled and makes no call.
func (c *Client) Check(ctx context.Context) Status {
	if c.provider == nil {
		return Status{}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st := Status{Provider: c.provider.Name(), Enabled: true, Available: c.provider.IsAvailable(ctx)}
	if !st.Available {
		c.logger.Warnw("LLM provider not reachable", logger.FieldProvider, st.Provider)
	}
	return st
}

// Disambiguate asks the provider to choose among req.Hypotheses
func (c *Client) Disambiguate(ctx context.Context, req Request) Outcome {
	if c.provider == nil {
		return Unavailable("no provider configured")
	}
	if len(req.Hypotheses) == 0 {
		return Unavailable("no hypotheses to choose from")
	}

	key := c.key(req)
	var cached Outcome
	if cache.GetJSON(c.cache, key, &cached) {
		return cached
	}

	start := time.Now()
	outcome, err := c.call(ctx, req)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout after " + c.timeout.String()
		}
		c.logger.Infow("LLM unavailable, using rule fallback",
			logger.FieldProvider, c.provider.Name(),
			"surface", req.Surface,
			logger.FieldDuration, time.Since(start).Milliseconds(),
			logger.FieldError, err,
		)
		return Unavailable(reason)
	}

	if err := cache.SetJSON(c.cache, key, outcome, c.ttl); err != nil {
		c.logger.Warnw("Failed to cache LLM outcome", logger.FieldError, err)
	}
	c.logger.Debugw("LLM disambiguated mention",
		logger.FieldProvider, c.provider.Name(),
		"surface", req.Surface,
		logger.FieldEntityType, outcome.Type,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	)
	return outcome
}

func (c *Client) call(ctx context.Context, req Request) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.provider.Name()); err != nil {
			return Outcome{}, errors.Mark(errors.Wrap(err, "wait for rate limiter"), errors.ErrLLMUnavailable)
		}
	}

	cl, err := c.provider.Classify(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrap(ctx.Err(), err.Error())
		}
		return Outcome{}, errors.Mark(err, errors.ErrLLMUnavailable)
	}
	return Outcome{Type: cl.Type, Confidence: cl.Confidence, Model: cl.Model}, nil
}

// key identifies a request by provider, context, surface and hypotheses
func (c *Client) key(req Request) string {
	parts := []string{c.provider.Name(), req.Context, req.Surface}
	for _, h := range req.Hypotheses {
		parts = append(parts, h.Type, strconv.FormatFloat(h.Confidence, 'g', -1, 64))
	}
	return cache.Key("llm", parts...)
}
