package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Classify asks the model which hypothesis type fits the surface in context
	Classify(ctx context.Context, req Request) (*Classification, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// Hypothesis is one candidate type proposed by the rule layers
type Hypothesis struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Request is one disambiguation question
type Request struct {
	// Context is the surrounding text the surface appeared in
	Context string

	// Surface is the ambiguous mention
	Surface string

	// Hypotheses are the rule-layer candidates. The answer must pick one of them.
	Hypotheses []Hypothesis
}

// Classification is a provider's parsed answer
type Classification struct {
	Type       string
	Confidence float64
	Model      string
	TokensUsed int
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "ollama", ""
	Provider string

	// Model name (provider-specific). Empty selects the provider default.
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama, OpenAI-compatible gateways)
	BaseURL string

	// Timeout for API requests
	Timeout int // seconds

	// MaxTokens for response generation
	MaxTokens int

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Provider:  "", // Disabled by default
		Timeout:   30,
		MaxTokens: 200,
	}
}

// Temperature used for every classification call
const Temperature = 0.3

const systemPrompt = "You classify entity mentions. Answer with a single JSON object and nothing else."

// BuildPrompt constructs the classification prompt for req
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Text:\n%s\n\n", req.Context)
	fmt.Fprintf(&b, "Mention: %q\n\n", req.Surface)
	b.WriteString("Candidate types with rule confidence:\n")
	for _, h := range req.Hypotheses {
		fmt.Fprintf(&b, "- %s (%s)\n", h.Type, strconv.FormatFloat(h.Confidence, 'f', 2, 64))
	}
	b.WriteString(`
Pick the candidate type the mention refers to in this text.
Reply exactly as {"type": "<one candidate type>", "confidence": <number between 0 and 1>}.`)
	return b.String()
}

type classificationReply struct {
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence"`
}

// parseClassification extracts the JSON answer from a model reply. Code fences
// and surrounding prose are tolerated; a type outside the hypotheses is not.
func parseClassification(text string, req Request) (*Classification, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in reply: %q", truncate(text, 80))
	}

	var reply classificationReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	if reply.Confidence == nil {
		return nil, fmt.Errorf("reply has no confidence")
	}
	if *reply.Confidence < 0 || *reply.Confidence > 1 {
		return nil, fmt.Errorf("reply confidence %v outside [0, 1]", *reply.Confidence)
	}

	typ := strings.TrimSpace(reply.Type)
	for _, h := range req.Hypotheses {
		if strings.EqualFold(h.Type, typ) {
			return &Classification{Type: h.Type, Confidence: *reply.Confidence}, nil
		}
	}
	return nil, fmt.Errorf("reply type %q is not a candidate", reply.Type)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
