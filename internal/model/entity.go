package model

import "time"

// Entity is a canonical referent with one or more surface-form aliases
type Entity struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Aliases    []string  `json:"aliases"`      // Known surface forms, sorted
	Confidence float64   `json:"confidence"`   // Recognition confidence, never suppression-adjusted
	UseCount   int       `json:"use_count"`    // Frequency of prior use
	LastUsedAt time.Time `json:"last_used_at"` // Recency of prior use
	CreatedAt  time.Time `json:"created_at"`
}

// HasAlias reports whether surface is one of the entity's aliases
func (e Entity) HasAlias(surface string) bool {
	for _, a := range e.Aliases {
		if a == surface {
			return true
		}
	}
	return false
}

// Layer identifies which recognition layer produced a mention
type Layer string

const (
	LayerDictionary Layer = "dictionary" // Exact or builtin regex match
	LayerLearned    Layer = "learned"    // Active learned pattern
	LayerLLM        Layer = "llm"        // External disambiguation
)

// Span is a byte range into the extracted text
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Provenance values attached to mentions
const (
	ProvenanceRule        = "rule"
	ProvenanceLLM         = "llm"
	ProvenanceLLMFallback = "LLM-unavailable, rule fallback"
)

// Mention is one recognized entity candidate in a piece of text
type Mention struct {
	Span       Span     `json:"span"`
	Surface    string   `json:"surface"`
	EntityID   string   `json:"entity_id"`
	Proposed   bool     `json:"proposed"` // EntityID is a new-entity proposal
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Layer      Layer    `json:"layer"`
	Provenance string   `json:"provenance"`
	PatternIDs []string `json:"pattern_ids,omitempty"` // Learned patterns that matched
	Suppressed bool     `json:"suppressed,omitempty"`  // Demoted by isolation in this context
}
