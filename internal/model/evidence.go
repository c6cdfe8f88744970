package model

import "time"

// Evidence is a provenance record attached to one fact version
type Evidence struct {
	ID         string    `json:"id"`
	FactID     string    `json:"fact_id"`
	Source     string    `json:"source"`            // Source reference (session, document, url)
	Excerpt    string    `json:"excerpt,omitempty"` // Context the fact was read from
	Confidence float64   `json:"confidence"`        // In [0,1]
	Polarity   Polarity  `json:"polarity"`
	ObservedAt time.Time `json:"observed_at"`
}

// Polarity says whether evidence corroborates or contradicts its fact version
type Polarity string

const (
	PolaritySupports    Polarity = "supports"
	PolarityContradicts Polarity = "contradicts"
)

// Valid reports whether p is a known polarity
func (p Polarity) Valid() bool {
	return p == PolaritySupports || p == PolarityContradicts
}

// EvidenceDraft is evidence before it is bound to a fact version
type EvidenceDraft struct {
	Source     string    `json:"source"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Confidence float64   `json:"confidence"`
	Polarity   Polarity  `json:"polarity,omitempty"` // Empty means supports
	ObservedAt time.Time `json:"observed_at"`
}
