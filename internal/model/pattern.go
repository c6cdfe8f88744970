package model

import "time"

// PatternKind says which end of the surface form a pattern fixes
type PatternKind string

const (
	PatternPrefix PatternKind = "prefix" // Shared prefix, variable tail
	PatternSuffix PatternKind = "suffix" // Variable head, shared suffix
)

// LearnedPattern is an induced recognition rule bound to exactly one type
type LearnedPattern struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Kind       PatternKind `json:"kind"`
	Rule       string      `json:"rule"`    // Regular expression
	Support    int         `json:"support"` // Distinct same-type observations matching Rule
	CreatedAt  time.Time   `json:"created_at"`
	LastUsedAt time.Time   `json:"last_used_at"`
}

// SuppressionDecision records one cliff demotion applied in one context
type SuppressionDecision struct {
	ID         string    `json:"id"`
	Context    string    `json:"context"` // Hash of the surrounding text
	Type       string    `json:"type"`
	WinnerID   string    `json:"winner_id"`
	LoserID    string    `json:"loser_id"`
	Winner     string    `json:"winner"` // Surface forms
	Loser      string    `json:"loser"`
	Similarity float64   `json:"similarity"`
	Factor     float64   `json:"factor"`
	DecidedAt  time.Time `json:"decided_at"`
}
