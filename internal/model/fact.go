package model

import "time"

// FactStatus is the lifecycle state of a fact version
type FactStatus string

const (
	StatusActive      FactStatus = "active"
	StatusSuperseded  FactStatus = "superseded"
	StatusConflicting FactStatus = "conflicting"
	StatusRetracted   FactStatus = "retracted"
)

// Valid reports whether s is one of the closed set of statuses
func (s FactStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusConflicting, StatusRetracted:
		return true
	}
	return false
}

// Attribution identifies who asserted a fact
type Attribution string

const (
	AttributionUser       Attribution = "user"
	AttributionAssistant  Attribution = "assistant"
	AttributionThirdParty Attribution = "third_party"
)

// Priority ranks attributions for read-time tie-breaks (higher wins)
func (a Attribution) Priority() int {
	switch a {
	case AttributionUser:
		return 3
	case AttributionAssistant:
		return 2
	case AttributionThirdParty:
		return 1
	default:
		return 0
	}
}

// Fact is one stored version of a (subject, predicate) value
type Fact struct {
	ID          string      `json:"id"`
	Seq         int64       `json:"seq"` // Insertion order
	SubjectID   string      `json:"subject_id"`
	Predicate   string      `json:"predicate"`
	Value       string      `json:"value"`
	ValidFrom   time.Time   `json:"valid_from"`
	ValidTo     *time.Time  `json:"valid_to,omitempty"` // nil means open
	AssertedAt  time.Time   `json:"asserted_at"`
	Status      FactStatus  `json:"status"`
	EvidenceIDs []string    `json:"evidence_ids"`
	Attribution Attribution `json:"attribution"`
	Supersedes  string      `json:"supersedes,omitempty"` // Predecessor version in the chain
}

// Covers reports whether the valid-time interval contains t
func (f Fact) Covers(t time.Time) bool {
	if t.Before(f.ValidFrom) {
		return false
	}
	return f.ValidTo == nil || t.Before(*f.ValidTo)
}

// Overlaps reports whether the valid-time interval intersects [from, to]
func (f Fact) Overlaps(from, to time.Time) bool {
	if f.ValidFrom.After(to) {
		return false
	}
	return f.ValidTo == nil || f.ValidTo.After(from)
}

// FactDraft is an assertion before the evolution tracker decides its disposition
type FactDraft struct {
	SubjectID   string          `json:"subject_id"`
	Predicate   string          `json:"predicate"`
	Value       string          `json:"value"`
	ValidFrom   time.Time       `json:"valid_from"`
	ValidTo     *time.Time      `json:"valid_to,omitempty"`
	AssertedAt  time.Time       `json:"asserted_at"`
	Attribution Attribution     `json:"attribution"`
	Evidence    []EvidenceDraft `json:"evidence"`
	Retract     bool            `json:"retract,omitempty"`     // Explicit negation of the current value
	Replacement *string         `json:"replacement,omitempty"` // Value that replaces a retracted one
}

// Transition is how an assertion landed on its (subject, predicate) lineage
type Transition string

const (
	TransitionCreate   Transition = "create"   // First value for the lineage
	TransitionConfirm  Transition = "confirm"  // Same value, evidence appended
	TransitionUpdate   Transition = "update"   // Newer value supersedes the active one
	TransitionConflict Transition = "conflict" // Neither value clearly wins
	TransitionBackfill Transition = "backfill" // Older value recorded as history
	TransitionRetract  Transition = "retract"  // Explicit negation
	TransitionResolve  Transition = "resolve"  // External conflict resolution
)
