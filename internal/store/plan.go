package store

import (
	"math"
	"strings"
	"time"

	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/model"
)

// Lineage is the current state of one (subject, predicate) chain as seen inside a write.
// Current holds the active and conflicting versions in chain order.
type Lineage struct {
	SubjectID string
	Predicate string
	Current   []model.Fact
	Evidence  map[string][]model.Evidence
}

// Active returns the active versions
func (l Lineage) Active() []model.Fact {
	return l.withStatus(model.StatusActive)
}

// Conflicting returns the conflicting versions
func (l Lineage) Conflicting() []model.Fact {
	return l.withStatus(model.StatusConflicting)
}

func (l Lineage) withStatus(status model.FactStatus) []model.Fact {
	out := make([]model.Fact, 0, len(l.Current))
	for _, f := range l.Current {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out
}

// StatusChange moves an existing version to a new status, optionally closing its valid-time interval
type StatusChange struct {
	FactID  string
	Status  model.FactStatus
	CloseAt *time.Time
}

// Insertion describes the new version a plan writes
type Insertion struct {
	Value      string
	Status     model.FactStatus
	Supersedes string
	ValidTo    *time.Time // Overrides the draft's valid_to when set
	// Precedes splices the new version into the chain in front of this
	// version, or in front of its nearest ancestor asserted after the draft.
	// Supersedes is ignored when set.
	Precedes string
}

// Plan is a resolver's decision for one write, applied atomically by the store
type Plan struct {
	Transition model.Transition
	Changes    []StatusChange
	Insert     *Insertion
	AttachTo   []string       // Existing versions receiving the draft's evidence
	Polarity   model.Polarity // Polarity of attached evidence
}

// Resolver decides how a draft lands on its lineage. It must be pure: the store
// calls it inside the write critical section.
type Resolver interface {
	Decide(lineage Lineage, draft model.FactDraft) Plan
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(lineage Lineage, draft model.FactDraft) Plan

// Decide calls f
func (f ResolverFunc) Decide(lineage Lineage, draft model.FactDraft) Plan {
	return f(lineage, draft)
}

// WriteResult reports what a write did
type WriteResult struct {
	Transition  model.Transition
	FactID      string   // Inserted version, or the version that received evidence
	Changed     []string // Versions whose status changed
	EvidenceIDs []string
	Revision    int64
}

// TimeFilter restricts a read to versions whose valid-time interval matches
type TimeFilter struct {
	kind     filterKind
	from, to time.Time
}

type filterKind int

const (
	filterAll filterKind = iota
	filterAt
	filterBetween
)

// All matches every version
func All() TimeFilter {
	return TimeFilter{kind: filterAll}
}

// At matches versions whose interval covers t
func At(t time.Time) TimeFilter {
	return TimeFilter{kind: filterAt, from: t, to: t}
}

// Between matches versions whose interval overlaps [from, to]
func Between(from, to time.Time) TimeFilter {
	return TimeFilter{kind: filterBetween, from: from, to: to}
}

// ValidateDraft rejects drafts that are caller bugs rather than domain states
func ValidateDraft(d model.FactDraft) error {
	var problems []string
	if strings.TrimSpace(d.SubjectID) == "" {
		problems = append(problems, "subject is empty")
	}
	if strings.TrimSpace(d.Predicate) == "" {
		problems = append(problems, "predicate is empty")
	}
	if !d.Retract && d.Value == "" {
		problems = append(problems, "value is empty")
	}
	if d.ValidFrom.IsZero() {
		problems = append(problems, "valid_from is zero")
	}
	if d.AssertedAt.IsZero() {
		problems = append(problems, "asserted_at is zero")
	}
	if d.ValidTo != nil && !d.ValidTo.After(d.ValidFrom) {
		problems = append(problems, "valid_to must be after valid_from")
	}
	if d.Retract && d.Replacement != nil && *d.Replacement == "" {
		problems = append(problems, "replacement is empty")
	}
	for i, ev := range d.Evidence {
		if err := ValidateEvidence(ev); err != nil {
			problems = append(problems, errors.Wrapf(err, "evidence[%d]", i).Error())
		}
	}
	if len(problems) > 0 {
		return errors.Wrap(errors.ErrInvalidInput, "invalid draft: "+strings.Join(problems, "; "))
	}
	return nil
}

// ValidateEvidence checks one evidence draft
func ValidateEvidence(ev model.EvidenceDraft) error {
	if math.IsNaN(ev.Confidence) || ev.Confidence < 0 || ev.Confidence > 1 {
		return errors.Wrapf(errors.ErrInvalidInput, "confidence %.3f outside [0,1]", ev.Confidence)
	}
	if ev.Polarity != "" && !ev.Polarity.Valid() {
		return errors.Wrapf(errors.ErrInvalidInput, "unknown polarity %q", ev.Polarity)
	}
	if strings.TrimSpace(ev.Source) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "source is empty")
	}
	return nil
}
