// Package suppress forces confusable entity candidates apart.
//
// When two mentions of the same type in one context resolve to different
// entities whose surfaces are similar, the lower-priority entity takes a
// cliff demotion. Decisions are derived from the context alone: nothing is
// written back to the entities, and the same input always yields the same
// decisions.
package suppress

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/logger"
	"github.com/ppiankov/tempora/internal/model"
)

// Priority is what a Ranker knows about an entity's prior use
type Priority struct {
	UseCount   int
	LastUsedAt time.Time
	Confidence float64 // Recognition confidence
}

// Ranker supplies entity priorities. Unknown entities rank by their mention
// confidence alone.
type Ranker interface {
	Priority(entityID string) (Priority, bool)
}

// Suppressor applies competitive suppression to one context at a time
type Suppressor struct {
	cfg    config.SuppressConfig
	logger *zap.SugaredLogger
}

// New creates a suppressor
func New(cfg config.SuppressConfig, log *zap.SugaredLogger) *Suppressor {
	return &Suppressor{cfg: cfg, logger: logger.OrComponent(log, "suppress")}
}

type candidate struct {
	entityID string
	surfaces []string
	mentions []int // indexes into the input
	priority Priority
}

// Apply demotes the lower-priority side of every confusable pair in mentions.
// It returns the input unchanged and no decisions when nothing is confusable.
func (s *Suppressor) Apply(contextText string, mentions []model.Mention, ranker Ranker, now time.Time) ([]model.Mention, []model.SuppressionDecision) {
	byType := make(map[string][]*candidate)
	var types []string
	index := make(map[string]*candidate)
	for i, m := range mentions {
		if m.EntityID == "" || m.Type == "" {
			continue
		}
		key := m.Type + "\x00" + m.EntityID
		c, ok := index[key]
		if !ok {
			c = &candidate{entityID: m.EntityID, priority: Priority{Confidence: m.Confidence}}
			if ranker != nil {
				if p, known := ranker.Priority(m.EntityID); known {
					c.priority = p
				}
			}
			index[key] = c
			if len(byType[m.Type]) == 0 {
				types = append(types, m.Type)
			}
			byType[m.Type] = append(byType[m.Type], c)
		}
		if !containsString(c.surfaces, m.Surface) {
			c.surfaces = append(c.surfaces, m.Surface)
		}
		c.mentions = append(c.mentions, i)
	}

	var (
		out       []model.Mention
		decisions []model.SuppressionDecision
		hash      string
	)
	for _, typ := range types {
		group := byType[typ]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return outranks(group[i], group[j]) })

		// group is in priority order: each candidate can only lose to an earlier one
		for li := 1; li < len(group); li++ {
			loser := group[li]
			for wi := 0; wi < li; wi++ {
				winner := group[wi]
				sim, ws, ls := closest(winner.surfaces, loser.surfaces)
				if sim <= s.cfg.Threshold {
					continue
				}

				if out == nil {
					out = append([]model.Mention(nil), mentions...)
					hash = ContextHash(contextText)
				}
				for _, mi := range loser.mentions {
					out[mi].Confidence *= s.cfg.Decay
					out[mi].Suppressed = true
				}
				decisions = append(decisions, model.SuppressionDecision{
					Context:    hash,
					Type:       typ,
					WinnerID:   winner.entityID,
					LoserID:    loser.entityID,
					Winner:     ws,
					Loser:      ls,
					Similarity: sim,
					Factor:     s.cfg.Decay,
					DecidedAt:  now,
				})
				s.logger.Debugw("Candidate suppressed",
					logger.FieldEntityType, typ,
					"winner", winner.entityID,
					"loser", loser.entityID,
					"similarity", sim,
				)
				break
			}
		}
	}

	if out == nil {
		return mentions, nil
	}
	return out, decisions
}

// outranks orders by use count, then recency, then recognition confidence, then id
func outranks(a, b *candidate) bool {
	if a.priority.UseCount != b.priority.UseCount {
		return a.priority.UseCount > b.priority.UseCount
	}
	if !a.priority.LastUsedAt.Equal(b.priority.LastUsedAt) {
		return a.priority.LastUsedAt.After(b.priority.LastUsedAt)
	}
	if a.priority.Confidence != b.priority.Confidence {
		return a.priority.Confidence > b.priority.Confidence
	}
	return a.entityID < b.entityID
}

// closest returns the most similar surface pair between two candidates
func closest(as, bs []string) (float64, string, string) {
	best, ba, bb := -1.0, "", ""
	for _, a := range as {
		for _, b := range bs {
			if sim := Similarity(a, b); sim > best {
				best, ba, bb = sim, a, b
			}
		}
	}
	return best, ba, bb
}

// Normalize applies NFKC and case folding
func Normalize(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// Similarity is a symmetric score in [0, 1] over normalized surfaces: the best
// of common-prefix ratio, containment ratio and normalized Levenshtein.
func Similarity(a, b string) float64 {
	ra, rb := []rune(Normalize(a)), []rune(Normalize(b))
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 0
	}
	shortest := min(len(ra), len(rb))

	prefix := 0
	for prefix < shortest && ra[prefix] == rb[prefix] {
		prefix++
	}
	best := float64(prefix) / float64(longest)

	na, nb := string(ra), string(rb)
	if shortest > 0 && (strings.Contains(na, nb) || strings.Contains(nb, na)) {
		best = max(best, float64(shortest)/float64(longest))
	}

	lev := 1 - float64(fuzzy.LevenshteinDistance(na, nb))/float64(longest)
	return max(best, lev)
}

// ContextHash identifies a context in suppression decisions
func ContextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
