package learn

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ppiankov/tempora/internal/model"
)

// Candidate is a rule proposed from a group of same-type surfaces
type Candidate struct {
	Kind    model.PatternKind
	Rule    string
	Members []string
}

// candidates proposes prefix and suffix rules for surface against its
// same-type neighbours. A rule needs at least minGroup members (surface
// included) whose variable part falls in one character class.
func candidates(surface string, neighbours []string, minRatio float64, minGroup int) []Candidate {
	var out []Candidate
	out = append(out, affixCandidates(surface, neighbours, minRatio, minGroup, model.PatternPrefix)...)
	out = append(out, affixCandidates(surface, neighbours, minRatio, minGroup, model.PatternSuffix)...)
	return out
}

func affixCandidates(surface string, neighbours []string, minRatio float64, minGroup int, kind model.PatternKind) []Candidate {
	affixes := make(map[string]bool)
	for _, n := range neighbours {
		if n == surface {
			continue
		}
		a := trimAffix(sharedAffix(surface, n, kind), kind)
		if a == "" || float64(len(a)) < minRatio*float64(len(surface)) {
			continue
		}
		affixes[a] = true
	}

	ordered := make([]string, 0, len(affixes))
	for a := range affixes {
		ordered = append(ordered, a)
	}
	// Longest affix first: the most specific rule is tried before its generalisations
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})

	var out []Candidate
	for _, affix := range ordered {
		members := []string{surface}
		parts := []string{variablePart(surface, affix, kind)}
		for _, n := range neighbours {
			if n == surface || !hasAffix(n, affix, kind) {
				continue
			}
			if p := variablePart(n, affix, kind); p != "" {
				members = append(members, n)
				parts = append(parts, p)
			}
		}
		if len(members) < minGroup || parts[0] == "" {
			continue
		}

		class, ok := classify(parts, kind)
		if !ok {
			continue
		}
		rule := regexp.QuoteMeta(affix) + class
		if kind == model.PatternSuffix {
			rule = class + regexp.QuoteMeta(affix)
		}
		out = append(out, Candidate{Kind: kind, Rule: rule, Members: members})
	}
	return out
}

// sharedAffix returns the longest common prefix (or suffix) of a and b, on rune boundaries
func sharedAffix(a, b string, kind model.PatternKind) string {
	if kind == model.PatternSuffix {
		n := 0
		for n < len(a) && n < len(b) {
			ra, sa := utf8.DecodeLastRuneInString(a[:len(a)-n])
			rb, sb := utf8.DecodeLastRuneInString(b[:len(b)-n])
			if ra != rb || sa != sb {
				break
			}
			n += sa
		}
		return a[len(a)-n:]
	}

	n := 0
	for n < len(a) && n < len(b) {
		ra, sa := utf8.DecodeRuneInString(a[n:])
		rb, sb := utf8.DecodeRuneInString(b[n:])
		if ra != rb || sa != sb {
			break
		}
		n += sa
	}
	return a[:n]
}

// trimAffix keeps digit runs out of the fixed part, so robot10 and robot11
// generalise to robot\d+ rather than robot1\d+.
func trimAffix(affix string, kind model.PatternKind) string {
	if kind == model.PatternSuffix {
		return strings.TrimLeftFunc(affix, unicode.IsDigit)
	}
	return strings.TrimRightFunc(affix, unicode.IsDigit)
}

func hasAffix(s, affix string, kind model.PatternKind) bool {
	if kind == model.PatternSuffix {
		return strings.HasSuffix(s, affix)
	}
	return strings.HasPrefix(s, affix)
}

func variablePart(s, affix string, kind model.PatternKind) string {
	if kind == model.PatternSuffix {
		return strings.TrimSuffix(s, affix)
	}
	return strings.TrimPrefix(s, affix)
}

// classify finds the one character class covering every part. Heads of
// suffix rules may also be capitalised words.
func classify(parts []string, kind model.PatternKind) (string, bool) {
	switch {
	case all(parts, isDigits):
		return `\d+`, true
	case all(parts, func(p string) bool { return len(p) == 1 && isUpper(p) }):
		return `[A-Z]`, true
	case all(parts, isUpper):
		lo, hi := lengths(parts)
		if lo == hi {
			return `[A-Z]{` + strconv.Itoa(lo) + `}`, true
		}
		return `[A-Z]{` + strconv.Itoa(lo) + `,` + strconv.Itoa(hi) + `}`, true
	case kind == model.PatternSuffix && all(parts, isCapitalised):
		return `[A-Z][a-z]+`, true
	case all(parts, isLower):
		return `[a-z]+`, true
	}
	return "", false
}

func all(parts []string, pred func(string) bool) bool {
	for _, p := range parts {
		if !pred(p) {
			return false
		}
	}
	return len(parts) > 0
}

func lengths(parts []string) (lo, hi int) {
	lo, hi = len(parts[0]), len(parts[0])
	for _, p := range parts[1:] {
		lo = min(lo, len(p))
		hi = max(hi, len(p))
	}
	return lo, hi
}

func isDigits(s string) bool { return s != "" && only(s, '0', '9') }
func isUpper(s string) bool  { return s != "" && only(s, 'A', 'Z') }
func isLower(s string) bool  { return s != "" && only(s, 'a', 'z') }

func isCapitalised(s string) bool {
	return len(s) >= 2 && only(s[:1], 'A', 'Z') && only(s[1:], 'a', 'z')
}

func only(s string, lo, hi byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < lo || s[i] > hi {
			return false
		}
	}
	return true
}
