package suppress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/model"
)

type rankTable map[string]Priority

func (r rankTable) Priority(id string) (Priority, bool) {
	p, ok := r[id]
	return p, ok
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func mention(surface, entityID, typ string, conf float64, start int) model.Mention {
	return model.Mention{
		Span:       model.Span{Start: start, End: start + len(surface)},
		Surface:    surface,
		EntityID:   entityID,
		Type:       typ,
		Confidence: conf,
		Layer:      model.LayerDictionary,
		Provenance: model.ProvenanceRule,
	}
}

// demoted multiplies at run time, matching the suppressor's float arithmetic
func demoted(conf float64) float64 {
	decay := 0.1
	return conf * decay
}

func createTestSuppressor() *Suppressor {
	return New(config.Default().Suppress, nil)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"robot_7", "robot_7", 1},
		{"Robot_7", "robot_7", 1},
		{"ｒｏｂｏｔ", "robot", 1},
		{"robot_7", "robot_1", 6.0 / 7.0},
		{"Anna", "Annabelle", 4.0 / 9.0},
		{"abcd", "abxy", 0.5},
		{"", "", 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-12, "%q vs %q", tt.a, tt.b)
		assert.Equal(t, Similarity(tt.a, tt.b), Similarity(tt.b, tt.a), "symmetric for %q, %q", tt.a, tt.b)
	}

	assert.Less(t, Similarity("Acme", "Globex"), 0.5)
	assert.Greater(t, Similarity("Jon Smith", "John Smith"), 0.8)
}

func TestApplyCliffDemotion(t *testing.T) {
	s := createTestSuppressor()
	ranker := rankTable{
		"robot:7": {UseCount: 5, LastUsedAt: now.Add(-time.Hour), Confidence: 1},
		"robot:1": {UseCount: 1, LastUsedAt: now, Confidence: 1},
	}
	in := []model.Mention{
		mention("robot_7", "robot:7", "robot", 0.8, 0),
		mention("robot_1", "robot:1", "robot", 0.8, 12),
	}

	out, decisions := s.Apply("robot_7 and robot_1 met", in, ranker, now)

	require.Len(t, out, 2)
	assert.Equal(t, 0.8, out[0].Confidence)
	assert.False(t, out[0].Suppressed)
	assert.Equal(t, demoted(0.8), out[1].Confidence, "exactly one cliff demotion")
	assert.True(t, out[1].Suppressed)

	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, "robot:7", d.WinnerID)
	assert.Equal(t, "robot:1", d.LoserID)
	assert.Equal(t, "robot_7", d.Winner)
	assert.Equal(t, "robot_1", d.Loser)
	assert.Equal(t, "robot", d.Type)
	assert.Equal(t, 0.1, d.Factor)
	assert.InDelta(t, 6.0/7.0, d.Similarity, 1e-12)
	assert.Equal(t, ContextHash("robot_7 and robot_1 met"), d.Context)
	assert.Equal(t, now, d.DecidedAt)

	// The caller's slice is never modified
	assert.Equal(t, 0.8, in[1].Confidence)
	assert.False(t, in[1].Suppressed)
}

func TestApplyNeverComparesAcrossTypes(t *testing.T) {
	s := createTestSuppressor()
	in := []model.Mention{
		mention("robot_7", "robot:7", "robot", 0.8, 0),
		mention("robot_7", "project:robot_7", "project", 0.4, 20),
	}

	out, decisions := s.Apply("ctx", in, rankTable{}, now)
	assert.Empty(t, decisions)
	assert.Equal(t, in, out)
}

func TestApplySameEntityIsNotConfusable(t *testing.T) {
	s := createTestSuppressor()
	in := []model.Mention{
		mention("robot_7", "robot:7", "robot", 0.8, 0),
		mention("Robot_7", "robot:7", "robot", 0.6, 20),
	}

	out, decisions := s.Apply("ctx", in, nil, now)
	assert.Empty(t, decisions)
	assert.Equal(t, in, out)
}

func TestApplyThresholdIsStrict(t *testing.T) {
	s := createTestSuppressor()
	in := []model.Mention{
		mention("abcd", "code:abcd", "code", 0.9, 0),
		mention("abxy", "code:abxy", "code", 0.9, 10),
	}

	_, decisions := s.Apply("ctx", in, nil, now)
	assert.Empty(t, decisions, "similarity equal to the threshold is not confusable")

	in = []model.Mention{
		mention("Acme", "org:acme", "org", 0.9, 0),
		mention("Globex", "org:globex", "org", 0.9, 10),
	}
	_, decisions = s.Apply("ctx", in, nil, now)
	assert.Empty(t, decisions)
}

func TestApplyDemotesEachLoserOnce(t *testing.T) {
	s := createTestSuppressor()
	ranker := rankTable{
		"r1": {UseCount: 9},
		"r2": {UseCount: 5},
		"r3": {UseCount: 1},
	}
	in := []model.Mention{
		mention("robot_3", "r3", "robot", 0.9, 0),
		mention("robot_2", "r2", "robot", 0.9, 10),
		mention("robot_1", "r1", "robot", 0.9, 20),
		mention("robot_3", "r3", "robot", 0.7, 30),
	}

	out, decisions := s.Apply("ctx", in, ranker, now)

	assert.Equal(t, demoted(0.9), out[0].Confidence)
	assert.Equal(t, demoted(0.9), out[1].Confidence)
	assert.Equal(t, 0.9, out[2].Confidence)
	assert.Equal(t, demoted(0.7), out[3].Confidence)

	require.Len(t, decisions, 2)
	assert.Equal(t, "r2", decisions[0].LoserID)
	assert.Equal(t, "r3", decisions[1].LoserID)
	for _, d := range decisions {
		assert.Equal(t, "r1", d.WinnerID, "the highest-priority confusable candidate wins")
	}
}

func TestApplyRankingOrder(t *testing.T) {
	s := createTestSuppressor()
	in := []model.Mention{
		mention("robot_1", "a", "robot", 0.9, 0),
		mention("robot_2", "b", "robot", 0.9, 10),
	}

	tests := []struct {
		name   string
		ranker Ranker
		loser  string
	}{
		{"use count", rankTable{"a": {UseCount: 1}, "b": {UseCount: 2}}, "a"},
		{"recency", rankTable{"a": {UseCount: 2, LastUsedAt: now}, "b": {UseCount: 2, LastUsedAt: now.Add(-time.Minute)}}, "b"},
		{"confidence", rankTable{"a": {Confidence: 0.5}, "b": {Confidence: 0.6}}, "a"},
		{"id", rankTable{"a": {}, "b": {}}, "b"},
		{"unknown ranks by mention confidence", rankTable{"a": {Confidence: 0.95}}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, decisions := s.Apply("ctx", in, tt.ranker, now)
			require.Len(t, decisions, 1)
			assert.Equal(t, tt.loser, decisions[0].LoserID)
		})
	}
}

func TestApplyIsReplayable(t *testing.T) {
	s := createTestSuppressor()
	in := []model.Mention{
		mention("Globex Corp", "org:globex", "org", 0.8, 0),
		mention("Globex Corporation", "org:globex-corp", "org", 0.8, 20),
		mention("robot_1", "r1", "robot", 0.8, 40),
		mention("robot_2", "r2", "robot", 0.8, 50),
	}

	out1, d1 := s.Apply("ctx", in, nil, now)
	out2, d2 := s.Apply("ctx", in, nil, now)
	assert.Equal(t, out1, out2)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 2)
}
