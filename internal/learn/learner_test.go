package learn

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/store"
)

var _ PatternRepository = (*store.Store)(nil)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestLearner(t *testing.T) *Learner {
	t.Helper()
	l, err := New(context.Background(), config.Default().Learn, nil, nil)
	require.NoError(t, err)
	l.now = func() time.Time { return t0 }
	return l
}

func confirmed(typ string, surfaces ...string) []Observation {
	out := make([]Observation, len(surfaces))
	for i, s := range surfaces {
		out[i] = Observation{Surface: s, Type: typ, Confidence: 1, Confirmed: true, ObservedAt: t0}
	}
	return out
}

func TestInducePrefixDigits(t *testing.T) {
	l := createTestLearner(t)

	report, err := l.Observe(context.Background(), confirmed("robot", "robot_1", "robot_2"))
	require.NoError(t, err)
	assert.Empty(t, report.Induced, "two observations are below min support")

	report, err = l.Observe(context.Background(), confirmed("robot", "robot_17"))
	require.NoError(t, err)
	require.Len(t, report.Induced, 1)

	p := report.Induced[0]
	assert.Equal(t, "robot", p.Type)
	assert.Equal(t, model.PatternPrefix, p.Kind)
	assert.Equal(t, `robot_\d+`, p.Rule)
	assert.Equal(t, 3, p.Support)
	assert.Equal(t, []model.LearnedPattern{p}, l.Active())
}

func TestInduceTrimsDigitRuns(t *testing.T) {
	l := createTestLearner(t)

	report, err := l.Observe(context.Background(), confirmed("robot", "robot10", "robot11", "robot12"))
	require.NoError(t, err)
	require.Len(t, report.Induced, 1)
	assert.Equal(t, `robot\d+`, report.Induced[0].Rule)
}

func TestInduceUpperRuns(t *testing.T) {
	l := createTestLearner(t)

	report, err := l.Observe(context.Background(), confirmed("project", "project-AB", "project-CD", "project-EFG"))
	require.NoError(t, err)
	require.Len(t, report.Induced, 1)
	assert.Equal(t, `project-[A-Z]{2,3}`, report.Induced[0].Rule)

	report, err = l.Observe(context.Background(), confirmed("protocol", "protocol-A", "protocol-B", "protocol-C"))
	require.NoError(t, err)
	require.Len(t, report.Induced, 1)
	assert.Equal(t, `protocol-[A-Z]`, report.Induced[0].Rule)
}

func TestInduceSuffixCapitalised(t *testing.T) {
	l := createTestLearner(t)

	report, err := l.Observe(context.Background(), confirmed("place", "Alpha Station", "Bravo Station", "Delta Station"))
	require.NoError(t, err)
	require.Len(t, report.Induced, 1)

	p := report.Induced[0]
	assert.Equal(t, model.PatternSuffix, p.Kind)
	assert.Equal(t, `[A-Z][a-z]+ Station`, p.Rule)
}

func TestInduceRequiresOneClass(t *testing.T) {
	l := createTestLearner(t)

	report, err := l.Observe(context.Background(), confirmed("robot", "robot_1", "robot_B", "robot_x"))
	require.NoError(t, err)
	assert.Empty(t, report.Induced)
	assert.Empty(t, l.All())
}

func TestInduceRequiresAffixRatio(t *testing.T) {
	l := createTestLearner(t)

	// "ab" covers less than half of each surface
	report, err := l.Observe(context.Background(), confirmed("code", "abxyz", "abqrs", "abmno"))
	require.NoError(t, err)
	assert.Empty(t, report.Induced)
}

func TestObserveIgnoresLowConfidence(t *testing.T) {
	l := createTestLearner(t)

	report, err := l.Observe(context.Background(), []Observation{
		{Surface: "robot_1", Type: "robot", Confidence: 0.5},
		{Surface: "robot_2", Type: "robot", Confidence: 0.95},
		{Surface: "robot_3", Type: "robot", Confidence: 0.2, Confirmed: true},
		{Surface: "  ", Type: "robot", Confirmed: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 2, report.Ignored)
	assert.Empty(t, report.Induced)
}

func TestInduceTypeMismatch(t *testing.T) {
	l := createTestLearner(t)

	_, err := l.Induce(
		Observation{Surface: "robot_1", Type: "robot"},
		Observation{Surface: "robot_2", Type: "project"},
	)
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	cands, err := l.Induce(
		Observation{Surface: "robot_1", Type: "robot"},
		Observation{Surface: "robot_2", Type: "robot"},
	)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, `robot_\d+`, cands[0].Rule)
	assert.Equal(t, []string{"robot_1", "robot_2"}, cands[0].Members)
}

func TestObserveRejectsRuleOwnedByOtherType(t *testing.T) {
	l := createTestLearner(t)
	ctx := context.Background()

	_, err := l.Observe(ctx, confirmed("robot", "robot_1", "robot_2", "robot_3"))
	require.NoError(t, err)

	report, err := l.Observe(ctx, confirmed("project", "robot_4", "robot_5", "robot_6"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Empty(t, report.Induced)

	all := l.All()
	require.Len(t, all, 1)
	assert.Equal(t, "robot", all[0].Type)
	assert.Equal(t, 3, all[0].Support, "other-type observations never add support")
}

func TestSupportGrowsWithDistinctObservations(t *testing.T) {
	l := createTestLearner(t)
	ctx := context.Background()

	_, err := l.Observe(ctx, confirmed("robot", "robot_1", "robot_2", "robot_3"))
	require.NoError(t, err)
	_, err = l.Observe(ctx, confirmed("robot", "robot_4", "robot_4", "robot_1"))
	require.NoError(t, err)

	active := l.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 4, active[0].Support)
}

// Random type-tagged surfaces sharing prefixes across types: every pattern
// stays bound to one type and draws support from that type only.
func TestInductionNeverMergesTypes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	prefixes := []string{"robot_", "agent-", "unit"}
	types := []string{"robot", "agent", "project"}
	upper := "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	var fed []Observation
	for i := 0; i < 300; i++ {
		tail := fmt.Sprint(rng.Intn(1000))
		if rng.Intn(2) == 0 {
			tail = string(upper[rng.Intn(26)])
		}
		fed = append(fed, Observation{
			Surface:   prefixes[rng.Intn(len(prefixes))] + tail,
			Type:      types[rng.Intn(len(types))],
			Confirmed: true,
		})
	}

	l := createTestLearner(t)
	for i := 0; i < len(fed); i += 25 {
		_, err := l.Observe(context.Background(), fed[i:i+25])
		require.NoError(t, err)
	}

	all := l.All()
	require.NotEmpty(t, all)
	rules := make(map[string]bool)
	for _, p := range all {
		assert.False(t, rules[p.Rule], "rule %s learned twice", p.Rule)
		rules[p.Rule] = true

		re := regexp.MustCompile(`^(?:` + p.Rule + `)$`)
		distinct := make(map[string]bool)
		for _, o := range fed {
			if o.Type == p.Type && re.MatchString(o.Surface) {
				distinct[o.Surface] = true
			}
		}
		assert.Equal(t, len(distinct), p.Support, "support of %s (%s)", p.Rule, p.Type)
		assert.GreaterOrEqual(t, p.Support, config.Default().Learn.MinSupport)
	}

	for i := 0; i < 200; i++ {
		a, b := fed[rng.Intn(len(fed))], fed[rng.Intn(len(fed))]
		_, err := l.Induce(a, b)
		if a.Type != b.Type {
			assert.True(t, errors.Is(err, ErrTypeMismatch), "%v vs %v", a, b)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestTouchAndSweepRetention(t *testing.T) {
	l := createTestLearner(t)
	ctx := context.Background()

	_, err := l.Observe(ctx, confirmed("robot", "robot_1", "robot_2", "robot_3"))
	require.NoError(t, err)
	_, err = l.Observe(ctx, confirmed("city", "city-A", "city-B", "city-C"))
	require.NoError(t, err)
	require.Len(t, l.All(), 2)

	var robot, city model.LearnedPattern
	for _, p := range l.All() {
		if p.Type == "robot" {
			robot = p
		} else {
			city = p
		}
	}

	require.NoError(t, l.Touch(ctx, []string{robot.ID, "missing"}, t0.AddDate(0, 0, 300)))

	report, err := l.Sweep(ctx, t0.AddDate(0, 0, 400))
	require.NoError(t, err)
	assert.Equal(t, []string{city.ID}, report.Expired)
	assert.Empty(t, report.Evicted)
	assert.Equal(t, 1, report.Remaining)

	active := l.Active()
	require.Len(t, active, 1)
	assert.Equal(t, robot.ID, active[0].ID)
	assert.Equal(t, t0.AddDate(0, 0, 300), active[0].LastUsedAt)
}

func TestSweepCapsPatterns(t *testing.T) {
	cfg := config.Default().Learn
	cfg.MaxPatterns = 1
	l, err := New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Observe(ctx, confirmed("robot", "robot_1", "robot_2", "robot_3"))
	require.NoError(t, err)
	_, err = l.Observe(ctx, confirmed("city", "city-A", "city-B", "city-C"))
	require.NoError(t, err)

	var robotID string
	for _, p := range l.All() {
		if p.Type == "robot" {
			robotID = p.ID
		}
	}
	require.NoError(t, l.Touch(ctx, []string{robotID}, t0.AddDate(0, 0, 1)))

	report, err := l.Sweep(ctx, t0.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Empty(t, report.Expired)
	assert.Len(t, report.Evicted, 1)
	require.Len(t, l.All(), 1)
	assert.Equal(t, robotID, l.All()[0].ID)
}

func TestPatternsPersist(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, config.StoreConfig{Path: filepath.Join(t.TempDir(), "learn.db"), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l, err := New(ctx, config.Default().Learn, s, nil)
	require.NoError(t, err)
	_, err = l.Observe(ctx, confirmed("robot", "robot_1", "robot_2", "robot_3", "robot_4"))
	require.NoError(t, err)

	reloaded, err := New(ctx, config.Default().Learn, s, nil)
	require.NoError(t, err)
	require.Len(t, reloaded.Active(), 1)
	assert.Equal(t, l.Active()[0].ID, reloaded.Active()[0].ID)
	assert.Equal(t, 4, reloaded.Active()[0].Support)

	_, err = reloaded.Sweep(ctx, t0.AddDate(2, 0, 0))
	require.NoError(t, err)
	stored, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestConcurrentObserve(t *testing.T) {
	l := createTestLearner(t)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		typ := fmt.Sprintf("kind%d", i)
		prefix := fmt.Sprintf("k%d_", i)
		g.Go(func() error {
			_, err := l.Observe(ctx, confirmed(typ, prefix+"1", prefix+"2", prefix+"3"))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, l.Active(), 8)
}
