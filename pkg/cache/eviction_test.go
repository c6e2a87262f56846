package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvictionScoreComponents(t *testing.T) {
	scorer := NewEvictionScorer(DefaultEvictionWeights())
	now := time.Now()

	fresh := Meta{
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		SizeBytes:   100,
		AccessCount: 100,
		Priority:    MaxPriority,
	}
	stale := Meta{
		CreatedAt:   now.Add(-48 * time.Hour),
		ExpiresAt:   now.Add(time.Hour),
		SizeBytes:   2 << 20,
		AccessCount: 0,
		Priority:    MinPriority,
	}

	assert.Greater(t, scorer.Score(stale, now), scorer.Score(fresh, now),
		"old, cold, large, low-priority entries must rank above hot small ones")

	// The worst possible entry scores the full weight sum.
	assert.InDelta(t, 0.4+0.3+0.2+0.1, scorer.Score(stale, now), 1e-9)
}

func TestEvictionScoreOrderingByEachFactor(t *testing.T) {
	scorer := NewEvictionScorer(DefaultEvictionWeights())
	now := time.Now()
	base := Meta{
		CreatedAt:   now.Add(-time.Hour),
		ExpiresAt:   now.Add(time.Hour),
		SizeBytes:   1000,
		AccessCount: 5,
		Priority:    3,
	}

	older := base
	older.CreatedAt = now.Add(-10 * time.Hour)
	assert.Greater(t, scorer.Score(older, now), scorer.Score(base, now))

	colder := base
	colder.AccessCount = 0
	assert.Greater(t, scorer.Score(colder, now), scorer.Score(base, now))

	bigger := base
	bigger.SizeBytes = 512 << 10
	assert.Greater(t, scorer.Score(bigger, now), scorer.Score(base, now))

	lowlier := base
	lowlier.Priority = 1
	assert.Greater(t, scorer.Score(lowlier, now), scorer.Score(base, now))
}

func TestEvictionScoreSaturation(t *testing.T) {
	scorer := NewEvictionScorer(DefaultEvictionWeights())
	now := time.Now()

	day := Meta{CreatedAt: now.Add(-24 * time.Hour), AccessCount: 1, SizeBytes: 1 << 20, Priority: 2}
	week := day
	week.CreatedAt = now.Add(-7 * 24 * time.Hour)
	assert.InDelta(t, scorer.Score(day, now), scorer.Score(week, now), 1e-9,
		"age score saturates at 24h")

	huge := day
	huge.SizeBytes = 100 << 20
	assert.InDelta(t, scorer.Score(day, now), scorer.Score(huge, now), 1e-9,
		"size score saturates at 1MiB")
}

func TestRankStableOnTies(t *testing.T) {
	candidates := []candidate{
		{namespace: "ns", key: "a", score: 0.5},
		{namespace: "ns", key: "b", score: 0.9},
		{namespace: "ns", key: "c", score: 0.5},
		{namespace: "ns", key: "d", score: 0.9},
	}
	rank(candidates)

	keys := []string{candidates[0].key, candidates[1].key, candidates[2].key, candidates[3].key}
	assert.Equal(t, []string{"b", "d", "a", "c"}, keys,
		"descending score, insertion order among ties")
}
