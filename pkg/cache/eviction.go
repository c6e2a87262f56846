package cache

import (
	"sort"
	"time"
)

// EvictionWeights are the relative weights of the composite eviction score
type EvictionWeights struct {
	Age      float64
	Access   float64
	Size     float64
	Priority float64
}

// DefaultEvictionWeights returns the default score weighting
func DefaultEvictionWeights() EvictionWeights {
	return EvictionWeights{Age: 0.4, Access: 0.3, Size: 0.2, Priority: 0.1}
}

// EvictionScorer ranks entries for eviction under memory pressure using a
// weighted composite of age, access frequency, size, and priority. Higher
// scores are evicted first. This jointly accounts for memory pressure and
// operator-assigned importance, unlike pure LRU or LFU.
type EvictionScorer struct {
	weights EvictionWeights
}

// NewEvictionScorer creates a scorer with the given weights
func NewEvictionScorer(weights EvictionWeights) *EvictionScorer {
	return &EvictionScorer{weights: weights}
}

const (
	maxAgeHours  = 24.0
	sizeScoreRef = float64(1 << 20)
)

// Score computes the composite eviction score for an entry's metadata
func (s *EvictionScorer) Score(meta Meta, now time.Time) float64 {
	ageScore := meta.Age(now).Hours() / maxAgeHours
	if ageScore > 1 {
		ageScore = 1
	}

	accessScore := 1.0 / (1.0 + float64(meta.AccessCount))

	sizeScore := float64(meta.SizeBytes) / sizeScoreRef
	if sizeScore > 1 {
		sizeScore = 1
	}

	priority := meta.Priority
	if priority < MinPriority {
		priority = MinPriority
	}
	priorityScore := 1.0 / float64(priority)

	return s.weights.Age*ageScore +
		s.weights.Access*accessScore +
		s.weights.Size*sizeScore +
		s.weights.Priority*priorityScore
}

// candidate pairs an indexed entry with its score for ranking
type candidate struct {
	namespace string
	key       string
	size      int64
	score     float64
}

// rank orders candidates by descending score. The sort is stable, so ties
// fall back to insertion order.
func rank(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
}

// sortBySeq orders identifiers by their insertion sequence
func sortBySeq(ids []string, index map[string]*indexEntry) {
	sort.Slice(ids, func(i, j int) bool {
		return index[ids[i]].seq < index[ids[j]].seq
	})
}
