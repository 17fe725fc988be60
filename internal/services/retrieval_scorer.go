package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"

	"github.com/sirupsen/logrus"
)

// SimilarityTier maps a cosine similarity floor to a confidence
type SimilarityTier struct {
	Above      float64 // similarity must be strictly greater
	Confidence float64
}

// ScoringPolicy holds the hand-tuned thresholds of the retrieval scorer
type ScoringPolicy struct {
	ExactMatchConfidence float64
	SimilarityTiers      []SimilarityTier // ordered by Above, highest first

	ExactMatchPriority float64
	RecentFactPriority float64
	RecentFactWindow   time.Duration
	DayPriority        float64
	WeekPriority       float64
	BasePriority       float64

	// DegradedConfidenceCap bounds confidence when no query embedding was available
	DegradedConfidenceCap float64
}

// DefaultScoringPolicy returns the production thresholds
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		ExactMatchConfidence: 0.95,
		SimilarityTiers: []SimilarityTier{
			{Above: 0.4, Confidence: 0.9},
			{Above: 0.3, Confidence: 0.8},
			{Above: 0.25, Confidence: 0.7},
		},
		ExactMatchPriority:    3.0,
		RecentFactPriority:    2.5,
		RecentFactWindow:      7 * 24 * time.Hour,
		DayPriority:           1.5,
		WeekPriority:          1.0,
		BasePriority:          0.5,
		DegradedConfidenceCap: 0.5,
	}
}

// MinSimilarity is the lowest similarity that can produce a non-zero confidence
func (p ScoringPolicy) MinSimilarity() float64 {
	if len(p.SimilarityTiers) == 0 {
		return 1
	}
	min := p.SimilarityTiers[0].Above
	for _, tier := range p.SimilarityTiers[1:] {
		if tier.Above < min {
			min = tier.Above
		}
	}
	return min
}

// Confidence is the max of the exact-match signal and the similarity tier.
// Zero means the fragment is excluded.
func (p ScoringPolicy) Confidence(c models.CandidateFragment) float64 {
	confidence := 0.0
	if c.ExactMatch {
		confidence = p.ExactMatchConfidence
	}
	for _, tier := range p.SimilarityTiers {
		if c.Similarity > tier.Above {
			if tier.Confidence > confidence {
				confidence = tier.Confidence
			}
			break
		}
	}
	return confidence
}

// Priority applies the first matching recency rule
func (p ScoringPolicy) Priority(c models.CandidateFragment, now time.Time) float64 {
	age := now.Sub(c.CreatedAt)
	switch {
	case c.ExactMatch:
		return p.ExactMatchPriority
	case c.ContentType == models.ContentTypeUserFact && age <= p.RecentFactWindow:
		return p.RecentFactPriority
	case age <= 24*time.Hour:
		return p.DayPriority
	case age <= 7*24*time.Hour:
		return p.WeekPriority
	default:
		return p.BasePriority
	}
}

// RankCandidates scores candidates, drops zero-confidence ones and returns
// the top K ordered by (priority desc, similarity desc, createdAt desc).
func RankCandidates(candidates []models.CandidateFragment, policy ScoringPolicy, now time.Time, topK int, degraded bool) []models.ScoredFragment {
	scored := make([]models.ScoredFragment, 0, len(candidates))
	for _, c := range candidates {
		confidence := policy.Confidence(c)
		if confidence <= 0 {
			continue
		}
		if degraded && confidence > policy.DegradedConfidenceCap {
			confidence = policy.DegradedConfidenceCap
		}
		scored = append(scored, models.ScoredFragment{
			CandidateFragment: c,
			Confidence:        confidence,
			Priority:          policy.Priority(c, now),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// RetrievalResult is the outcome of one retrieval
type RetrievalResult struct {
	Fragments []models.ScoredFragment
	Degraded  bool // no query embedding; lexical matches only
}

// MaxConfidence returns the highest fragment confidence, 0 without fragments
func (r *RetrievalResult) MaxConfidence() float64 {
	max := 0.0
	for _, f := range r.Fragments {
		if f.Confidence > max {
			max = f.Confidence
		}
	}
	return max
}

// SourceIDs returns fragment IDs in rank order
func (r *RetrievalResult) SourceIDs() []string {
	ids := make([]string, 0, len(r.Fragments))
	for _, f := range r.Fragments {
		ids = append(ids, f.ID)
	}
	return ids
}

// RetrievalScorer retrieves and ranks a user's fragments for a query
type RetrievalScorer struct {
	store   KnowledgeStore
	policy  ScoringPolicy
	metrics *Metrics
	now     func() time.Time

	mu            sync.RWMutex
	topK          int
	candidatePool int
}

// NewRetrievalScorer creates a scorer over store
func NewRetrievalScorer(store KnowledgeStore, policy ScoringPolicy, topK, candidatePool int, metrics *Metrics) *RetrievalScorer {
	return &RetrievalScorer{
		store:         store,
		policy:        policy,
		metrics:       metrics,
		now:           time.Now,
		topK:          topK,
		candidatePool: candidatePool,
	}
}

// SetLimits updates top-K and the candidate pool size at runtime
func (s *RetrievalScorer) SetLimits(topK, candidatePool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topK = topK
	s.candidatePool = candidatePool
}

func (s *RetrievalScorer) limits() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topK, s.candidatePool
}

// Retrieve returns up to K ranked fragments of userID for the query.
// A nil queryEmbedding selects degraded, lexical-only retrieval.
func (s *RetrievalScorer) Retrieve(ctx context.Context, userID, queryText string, queryEmbedding []float32) (*RetrievalResult, error) {
	log := logging.WithUser(logging.Component("retrieval"), userID)
	start := time.Now()
	topK, pool := s.limits()
	degraded := len(queryEmbedding) == 0

	candidates, err := s.store.Candidates(ctx, userID, queryText, queryEmbedding, s.policy.MinSimilarity(), pool)
	if err != nil {
		return nil, err
	}

	result := &RetrievalResult{
		Fragments: RankCandidates(candidates, s.policy, s.now(), topK, degraded),
		Degraded:  degraded,
	}

	s.metrics.RecordRetrieval(time.Since(start).Seconds(), degraded)
	if degraded {
		log.WithField("fragments", len(result.Fragments)).Warn("Degraded retrieval: no query embedding, lexical matches only")
	}

	if len(result.Fragments) > 0 {
		if err := s.store.TouchAccess(ctx, userID, result.SourceIDs()); err != nil {
			log.WithError(err).Warn("Failed to record fragment access")
		}
	}

	log.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"selected":   len(result.Fragments),
		"duration":   time.Since(start).String(),
	}).Debug("Retrieval complete")

	return result, nil
}
