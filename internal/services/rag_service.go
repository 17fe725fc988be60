package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatcontext/internal/document"
	"chatcontext/internal/logging"
	"chatcontext/internal/models"

	"github.com/sirupsen/logrus"
)

// MaxMessageLength is the longest accepted user message, in runes
const MaxMessageLength = 8000

const (
	minUtteranceLength     = 15
	userFactImportance     = 0.8
	conversationImportance = 0.5
	defaultInsightTimeout  = 30 * time.Second
)

var firstPersonWords = map[string]struct{}{
	"i": {}, "i'm": {}, "im": {}, "i've": {}, "i'd": {}, "i'll": {},
	"my": {}, "mine": {}, "myself": {},
}

// AnswerConfig holds the model settings used on the answer path
type AnswerConfig struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	InsightTimeout time.Duration
}

// RAGService answers chat messages from the user's own knowledge
type RAGService struct {
	cache     *SemanticCacheService
	embedder  Embedder
	retriever *RetrievalScorer
	assembler *ContextAssembler
	llm       ChatCompleter
	insights  *InsightService // optional
	knowledge KnowledgeStore
	metrics   *Metrics
	cfg       AnswerConfig

	background sync.WaitGroup
}

// NewRAGService wires the answer pipeline. insights may be nil.
func NewRAGService(
	cache *SemanticCacheService,
	embedder Embedder,
	retriever *RetrievalScorer,
	assembler *ContextAssembler,
	llm ChatCompleter,
	insights *InsightService,
	knowledge KnowledgeStore,
	cfg AnswerConfig,
	metrics *Metrics,
) *RAGService {
	if cfg.InsightTimeout <= 0 {
		cfg.InsightTimeout = defaultInsightTimeout
	}
	return &RAGService{
		cache:     cache,
		embedder:  embedder,
		retriever: retriever,
		assembler: assembler,
		llm:       llm,
		insights:  insights,
		knowledge: knowledge,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// ValidateMessage checks a chat message before any work is done
func ValidateMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(message); n > MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidInput, n, MaxMessageLength)
	}
	return nil
}

// Answer runs the retrieval pipeline for one message. The cache is
// consulted before any provider call; identical concurrent misses of one
// user are computed once.
func (s *RAGService) Answer(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if err := ValidateMessage(req.Message); err != nil {
		return nil, err
	}

	start := time.Now()
	log := logging.WithUser(logging.Component("rag"), req.UserID)
	queryHash := HashQuery(req.Message)

	defer s.scheduleInsightUpdate(req.UserID, req.Message, req.History)

	if entry := s.cache.Lookup(ctx, req.UserID, queryHash); entry != nil {
		s.metrics.RecordChatRequest(time.Since(start).Seconds())
		return responseFromCache(entry.Response), nil
	}

	resp, err := s.cache.Coalesce(ctx, req.UserID, queryHash, func(ctx context.Context) (*models.ChatResponse, error) {
		return s.generate(ctx, req, queryHash)
	})
	if err != nil {
		s.metrics.RecordChatError("generation")
		return nil, err
	}

	s.metrics.RecordChatRequest(time.Since(start).Seconds())
	log.WithFields(logrus.Fields{
		"message_length": len(req.Message),
		"sources":        len(resp.Sources),
		"cached":         resp.Cached,
		"degraded":       resp.Degraded,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("Answered chat message")
	return resp, nil
}

func responseFromCache(cached models.CachedResponse) *models.ChatResponse {
	sources := cached.Sources
	if sources == nil {
		sources = []string{}
	}
	return &models.ChatResponse{
		Answer:     cached.Answer,
		Sources:    sources,
		Confidence: cached.Confidence,
		Cached:     true,
	}
}

func (s *RAGService) generate(ctx context.Context, req models.ChatRequest, queryHash string) (*models.ChatResponse, error) {
	log := logging.WithUser(logging.Component("rag"), req.UserID)

	embedding, err := s.embedder.Embed(ctx, req.Message)
	if err != nil {
		log.WithError(err).Warn("Query embedding unavailable, retrieving lexically")
		embedding = nil
	}

	result, err := s.retriever.Retrieve(ctx, req.UserID, req.Message, embedding)
	if err != nil {
		log.WithError(err).Error("Retrieval failed, answering without knowledge")
		result = &RetrievalResult{Degraded: true}
	}

	var profile *models.AIInsightProfile
	if s.insights != nil {
		profile, err = s.insights.GetProfile(ctx, req.UserID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.WithError(err).Warn("Failed to load insight profile, continuing without it")
			}
			profile = nil
		}
	}

	assembled := s.assembler.Assemble(result.Fragments, profile, req.History, req.Message)

	answer, err := s.llm.Complete(ctx, CompletionRequest{
		Purpose:     PurposeAnswer,
		Model:       s.cfg.Model,
		Messages:    assembled.Messages,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	resp := &models.ChatResponse{
		Answer:     answer,
		Sources:    assembled.Sources,
		Confidence: result.MaxConfidence(),
		Degraded:   result.Degraded,
	}

	if result.Degraded {
		return resp, nil
	}

	cached := models.CachedResponse{Answer: resp.Answer, Sources: resp.Sources, Confidence: resp.Confidence}
	if err := s.cache.Store(ctx, req.UserID, queryHash, embedding, cached, 0); err != nil {
		log.WithError(err).Warn("Failed to cache response")
	}

	s.rememberUtterance(ctx, req.UserID, req.Message, embedding)
	return resp, nil
}

// rememberUtterance stores a meaningful user message as a fragment,
// reusing the query embedding
func (s *RAGService) rememberUtterance(ctx context.Context, userID, message string, embedding []float32) {
	if !IsMeaningfulUtterance(message) {
		return
	}

	contentType := ClassifyUtterance(message)
	importance := conversationImportance
	if contentType == models.ContentTypeUserFact {
		importance = userFactImportance
	}

	fragment := &models.KnowledgeFragment{
		UserID:      userID,
		Content:     strings.TrimSpace(message),
		ContentType: contentType,
		Embedding:   embedding,
		Topics:      document.ExtractKeywords(message, 5),
		Importance:  importance,
	}
	if err := s.knowledge.Insert(ctx, fragment); err != nil {
		logging.WithUser(logging.Component("rag"), userID).WithError(err).Warn("Failed to store utterance")
		return
	}
	s.metrics.RecordFragmentsIngested(string(contentType), 1)
}

// IsMeaningfulUtterance reports whether a message is worth remembering
func IsMeaningfulUtterance(message string) bool {
	trimmed := strings.TrimSpace(message)
	if utf8.RuneCountInString(trimmed) < minUtteranceLength {
		return false
	}
	return !isGreeting(trimmed)
}

// ClassifyUtterance returns user_fact for first-person statements and
// conversation for everything else, questions included
func ClassifyUtterance(message string) models.ContentType {
	trimmed := strings.TrimSpace(message)
	if strings.HasSuffix(trimmed, "?") {
		return models.ContentTypeConversation
	}
	for _, word := range strings.Fields(strings.ToLower(trimmed)) {
		word = strings.Trim(word, ".,!;:\"'()")
		word = strings.ReplaceAll(word, "’", "'")
		if _, ok := firstPersonWords[word]; ok {
			return models.ContentTypeUserFact
		}
	}
	return models.ContentTypeConversation
}

// Search is a retrieval-only preview of what Answer would use
func (s *RAGService) Search(ctx context.Context, userID, query string) (*RetrievalResult, error) {
	if err := ValidateMessage(query); err != nil {
		return nil, err
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		logging.WithUser(logging.Component("rag"), userID).WithError(err).Warn("Query embedding unavailable, searching lexically")
		embedding = nil
	}
	return s.retriever.Retrieve(ctx, userID, query, embedding)
}

func (s *RAGService) scheduleInsightUpdate(userID, message string, history []models.ChatTurn) {
	if s.insights == nil {
		return
	}
	turns := append([]models.ChatTurn(nil), history...)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InsightTimeout)
		defer cancel()

		outcome, err := s.insights.Update(ctx, userID, message, turns)
		if err != nil {
			logging.WithUser(logging.Component("insight"), userID).WithError(err).WithField("outcome", outcome).Warn("Insight update failed")
		}
	}()
}

// Close waits for background insight updates to finish
func (s *RAGService) Close() {
	s.background.Wait()
}
