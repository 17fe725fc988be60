package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Insight update outcomes, used as metric labels
const (
	InsightOutcomeSkipped  = "skipped"
	InsightOutcomeNoChange = "no_change"
	InsightOutcomeUpdated  = "updated"
	InsightOutcomeFailed   = "failed"
	InsightOutcomeInFlight = "in_flight"
)

const maxPreferredLanguageLen = 32

// InsightSystemPrompt instructs the model to return a profile delta as JSON
const InsightSystemPrompt = `You analyze conversations to maintain a profile of the user that helps an assistant personalize answers.

Return ONLY a JSON object with these keys:
{
  "shouldUpdate": boolean,        // false when the conversation reveals nothing new about the user
  "confidence": number,           // 0.0-1.0, how sure you are about the extracted insight
  "personalityTraits": [string],
  "behaviorPatterns": {string: string},
  "topicInterests": [string],
  "painPoints": [string],
  "aiMetadata": {
    "communicationStyle": "concise" | "detailed" | "casual" | "formal" | "technical",
    "expertiseLevel": "beginner" | "intermediate" | "expert",
    "preferredLanguage": string,
    "timezone": string            // IANA name such as "Europe/Berlin"
  },
  "reasoning": string
}

RULES:
- Only include what the user explicitly showed or stated
- Keep each item short (a few words)
- Omit keys you have nothing for
- Do not repeat what is already in the current profile`

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "hey there": {}, "hello there": {}, "hi there": {},
	"thanks": {}, "thank you": {}, "thanks a lot": {}, "thank you so much": {}, "thank you very much": {},
	"ok": {}, "okay": {}, "ok thanks": {}, "okay thanks": {}, "ok thank you": {}, "okay thank you": {},
	"bye": {}, "goodbye": {}, "see you": {}, "see you later": {}, "have a nice day": {},
	"good morning": {}, "good afternoon": {}, "good evening": {}, "good night": {},
}

// InsightPolicy gates how often and on what the analysis runs
type InsightPolicy struct {
	MinInterval      time.Duration
	MinMessageLength int // runes, after trimming
	RecentTurns      int
}

// DefaultInsightPolicy returns the production gate
func DefaultInsightPolicy() InsightPolicy {
	return InsightPolicy{MinInterval: time.Hour, MinMessageLength: 20, RecentTurns: 10}
}

// InsightContext is what the gate needs to know about the user's profile
type InsightContext struct {
	LastAnalysisAt *time.Time
	Now            time.Time
}

// InsightService maintains AI insight profiles from conversations
type InsightService struct {
	store    InsightStore
	llm      ChatCompleter
	model    string
	metrics  *Metrics
	profiles *cache.Cache
	epoch    atomic.Uint64 // bumped on every profile invalidation
	bus      Broadcaster   // optional, fans profile invalidations out to other instances
	now      func() time.Time
	inFlight sync.Map // userID -> struct{}

	mu     sync.RWMutex
	policy InsightPolicy
}

// NewInsightService creates the insight updater
func NewInsightService(store InsightStore, llm ChatCompleter, model string, policy InsightPolicy, metrics *Metrics) *InsightService {
	return &InsightService{
		store:    store,
		llm:      llm,
		model:    model,
		metrics:  metrics,
		profiles: cache.New(5*time.Minute, 10*time.Minute),
		now:      time.Now,
		policy:   policy,
	}
}

// SetPolicy replaces the analysis gate
func (s *InsightService) SetPolicy(policy InsightPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
}

func (s *InsightService) currentPolicy() InsightPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// ShouldAnalyze reports whether message is worth an LLM analysis
func (s *InsightService) ShouldAnalyze(message string, ictx InsightContext) bool {
	policy := s.currentPolicy()

	trimmed := strings.TrimSpace(message)
	if utf8.RuneCountInString(trimmed) < policy.MinMessageLength {
		return false
	}
	if isGreeting(trimmed) {
		return false
	}
	if !analysisDue(ictx.LastAnalysisAt, ictx.Now, policy.MinInterval) {
		return false
	}
	return true
}

func isGreeting(message string) bool {
	normalized := strings.ToLower(message)
	normalized = strings.TrimRight(normalized, "?!.,:;)( ")
	normalized = strings.Join(strings.Fields(strings.ReplaceAll(normalized, ",", " ")), " ")
	_, ok := greetings[normalized]
	return ok
}

// SetBroadcaster installs bus. Call before serving traffic.
func (s *InsightService) SetBroadcaster(bus Broadcaster) {
	s.bus = bus
}

// GetProfile returns the user's profile through a short-lived cache.
// Returns ErrNotFound when the user has none.
func (s *InsightService) GetProfile(ctx context.Context, userID string) (*models.AIInsightProfile, error) {
	if cached, ok := s.profiles.Get(userID); ok {
		return cached.(*models.AIInsightProfile), nil
	}

	epoch := s.epoch.Load()
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	// A read that raced an invalidation may predate the write
	if s.epoch.Load() == epoch {
		s.profiles.Set(userID, profile, cache.DefaultExpiration)
	}
	return profile, nil
}

// DropProfile evicts userID's cached profile on this instance only
func (s *InsightService) DropProfile(userID string) {
	s.epoch.Add(1)
	s.profiles.Delete(userID)
}

func (s *InsightService) invalidateProfile(ctx context.Context, userID string) {
	s.DropProfile(userID)
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, InvalidateProfile, userID); err != nil {
		logging.WithUser(logging.Component("insight"), userID).WithError(err).Warn("Failed to publish profile invalidation")
	}
}

// ListLog returns a page of the user's audit log
func (s *InsightService) ListLog(ctx context.Context, userID string, page, pageSize int) (*models.InsightLogResponse, error) {
	page, pageSize = normalizePage(page, pageSize)
	entries, err := s.store.ListLog(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.InsightUpdateLogEntry{}
	}
	return &models.InsightLogResponse{Entries: entries, Page: page, PageSize: pageSize}, nil
}

// Analyze asks the model for insights on the recent conversation.
// Any failure yields {ShouldUpdate: false, Confidence: 0}.
func (s *InsightService) Analyze(ctx context.Context, userID string, profile *models.AIInsightProfile, recentTurns []models.ChatTurn) models.InsightAnalysis {
	analysis, err := s.analyze(ctx, userID, profile, recentTurns)
	if err != nil {
		logging.WithUser(logging.Component("insight"), userID).WithError(err).Warn("Insight analysis failed")
		return models.InsightAnalysis{}
	}
	return *analysis
}

func (s *InsightService) analyze(ctx context.Context, userID string, profile *models.AIInsightProfile, recentTurns []models.ChatTurn) (*models.InsightAnalysis, error) {
	policy := s.currentPolicy()
	if policy.RecentTurns > 0 && len(recentTurns) > policy.RecentTurns {
		recentTurns = recentTurns[len(recentTurns)-policy.RecentTurns:]
	}

	var transcript strings.Builder
	for _, turn := range recentTurns {
		switch turn.Role {
		case models.RoleUser:
			transcript.WriteString("USER: " + turn.Content + "\n")
		case models.RoleAssistant:
			transcript.WriteString("ASSISTANT: " + turn.Content + "\n")
		}
	}

	current := profileBlock(profile)
	if current == "" {
		current = "(empty)\n"
	}
	userPrompt := fmt.Sprintf("CURRENT PROFILE:\n%s\nCONVERSATION:\n%s\nReturn the JSON object now.", current, transcript.String())

	start := time.Now()
	content, err := s.llm.Complete(ctx, CompletionRequest{
		Purpose: PurposeInsight,
		Model:   s.model,
		Messages: []models.ChatTurn{
			{Role: models.RoleSystem, Content: InsightSystemPrompt},
			{Role: models.RoleUser, Content: userPrompt},
		},
		Temperature: 0.2,
		MaxTokens:   600,
		JSONOutput:  true,
	})
	if err != nil {
		return nil, err
	}

	analysis, err := ParseInsightAnalysis(content)
	if err != nil {
		return nil, err
	}

	logging.WithUser(logging.Component("insight"), userID).WithFields(logrus.Fields{
		"should_update": analysis.ShouldUpdate,
		"confidence":    analysis.Confidence,
		"duration_ms":   time.Since(start).Milliseconds(),
	}).Debug("Insight analysis completed")
	return analysis, nil
}

// ParseInsightAnalysis validates the model's JSON reply. shouldUpdate and
// confidence must be present; aiMetadata keys are schema-checked and the
// rejected ones reported in RejectedMetadata.
func ParseInsightAnalysis(content string) (*models.InsightAnalysis, error) {
	content = extractJSONObject(content)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse insight response (length %d): %w", len(content), err)
	}
	for _, key := range []string{"shouldUpdate", "confidence"} {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("insight response is missing %q", key)
		}
	}

	analysis := &models.InsightAnalysis{}
	if err := json.Unmarshal(raw["shouldUpdate"], &analysis.ShouldUpdate); err != nil {
		return nil, fmt.Errorf("invalid shouldUpdate: %w", err)
	}
	if err := json.Unmarshal(raw["confidence"], &analysis.Confidence); err != nil {
		return nil, fmt.Errorf("invalid confidence: %w", err)
	}
	if math.IsNaN(analysis.Confidence) {
		analysis.Confidence = 0
	}
	analysis.Confidence = math.Max(0, math.Min(1, analysis.Confidence))

	analysis.PersonalityTraits = stringList(raw["personalityTraits"])
	analysis.TopicInterests = stringList(raw["topicInterests"])
	analysis.PainPoints = stringList(raw["painPoints"])
	analysis.BehaviorPatterns = stringMap(raw["behaviorPatterns"])
	if r, ok := raw["reasoning"]; ok {
		_ = json.Unmarshal(r, &analysis.Reasoning)
	}
	analysis.AIMetadata, analysis.RejectedMetadata = validateMetadata(raw["aiMetadata"])

	return analysis, nil
}

// extractJSONObject strips code fences and prose around the outermost object
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(content)
	}
	return content[start : end+1]
}

func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func stringMap(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var items map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make(map[string]string, len(items))
	for k, v := range items {
		k = strings.TrimSpace(k)
		s, ok := v.(string)
		if !ok || k == "" {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out[k] = s
		}
	}
	return out
}

func validateMetadata(raw json.RawMessage) (models.AIMetadata, []string) {
	var meta models.AIMetadata
	if len(raw) == 0 {
		return meta, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return meta, []string{"aiMetadata"}
	}

	var rejected []string
	for key, value := range fields {
		s, ok := value.(string)
		s = strings.TrimSpace(s)
		if !ok || s == "" {
			rejected = append(rejected, key)
			continue
		}
		switch key {
		case "communicationStyle":
			if v := strings.ToLower(s); containsString(models.CommunicationStyles, v) {
				meta.CommunicationStyle = v
			} else {
				rejected = append(rejected, key)
			}
		case "expertiseLevel":
			if v := strings.ToLower(s); containsString(models.ExpertiseLevels, v) {
				meta.ExpertiseLevel = v
			} else {
				rejected = append(rejected, key)
			}
		case "preferredLanguage":
			if utf8.RuneCountInString(s) <= maxPreferredLanguageLen {
				meta.PreferredLanguage = s
			} else {
				rejected = append(rejected, key)
			}
		case "timezone":
			if validTimezone(s) {
				meta.Timezone = s
			} else {
				rejected = append(rejected, key)
			}
		default:
			rejected = append(rejected, key)
		}
	}
	sort.Strings(rejected)
	return meta, rejected
}

func validTimezone(name string) bool {
	if name == "Local" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// MergeInsights folds insight into profile and returns the merged copy and
// what changed. Arrays are unioned case-insensitively keeping existing order,
// maps are shallow-merged, metadata fields are overridden by non-empty values
// and confidence becomes the max. Merging the same insight twice is a no-op.
func MergeInsights(profile *models.AIInsightProfile, insight models.InsightAnalysis) (*models.AIInsightProfile, models.InsightDiff) {
	var merged models.AIInsightProfile
	if profile != nil {
		merged = *profile
	}

	var diff models.InsightDiff
	merged.PersonalityTraits, diff.AddedTraits = unionStrings(merged.PersonalityTraits, insight.PersonalityTraits)
	merged.TopicInterests, diff.AddedInterests = unionStrings(merged.TopicInterests, insight.TopicInterests)
	merged.PainPoints, diff.AddedPainPoints = unionStrings(merged.PainPoints, insight.PainPoints)

	patterns := make(map[string]string, len(merged.BehaviorPatterns)+len(insight.BehaviorPatterns))
	for k, v := range merged.BehaviorPatterns {
		patterns[k] = v
	}
	for k, v := range insight.BehaviorPatterns {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" || patterns[k] == v {
			continue
		}
		patterns[k] = v
		if diff.ChangedPatterns == nil {
			diff.ChangedPatterns = map[string]string{}
		}
		diff.ChangedPatterns[k] = v
	}
	merged.BehaviorPatterns = patterns

	setMeta := func(name string, current *string, incoming string) {
		if incoming == "" || *current == incoming {
			return
		}
		*current = incoming
		if diff.ChangedMetadata == nil {
			diff.ChangedMetadata = map[string]string{}
		}
		diff.ChangedMetadata[name] = incoming
	}
	setMeta("communicationStyle", &merged.AIMetadata.CommunicationStyle, insight.AIMetadata.CommunicationStyle)
	setMeta("expertiseLevel", &merged.AIMetadata.ExpertiseLevel, insight.AIMetadata.ExpertiseLevel)
	setMeta("preferredLanguage", &merged.AIMetadata.PreferredLanguage, insight.AIMetadata.PreferredLanguage)
	setMeta("timezone", &merged.AIMetadata.Timezone, insight.AIMetadata.Timezone)

	if insight.Confidence > merged.ConfidenceScore {
		merged.ConfidenceScore = insight.Confidence
	}
	diff.RejectedMetadata = insight.RejectedMetadata

	return &merged, diff
}

// unionStrings appends the new, trimmed, case-insensitively unseen items of
// incoming to a copy of existing
func unionStrings(existing, incoming []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, item := range existing {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok || item == "" {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, item)
	}

	var added []string
	for _, item := range incoming {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok || item == "" {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, item)
		added = append(added, item)
	}
	return merged, added
}

var errAnalysisNotDue = errors.New("insight analysis not due")

func analysisDue(last *time.Time, now time.Time, interval time.Duration) bool {
	return last == nil || now.Sub(*last) >= interval
}

// Update runs the full insight cycle for one user message: gate, analyze,
// merge, persist with an audit entry. The gate reads the stored profile, and
// the merge is re-based on the stored profile inside the write so concurrent
// updaters on other instances never overwrite each other. Nothing is written
// on failure.
func (s *InsightService) Update(ctx context.Context, userID, message string, recentTurns []models.ChatTurn) (string, error) {
	log := logging.WithUser(logging.Component("insight"), userID)

	if _, busy := s.inFlight.LoadOrStore(userID, struct{}{}); busy {
		s.metrics.RecordInsightUpdate(InsightOutcomeInFlight)
		return InsightOutcomeInFlight, nil
	}
	defer s.inFlight.Delete(userID)

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.metrics.RecordInsightUpdate(InsightOutcomeFailed)
		return InsightOutcomeFailed, fmt.Errorf("failed to load insight profile: %w", err)
	}

	ictx := InsightContext{Now: s.now()}
	if profile != nil {
		ictx.LastAnalysisAt = profile.LastAnalysisAt
	}
	if !s.ShouldAnalyze(message, ictx) {
		s.metrics.RecordInsightUpdate(InsightOutcomeSkipped)
		return InsightOutcomeSkipped, nil
	}

	turns := append(append([]models.ChatTurn{}, recentTurns...), models.ChatTurn{Role: models.RoleUser, Content: message})
	analysis, err := s.analyze(ctx, userID, profile, turns)
	if err != nil {
		s.metrics.RecordInsightUpdate(InsightOutcomeFailed)
		return InsightOutcomeFailed, fmt.Errorf("insight analysis failed: %w", err)
	}

	now := s.now()
	interval := s.currentPolicy().MinInterval

	var outcome string
	var diff models.InsightDiff
	err = s.store.UpdateProfile(ctx, userID, func(current *models.AIInsightProfile) (*models.AIInsightProfile, *models.InsightUpdateLogEntry, error) {
		// another instance analyzed since the gate read
		if current != nil && !analysisDue(current.LastAnalysisAt, now, interval) {
			return nil, nil, errAnalysisNotDue
		}

		base := current
		if base == nil {
			base = newEmptyProfile(userID, now)
		}

		merged, d := MergeInsights(base, *analysis)
		if !analysis.ShouldUpdate || d.IsEmpty() {
			next := *base
			next.LastAnalysisAt = &now
			outcome, diff = InsightOutcomeNoChange, models.InsightDiff{}
			return &next, nil, nil
		}

		merged.UserID = userID
		merged.LastAnalysisAt = &now
		merged.UpdatedAt = now
		outcome, diff = InsightOutcomeUpdated, d

		return merged, &models.InsightUpdateLogEntry{
			ID:         uuid.New().String(),
			UserID:     userID,
			Diff:       d,
			Confidence: analysis.Confidence,
			Reasoning:  analysis.Reasoning,
			Model:      s.model,
			CreatedAt:  now,
		}, nil
	})
	if errors.Is(err, errAnalysisNotDue) {
		log.Debug("Profile was analyzed concurrently, dropping this analysis")
		s.metrics.RecordInsightUpdate(InsightOutcomeSkipped)
		return InsightOutcomeSkipped, nil
	}
	if err != nil {
		s.metrics.RecordInsightUpdate(InsightOutcomeFailed)
		return InsightOutcomeFailed, err
	}
	s.invalidateProfile(ctx, userID)

	if outcome == InsightOutcomeUpdated {
		log.WithFields(logrus.Fields{
			"added_traits":    len(diff.AddedTraits),
			"added_interests": len(diff.AddedInterests),
			"added_pains":     len(diff.AddedPainPoints),
			"confidence":      analysis.Confidence,
		}).Info("Insight profile updated")
	}
	s.metrics.RecordInsightUpdate(outcome)
	return outcome, nil
}

