package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"chatcontext/internal/models"
)

// ContextLimits bounds the conversation history sent to the model
type ContextLimits struct {
	MaxTurns int
	MaxChars int
}

// DefaultContextLimits returns the production history budget
func DefaultContextLimits() ContextLimits {
	return ContextLimits{MaxTurns: 10, MaxChars: 3000}
}

// AssistantPersona opens every system prompt
const AssistantPersona = `You are a helpful personal assistant. Answer the user's question directly and accurately.
Use the context below when it is relevant. If the context does not contain the answer, say so instead of guessing.
Never mention that you were given retrieved context or a profile.`

// AssembledContext is everything sent to the model for one answer
type AssembledContext struct {
	SystemPrompt string
	Messages     []models.ChatTurn // system prompt, trimmed history, user message
	Sources      []string          // fragment ids in rank order
}

// ContextAssembler builds the prompt from retrieved fragments, the user's
// insight profile and recent history. It has no side effects.
type ContextAssembler struct {
	mu     sync.RWMutex
	limits ContextLimits
}

// NewContextAssembler creates an assembler with the given history budget
func NewContextAssembler(limits ContextLimits) *ContextAssembler {
	return &ContextAssembler{limits: limits}
}

// SetLimits replaces the history budget
func (a *ContextAssembler) SetLimits(limits ContextLimits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limits = limits
}

// Limits returns the current history budget
func (a *ContextAssembler) Limits() ContextLimits {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.limits
}

// Assemble builds the model input for userMessage
func (a *ContextAssembler) Assemble(fragments []models.ScoredFragment, profile *models.AIInsightProfile, history []models.ChatTurn, userMessage string) AssembledContext {
	limits := a.Limits()

	var builder strings.Builder
	builder.WriteString(AssistantPersona)

	if block := profileBlock(profile); block != "" {
		builder.WriteString("\n\n## Known about the user\n\n")
		builder.WriteString(block)
	}

	sources := make([]string, 0, len(fragments))
	if len(fragments) > 0 {
		builder.WriteString("\n\n## Relevant information\n\n")
		for i, f := range fragments {
			builder.WriteString(fmt.Sprintf("%d. [%s, confidence %.2f] %s\n", i+1, f.ContentType, f.Confidence, f.Content))
			sources = append(sources, f.ID)
		}
	}

	systemPrompt := builder.String()
	trimmed := TrimHistory(history, limits.MaxTurns, limits.MaxChars)

	messages := make([]models.ChatTurn, 0, len(trimmed)+2)
	messages = append(messages, models.ChatTurn{Role: models.RoleSystem, Content: systemPrompt})
	messages = append(messages, trimmed...)
	messages = append(messages, models.ChatTurn{Role: models.RoleUser, Content: userMessage})

	return AssembledContext{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Sources:      sources,
	}
}

// TrimHistory keeps the last maxTurns user/assistant turns, then drops the
// oldest until the total rune count is at most maxChars. The most recent
// turn is always kept and truncated to maxChars when it alone is too long.
func TrimHistory(history []models.ChatTurn, maxTurns, maxChars int) []models.ChatTurn {
	turns := make([]models.ChatTurn, 0, len(history))
	for _, t := range history {
		if t.Role != models.RoleUser && t.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		turns = append(turns, t)
	}

	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	if maxChars <= 0 || len(turns) == 0 {
		return turns
	}

	total := 0
	for _, t := range turns {
		total += utf8.RuneCountInString(t.Content)
	}
	for total > maxChars && len(turns) > 1 {
		total -= utf8.RuneCountInString(turns[0].Content)
		turns = turns[1:]
	}

	if total > maxChars {
		last := turns[0]
		last.Content = truncateRunes(last.Content, maxChars)
		turns = []models.ChatTurn{last}
	}

	out := make([]models.ChatTurn, len(turns))
	copy(out, turns)
	return out
}

func profileBlock(profile *models.AIInsightProfile) string {
	if profile.IsEmpty() {
		return ""
	}

	var builder strings.Builder
	writeList := func(label string, items []string) {
		if len(items) > 0 {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", label, strings.Join(items, ", ")))
		}
	}

	writeList("Personality", profile.PersonalityTraits)
	writeList("Interests", profile.TopicInterests)
	writeList("Pain points", profile.PainPoints)

	if len(profile.BehaviorPatterns) > 0 {
		keys := make([]string, 0, len(profile.BehaviorPatterns))
		for k := range profile.BehaviorPatterns {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		patterns := make([]string, 0, len(keys))
		for _, k := range keys {
			patterns = append(patterns, k+": "+profile.BehaviorPatterns[k])
		}
		writeList("Behavior", patterns)
	}

	meta := profile.AIMetadata
	if meta.CommunicationStyle != "" {
		builder.WriteString("- Prefers " + meta.CommunicationStyle + " answers\n")
	}
	if meta.ExpertiseLevel != "" {
		builder.WriteString("- Expertise: " + meta.ExpertiseLevel + "\n")
	}
	if meta.PreferredLanguage != "" {
		builder.WriteString("- Preferred language: " + meta.PreferredLanguage + "\n")
	}
	if meta.Timezone != "" {
		builder.WriteString("- Timezone: " + meta.Timezone + "\n")
	}

	return builder.String()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
