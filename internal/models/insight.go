package models

import "time"

// Communication styles accepted in AIMetadata
var CommunicationStyles = []string{"concise", "detailed", "casual", "formal", "technical"}

// Expertise levels accepted in AIMetadata
var ExpertiseLevels = []string{"beginner", "intermediate", "expert"}

// AIMetadata holds the validated free-form hints extracted about a user
type AIMetadata struct {
	CommunicationStyle string `bson:"communicationStyle,omitempty" json:"communication_style,omitempty"`
	ExpertiseLevel     string `bson:"expertiseLevel,omitempty" json:"expertise_level,omitempty"`
	PreferredLanguage  string `bson:"preferredLanguage,omitempty" json:"preferred_language,omitempty"`
	Timezone           string `bson:"timezone,omitempty" json:"timezone,omitempty"` // IANA name
}

// IsZero reports whether no metadata field is set
func (m AIMetadata) IsZero() bool {
	return m == AIMetadata{}
}

// AIInsightProfile is the per-user profile built from conversation analysis
type AIInsightProfile struct {
	UserID            string            `bson:"userId" json:"user_id"`
	PersonalityTraits []string          `bson:"personalityTraits" json:"personality_traits"`
	BehaviorPatterns  map[string]string `bson:"behaviorPatterns" json:"behavior_patterns"`
	TopicInterests    []string          `bson:"topicInterests" json:"topic_interests"`
	PainPoints        []string          `bson:"painPoints" json:"pain_points"`
	ConfidenceScore   float64           `bson:"confidenceScore" json:"confidence_score"`
	AIMetadata        AIMetadata        `bson:"aiMetadata" json:"ai_metadata"`

	LastAnalysisAt *time.Time `bson:"lastAnalysisAt,omitempty" json:"last_analysis_at,omitempty"`
	CreatedAt      time.Time  `bson:"createdAt" json:"created_at"`
	UpdatedAt      time.Time  `bson:"updatedAt" json:"updated_at"`
}

// IsEmpty reports whether the profile carries no insight yet
func (p *AIInsightProfile) IsEmpty() bool {
	return p == nil || (len(p.PersonalityTraits) == 0 &&
		len(p.BehaviorPatterns) == 0 &&
		len(p.TopicInterests) == 0 &&
		len(p.PainPoints) == 0 &&
		p.AIMetadata.IsZero())
}

// InsightAnalysis is the validated result of one LLM analysis
type InsightAnalysis struct {
	ShouldUpdate      bool              `json:"should_update"`
	Confidence        float64           `json:"confidence"`
	PersonalityTraits []string          `json:"personality_traits,omitempty"`
	BehaviorPatterns  map[string]string `json:"behavior_patterns,omitempty"`
	TopicInterests    []string          `json:"topic_interests,omitempty"`
	PainPoints        []string          `json:"pain_points,omitempty"`
	AIMetadata        AIMetadata        `json:"ai_metadata"`
	Reasoning         string            `json:"reasoning,omitempty"`
	RejectedMetadata  []string          `json:"rejected_metadata,omitempty"` // keys dropped by validation
}

// InsightDiff records what a merge changed
type InsightDiff struct {
	AddedTraits      []string          `bson:"addedTraits,omitempty" json:"added_traits,omitempty"`
	AddedInterests   []string          `bson:"addedInterests,omitempty" json:"added_interests,omitempty"`
	AddedPainPoints  []string          `bson:"addedPainPoints,omitempty" json:"added_pain_points,omitempty"`
	ChangedPatterns  map[string]string `bson:"changedPatterns,omitempty" json:"changed_patterns,omitempty"`
	ChangedMetadata  map[string]string `bson:"changedMetadata,omitempty" json:"changed_metadata,omitempty"`
	RejectedMetadata []string          `bson:"rejectedMetadata,omitempty" json:"rejected_metadata,omitempty"`
}

// IsEmpty reports whether the merge changed nothing
func (d InsightDiff) IsEmpty() bool {
	return len(d.AddedTraits) == 0 &&
		len(d.AddedInterests) == 0 &&
		len(d.AddedPainPoints) == 0 &&
		len(d.ChangedPatterns) == 0 &&
		len(d.ChangedMetadata) == 0
}

// InsightUpdateLogEntry is an append-only audit record of a profile mutation
type InsightUpdateLogEntry struct {
	ID         string      `bson:"_id" json:"id"`
	UserID     string      `bson:"userId" json:"user_id"`
	Diff       InsightDiff `bson:"diff" json:"diff"`
	Confidence float64     `bson:"confidence" json:"confidence"`
	Reasoning  string      `bson:"reasoning" json:"reasoning"`
	Model      string      `bson:"model" json:"model"`
	CreatedAt  time.Time   `bson:"createdAt" json:"created_at"`
}

// InsightLogResponse is a page of audit entries
type InsightLogResponse struct {
	Entries  []InsightUpdateLogEntry `json:"entries"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
}
