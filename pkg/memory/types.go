// Package memory implements hierarchical memory retrieval for chat turns:
// embedding-based semantic search over prior conversations, a three-tier
// in-process cache, a background indexer that pre-warms hot entries, and an
// orchestrator that assembles context under a deadline with graceful
// degradation.
package memory

import "time"

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MemoryContextID is the reserved message ID for the synthetic context
// message injected by the orchestrator. Conversation stores must never
// persist it as a real turn.
const MemoryContextID = "memory-context"

// Message is a single conversation turn. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a flat ordered sequence of messages. A ChatID groups
// multiple conversations for cross-conversation recall; UserID scopes
// all-time recall across chats.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchScope is the breadth of a semantic search.
type SearchScope string

const (
	ScopeConversation SearchScope = "conversation"
	ScopeChat         SearchScope = "chat"
	ScopeUser         SearchScope = "user"
)

// SearchQuery describes one vector-store search. Embedding, when set, is
// used as-is so callers can reuse cached query vectors; when nil the store
// embeds Text itself.
type SearchQuery struct {
	Text           string
	Embedding      []float32
	Scope          SearchScope
	ConversationID string
	ChatID         string
	TopK           int
	MinSimilarity  float64
}

// SearchHit is one scored vector-store match.
type SearchHit struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ChatID         string    `json:"chat_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Similarity     float64   `json:"similarity"`
	Timestamp      time.Time `json:"timestamp"`
}

// StoreFailure records one message whose vector could not be persisted.
type StoreFailure struct {
	MessageID string
	Err       error
}

// StoreReport collects the outcome of a batch vector store. Per-message
// failures do not abort the rest of the batch.
type StoreReport struct {
	Stored   int
	Failures []StoreFailure
}

// Failed reports whether every message in the batch failed.
func (r StoreReport) Failed() bool {
	return r.Stored == 0 && len(r.Failures) > 0
}

// Tier identifies where a recalled result came from.
type Tier int

const (
	// TierConversation is exact-match recall from the current conversation.
	TierConversation Tier = iota + 1
	// TierChat is semantic recall across conversations sharing a chat.
	TierChat
	// TierUser is semantic recall across all of the user's history and
	// extracted facts.
	TierUser
)

func (t Tier) String() string {
	switch t {
	case TierConversation:
		return "conversation"
	case TierChat:
		return "chat"
	case TierUser:
		return "user"
	default:
		return "unknown"
	}
}

// MemoryResult is one ranked recall unit. The Tier tag is closed: every
// formatting and merge decision switches on it explicitly.
type MemoryResult struct {
	Tier       Tier      `json:"tier"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
	Timestamp  time.Time `json:"timestamp"`
	SourceID   string    `json:"source_id"`
	FactType   FactType  `json:"fact_type,omitempty"`
}

// FactType classifies extracted long-term memories.
type FactType string

const (
	FactPreference FactType = "preference"
	FactSkill      FactType = "skill"
	FactFact       FactType = "fact"
	FactGoal       FactType = "goal"
	FactContext    FactType = "context"
)

// ExtractedMemory is a durable fact derived asynchronously from
// conversations. Regenerable; a higher-confidence fact of the same type and
// key supersedes older ones.
type ExtractedMemory struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Type          FactType  `json:"type"`
	Key           string    `json:"key"`
	Content       string    `json:"content"`
	Confidence    float64   `json:"confidence"`
	ExtractedFrom string    `json:"extracted_from"`
	Timestamp     time.Time `json:"timestamp"`
}

// JobType values for the background indexer.
type JobType string

const (
	JobUserProfile         JobType = "user_profile"
	JobCommonQueries       JobType = "common_queries"
	JobRecentConversations JobType = "recent_conversations"
	JobCatalogPreload      JobType = "catalog_preload"
)

// JobPriority orders queue draining. High drains before medium before low;
// insertion order is preserved within a class.
type JobPriority int

const (
	PriorityHigh JobPriority = iota
	PriorityMedium
	PriorityLow
)

func (p JobPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// JobStatus values. Transitions are pending -> processing -> completed or
// pending -> processing -> failed, never backward.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IndexingJob is one unit of background cache-warming work.
type IndexingJob struct {
	ID          string      `json:"id"`
	Type        JobType     `json:"type"`
	UserID      string      `json:"user_id,omitempty"`
	Priority    JobPriority `json:"priority"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ProcessedAt time.Time   `json:"processed_at,omitzero"`
	Error       string      `json:"error,omitempty"`
}

// IndexerStats is a read-only snapshot of indexer health.
type IndexerStats struct {
	Processed     uint64        `json:"processed"`
	Failed        uint64        `json:"failed"`
	QueueDepth    int           `json:"queue_depth"`
	AvgProcessing time.Duration `json:"avg_processing"`
}

// ContextRequest carries one chat turn into the orchestrator.
type ContextRequest struct {
	UserID         string        `json:"user_id"`
	ChatID         string        `json:"chat_id"`
	ConversationID string        `json:"conversation_id"`
	Messages       []Message     `json:"messages"`
	Deadline       time.Duration `json:"-"`
}

// ServiceStats is the orchestrator's operational counter snapshot.
type ServiceStats struct {
	ContextRequests uint64       `json:"context_requests"`
	CacheHits       uint64       `json:"cache_hits"`
	CacheMisses     uint64       `json:"cache_misses"`
	Degraded        uint64       `json:"degraded"`
	Corruptions     uint64       `json:"corruptions"`
	DroppedWrites   uint64       `json:"dropped_writes"`
	Indexer         IndexerStats `json:"indexer"`
}
