package memory

import "context"

// VectorStore persists one MemoryVector per stored message and executes
// similarity search over an owner's vectors. Implementations degrade, never
// panic: an unreachable backend is reported as *VectorStoreError and the
// orchestrator turns it into "no memory found".
type VectorStore interface {
	// Store embeds and persists messages for one owner. Partial failure is
	// collected into the report; the error return is reserved for whole-batch
	// failures such as an unreachable backend.
	Store(ctx context.Context, ownerID, conversationID, chatID string, messages []Message) (StoreReport, error)

	// Search embeds the query (unless q.Embedding is set) and returns hits
	// above q.MinSimilarity, at most q.TopK, sorted by descending similarity
	// with ties broken by most recent timestamp.
	Search(ctx context.Context, ownerID string, q SearchQuery) ([]SearchHit, error)

	// DeleteOwner removes all vectors for one owner. Used only for explicit
	// user-data deletion.
	DeleteOwner(ctx context.Context, ownerID string) error

	Close() error
}

// ConversationReader provides the direct conversation-history reads behind
// tier-1 recall.
type ConversationReader interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// FactReader lists a user's extracted long-term facts.
type FactReader interface {
	ListFacts(ctx context.Context, userID string, limit int) ([]ExtractedMemory, error)
}

// Searcher is the semantic-search entry the assembler calls. The service
// implements it with embedding- and result-cache layering on top of the
// VectorStore.
type Searcher interface {
	Search(ctx context.Context, ownerID string, q SearchQuery) ([]SearchHit, error)
}
