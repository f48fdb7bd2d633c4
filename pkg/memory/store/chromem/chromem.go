// Package chromem persists memory vectors in chromem-go, an embedded pure
// Go vector database. One collection per owner keeps similarity search
// scoped to a single user's data by construction.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/lumenchat/recall/pkg/memory"
)

// Store implements memory.VectorStore over chromem-go.
type Store struct {
	db       *chromem.DB
	embedder memory.Embedder
	logger   *zap.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New opens a persistent store at path, or an in-memory one when path is
// empty.
func New(path string, embedder memory.Embedder, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, &memory.VectorStoreError{Op: "open", Err: err}
		}
	}
	return &Store{
		db:          db,
		embedder:    embedder,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(ownerID string) string {
	return "owner-" + ownerID
}

func (s *Store) collection(ownerID string) (*chromem.Collection, error) {
	name := collectionName(ownerID)
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, &memory.VectorStoreError{Op: "create collection", Err: err}
	}
	s.collections[name] = col
	return col, nil
}

// Store persists one vector per message. A message whose embedding fails is
// recorded in the report and skipped; the rest of the batch still lands.
func (s *Store) Store(ctx context.Context, ownerID, conversationID, chatID string, messages []memory.Message) (memory.StoreReport, error) {
	col, err := s.collection(ownerID)
	if err != nil {
		return memory.StoreReport{}, err
	}

	var report memory.StoreReport
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			report.Failures = append(report.Failures, memory.StoreFailure{
				MessageID: msg.ID,
				Err:       memory.ErrEmptyInput,
			})
			continue
		}
		vec, err := s.embedder.Embed(ctx, msg.Content)
		if err != nil {
			report.Failures = append(report.Failures, memory.StoreFailure{MessageID: msg.ID, Err: err})
			continue
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		doc := chromem.Document{
			ID:        msg.ID,
			Content:   msg.Content,
			Embedding: vec,
			Metadata: map[string]string{
				"conversation_id": conversationID,
				"chat_id":         chatID,
				"role":            msg.Role,
				"ts":              strconv.FormatInt(ts.UnixNano(), 10),
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			report.Failures = append(report.Failures, memory.StoreFailure{
				MessageID: msg.ID,
				Err:       &memory.VectorStoreError{Op: "add", Err: err},
			})
			continue
		}
		report.Stored++
	}
	return report, nil
}

// Search runs cosine-similarity search within the query scope. Results
// below q.MinSimilarity are dropped; at most q.TopK are returned, sorted
// by descending similarity with ties going to the newest message.
func (s *Store) Search(ctx context.Context, ownerID string, q memory.SearchQuery) ([]memory.SearchHit, error) {
	col, err := s.collection(ownerID)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	vec := q.Embedding
	if vec == nil {
		vec, err = s.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, err
		}
	}

	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}
	var where map[string]string
	switch q.Scope {
	case memory.ScopeConversation:
		where = map[string]string{"conversation_id": q.ConversationID}
	case memory.ScopeChat:
		where = map[string]string{"chat_id": q.ChatID}
	}

	// Over-fetch so post-filtering (current-conversation exclusion,
	// threshold) still yields up to topK hits.
	n := topK * 3
	if n > count {
		n = count
	}
	results, err := col.QueryEmbedding(ctx, vec, n, where, nil)
	// A metadata filter can shrink the candidate set below n, which
	// chromem rejects. Halve and retry until the query fits.
	for err != nil && n > 1 && isInsufficientDocs(err) {
		n /= 2
		results, err = col.QueryEmbedding(ctx, vec, n, where, nil)
	}
	if err != nil {
		return nil, &memory.VectorStoreError{Op: "query", Err: err}
	}

	hits := make([]memory.SearchHit, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < q.MinSimilarity {
			continue
		}
		convID := r.Metadata["conversation_id"]
		if q.Scope == memory.ScopeChat && convID == q.ConversationID {
			// Chat scope recalls other conversations only.
			continue
		}
		hits = append(hits, memory.SearchHit{
			MessageID:      r.ID,
			ConversationID: convID,
			ChatID:         r.Metadata["chat_id"],
			Role:           r.Metadata["role"],
			Content:        r.Content,
			Similarity:     sim,
			Timestamp:      parseTS(r.Metadata["ts"]),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity == hits[j].Similarity {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteOwner removes an owner's entire collection. Explicit
// user-data-deletion only.
func (s *Store) DeleteOwner(_ context.Context, ownerID string) error {
	name := collectionName(ownerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(name); err != nil {
		return &memory.VectorStoreError{Op: "delete collection", Err: err}
	}
	delete(s.collections, name)
	s.logger.Info("deleted owner vectors", zap.String("owner_id", ownerID))
	return nil
}

// Close is a no-op: chromem persists on write.
func (s *Store) Close() error { return nil }

func isInsufficientDocs(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults") || strings.Contains(msg, "number of documents")
}

func parseTS(raw string) time.Time {
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

var _ memory.VectorStore = (*Store)(nil)

// String implements fmt.Stringer for debug logging.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("chromem store (%d collections)", len(s.collections))
}
