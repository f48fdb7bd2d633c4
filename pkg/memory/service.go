package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// scopeAssembled keys the orchestrator-level cache of fully assembled
// context, distinct from the per-scope search caches.
const scopeAssembled SearchScope = "assembled"

// HistoryStore is the conversation-history persistence the orchestrator
// depends on. Owned by pkg/history in production; tests substitute fakes.
type HistoryStore interface {
	ConversationReader
	FactReader
	EnsureConversation(ctx context.Context, conv Conversation) error
	// AppendMessages persists messages, skipping IDs already present, and
	// returns how many were newly inserted.
	AppendMessages(ctx context.Context, conversationID string, msgs []Message) (int, error)
	ListRecentConversations(ctx context.Context, limit int) ([]Conversation, error)
	ListUserMessages(ctx context.Context, userID string, limit int) ([]Message, error)
	UpsertFacts(ctx context.Context, facts []ExtractedMemory) error
	Close() error
}

// Config holds every orchestrator tunable. All the similarity cutoffs,
// TTLs and budgets scattered through the retrieval path are hoisted here.
type Config struct {
	// RetrievalDeadline bounds one GetContext assembly. The call returns
	// within this plus scheduling overhead even under total backend failure.
	RetrievalDeadline time.Duration
	// ConversationThreshold is the minimum similarity for
	// conversation-scope searches. Narrower scopes use lower cutoffs since
	// their candidate sets are small.
	ConversationThreshold float64
	ChatThreshold         float64
	UserThreshold         float64
	// SearchTopK caps hits per semantic search.
	SearchTopK int
	// CharBudget caps injected context length in characters.
	CharBudget int
	// TierEpsilon is the similarity window where tier order breaks ties.
	TierEpsilon float64
	// L1Recent is the tier-1 recent-message window.
	L1Recent int

	Cache   CacheConfig
	Indexer IndexerConfig

	// WriteQueueSize bounds the fire-and-forget vector write queue.
	WriteQueueSize int
	// StoreRetries and StoreRetryBackoff govern the synchronous history
	// write. Losing a user message silently is the one failure worth
	// retrying hard for.
	StoreRetries      int
	StoreRetryBackoff time.Duration

	// CommonQueries are pre-embedded by the common_queries job.
	CommonQueries []string
	// RecentLimit is how many recently active conversations warm jobs touch.
	RecentLimit int
}

func (c Config) withDefaults() Config {
	if c.RetrievalDeadline <= 0 {
		c.RetrievalDeadline = 2 * time.Second
	}
	if c.ConversationThreshold <= 0 {
		c.ConversationThreshold = 0.60
	}
	if c.ChatThreshold <= 0 {
		c.ChatThreshold = 0.65
	}
	if c.UserThreshold <= 0 {
		c.UserThreshold = 0.70
	}
	if c.SearchTopK <= 0 {
		c.SearchTopK = 5
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 256
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.StoreRetryBackoff <= 0 {
		c.StoreRetryBackoff = 50 * time.Millisecond
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 20
	}
	return c
}

// Deps are the external collaborators the service orchestrates.
type Deps struct {
	Embedder Embedder
	Vectors  VectorStore
	History  HistoryStore
	Logger   *zap.Logger
}

// Service is the public entry point of the memory engine. One instance per
// process; request handlers share it by reference. All retrieval failures
// are recovered here so the chat flow never fails because memory failed.
type Service struct {
	cfg       Config
	embedder  Embedder
	vectors   VectorStore
	history   HistoryStore
	caches    *CacheSet
	assembler *Assembler
	indexer   *Indexer
	writes    *writeQueue
	logger    *zap.Logger

	contextRequests atomic.Uint64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	degraded        atomic.Uint64
	corruptions     atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Embedder == nil {
		return nil, errors.New("memory service requires an embedder")
	}
	if deps.Vectors == nil {
		return nil, errors.New("memory service requires a vector store")
	}
	if deps.History == nil {
		return nil, errors.New("memory service requires a history store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:      cfg,
		embedder: deps.Embedder,
		vectors:  deps.Vectors,
		history:  deps.History,
		caches:   NewCacheSet(cfg.Cache),
		writes:   newWriteQueue(cfg.WriteQueueSize),
		logger:   logger,
	}
	s.assembler = NewAssembler(deps.History, deps.History, s, AssemblerConfig{
		CharBudget:    cfg.CharBudget,
		TierEpsilon:   cfg.TierEpsilon,
		L1Recent:      cfg.L1Recent,
		TopK:          cfg.SearchTopK,
		ChatThreshold: cfg.ChatThreshold,
		UserThreshold: cfg.UserThreshold,
	}, logger)
	s.indexer = NewIndexer(cfg.Indexer, map[JobType]JobHandler{
		JobUserProfile:         s.warmUserProfile,
		JobCommonQueries:       s.warmCommonQueries,
		JobRecentConversations: s.warmRecentConversations,
		JobCatalogPreload:      s.preloadCatalog,
	}, s.recurringJobs, logger)

	s.wg.Add(1)
	go s.runVectorWriter()
	return s, nil
}

// Close stops the write worker and indexer and closes the stores.
// Idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.writes.close()
		s.wg.Wait()
		s.indexer.Close()
		errVec := s.vectors.Close()
		errHist := s.history.Close()
		s.closeErr = errors.Join(errVec, errHist)
	})
	return s.closeErr
}

// GetContext augments the incoming message list with a memory context
// block, within the deadline. It never returns an error: on timeout or
// backend failure it degrades to profile-only context, and in the worst
// case returns the messages unmodified.
func (s *Service) GetContext(ctx context.Context, req ContextRequest) []Message {
	s.contextRequests.Add(1)
	query := lastUserQuery(req.Messages)

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = s.cfg.RetrievalDeadline
	}

	results, fromCache := s.cachedAssembled(req, query)
	if !fromCache {
		s.cacheMisses.Add(1)
		results = s.assembleWithDeadline(ctx, req, query, deadline)
	} else {
		s.cacheHits.Add(1)
	}

	out := req.Messages
	if block, ok := FormatContextBlock(results, time.Now()); ok {
		out = make([]Message, 0, len(req.Messages)+1)
		out = append(out, block)
		out = append(out, req.Messages...)
	}

	// Persist the new turn after assembly so tier-1 reads reflect only
	// messages stored before the current turn.
	s.storeTurn(ctx, req)
	return out
}

// StoreConversation persists a finished turn's messages into both history
// (synchronous, retried) and the vector store (fire-and-forget). Exposed
// for callers that batch-import or replay conversations.
func (s *Service) StoreConversation(ctx context.Context, userID, chatID, conversationID string, msgs []Message) error {
	msgs = storableMessages(msgs)
	if len(msgs) == 0 {
		return nil
	}
	conv := Conversation{ID: conversationID, UserID: userID, ChatID: chatID, CreatedAt: time.Now()}
	err := s.retryStore(ctx, func() error {
		if err := s.history.EnsureConversation(ctx, conv); err != nil {
			return err
		}
		_, err := s.history.AppendMessages(ctx, conversationID, msgs)
		return err
	})
	if err != nil {
		return fmt.Errorf("store conversation %s: %w", conversationID, err)
	}

	s.writes.push(vectorWrite{
		ownerID:        userID,
		conversationID: conversationID,
		chatID:         chatID,
		messages:       msgs,
	})
	// New content invalidates the user's cached profile and schedules a
	// background refresh.
	s.caches.Profiles.Delete(userID)
	s.indexer.Enqueue(JobUserProfile, userID, PriorityMedium)
	return nil
}

// DeleteUserData removes a user's vectors and cached state. History
// deletion is the owning web app's concern.
func (s *Service) DeleteUserData(ctx context.Context, userID string) error {
	s.caches.Profiles.Delete(userID)
	return s.vectors.DeleteOwner(ctx, userID)
}

// ClearCache empties all cache tiers.
func (s *Service) ClearCache() {
	s.caches.Clear()
}

// WarmProfile enqueues a high-priority profile warm for one user.
func (s *Service) WarmProfile(userID string) IndexingJob {
	return s.indexer.Enqueue(JobUserProfile, userID, PriorityHigh)
}

// QueueStatus reports pending and recently finished indexing jobs.
func (s *Service) QueueStatus() []IndexingJob {
	return s.indexer.QueueStatus()
}

// Stats snapshots the orchestrator and indexer counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		ContextRequests: s.contextRequests.Load(),
		CacheHits:       s.cacheHits.Load(),
		CacheMisses:     s.cacheMisses.Load(),
		Degraded:        s.degraded.Load(),
		Corruptions:     s.corruptions.Load(),
		DroppedWrites:   s.writes.droppedCount(),
		Indexer:         s.indexer.Stats(),
	}
}

// Search implements Searcher with embedding- and result-cache layering
// over the vector store.
func (s *Service) Search(ctx context.Context, ownerID string, q SearchQuery) ([]SearchHit, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	cacheKey := ResultCacheKey(ownerID, q.Scope, q.ChatID, q.ConversationID, q.Text)
	if raw, ok := s.caches.Results.Get(cacheKey); ok {
		var hits []SearchHit
		if err := json.Unmarshal([]byte(raw), &hits); err != nil {
			s.corruptions.Add(1)
			s.caches.Results.Delete(cacheKey)
			s.logger.Warn("evicting corrupt result cache entry",
				zap.Error(&CacheCorruptionError{Key: cacheKey, Err: err}))
		} else {
			return hits, nil
		}
	}

	if q.Embedding == nil {
		vec, err := s.cachedEmbed(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		q.Embedding = vec
	}
	if q.MinSimilarity <= 0 {
		q.MinSimilarity = s.thresholdFor(q.Scope)
	}
	if q.TopK <= 0 {
		q.TopK = s.cfg.SearchTopK
	}

	hits, err := s.vectors.Search(ctx, ownerID, q)
	if err != nil {
		return nil, err
	}
	if raw, mErr := json.Marshal(hits); mErr == nil {
		s.caches.Results.Set(cacheKey, string(raw), s.caches.ResultTTL())
	}
	return hits, nil
}

func (s *Service) thresholdFor(scope SearchScope) float64 {
	switch scope {
	case ScopeConversation:
		return s.cfg.ConversationThreshold
	case ScopeChat:
		return s.cfg.ChatThreshold
	default:
		return s.cfg.UserThreshold
	}
}

// cachedEmbed resolves a query vector through the embedding cache.
func (s *Service) cachedEmbed(ctx context.Context, text string) ([]float32, error) {
	key := NormalizeQueryKey(text)
	if vec, ok := s.caches.Embeddings.Get(key); ok {
		return vec, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.caches.Embeddings.Set(key, vec, s.caches.EmbeddingTTL())
	return vec, nil
}

// cachedAssembled looks up a previously assembled block for the same
// conversation and query. The key carries the conversation identity:
// tier-1 content from one conversation must never replay into another.
func (s *Service) cachedAssembled(req ContextRequest, query string) ([]MemoryResult, bool) {
	if query == "" {
		return nil, false
	}
	key := ResultCacheKey(req.UserID, scopeAssembled, req.ChatID, req.ConversationID, query)
	raw, ok := s.caches.Results.Get(key)
	if !ok {
		return nil, false
	}
	var results []MemoryResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		s.corruptions.Add(1)
		s.caches.Results.Delete(key)
		return nil, false
	}
	return results, true
}

// assembleWithDeadline races the assembler against the retrieval deadline
// and degrades to profile-only context when it loses.
func (s *Service) assembleWithDeadline(ctx context.Context, req ContextRequest, query string, deadline time.Duration) []MemoryResult {
	actx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ch := make(chan []MemoryResult, 1)
	go func() {
		ch <- s.assembler.Assemble(actx, req.UserID, req.ChatID, req.ConversationID, query)
	}()

	select {
	case results := <-ch:
		if query != "" && len(results) > 0 {
			if raw, err := json.Marshal(results); err == nil {
				key := ResultCacheKey(req.UserID, scopeAssembled, req.ChatID, req.ConversationID, query)
				s.caches.Results.Set(key, string(raw), s.caches.ResultTTL())
			}
		}
		return results
	case <-actx.Done():
		s.degraded.Add(1)
		s.logger.Warn("context assembly timed out",
			zap.String("user_id", req.UserID),
			zap.Duration("deadline", deadline),
			zap.Error(ErrDeadlineExceeded))
		return s.profileFallback(req.UserID)
	}
}

// profileFallback is the cache-only degradation path: whatever profile
// text is already warm, or nothing. Never fabricates context.
func (s *Service) profileFallback(userID string) []MemoryResult {
	profile, ok := s.caches.Profiles.Get(userID)
	if !ok {
		s.indexer.Enqueue(JobUserProfile, userID, PriorityHigh)
		return nil
	}
	if strings.TrimSpace(profile) == "" {
		return nil
	}
	return []MemoryResult{{
		Tier:       TierUser,
		Role:       RoleSystem,
		Content:    profile,
		Similarity: s.cfg.UserThreshold,
		Timestamp:  time.Now(),
		SourceID:   "profile:" + userID,
	}}
}

// storeTurn persists the turn's new user message: history synchronously
// (with retry; losing user data silently is not acceptable), vectors
// fire-and-forget.
func (s *Service) storeTurn(ctx context.Context, req ContextRequest) {
	last := lastUserMessage(req.Messages)
	if last == nil {
		return
	}
	conv := Conversation{ID: req.ConversationID, UserID: req.UserID, ChatID: req.ChatID, CreatedAt: time.Now()}
	err := s.retryStore(ctx, func() error {
		if err := s.history.EnsureConversation(ctx, conv); err != nil {
			return err
		}
		_, err := s.history.AppendMessages(ctx, req.ConversationID, []Message{*last})
		return err
	})
	if err != nil {
		s.logger.Error("failed to persist user message after retries",
			zap.String("conversation_id", req.ConversationID),
			zap.String("message_id", last.ID),
			zap.Error(err))
		return
	}
	s.writes.push(vectorWrite{
		ownerID:        req.UserID,
		conversationID: req.ConversationID,
		chatID:         req.ChatID,
		messages:       []Message{*last},
	})
}

func (s *Service) retryStore(ctx context.Context, fn func() error) error {
	var err error
	backoff := s.cfg.StoreRetryBackoff
	for attempt := 0; attempt < s.cfg.StoreRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// runVectorWriter drains the fire-and-forget queue. Each write gets its
// own timeout detached from any request context.
func (s *Service) runVectorWriter() {
	defer s.wg.Done()
	for w := range s.writes.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		report, err := s.vectors.Store(ctx, w.ownerID, w.conversationID, w.chatID, w.messages)
		cancel()
		if err != nil {
			s.logger.Warn("vector indexing failed",
				zap.String("conversation_id", w.conversationID),
				zap.Error(err))
			continue
		}
		for _, f := range report.Failures {
			s.logger.Warn("message skipped during vector indexing",
				zap.String("message_id", f.MessageID),
				zap.Error(f.Err))
		}
	}
}

// --- indexing job handlers ---

// warmUserProfile re-extracts a user's facts and refreshes the profile
// cache.
func (s *Service) warmUserProfile(ctx context.Context, job IndexingJob) error {
	if job.UserID == "" {
		return errors.New("user_profile job requires a user id")
	}
	msgs, err := s.history.ListUserMessages(ctx, job.UserID, 200)
	if err != nil {
		return err
	}
	var facts []ExtractedMemory
	for _, m := range msgs {
		facts = append(facts, ExtractFacts(job.UserID, m)...)
	}
	if len(facts) > 0 {
		if err := s.history.UpsertFacts(ctx, facts); err != nil {
			return err
		}
	}
	stored, err := s.history.ListFacts(ctx, job.UserID, 100)
	if err != nil {
		return err
	}
	s.caches.Profiles.Set(job.UserID, FormatProfile(stored), s.caches.ProfileTTL())
	return nil
}

// warmCommonQueries pre-embeds the configured frequent queries.
func (s *Service) warmCommonQueries(ctx context.Context, _ IndexingJob) error {
	var firstErr error
	for _, q := range s.cfg.CommonQueries {
		key := NormalizeQueryKey(q)
		if key == "" {
			continue
		}
		if _, ok := s.caches.Embeddings.Get(key); ok {
			continue
		}
		vec, err := s.embedder.Embed(ctx, q)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.caches.Embeddings.Set(key, vec, s.caches.EmbeddingTTL())
	}
	return firstErr
}

// warmRecentConversations refreshes the search-result cache for recently
// active chats.
func (s *Service) warmRecentConversations(ctx context.Context, _ IndexingJob) error {
	convs, err := s.history.ListRecentConversations(ctx, s.cfg.RecentLimit)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		msgs, err := s.history.RecentMessages(ctx, conv.ID, 5)
		if err != nil {
			continue
		}
		last := lastUserMessage(msgs)
		if last == nil {
			continue
		}
		_, _ = s.Search(ctx, conv.UserID, SearchQuery{
			Text:           last.Content,
			Scope:          ScopeChat,
			ChatID:         conv.ChatID,
			ConversationID: conv.ID,
		})
	}
	return nil
}

// preloadCatalog warms auxiliary reference data: embeddings for the
// extracted facts of recently active users, so fact-heavy tier-3 lookups
// start hot.
func (s *Service) preloadCatalog(ctx context.Context, _ IndexingJob) error {
	convs, err := s.history.ListRecentConversations(ctx, s.cfg.RecentLimit)
	if err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, conv := range convs {
		if _, ok := seen[conv.UserID]; ok {
			continue
		}
		seen[conv.UserID] = struct{}{}
		facts, err := s.history.ListFacts(ctx, conv.UserID, 50)
		if err != nil {
			continue
		}
		for _, f := range facts {
			key := NormalizeQueryKey(f.Content)
			if key == "" {
				continue
			}
			if _, ok := s.caches.Embeddings.Get(key); ok {
				continue
			}
			if vec, err := s.embedder.Embed(ctx, f.Content); err == nil {
				s.caches.Embeddings.Set(key, vec, s.caches.EmbeddingTTL())
			}
		}
	}
	return nil
}

// recurringJobs is the self-scheduled low-priority re-index set.
func (s *Service) recurringJobs() []IndexingJob {
	return []IndexingJob{
		{Type: JobCommonQueries},
		{Type: JobRecentConversations},
		{Type: JobCatalogPreload},
	}
}

func lastUserQuery(msgs []Message) string {
	if m := lastUserMessage(msgs); m != nil {
		return strings.TrimSpace(m.Content)
	}
	return ""
}

func lastUserMessage(msgs []Message) *Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser && msgs[i].ID != MemoryContextID {
			return &msgs[i]
		}
	}
	return nil
}

// storableMessages filters out the synthetic memory message and blanks.
func storableMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == MemoryContextID || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
