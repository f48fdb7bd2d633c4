package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AssemblerConfig holds every tunable the assembler consumes. Defaults are
// applied by NewAssembler; the per-scope similarity thresholds are
// deliberately configuration, not constants.
type AssemblerConfig struct {
	// CharBudget caps total injected content length. Lowest-similarity
	// results are dropped first once the budget is exhausted.
	CharBudget int
	// TierEpsilon is the similarity window within which tier order
	// (conversation before chat before user) breaks ties.
	TierEpsilon float64
	// L1Recent is how many recent conversation messages tier 1 reads.
	L1Recent int
	// TopK caps results per semantic tier.
	TopK int
	// ChatThreshold and UserThreshold are minimum similarities for the two
	// semantic scopes. The broader user scope uses the higher cutoff since
	// its candidate set is larger.
	ChatThreshold float64
	UserThreshold float64
	// FactMinOverlap is the minimum lexical overlap for an extracted fact
	// to join tier 3.
	FactMinOverlap float64
	// FactLimit caps how many facts are considered.
	FactLimit int
}

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	if c.CharBudget <= 0 {
		c.CharBudget = 2500
	}
	if c.TierEpsilon <= 0 {
		c.TierEpsilon = 0.05
	}
	if c.L1Recent <= 0 {
		c.L1Recent = 6
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.ChatThreshold <= 0 {
		c.ChatThreshold = 0.65
	}
	if c.UserThreshold <= 0 {
		c.UserThreshold = 0.70
	}
	if c.FactMinOverlap <= 0 {
		c.FactMinOverlap = 0.15
	}
	if c.FactLimit <= 0 {
		c.FactLimit = 50
	}
	return c
}

// Assembler merges conversation-, chat-, and user-level memory into one
// ranked context block.
type Assembler struct {
	history ConversationReader
	facts   FactReader
	search  Searcher
	cfg     AssemblerConfig
	logger  *zap.Logger
}

func NewAssembler(history ConversationReader, facts FactReader, search Searcher, cfg AssemblerConfig, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		history: history,
		facts:   facts,
		search:  search,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Assemble produces the merged, budgeted result list for one query. An
// empty query skips the semantic tiers and returns only tier 1. Assemble
// never fails: each tier's read or search error is logged and degrades
// that tier to empty, leaving the others intact.
func (a *Assembler) Assemble(ctx context.Context, userID, chatID, conversationID, query string) []MemoryResult {
	query = strings.TrimSpace(query)

	results := a.conversationTier(ctx, conversationID, query)
	if query == "" {
		return a.capToBudget(results)
	}

	if chatID != "" {
		hits, err := a.search.Search(ctx, userID, SearchQuery{
			Text:           query,
			Scope:          ScopeChat,
			ChatID:         chatID,
			ConversationID: conversationID,
			TopK:           a.cfg.TopK,
			MinSimilarity:  a.cfg.ChatThreshold,
		})
		if err != nil {
			a.logger.Warn("chat-tier search degraded", zap.Error(err))
		}
		for _, h := range hits {
			results = append(results, hitResult(TierChat, h))
		}
	}

	hits, err := a.search.Search(ctx, userID, SearchQuery{
		Text:          query,
		Scope:         ScopeUser,
		TopK:          a.cfg.TopK,
		MinSimilarity: a.cfg.UserThreshold,
	})
	if err != nil {
		a.logger.Warn("user-tier search degraded", zap.Error(err))
	}
	for _, h := range hits {
		results = append(results, hitResult(TierUser, h))
	}
	results = append(results, a.factResults(ctx, userID, query)...)

	results = dedupeBySource(results)
	a.sortResults(results)
	return a.capToBudget(results)
}

// conversationTier is the L1 direct read: recent messages from the current
// conversation, newest ranked first, no embedding involved.
func (a *Assembler) conversationTier(ctx context.Context, conversationID, query string) []MemoryResult {
	if conversationID == "" {
		return nil
	}
	msgs, err := a.history.RecentMessages(ctx, conversationID, a.cfg.L1Recent)
	if err != nil {
		a.logger.Warn("conversation-tier read degraded", zap.Error(err))
		return nil
	}
	out := make([]MemoryResult, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == MemoryContextID || m.Role == RoleSystem {
			continue
		}
		if query != "" && strings.TrimSpace(m.Content) == query {
			// The query itself is not recall.
			continue
		}
		// Recent same-conversation context is the highest-trust tier; a
		// small lexical bonus ranks exact matches above plain recency.
		sim := 0.9 + 0.1*tokenJaccard(query, m.Content)
		out = append(out, MemoryResult{
			Tier:       TierConversation,
			Role:       m.Role,
			Content:    m.Content,
			Similarity: sim,
			Timestamp:  m.Timestamp,
			SourceID:   m.ID,
		})
	}
	return out
}

func (a *Assembler) factResults(ctx context.Context, userID, query string) []MemoryResult {
	if a.facts == nil {
		return nil
	}
	facts, err := a.facts.ListFacts(ctx, userID, a.cfg.FactLimit)
	if err != nil {
		a.logger.Warn("fact read degraded", zap.Error(err))
		return nil
	}
	out := []MemoryResult{}
	for _, f := range facts {
		overlap := tokenJaccard(query, f.Content)
		if overlap < a.cfg.FactMinOverlap {
			continue
		}
		out = append(out, MemoryResult{
			Tier:       TierUser,
			Role:       RoleSystem,
			Content:    f.Content,
			Similarity: a.cfg.UserThreshold + (1-a.cfg.UserThreshold)*overlap*f.Confidence,
			Timestamp:  f.Timestamp,
			SourceID:   "fact:" + f.Key,
			FactType:   f.Type,
		})
	}
	return out
}

// sortResults orders by descending similarity; when two results sit within
// TierEpsilon, the lower tier wins, then the newer timestamp.
func (a *Assembler) sortResults(results []MemoryResult) {
	eps := a.cfg.TierEpsilon
	sort.SliceStable(results, func(i, j int) bool {
		ri, rj := results[i], results[j]
		if math.Abs(ri.Similarity-rj.Similarity) <= eps {
			if ri.Tier != rj.Tier {
				return ri.Tier < rj.Tier
			}
			return ri.Timestamp.After(rj.Timestamp)
		}
		return ri.Similarity > rj.Similarity
	})
}

func (a *Assembler) capToBudget(results []MemoryResult) []MemoryResult {
	budget := a.cfg.CharBudget
	out := make([]MemoryResult, 0, len(results))
	for _, r := range results {
		n := len(r.Content)
		if n > budget && len(out) > 0 {
			continue
		}
		if n > budget {
			r.Content = truncateBytes(r.Content, budget)
			n = len(r.Content)
		}
		out = append(out, r)
		budget -= n
		if budget <= 0 {
			break
		}
	}
	return out
}

func hitResult(tier Tier, h SearchHit) MemoryResult {
	return MemoryResult{
		Tier:       tier,
		Role:       h.Role,
		Content:    h.Content,
		Similarity: h.Similarity,
		Timestamp:  h.Timestamp,
		SourceID:   h.MessageID,
	}
}

// dedupeBySource keeps one result per source, preferring the lowest tier
// (a chat-scope hit beats the same message resurfacing at user scope).
func dedupeBySource(results []MemoryResult) []MemoryResult {
	best := map[string]int{}
	out := make([]MemoryResult, 0, len(results))
	for _, r := range results {
		if r.SourceID == "" {
			out = append(out, r)
			continue
		}
		if idx, ok := best[r.SourceID]; ok {
			if r.Tier < out[idx].Tier {
				out[idx] = r
			}
			continue
		}
		best[r.SourceID] = len(out)
		out = append(out, r)
	}
	return out
}

// Format renders one result for the context block. Each tier variant has
// its own shape so the model can tell trusted local context from fuzzy
// recall.
func (r MemoryResult) Format() string {
	content := strings.TrimSpace(r.Content)
	switch r.Tier {
	case TierConversation:
		return fmt.Sprintf("[earlier in this conversation] %s: %s", r.Role, content)
	case TierChat:
		return fmt.Sprintf("[from a related conversation] %s: %s", r.Role, content)
	case TierUser:
		if r.FactType != "" {
			return fmt.Sprintf("[known %s] %s", r.FactType, content)
		}
		return fmt.Sprintf("[from user history] %s", content)
	default:
		return content
	}
}

// FormatContextBlock renders ranked results into the single synthetic
// system message injected ahead of the turn. Returns ok=false when there is
// nothing to inject; no context is ever fabricated.
func FormatContextBlock(results []MemoryResult, now time.Time) (Message, bool) {
	if len(results) == 0 {
		return Message{}, false
	}
	var b strings.Builder
	b.WriteString("Relevant memory from prior conversations:\n")
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(r.Format())
		b.WriteString("\n")
	}
	return Message{
		ID:        MemoryContextID,
		Role:      RoleSystem,
		Content:   strings.TrimSpace(b.String()),
		Timestamp: now,
	}, true
}

// tokenJaccard is the lexical overlap of two texts' token sets.
func tokenJaccard(a, b string) float64 {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0
	}
	setA := map[string]struct{}{}
	for _, t := range tokenize(a) {
		setA[t] = struct{}{}
	}
	setB := map[string]struct{}{}
	for _, t := range tokenize(b) {
		setB[t] = struct{}{}
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
