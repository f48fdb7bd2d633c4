package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

type fakeHistoryReader struct {
	messages []Message
	err      error
	calls    int
}

func (f *fakeHistoryReader) RecentMessages(_ context.Context, _ string, limit int) ([]Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.messages) > limit {
		return f.messages[len(f.messages)-limit:], nil
	}
	return f.messages, nil
}

type fakeFactReader struct {
	facts []ExtractedMemory
	err   error
}

func (f *fakeFactReader) ListFacts(_ context.Context, _ string, _ int) ([]ExtractedMemory, error) {
	return f.facts, f.err
}

type fakeSearcher struct {
	hits  map[SearchScope][]SearchHit
	err   error
	calls []SearchQuery
}

func (f *fakeSearcher) Search(_ context.Context, _ string, q SearchQuery) ([]SearchHit, error) {
	f.calls = append(f.calls, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[q.Scope], nil
}

func newTestAssembler(history *fakeHistoryReader, facts *fakeFactReader, search *fakeSearcher, cfg AssemblerConfig) *Assembler {
	if history == nil {
		history = &fakeHistoryReader{}
	}
	if facts == nil {
		facts = &fakeFactReader{}
	}
	if search == nil {
		search = &fakeSearcher{}
	}
	return NewAssembler(history, facts, search, cfg, nil)
}

func TestAssemble_EmptyQuerySkipsSemanticTiers(t *testing.T) {
	history := &fakeHistoryReader{messages: []Message{
		{ID: "m1", Role: RoleUser, Content: "My name is John", Timestamp: time.Now()},
	}}
	search := &fakeSearcher{}
	a := newTestAssembler(history, nil, search, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "")
	if len(search.calls) != 0 {
		t.Errorf("empty query made %d semantic searches, want 0", len(search.calls))
	}
	if len(results) != 1 || results[0].Tier != TierConversation {
		t.Errorf("expected only the conversation tier, got %+v", results)
	}
}

func TestAssemble_RecentMessagesAlwaysIncluded(t *testing.T) {
	// The canonical "who am I" exchange: the answer sits two turns back in
	// the same conversation with no lexical overlap with the query.
	history := &fakeHistoryReader{messages: []Message{
		{ID: "m1", Role: RoleUser, Content: "My name is John", Timestamp: time.Now().Add(-2 * time.Minute)},
		{ID: "m2", Role: RoleAssistant, Content: "Nice to meet you, John!", Timestamp: time.Now().Add(-time.Minute)},
	}}
	a := newTestAssembler(history, nil, nil, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "Who am I?")
	found := false
	for _, r := range results {
		if r.Content == "My name is John" {
			found = true
			if r.Tier != TierConversation {
				t.Errorf("tier = %v, want conversation", r.Tier)
			}
		}
	}
	if !found {
		t.Fatalf("recent message missing from results: %+v", results)
	}
}

func TestAssemble_FiltersSyntheticAndEchoMessages(t *testing.T) {
	history := &fakeHistoryReader{messages: []Message{
		{ID: MemoryContextID, Role: RoleSystem, Content: "Relevant memory from prior conversations:"},
		{ID: "m1", Role: RoleSystem, Content: "You are a helpful assistant."},
		{ID: "m2", Role: RoleUser, Content: "Who am I?"},
		{ID: "m3", Role: RoleUser, Content: "My name is John"},
	}}
	a := newTestAssembler(history, nil, nil, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "Who am I?")
	if len(results) != 1 {
		t.Fatalf("got %d results, want only the real prior message: %+v", len(results), results)
	}
	if results[0].Content != "My name is John" {
		t.Errorf("content = %q", results[0].Content)
	}
}

func TestAssemble_SemanticTiers(t *testing.T) {
	now := time.Now()
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeChat: {{
			MessageID: "chat1", ConversationID: "other", Role: RoleUser,
			Content: "I've been learning guitar for three months", Similarity: 0.82, Timestamp: now,
		}},
		ScopeUser: {{
			MessageID: "user1", ConversationID: "older", Role: RoleUser,
			Content: "I used to play piano", Similarity: 0.74, Timestamp: now,
		}},
	}}
	a := newTestAssembler(nil, nil, search, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "what was that hobby I mentioned?")
	if len(search.calls) != 2 {
		t.Fatalf("got %d searches, want chat + user", len(search.calls))
	}
	if search.calls[0].Scope != ScopeChat || search.calls[1].Scope != ScopeUser {
		t.Errorf("search scopes = %v, %v", search.calls[0].Scope, search.calls[1].Scope)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	if results[0].Tier != TierChat || results[1].Tier != TierUser {
		t.Errorf("tier order = %v, %v; want chat then user", results[0].Tier, results[1].Tier)
	}
}

func TestAssemble_NoChatIDSkipsChatTier(t *testing.T) {
	search := &fakeSearcher{}
	a := newTestAssembler(nil, nil, search, AssemblerConfig{})

	a.Assemble(context.Background(), "u1", "", "conv1", "anything")
	if len(search.calls) != 1 || search.calls[0].Scope != ScopeUser {
		t.Errorf("without a chat id only the user scope should be searched, got %+v", search.calls)
	}
}

func TestAssemble_SearchFailureDegradesToLocalTier(t *testing.T) {
	history := &fakeHistoryReader{messages: []Message{
		{ID: "m1", Role: RoleUser, Content: "My name is John", Timestamp: time.Now()},
	}}
	search := &fakeSearcher{err: &VectorStoreError{Op: "query", Err: errors.New("connection refused")}}
	a := newTestAssembler(history, nil, search, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "who am I?")
	if len(results) != 1 || results[0].Tier != TierConversation {
		t.Errorf("expected the conversation tier to survive, got %+v", results)
	}
}

func TestAssemble_ConversationReadFailureKeepsSemanticTiers(t *testing.T) {
	history := &fakeHistoryReader{err: errors.New("history unavailable")}
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeUser: {{MessageID: "u1hit", Role: RoleUser, Content: "I play guitar", Similarity: 0.8, Timestamp: time.Now()}},
	}}
	a := newTestAssembler(history, nil, search, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "", "conv1", "hobby")
	if len(results) != 1 || results[0].Tier != TierUser {
		t.Errorf("semantic tiers should survive a tier-1 read failure, got %+v", results)
	}
}

func TestAssemble_TierBreaksNearTies(t *testing.T) {
	now := time.Now()
	history := &fakeHistoryReader{messages: []Message{
		{ID: "m1", Role: RoleUser, Content: "local context message", Timestamp: now},
	}}
	// The chat hit scores slightly above the local tier's 0.9 baseline but
	// within epsilon, so the conversation tier should still rank first.
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeChat: {{
			MessageID: "chat1", Role: RoleUser, Content: "remote but close",
			Similarity: 0.93, Timestamp: now,
		}},
	}}
	a := newTestAssembler(history, nil, search, AssemblerConfig{TierEpsilon: 0.05})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "unrelated query")
	if len(results) < 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Tier != TierConversation {
		t.Errorf("near-tie should rank the conversation tier first, got %+v", results)
	}
}

func TestAssemble_ClearSimilarityWinsOutsideEpsilon(t *testing.T) {
	now := time.Now()
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeChat: {{MessageID: "a", Role: RoleUser, Content: "weak", Similarity: 0.70, Timestamp: now}},
		ScopeUser: {{MessageID: "b", Role: RoleUser, Content: "strong", Similarity: 0.95, Timestamp: now}},
	}}
	a := newTestAssembler(nil, nil, search, AssemblerConfig{TierEpsilon: 0.05})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "query")
	if results[0].Content != "strong" {
		t.Errorf("clearly higher similarity should win regardless of tier: %+v", results)
	}
}

func TestAssemble_DedupesAcrossTiers(t *testing.T) {
	now := time.Now()
	hit := SearchHit{MessageID: "shared", Role: RoleUser, Content: "I play guitar", Timestamp: now}
	chatHit := hit
	chatHit.Similarity = 0.80
	userHit := hit
	userHit.Similarity = 0.78
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeChat: {chatHit},
		ScopeUser: {userHit},
	}}
	a := newTestAssembler(nil, nil, search, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "hobby")
	if len(results) != 1 {
		t.Fatalf("same source in two tiers should dedupe, got %+v", results)
	}
	if results[0].Tier != TierChat {
		t.Errorf("dedupe should keep the lower tier, got %v", results[0].Tier)
	}
}

func TestAssemble_FactTier(t *testing.T) {
	now := time.Now()
	facts := &fakeFactReader{facts: []ExtractedMemory{
		{Type: FactPreference, Key: "pref/1", Content: "I love spicy ramen", Confidence: 0.8, Timestamp: now},
		{Type: FactFact, Key: "fact/1", Content: "I work as a nurse", Confidence: 0.7, Timestamp: now},
	}}
	a := newTestAssembler(nil, facts, nil, AssemblerConfig{})

	results := a.Assemble(context.Background(), "u1", "c1", "conv1", "what ramen do I love?")
	if len(results) != 1 {
		t.Fatalf("only the lexically overlapping fact should match, got %+v", results)
	}
	r := results[0]
	if r.FactType != FactPreference {
		t.Errorf("fact type = %v, want preference", r.FactType)
	}
	if r.Tier != TierUser {
		t.Errorf("fact tier = %v, want user", r.Tier)
	}
	if r.Similarity <= 0.70 || r.Similarity > 1 {
		t.Errorf("fact similarity = %v, want within (0.70, 1]", r.Similarity)
	}
}

func TestAssemble_CharBudget(t *testing.T) {
	now := time.Now()
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeUser: {
			{MessageID: "a", Role: RoleUser, Content: strings.Repeat("a", 40), Similarity: 0.95, Timestamp: now},
			{MessageID: "b", Role: RoleUser, Content: strings.Repeat("b", 40), Similarity: 0.90, Timestamp: now},
			{MessageID: "c", Role: RoleUser, Content: strings.Repeat("c", 40), Similarity: 0.72, Timestamp: now},
		},
	}}
	a := newTestAssembler(nil, nil, search, AssemblerConfig{CharBudget: 80, TierEpsilon: 0.01})

	results := a.Assemble(context.Background(), "u1", "", "conv1", "query")
	if len(results) != 2 {
		t.Fatalf("budget of 80 chars should keep two results, got %d", len(results))
	}
	if results[0].SourceID != "a" || results[1].SourceID != "b" {
		t.Errorf("lowest-similarity result should be dropped first: %+v", results)
	}
}

func TestAssemble_OversizedFirstResultTruncated(t *testing.T) {
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeUser: {{MessageID: "big", Role: RoleUser, Content: strings.Repeat("z", 500), Similarity: 0.9, Timestamp: time.Now()}},
	}}
	a := newTestAssembler(nil, nil, search, AssemblerConfig{CharBudget: 100})

	results := a.Assemble(context.Background(), "u1", "", "conv1", "query")
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if len(results[0].Content) != 100 {
		t.Errorf("content length = %d, want truncated to 100", len(results[0].Content))
	}
}

func TestAssemble_TruncationKeepsValidUTF8(t *testing.T) {
	// 3-byte runes against a budget that is not a multiple of 3.
	search := &fakeSearcher{hits: map[SearchScope][]SearchHit{
		ScopeUser: {{MessageID: "big", Role: RoleUser, Content: strings.Repeat("日", 200), Similarity: 0.9, Timestamp: time.Now()}},
	}}
	a := newTestAssembler(nil, nil, search, AssemblerConfig{CharBudget: 100})

	results := a.Assemble(context.Background(), "u1", "", "conv1", "query")
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !utf8.ValidString(results[0].Content) {
		t.Errorf("truncated content is not valid UTF-8: %q", results[0].Content)
	}
	if got := len(results[0].Content); got > 100 || got < 98 {
		t.Errorf("content length = %d, want the nearest rune boundary under 100", got)
	}
}

func TestMemoryResultFormat(t *testing.T) {
	cases := []struct {
		result MemoryResult
		want   string
	}{
		{MemoryResult{Tier: TierConversation, Role: RoleUser, Content: "hi"}, "[earlier in this conversation] user: hi"},
		{MemoryResult{Tier: TierChat, Role: RoleAssistant, Content: "hello"}, "[from a related conversation] assistant: hello"},
		{MemoryResult{Tier: TierUser, Content: "I play guitar"}, "[from user history] I play guitar"},
		{MemoryResult{Tier: TierUser, FactType: FactPreference, Content: "likes tea"}, "[known preference] likes tea"},
	}
	for _, tc := range cases {
		if got := tc.result.Format(); got != tc.want {
			t.Errorf("Format() = %q, want %q", got, tc.want)
		}
	}
}

func TestFormatContextBlock(t *testing.T) {
	if _, ok := FormatContextBlock(nil, time.Now()); ok {
		t.Error("no results should produce no block")
	}

	msg, ok := FormatContextBlock([]MemoryResult{
		{Tier: TierConversation, Role: RoleUser, Content: "My name is John"},
	}, time.Now())
	if !ok {
		t.Fatal("expected a context block")
	}
	if msg.ID != MemoryContextID {
		t.Errorf("block id = %q, want %q", msg.ID, MemoryContextID)
	}
	if msg.Role != RoleSystem {
		t.Errorf("block role = %q, want system", msg.Role)
	}
	if !strings.HasPrefix(msg.Content, "Relevant memory from prior conversations:") {
		t.Errorf("block content = %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "My name is John") {
		t.Errorf("block missing result content: %q", msg.Content)
	}
}
