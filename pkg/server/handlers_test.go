package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lumenchat/recall/pkg/history"
	"github.com/lumenchat/recall/pkg/memory"
	chromemstore "github.com/lumenchat/recall/pkg/memory/store/chromem"
)

// newTestServer wires a real service on top of in-memory vectors and a
// throwaway sqlite history file.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWithLogger(t, zap.NewNop())
}

func newTestServerWithLogger(t *testing.T, logger *zap.Logger) *httptest.Server {
	t.Helper()

	emb := memory.NewChargramEmbedder(64)
	vectors, err := chromemstore.New("", emb, zap.NewNop())
	require.NoError(t, err)

	hist, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	svc, err := memory.NewService(memory.Config{
		Indexer: memory.IndexerConfig{Tick: time.Hour},
	}, memory.Deps{
		Embedder: emb,
		Vectors:  vectors,
		History:  hist,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	srv := httptest.NewServer(NewServer(svc, "127.0.0.1:0", logger).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestContext_RequiresIdentifiers(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/context", map[string]any{
		"user_id": "u1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, decodeBody(t, resp)["error"], "conversation_id")
}

func TestContext_InvalidBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/context", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestContext_ReturnsMessages(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/context", map[string]any{
		"user_id":         "u1",
		"conversation_id": "c1",
		"messages": []map[string]any{
			{"id": "m1", "role": "user", "content": "hello there"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	msgs, ok := body["messages"].([]any)
	require.True(t, ok, "messages must be a list, got %T", body["messages"])
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1].(map[string]any)
	require.Equal(t, "hello there", last["content"])
}

func TestStoreConversation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/conversations", map[string]any{
		"user_id":         "u1",
		"chat_id":         "chat1",
		"conversation_id": "c1",
		"messages": []map[string]any{
			{"id": "m1", "role": "user", "content": "I love climbing"},
			{"id": "m2", "role": "assistant", "content": "Noted."},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "c1", body["conversation_id"])
	require.Equal(t, "stored", body["status"])
}

func TestStoreConversation_RequiresIdentifiers(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/conversations", map[string]any{
		"conversation_id": "c1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSearch(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/conversations", map[string]any{
		"user_id":         "u1",
		"conversation_id": "c1",
		"messages": []map[string]any{
			{"id": "m1", "role": "user", "content": "my favorite food is ramen"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Vector writes are asynchronous; poll until the hit shows up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = postJSON(t, srv.URL+"/api/v1/search", map[string]any{
			"user_id": "u1",
			"query":   "favorite food ramen",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		hits, _ := decodeBody(t, resp)["hits"].([]any)
		if len(hits) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stored message never became searchable")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSearch_RequiresUser(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/search", map[string]any{"query": "anything"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWarmProfile(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/profile/warm", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	require.NotEmpty(t, body["id"])
	require.Equal(t, "user_profile", body["type"])
}

func TestDeleteUser(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/users/u1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "deleted", decodeBody(t, resp)["status"])
}

func TestClearCache(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/cache/clear", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cleared", decodeBody(t, resp)["status"])
}

func TestQueueAndStats(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/queue")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := decodeBody(t, resp)["jobs"]
	require.True(t, ok)

	resp, err = http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp)
}

func TestRequestsLoggedThroughInjectedLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv := newTestServerWithLogger(t, zap.New(core))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "GET", fields["method"])
	require.Equal(t, "/health", fields["path"])
	require.EqualValues(t, http.StatusOK, fields["status"])
}
