package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lumenchat/recall/pkg/memory"
)

type storeConversationRequest struct {
	UserID         string           `json:"user_id"`
	ChatID         string           `json:"chat_id"`
	ConversationID string           `json:"conversation_id"`
	Messages       []memory.Message `json:"messages"`
}

type searchRequest struct {
	UserID         string  `json:"user_id"`
	Query          string  `json:"query"`
	Scope          string  `json:"scope"`
	ConversationID string  `json:"conversation_id"`
	ChatID         string  `json:"chat_id"`
	TopK           int     `json:"top_k"`
	MinSimilarity  float64 `json:"min_similarity"`
}

type warmProfileRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req memory.ContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ConversationID == "" {
		s.respondError(w, http.StatusBadRequest, "user_id and conversation_id are required")
		return
	}
	s.logger.Debug("context request",
		zap.String("user", req.UserID),
		zap.String("conversation", req.ConversationID),
		zap.Int("messages", len(req.Messages)))
	messages := s.svc.GetContext(r.Context(), req)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleStoreConversation(w http.ResponseWriter, r *http.Request) {
	var req storeConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ConversationID == "" {
		s.respondError(w, http.StatusBadRequest, "user_id and conversation_id are required")
		return
	}
	if err := s.svc.StoreConversation(r.Context(), req.UserID, req.ChatID, req.ConversationID, req.Messages); err != nil {
		s.logger.Error("store conversation failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{
		"conversation_id": req.ConversationID,
		"status":          "stored",
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	scope := memory.SearchScope(req.Scope)
	if scope == "" {
		scope = memory.ScopeUser
	}
	hits, err := s.svc.Search(r.Context(), req.UserID, memory.SearchQuery{
		Text:           req.Query,
		Scope:          scope,
		ConversationID: req.ConversationID,
		ChatID:         req.ChatID,
		TopK:           req.TopK,
		MinSimilarity:  req.MinSimilarity,
	})
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"hits": hits})
}

func (s *Server) handleWarmProfile(w http.ResponseWriter, r *http.Request) {
	var req warmProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	job := s.svc.WarmProfile(req.UserID)
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	s.logger.Debug("delete user data request", zap.String("user", userID))
	if err := s.svc.DeleteUserData(r.Context(), userID); err != nil {
		s.logger.Error("delete user data failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.svc.ClearCache()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.svc.QueueStatus()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
