package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Gowtham-18/DearMe-AI/internal/ingest"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

const (
	defaultEntryLimit = 20
	maxEntryLimit     = 100
)

type createSessionRequest struct {
	UserID             string `json:"userId"`
	SelectedPromptID   string `json:"selectedPromptId"`
	SelectedPromptText string `json:"selectedPromptText"`
}

type userRequest struct {
	UserID string `json:"userId"`
}

type createEntryRequest struct {
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Mood      string `json:"mood"`
	EntryDate string `json:"entryDate"`
	Source    string `json:"source"`
}

type createEntryResponse struct {
	Entry storage.Entry `json:"entry"`
	JobID string        `json:"job_id"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", msgMissingParameters)
			return
		}

		sess, err := deps.Store.CreateSession(r.Context(), storage.Session{
			UserID:             req.UserID,
			SelectedPromptID:   req.SelectedPromptID,
			SelectedPromptText: req.SelectedPromptText,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func handleCompleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", msgMissingParameters)
			return
		}

		id := chi.URLParam(r, "id")
		if err := deps.Store.CompleteSession(r.Context(), id, req.UserID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "session not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to complete session: %v", err)
			return
		}
		sess, err := deps.Store.GetSession(r.Context(), id, req.UserID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleListTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", msgMissingParameters)
			return
		}
		limit, ok := parseLimit(w, r, 0, 0)
		if !ok {
			return
		}

		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetSession(r.Context(), id, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "session not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}

		turns, err := deps.Store.ListTurns(r.Context(), id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list turns: %v", err)
			return
		}
		if turns == nil {
			turns = []storage.Turn{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
	}
}

func handleCreateEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createEntryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", msgMissingParameters)
			return
		}

		entry, err := deps.Store.SaveEntry(r.Context(), storage.Entry{
			UserID:    req.UserID,
			Content:   req.Content,
			Mood:      req.Mood,
			EntryDate: req.EntryDate,
			Source:    req.Source,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save entry: %v", err)
			return
		}

		jobID, err := ingest.EnqueueEmbed(r.Context(), deps.Store, entry.ID)
		if err != nil {
			// The entry is saved; it is still found by recency without an embedding.
			deps.Logger.Warn("failed to enqueue embed job", "entry_id", entry.ID, "error", err)
		}
		writeJSON(w, http.StatusCreated, createEntryResponse{Entry: entry, JobID: jobID})
	}
}

func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", msgMissingParameters)
			return
		}
		limit, ok := parseLimit(w, r, defaultEntryLimit, maxEntryLimit)
		if !ok {
			return
		}

		entries, err := deps.Store.RecentEntries(r.Context(), userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entries: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// parseLimit reads ?limit=. A maxN of 0 means unbounded.
func parseLimit(w http.ResponseWriter, r *http.Request, def, maxN int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
		return 0, false
	}
	if maxN > 0 && n > maxN {
		n = maxN
	}
	return n, true
}
