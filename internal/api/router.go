// Package api exposes the journaling chat pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Gowtham-18/DearMe-AI/internal/pipeline"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TurnRunner runs one chat turn. *pipeline.Orchestrator implements it.
type TurnRunner interface {
	Turn(ctx context.Context, req pipeline.TurnRequest) (pipeline.TurnResult, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators the handlers use.
type Deps struct {
	Turns TurnRunner
	Store *storage.Store
	// Prompts backs POST /api/prompts. Optional.
	Prompts PromptGenerator
	// NLP is checked by /health. Optional.
	NLP HealthChecker
	// RewriteProvider names the enhanced-wording provider, "none" when off.
	RewriteProvider string
	// Token, when set, is required as a bearer token on /api routes.
	Token          string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter returns the HTTP handler for the whole service.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat/turn", handleChatTurn(deps))
		r.Post("/chat-turn", handleChatTurn(deps))

		r.Post("/prompts", handleGeneratePrompts(deps))

		r.Post("/sessions", handleCreateSession(deps))
		r.Post("/sessions/{id}/complete", handleCompleteSession(deps))
		r.Get("/sessions/{id}/turns", handleListTurns(deps))

		r.Post("/entries", handleCreateEntry(deps))
		r.Get("/entries", handleListEntries(deps))
	})

	return r
}

// requestLogger logs one line per request. Bodies are never logged.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	NLP     string `json:"nlp"`
	Rewrite string `json:"rewrite"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", NLP: "unconfigured", Rewrite: deps.RewriteProvider}
		if resp.Rewrite == "" {
			resp.Rewrite = "none"
		}
		if deps.NLP != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.NLP.Health(ctx); err != nil {
				resp.NLP = "unreachable"
			} else {
				resp.NLP = "ok"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
