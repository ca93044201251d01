package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gowtham-18/DearMe-AI/internal/prompts"
)

const msgPromptsUnavailable = "Prompt generation failed."

// PromptGenerator suggests journaling prompts. *prompts.Generator implements it.
type PromptGenerator interface {
	Generate(ctx context.Context, req prompts.Request) (prompts.Result, error)
}

func handleGeneratePrompts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Prompts == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "prompt generation is not configured")
			return
		}

		var req prompts.Request
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := deps.Prompts.Generate(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
				deps.Logger.Debug("prompt generation canceled", "user_id", req.UserID)
			case errors.Is(err, prompts.ErrInvalidRequest):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "Missing userId.")
			case errors.Is(err, prompts.ErrUnavailable):
				deps.Logger.Warn("prompt generation failed", "user_id", req.UserID, "error", err)
				httpError(w, http.StatusBadGateway, "upstream_error", msgPromptsUnavailable)
			default:
				deps.Logger.Error("prompt generation failed", "user_id", req.UserID, "error", err)
				httpError(w, http.StatusInternalServerError, "api_error", msgUnexpected)
			}
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
