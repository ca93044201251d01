package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Gowtham-18/DearMe-AI/internal/pipeline"
	"github.com/Gowtham-18/DearMe-AI/internal/plan"
)

const (
	msgMissingParameters = "Missing parameters."
	msgPlanUnavailable   = "Couldn't generate a response. Please try again."
	msgUnexpected        = "Unexpected error."
)

func handleChatTurn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req pipeline.TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Turns.Turn(r.Context(), req)
		if err != nil {
			var verr *pipeline.ValidationError
			switch {
			case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
				// The client went away; nobody is left to read a response.
				deps.Logger.Debug("chat turn canceled", "session_id", req.SessionID)
			case errors.As(err, &verr):
				httpError(w, http.StatusBadRequest, "invalid_request_error", msgMissingParameters)
			case errors.Is(err, plan.ErrPlanUnavailable):
				deps.Logger.Warn("chat turn failed", "session_id", req.SessionID, "error", err)
				httpError(w, http.StatusBadGateway, "upstream_error", msgPlanUnavailable)
			default:
				deps.Logger.Error("chat turn failed", "session_id", req.SessionID, "error", err)
				httpError(w, http.StatusInternalServerError, "api_error", msgUnexpected)
			}
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}
