// Package pipeline runs one chat turn end to end: evidence retrieval, plan
// request, optional rewrite, and persistence of the assistant reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
	"github.com/Gowtham-18/DearMe-AI/internal/retrieval"
	"github.com/Gowtham-18/DearMe-AI/internal/rewrite"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

// State names a step of the turn lifecycle. States are only logged.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateRetrievingEvidence State = "RETRIEVING_EVIDENCE"
	StateRequestingPlan     State = "REQUESTING_PLAN"
	StateCrisisShortCircuit State = "CRISIS_SHORT_CIRCUIT"
	StateRequestingRewrite  State = "REQUESTING_REWRITE"
	StateValidatingRewrite  State = "VALIDATING_REWRITE"
	StatePersisting         State = "PERSISTING"
	StateResponded          State = "RESPONDED"
)

const (
	DefaultTimeBudget   = 5
	DefaultHistoryLimit = 50
)

// ValidationError reports required request fields that were blank.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing parameters: " + strings.Join(e.Fields, ", ")
}

// Gatherer collects grounding evidence. *retrieval.Coordinator implements it.
type Gatherer interface {
	Gather(ctx context.Context, q retrieval.Query) (retrieval.Evidence, error)
}

// Planner obtains a reflection plan. *plan.Requestor implements it.
type Planner interface {
	Request(ctx context.Context, req plan.Request) (plan.Response, error)
}

// Rewriter rewords a plan's message. *rewrite.Rewriter implements it.
type Rewriter interface {
	Rewrite(ctx context.Context, p plan.Plan, msg plan.AssistantMessage) rewrite.Result
}

// TurnStore is the session and turn persistence the orchestrator needs.
type TurnStore interface {
	GetSession(ctx context.Context, id, userID string) (storage.Session, error)
	ListTurns(ctx context.Context, sessionID string, limit int) ([]storage.Turn, error)
	AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error)
}

// TurnRequest is one user message in a session.
type TurnRequest struct {
	UserID                  string `json:"userId"`
	SessionID               string `json:"sessionId"`
	LatestUserMessage       string `json:"latestUserMessage"`
	TimeBudget              int    `json:"timeBudget,omitempty"`
	Mood                    string `json:"mood,omitempty"`
	EnhancedLanguageEnabled bool   `json:"enhancedLanguageEnabled"`
}

// Assistant is the rendered reply.
type Assistant struct {
	Message  string                `json:"message"`
	Sections plan.AssistantMessage `json:"sections"`
	Evidence []plan.EvidenceCard   `json:"evidence"`
}

// TurnResult is returned to the caller. AssistantTurn is nil when the reply
// could not be stored.
type TurnResult struct {
	Assistant            Assistant     `json:"assistant"`
	AssistantTurn        *storage.Turn `json:"assistant_turn"`
	Safety               plan.Safety   `json:"safety"`
	EnhancedLanguageUsed bool          `json:"enhanced_language_used"`
}

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	HistoryLimit int
}

// Orchestrator runs turns. Turns within a session are serialized.
type Orchestrator struct {
	store    TurnStore
	gatherer Gatherer
	planner  Planner
	rewriter Rewriter
	cfg      Config
	locks    *sessionLocks
	logger   *slog.Logger
}

// New creates an Orchestrator. rewriter may be nil when enhanced wording is
// not available.
func New(store TurnStore, gatherer Gatherer, planner Planner, rewriter Rewriter, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		gatherer: gatherer,
		planner:  planner,
		rewriter: rewriter,
		cfg:      cfg,
		locks:    newSessionLocks(),
		logger:   logger,
	}
}

// turnLog tracks state transitions for one turn.
type turnLog struct {
	logger *slog.Logger
	start  time.Time
}

func (l turnLog) enter(s State, args ...any) {
	l.logger.Debug("turn state", append([]any{"state", s, "elapsed_ms", time.Since(l.start).Milliseconds()}, args...)...)
}

// Turn processes one user message. It fails with *ValidationError on blank
// input and with an error wrapping plan.ErrPlanUnavailable when no plan could
// be obtained. Every other degradation is absorbed.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if err := validate(req); err != nil {
		return TurnResult{}, err
	}
	if req.TimeBudget <= 0 {
		req.TimeBudget = DefaultTimeBudget
	}

	release, err := o.locks.acquire(ctx, req.SessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()

	tl := turnLog{
		logger: o.logger.With("session_id", req.SessionID, "user_id", req.UserID),
		start:  time.Now(),
	}
	tl.enter(StateReceived, "message_len", len(req.LatestUserMessage))

	selectedPrompt := o.selectedPrompt(ctx, req)
	history := o.history(ctx, req.SessionID)

	if _, err := o.store.AppendTurn(ctx, storage.Turn{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      storage.RoleUser,
		Content:   req.LatestUserMessage,
	}); err != nil {
		tl.logger.Warn("failed to persist user turn", "error", err)
	}

	tl.enter(StateRetrievingEvidence)
	ev, err := o.gatherer.Gather(ctx, retrieval.Query{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Message:   req.LatestUserMessage,
		Mood:      req.Mood,
	})
	if err != nil {
		tl.logger.Warn("evidence retrieval failed", "error", err)
	}

	tl.enter(StateRequestingPlan, "evidence", len(ev.Entries), "degraded", ev.Degraded)
	resp, err := o.planner.Request(ctx, plan.Request{
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		SelectedPrompt:    selectedPrompt,
		History:           history,
		LatestUserMessage: req.LatestUserMessage,
		TimeBudget:        req.TimeBudget,
		Mood:              req.Mood,
		RetrievedEntries:  contextEntries(ev.Entries),
	})
	if err != nil {
		if !errors.Is(err, plan.ErrPlanUnavailable) {
			err = fmt.Errorf("%w: %w", plan.ErrPlanUnavailable, err)
		}
		return TurnResult{}, err
	}

	message := resp.Plan.Sections()
	enhanced := false

	switch {
	case resp.Safety.Crisis:
		tl.enter(StateCrisisShortCircuit)
	case req.EnhancedLanguageEnabled && o.rewriter != nil:
		tl.enter(StateRequestingRewrite)
		res := o.rewriter.Rewrite(ctx, resp.Plan, message)
		tl.enter(StateValidatingRewrite, "reason", res.Reason)
		if res.Message != nil {
			message = *res.Message
			enhanced = true
		}
	}

	tl.enter(StatePersisting)
	var assistantTurn *storage.Turn
	saved, err := o.store.AppendTurn(ctx, storage.Turn{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      storage.RoleAssistant,
		Content:   message.Text(),
	})
	if err != nil {
		tl.logger.Warn("failed to persist assistant turn", "error", err)
	} else {
		assistantTurn = &saved
	}

	evidence := resp.Plan.EvidenceCards
	if evidence == nil {
		evidence = []plan.EvidenceCard{}
	}
	tl.enter(StateResponded, "crisis", resp.Safety.Crisis, "enhanced", enhanced)

	return TurnResult{
		Assistant: Assistant{
			Message:  message.Text(),
			Sections: message,
			Evidence: evidence,
		},
		AssistantTurn:        assistantTurn,
		Safety:               resp.Safety,
		EnhancedLanguageUsed: enhanced,
	}, nil
}

func validate(req TurnRequest) error {
	var missing []string
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if strings.TrimSpace(req.LatestUserMessage) == "" {
		missing = append(missing, "latestUserMessage")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// selectedPrompt returns the session's prompt text, or "" when the session
// is unknown.
func (o *Orchestrator) selectedPrompt(ctx context.Context, req TurnRequest) string {
	s, err := o.store.GetSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("failed to load session", "session_id", req.SessionID, "error", err)
		}
		return ""
	}
	return s.SelectedPromptText
}

func (o *Orchestrator) history(ctx context.Context, sessionID string) []plan.HistoryTurn {
	turns, err := o.store.ListTurns(ctx, sessionID, o.cfg.HistoryLimit)
	if err != nil {
		o.logger.Warn("failed to load history", "session_id", sessionID, "error", err)
		return []plan.HistoryTurn{}
	}
	out := make([]plan.HistoryTurn, len(turns))
	for i, t := range turns {
		out[i] = plan.HistoryTurn{Role: t.Role, Content: t.Content}
	}
	return out
}

func contextEntries(entries []retrieval.EvidenceEntry) []plan.ContextEntry {
	out := make([]plan.ContextEntry, len(entries))
	for i, e := range entries {
		ce := plan.ContextEntry{EntryID: e.EntryID, Text: e.Text, Mood: e.Mood, Source: e.Source}
		if e.CreatedAt != nil {
			ce.CreatedAt = e.CreatedAt.UTC().Format(time.RFC3339)
		}
		out[i] = ce
	}
	return out
}
