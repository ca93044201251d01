package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Gowtham-18/DearMe-AI/internal/nlp"
)

const (
	// DefaultTimeout bounds a single plan request, retries included.
	DefaultTimeout = 10 * time.Second

	// Contract is the versioned chat-turn dialect this client speaks:
	// {plan, assistant_message:{...}, safety}.
	Contract = "chat-turn/v2"

	chatTurnPath = "/chat-turn"
)

var (
	// ErrPlanUnavailable is the umbrella for every fatal plan failure.
	ErrPlanUnavailable = errors.New("reflection plan unavailable")
	// ErrUpstream means the service was unreachable or answered non-2xx.
	ErrUpstream = fmt.Errorf("%w: upstream failure", ErrPlanUnavailable)
	// ErrMalformedPlan means the service answered 2xx with an unusable body.
	ErrMalformedPlan = fmt.Errorf("%w: malformed plan", ErrPlanUnavailable)
)

// HistoryTurn is a prior message of the session.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextEntry is a past journal entry offered to the service as evidence.
type ContextEntry struct {
	EntryID   string `json:"entry_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at,omitempty"`
	Mood      string `json:"mood,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Request is the body of POST /chat-turn.
type Request struct {
	UserID            string         `json:"user_id"`
	SessionID         string         `json:"session_id"`
	SelectedPrompt    string         `json:"selected_prompt"`
	History           []HistoryTurn  `json:"history"`
	LatestUserMessage string         `json:"latest_user_message"`
	TimeBudget        int            `json:"time_budget"`
	Mood              string         `json:"mood,omitempty"`
	RetrievedEntries  []ContextEntry `json:"retrieved_entries"`
}

// Response is a validated plan plus the resolved safety verdict.
type Response struct {
	Plan   Plan
	Safety Safety
}

// Poster sends a JSON request and returns the 2xx body. *nlp.Client implements it.
type Poster interface {
	PostJSON(ctx context.Context, path string, in any, header http.Header) ([]byte, error)
}

// Requestor obtains reflection plans from the NLP service.
type Requestor struct {
	client  Poster
	timeout time.Duration
	logger  *slog.Logger
}

// NewRequestor creates a Requestor. A non-positive timeout uses DefaultTimeout.
func NewRequestor(client Poster, timeout time.Duration, logger *slog.Logger) *Requestor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Requestor{client: client, timeout: timeout, logger: logger}
}

// Request asks for a plan. Every failure wraps ErrPlanUnavailable; the caller
// must not invent a plan in its place.
func (r *Requestor) Request(ctx context.Context, req Request) (Response, error) {
	if req.History == nil {
		req.History = []HistoryTurn{}
	}
	if req.RetrievedEntries == nil {
		req.RetrievedEntries = []ContextEntry{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	header := http.Header{}
	header.Set(nlp.ContractHeader, Contract)

	start := time.Now()
	body, err := r.client.PostJSON(ctx, chatTurnPath, req, header)
	if err != nil {
		r.logger.Warn("plan request failed",
			"session_id", req.SessionID,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return Response{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	resp, err := Decode(body)
	if err != nil {
		r.logger.Warn("plan response rejected", "session_id", req.SessionID, "error", err)
		return Response{}, err
	}
	r.logger.Debug("plan received",
		"session_id", req.SessionID,
		"evidence_cards", len(resp.Plan.EvidenceCards),
		"crisis", resp.Safety.Crisis,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

type wirePlan struct {
	Validation        *Section           `json:"validation"`
	Reflection        *Section           `json:"reflection"`
	PatternConnection *PatternConnection `json:"pattern_connection"`
	GentleNudge       *Section           `json:"gentle_nudge"`
	FollowUpQuestion  *Section           `json:"follow_up_question"`
	EvidenceCards     *[]EvidenceCard    `json:"evidence_cards"`
	Safety            *Safety            `json:"safety"`
	Constraints       *Constraints       `json:"constraints"`
}

type wireResponse struct {
	Plan             *wirePlan       `json:"plan"`
	AssistantMessage json.RawMessage `json:"assistant_message"`
	Safety           *Safety         `json:"safety"`
}

// Decode validates a chat-turn response body. Any missing required field,
// or a body in the legacy string dialect, yields ErrMalformedPlan.
func Decode(body []byte) (Response, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if w.Plan == nil {
		if isJSONString(w.AssistantMessage) {
			return Response{}, fmt.Errorf("%w: legacy response dialect, want %s", ErrMalformedPlan, Contract)
		}
		return Response{}, fmt.Errorf("%w: missing plan", ErrMalformedPlan)
	}

	wp := w.Plan
	var missing []string
	requireText := func(name string, s *Section) {
		if s == nil || strings.TrimSpace(s.Text) == "" {
			missing = append(missing, name)
		}
	}
	requireText("validation", wp.Validation)
	requireText("reflection", wp.Reflection)
	if wp.PatternConnection == nil || strings.TrimSpace(wp.PatternConnection.Text) == "" {
		missing = append(missing, "pattern_connection")
	}
	requireText("gentle_nudge", wp.GentleNudge)
	requireText("follow_up_question", wp.FollowUpQuestion)
	if wp.EvidenceCards == nil {
		missing = append(missing, "evidence_cards")
	}
	if wp.Safety == nil {
		missing = append(missing, "safety")
	}
	if wp.Constraints == nil {
		missing = append(missing, "constraints")
	}
	if len(missing) > 0 {
		return Response{}, fmt.Errorf("%w: missing %s", ErrMalformedPlan, strings.Join(missing, ", "))
	}

	p := Plan{
		Validation:        *wp.Validation,
		Reflection:        *wp.Reflection,
		PatternConnection: *wp.PatternConnection,
		GentleNudge:       *wp.GentleNudge,
		FollowUpQuestion:  *wp.FollowUpQuestion,
		EvidenceCards:     *wp.EvidenceCards,
		Safety:            *wp.Safety,
		Constraints:       *wp.Constraints,
	}
	if p.EvidenceCards == nil {
		p.EvidenceCards = []EvidenceCard{}
	}
	if p.PatternConnection.References == nil {
		p.PatternConnection.References = []string{}
	}
	return Response{Plan: p, Safety: resolveSafety(p.Safety, w.Safety)}, nil
}

// resolveSafety keeps the plan's verdict authoritative, but a crisis raised
// only at the top level of the response is still honored.
func resolveSafety(fromPlan Safety, top *Safety) Safety {
	if fromPlan.Crisis || top == nil || !top.Crisis {
		return fromPlan
	}
	return Safety{Crisis: true, Reason: top.Reason}
}

func isJSONString(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, `"`)
}
