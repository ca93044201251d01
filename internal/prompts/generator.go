// Package prompts suggests journaling prompts grounded in the user's own
// entries. A chosen prompt becomes the selected prompt of a new session.
package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
	"github.com/Gowtham-18/DearMe-AI/internal/retrieval"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

const (
	// DefaultTimeout bounds the /generate-prompts call, retries included.
	DefaultTimeout = 10 * time.Second
	// DefaultTimeBudget is the session length in minutes when none is given.
	DefaultTimeBudget = 5

	// CrisisReason is returned instead of prompts when recent entries carry
	// crisis cues. Entry-level reasons are not echoed back.
	CrisisReason = "Crisis cues detected in recent entries."

	generatePath  = "/generate-prompts"
	crisisWindow  = 7
	themeWindow   = 20
	maxThemes     = 5
	sourceSimilar = "similar"
)

var (
	// ErrInvalidRequest means the request has no user id.
	ErrInvalidRequest = errors.New("user id is required")
	// ErrUnavailable is the umbrella for every upstream generation failure.
	ErrUnavailable = errors.New("prompt generation unavailable")
	// ErrUpstream means the service was unreachable or answered non-2xx.
	ErrUpstream = fmt.Errorf("%w: upstream failure", ErrUnavailable)
	// ErrMalformed means the service answered 2xx with an unusable body.
	ErrMalformed = fmt.Errorf("%w: malformed response", ErrUnavailable)
)

// Request asks for prompts for one user.
type Request struct {
	UserID     string `json:"userId"`
	Mood       string `json:"mood,omitempty"`
	TimeBudget int    `json:"timeBudget,omitempty"`
}

// Evidence ties a prompt to a past entry.
type Evidence struct {
	EntryID *string `json:"entry_id"`
	Snippet string  `json:"snippet"`
	Reason  string  `json:"reason"`
}

// Prompt is one suggestion.
type Prompt struct {
	ID       string     `json:"id"`
	Text     string     `json:"text"`
	Reason   string     `json:"reason"`
	Evidence []Evidence `json:"evidence"`
}

// Result is the generated prompt list. Prompts is empty, never nil, when
// Safety.Crisis is set.
type Result struct {
	Prompts []Prompt    `json:"prompts"`
	Safety  plan.Safety `json:"safety"`
}

// EntryStore reads entries and their persisted analysis. *storage.Store
// implements it.
type EntryStore interface {
	RecentEntries(ctx context.Context, userID string, limit int) ([]storage.Entry, error)
	RecentCrisis(ctx context.Context, userID string, n int) (bool, string, error)
}

// Gatherer finds evidence for a text. *retrieval.Coordinator implements it.
type Gatherer interface {
	Gather(ctx context.Context, q retrieval.Query) (retrieval.Evidence, error)
}

// Poster sends a JSON request and returns the 2xx body. *nlp.Client implements it.
type Poster interface {
	PostJSON(ctx context.Context, path string, in any, header http.Header) ([]byte, error)
}

type generateRequest struct {
	UserID         string              `json:"user_id"`
	RecentEntries  []plan.ContextEntry `json:"recent_entries"`
	SimilarEntries []plan.ContextEntry `json:"similar_entries"`
	Themes         []string            `json:"themes"`
	Mood           *string             `json:"mood"`
	TimeBudget     int                 `json:"time_budget"`
}

// Generator asks the NLP service for prompts, seeding it with entries that
// resemble the user's latest one plus a recency floor.
type Generator struct {
	store    EntryStore
	gatherer Gatherer
	client   Poster
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGenerator creates a Generator. gatherer may be nil, in which case only
// recent entries are offered. A non-positive timeout uses DefaultTimeout.
func NewGenerator(store EntryStore, gatherer Gatherer, client Poster, timeout time.Duration, logger *slog.Logger) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, gatherer: gatherer, client: client, timeout: timeout, logger: logger}
}

// Generate returns prompts for req.UserID. Recent crisis flags withhold
// prompts without contacting the service.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Result{}, ErrInvalidRequest
	}
	if req.TimeBudget <= 0 {
		req.TimeBudget = DefaultTimeBudget
	}

	crisis, _, err := g.store.RecentCrisis(ctx, req.UserID, crisisWindow)
	if err != nil {
		return Result{}, fmt.Errorf("checking recent safety flags: %w", err)
	}
	if crisis {
		g.logger.Info("prompts withheld after crisis flag", "user_id", req.UserID)
		reason := CrisisReason
		return Result{Prompts: []Prompt{}, Safety: plan.Safety{Crisis: true, Reason: &reason}}, nil
	}

	rows, err := g.store.RecentEntries(ctx, req.UserID, themeWindow)
	if err != nil {
		g.logger.Warn("recent entries lookup failed", "user_id", req.UserID, "error", err)
		rows = nil
	}

	body := generateRequest{
		UserID:         req.UserID,
		RecentEntries:  []plan.ContextEntry{},
		SimilarEntries: []plan.ContextEntry{},
		Themes:         Themes(rows, maxThemes),
		TimeBudget:     req.TimeBudget,
	}
	if req.Mood != "" {
		body.Mood = &req.Mood
	}
	if len(rows) > 0 {
		body.RecentEntries, body.SimilarEntries = g.evidence(ctx, req, rows)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	data, err := g.client.PostJSON(ctx, generatePath, body, nil)
	if err != nil {
		g.logger.Warn("prompt request failed",
			"user_id", req.UserID,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return Result{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	res, err := Decode(data)
	if err != nil {
		g.logger.Warn("prompt response rejected", "user_id", req.UserID, "error", err)
		return Result{}, err
	}
	g.logger.Debug("prompts generated",
		"user_id", req.UserID,
		"count", len(res.Prompts),
		"similar", len(body.SimilarEntries),
		"recent", len(body.RecentEntries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// evidence looks up entries resembling the newest one. Without a gatherer, or
// when it fails, the newest entries alone are offered.
func (g *Generator) evidence(ctx context.Context, req Request, rows []storage.Entry) (recent, similar []plan.ContextEntry) {
	recent, similar = []plan.ContextEntry{}, []plan.ContextEntry{}
	if g.gatherer != nil {
		ev, err := g.gatherer.Gather(ctx, retrieval.Query{UserID: req.UserID, Message: rows[0].Content, Mood: req.Mood})
		if err == nil {
			for _, e := range ev.Entries {
				ce := contextEntry(e.EntryID, e.Text, e.Mood, e.CreatedAt)
				if e.Source == retrieval.SourceSimilarity {
					ce.Source = sourceSimilar
					similar = append(similar, ce)
				} else {
					ce.Source = retrieval.SourceRecent
					recent = append(recent, ce)
				}
			}
			return recent, similar
		}
		g.logger.Warn("prompt evidence lookup failed", "user_id", req.UserID, "error", err)
	}

	for _, e := range rows[:min(len(rows), retrieval.DefaultRecentCount)] {
		created := e.CreatedAt
		ce := contextEntry(e.ID, e.Content, e.Mood, &created)
		ce.Source = retrieval.SourceRecent
		recent = append(recent, ce)
	}
	return recent, similar
}

func contextEntry(id, text, mood string, createdAt *time.Time) plan.ContextEntry {
	ce := plan.ContextEntry{EntryID: id, Text: text, Mood: mood}
	if createdAt != nil && !createdAt.IsZero() {
		ce.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	}
	return ce
}

// Themes returns up to n keyphrases that recur across entries, most frequent
// first. Ties keep the order of first appearance.
func Themes(entries []storage.Entry, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, e := range entries {
		seen := make(map[string]bool, len(e.Keyphrases))
		for _, k := range e.Keyphrases {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			if counts[k] == 0 {
				order = append(order, k)
			}
			counts[k]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	if order == nil {
		return []string{}
	}
	return order
}

// Decode validates a /generate-prompts body. Prompts without an id or text
// make the whole response malformed; a crisis verdict drops every prompt.
func Decode(body []byte) (Result, error) {
	var raw struct {
		Prompts *[]Prompt    `json:"prompts"`
		Safety  *plan.Safety `json:"safety"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Prompts == nil {
		return Result{}, fmt.Errorf("%w: missing prompts", ErrMalformed)
	}
	if raw.Safety == nil {
		return Result{}, fmt.Errorf("%w: missing safety", ErrMalformed)
	}

	res := Result{Prompts: *raw.Prompts, Safety: *raw.Safety}
	for i := range res.Prompts {
		p := &res.Prompts[i]
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Text) == "" {
			return Result{}, fmt.Errorf("%w: prompt %d has no id or text", ErrMalformed, i)
		}
		if p.Evidence == nil {
			p.Evidence = []Evidence{}
		}
	}
	if res.Safety.Crisis || res.Prompts == nil {
		res.Prompts = []Prompt{}
	}
	return res, nil
}
