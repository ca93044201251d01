package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Gowtham-18/DearMe-AI/internal/nlp"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

// Defaults for the coordinator; see Config.
const (
	DefaultMatchCount  = 5
	DefaultRecentCount = 3
	DefaultTimeout     = 5 * time.Second
)

// Evidence sources.
const (
	SourceSimilarity = "similarity"
	SourceRecent     = "recent"
)

// Degradation notes recorded on Evidence.
const (
	NoteAnalysisUnavailable = "analysis_unavailable"
	NoteNoEmbedding         = "no_embedding"
	NoteSimilarityFailed    = "similarity_failed"
	NoteRecencyFailed       = "recency_failed"
)

// ErrInvalidQuery is returned when a query lacks a user or a message.
var ErrInvalidQuery = errors.New("retrieval query requires user id and message")

// Analyzer embeds text. *nlp.Client implements it.
type Analyzer interface {
	AnalyzeEntry(ctx context.Context, req nlp.AnalyzeRequest) (nlp.Analysis, error)
}

// EntryStore reads journal entries. *storage.Store implements it.
type EntryStore interface {
	RecentEntries(ctx context.Context, userID string, limit int) ([]storage.Entry, error)
	EntriesByID(ctx context.Context, userID string, ids []string) ([]storage.Entry, error)
}

// Config tunes the coordinator. Zero values take the defaults.
type Config struct {
	MatchCount  int
	RecentCount int
	Timeout     time.Duration
}

// Query identifies what to gather evidence for.
type Query struct {
	UserID    string
	SessionID string
	Message   string
	Mood      string
}

// EvidenceEntry is a past entry surfaced as grounding for a turn.
type EvidenceEntry struct {
	EntryID   string     `json:"entry_id"`
	Text      string     `json:"text"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Mood      string     `json:"mood,omitempty"`
	Source    string     `json:"source,omitempty"`
}

// Evidence is the merged result of a gather. Degraded lists the retrieval
// paths that were skipped or failed.
type Evidence struct {
	Entries  []EvidenceEntry
	Degraded []string
}

// Coordinator merges similarity matches with a recency floor.
type Coordinator struct {
	analyzer Analyzer
	vectors  VectorStore
	entries  EntryStore
	cfg      Config
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. analyzer and vectors may be nil, in
// which case only the recency floor is used.
func NewCoordinator(analyzer Analyzer, vectors VectorStore, entries EntryStore, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.MatchCount <= 0 {
		cfg.MatchCount = DefaultMatchCount
	}
	if cfg.RecentCount <= 0 {
		cfg.RecentCount = DefaultRecentCount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{analyzer: analyzer, vectors: vectors, entries: entries, cfg: cfg, logger: logger}
}

// MaxEntries is the most entries a single Gather can return.
func (c *Coordinator) MaxEntries() int {
	return c.cfg.MatchCount + c.cfg.RecentCount
}

// Gather collects evidence for q. Apart from ErrInvalidQuery it never fails:
// any broken path is noted in Evidence.Degraded and the others still count.
func (c *Coordinator) Gather(ctx context.Context, q Query) (Evidence, error) {
	if strings.TrimSpace(q.UserID) == "" || strings.TrimSpace(q.Message) == "" {
		return Evidence{}, ErrInvalidQuery
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var (
		similar, recent         []EvidenceEntry
		similarNote, recentNote string
	)

	// Both paths degrade instead of failing, so neither goroutine returns an
	// error and one path never cancels the other.
	var g errgroup.Group
	g.Go(func() error {
		similar, similarNote = c.similar(ctx, q)
		return nil
	})
	g.Go(func() error {
		rows, err := c.entries.RecentEntries(ctx, q.UserID, c.cfg.RecentCount)
		if err != nil {
			c.logger.Warn("recent entries lookup failed", "user_id", q.UserID, "error", err)
			recentNote = NoteRecencyFailed
			return nil
		}
		recent = toEvidence(rows, SourceRecent)
		return nil
	})
	_ = g.Wait()

	ev := Evidence{Entries: Merge(similar, recent)}
	for _, note := range []string{similarNote, recentNote} {
		if note != "" {
			ev.Degraded = append(ev.Degraded, note)
		}
	}
	c.logger.Debug("evidence gathered",
		"user_id", q.UserID,
		"similar", len(similar),
		"recent", len(recent),
		"merged", len(ev.Entries),
		"degraded", ev.Degraded,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return ev, nil
}

// similar embeds the message and resolves the nearest entries in rank order.
// The second return value is a degradation note, empty on success.
func (c *Coordinator) similar(ctx context.Context, q Query) ([]EvidenceEntry, string) {
	if c.analyzer == nil || c.vectors == nil {
		return nil, NoteAnalysisUnavailable
	}

	entryID := q.SessionID
	if entryID == "" {
		entryID = "chat-turn"
	}
	analysis, err := c.analyzer.AnalyzeEntry(ctx, nlp.AnalyzeRequest{
		UserID:  q.UserID,
		EntryID: entryID,
		Text:    q.Message,
		Mood:    q.Mood,
	})
	if err != nil {
		c.logger.Info("analysis unavailable, using recency only", "user_id", q.UserID, "error", err)
		return nil, NoteAnalysisUnavailable
	}
	if len(analysis.Embedding) == 0 {
		return nil, NoteNoEmbedding
	}

	matches, err := c.vectors.MatchEntries(ctx, q.UserID, SerializeEmbedding(analysis.Embedding), c.cfg.MatchCount)
	if err != nil {
		c.logger.Warn("similarity lookup failed", "user_id", q.UserID, "error", err)
		return nil, NoteSimilarityFailed
	}
	if len(matches) == 0 {
		return nil, ""
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.EntryID
	}
	rows, err := c.entries.EntriesByID(ctx, q.UserID, ids)
	if err != nil {
		c.logger.Warn("matched entries lookup failed", "user_id", q.UserID, "error", err)
		return nil, NoteSimilarityFailed
	}
	return toEvidence(rows, SourceSimilarity), ""
}

// Merge returns similar followed by the recent entries not already present.
// Each entry id appears once, at its first position.
func Merge(similar, recent []EvidenceEntry) []EvidenceEntry {
	seen := make(map[string]struct{}, len(similar)+len(recent))
	merged := make([]EvidenceEntry, 0, len(similar)+len(recent))
	for _, list := range [][]EvidenceEntry{similar, recent} {
		for _, e := range list {
			if _, dup := seen[e.EntryID]; dup {
				continue
			}
			seen[e.EntryID] = struct{}{}
			merged = append(merged, e)
		}
	}
	return merged
}

func toEvidence(rows []storage.Entry, source string) []EvidenceEntry {
	out := make([]EvidenceEntry, 0, len(rows))
	for _, r := range rows {
		created := r.CreatedAt
		out = append(out, EvidenceEntry{
			EntryID:   r.ID,
			Text:      r.Content,
			CreatedAt: &created,
			Mood:      r.Mood,
			Source:    source,
		})
	}
	return out
}
