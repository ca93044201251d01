package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session statuses.
const (
	SessionActive    = "ACTIVE"
	SessionCompleted = "COMPLETED"
)

// JobTypeEmbedEntry asks the ingest worker to analyze and embed a journal entry.
const JobTypeEmbedEntry = "embed_entry"

// Session is a single journaling conversation, optionally started from a prompt.
type Session struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	SelectedPromptID   string     `json:"selected_prompt_id,omitempty"`
	SelectedPromptText string     `json:"selected_prompt_text,omitempty"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Turn is one message in a session. Turns are append-only; created_at
// (then insertion order) defines conversation order.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is a free-form journal entry. Sentiment and keyphrases are filled in
// by the ingest worker once the analysis service has processed the entry.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Content        string    `json:"content"`
	Mood           string    `json:"mood,omitempty"`
	EntryDate      string    `json:"entry_date,omitempty"`
	Source         string    `json:"source,omitempty"`
	SentimentLabel string    `json:"sentiment_label,omitempty"`
	SentimentScore float64   `json:"sentiment_score,omitempty"`
	Keyphrases     []string  `json:"keyphrases,omitempty"`
	// SafetyCrisis is the analysis verdict on the entry text. It is only
	// meaningful once AnalyzedAt is set.
	SafetyCrisis bool       `json:"safety_crisis,omitempty"`
	SafetyReason string     `json:"safety_reason,omitempty"`
	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EntryAnalysis is what the analysis service reported for one entry.
type EntryAnalysis struct {
	SentimentLabel string
	SentimentScore float64
	Keyphrases     []string
	Crisis         bool
	CrisisReason   string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
