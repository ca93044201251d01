package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const entryColumns = `id, user_id, content, mood, entry_date, source, sentiment_label, sentiment_score, keyphrases, safety_crisis, safety_reason, analyzed_at, created_at`

// SaveEntry inserts a journal entry. ID, Source and CreatedAt are assigned
// when empty.
func (s *Store) SaveEntry(ctx context.Context, e Entry) (Entry, error) {
	if e.UserID == "" {
		return Entry{}, errors.New("entry user_id is required")
	}
	if strings.TrimSpace(e.Content) == "" {
		return Entry{}, errors.New("entry content is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Source == "" {
		e.Source = "journal"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	keyphrases, err := marshalKeyphrases(e.Keyphrases)
	if err != nil {
		return Entry{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		e.ID, e.UserID, e.Content, e.Mood, e.EntryDate, e.Source,
		e.SentimentLabel, e.SentimentScore, keyphrases, e.SafetyCrisis, e.SafetyReason, formatTime(e.CreatedAt),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("inserting entry %s: %w", e.ID, err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.AnalyzedAt = nil
	return e, nil
}

// GetEntry returns a single entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// RecentEntries returns the newest entries of a user, newest first.
func (s *Store) RecentEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = ? ORDER BY created_at DESC, id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent entries: %w", err)
	}
	return collectEntries(rows)
}

// EntriesByID returns the entries of userID among ids, in the order of ids.
// Unknown ids and entries owned by another user are skipped.
func (s *Store) EntriesByID(ctx context.Context, userID string, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries by id: %w", err)
	}
	found, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Entry, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	ordered := make([]Entry, 0, len(found))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// UpdateEntryAnalysis records the analysis service output for an entry and
// stamps it as analyzed.
func (s *Store) UpdateEntryAnalysis(ctx context.Context, id string, a EntryAnalysis) error {
	kp, err := marshalKeyphrases(a.Keyphrases)
	if err != nil {
		return err
	}
	reason := a.CrisisReason
	if !a.Crisis {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET sentiment_label = ?, sentiment_score = ?, keyphrases = ?,
			safety_crisis = ?, safety_reason = ?, analyzed_at = ?
		WHERE id = ?`,
		a.SentimentLabel, a.SentimentScore, kp, a.Crisis, reason, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("updating entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentCrisis reports whether any of the user's last n analyzed entries was
// flagged as crisis, with the newest flagged entry's reason.
func (s *Store) RecentCrisis(ctx context.Context, userID string, n int) (bool, string, error) {
	if n <= 0 {
		return false, "", nil
	}
	var reason string
	err := s.db.QueryRowContext(ctx, `
		SELECT safety_reason FROM (
			SELECT safety_crisis, safety_reason, created_at, id FROM entries
			WHERE user_id = ? AND analyzed_at != ''
			ORDER BY created_at DESC, id ASC LIMIT ?
		) WHERE safety_crisis = 1
		ORDER BY created_at DESC, id ASC LIMIT 1`, userID, n).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("querying recent crisis flags: %w", err)
	}
	return true, reason, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var keyphrases, analyzedAt, createdAt string
	if err := r.Scan(&e.ID, &e.UserID, &e.Content, &e.Mood, &e.EntryDate, &e.Source,
		&e.SentimentLabel, &e.SentimentScore, &keyphrases, &e.SafetyCrisis, &e.SafetyReason,
		&analyzedAt, &createdAt); err != nil {
		return Entry{}, err
	}
	if analyzedAt != "" {
		t, err := parseTime("analyzed_at", analyzedAt)
		if err != nil {
			return Entry{}, err
		}
		e.AnalyzedAt = &t
	}
	if keyphrases != "" {
		if err := json.Unmarshal([]byte(keyphrases), &e.Keyphrases); err != nil {
			return Entry{}, fmt.Errorf("decoding keyphrases for entry %s: %w", e.ID, err)
		}
	}
	var err error
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func marshalKeyphrases(k []string) (string, error) {
	if len(k) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("encoding keyphrases: %w", err)
	}
	return string(b), nil
}
