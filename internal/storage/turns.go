package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendTurn appends a turn to its session and returns the stored record.
// created_at never goes backwards within a session, so ordering by it is
// stable even if the wall clock steps back between two turns.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.SessionID == "" || t.UserID == "" {
		return Turn{}, errors.New("turn session_id and user_id are required")
	}
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return Turn{}, fmt.Errorf("invalid turn role %q", t.Role)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("beginning turn insert: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM journal_turns WHERE session_id = ?`, t.SessionID,
	).Scan(&last); err != nil {
		return Turn{}, fmt.Errorf("reading last turn time: %w", err)
	}
	if last.Valid {
		prev, err := parseTime("created_at", last.String)
		if err != nil {
			return Turn{}, err
		}
		if !t.CreatedAt.After(prev) {
			t.CreatedAt = prev.Add(time.Microsecond)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO journal_turns (id, session_id, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.UserID, t.Role, t.Content, formatTime(t.CreatedAt),
	); err != nil {
		return Turn{}, fmt.Errorf("inserting turn %s: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("committing turn %s: %w", t.ID, err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// ListTurns returns the turns of a session in conversation order.
// A limit of zero or less returns every turn.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := `SELECT id, session_id, user_id, role, content, created_at
		FROM journal_turns WHERE session_id = ? ORDER BY created_at ASC, seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Keep the newest turns but still return them oldest first.
		query = `SELECT id, session_id, user_id, role, content, created_at FROM (
			SELECT id, session_id, user_id, role, content, created_at, seq
			FROM journal_turns WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
