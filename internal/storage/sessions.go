package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateSession inserts a new ACTIVE session. ID and CreatedAt are assigned
// when empty.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.UserID == "" {
		return Session{}, errors.New("session user_id is required")
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	sess.Status = SessionActive
	sess.CompletedAt = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_sessions (id, user_id, selected_prompt_id, selected_prompt_text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.SelectedPromptID, sess.SelectedPromptText, sess.Status, formatTime(sess.CreatedAt),
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session %s: %w", sess.ID, err)
	}
	return sess, nil
}

// GetSession returns the session with the given id owned by userID.
func (s *Store) GetSession(ctx context.Context, id, userID string) (Session, error) {
	var sess Session
	var createdAt string
	var completedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, selected_prompt_id, selected_prompt_text, status, created_at, completed_at
		FROM journal_sessions WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&sess.ID, &sess.UserID, &sess.SelectedPromptID, &sess.SelectedPromptText, &sess.Status, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Session{}, err
	}
	if completedAt.Valid {
		t, err := parseTime("completed_at", completedAt.String)
		if err != nil {
			return Session{}, err
		}
		sess.CompletedAt = &t
	}
	return sess, nil
}

// CompleteSession marks an ACTIVE session COMPLETED. Completing an already
// completed session is a no-op.
func (s *Store) CompleteSession(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE journal_sessions SET status = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND user_id = ?`,
		SessionCompleted, formatTime(s.now()), id, userID,
	)
	if err != nil {
		return fmt.Errorf("completing session %s: %w", id, err)
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
