package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps embeddings in the entry_vectors table and ranks them by
// brute-force cosine similarity. A journal holds a few thousand entries per
// user at most, so a full scan of one user's rows stays cheap.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB. The entry_vectors table must
// already exist (created by storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert stores or replaces the embedding of an entry.
func (s *SQLiteStore) Upsert(ctx context.Context, rec VectorRecord) error {
	if rec.EntryID == "" || rec.UserID == "" {
		return errors.New("vector record entry_id and user_id are required")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("vector record %s has an empty embedding", rec.EntryID)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_vectors (entry_id, user_id, embedding, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			user_id = excluded.user_id,
			embedding = excluded.embedding,
			created_at = excluded.created_at`,
		rec.EntryID, rec.UserID, encodeFloat32s(rec.Embedding), createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting vector %s: %w", rec.EntryID, err)
	}
	return nil
}

// MatchEntries scans the user's vectors and keeps the best matchCount in a
// min-heap.
func (s *SQLiteStore) MatchEntries(ctx context.Context, userID, queryEmbedding string, matchCount int) ([]Match, error) {
	if matchCount <= 0 {
		return nil, nil
	}
	query, err := ParseEmbedding(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("parsing query embedding: %w", err)
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, embedding FROM entry_vectors WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &matchHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(query) {
			continue
		}

		score := cosine(query, buf, queryNorm)
		if h.Len() < matchCount {
			heap.Push(h, Match{EntryID: id, Similarity: score})
		} else if score > (*h)[0].Similarity {
			(*h)[0] = Match{EntryID: id, Similarity: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vectors: %w", err)
	}

	matches := make([]Match, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		matches[i] = heap.Pop(h).(Match)
	}
	return matches, nil
}

// Delete removes an entry's embedding.
func (s *SQLiteStore) Delete(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entry_vectors WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("deleting vector %s: %w", entryID, err)
	}
	return nil
}

// Count returns the number of stored embeddings.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entry_vectors`).Scan(&n)
	return n, err
}

// matchHeap is a min-heap of matches ordered by similarity.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
