package retrieval

import (
	"context"
	"time"
)

// VectorStore keeps one embedding per journal entry and answers per-user
// nearest-neighbour queries.
//
// MatchEntries mirrors the match_journal_entries RPC: the query embedding
// arrives in the bracketed string wire format (see SerializeEmbedding) and
// results are ranked by descending similarity, scoped to userID.
type VectorStore interface {
	// Upsert stores or replaces the embedding of an entry.
	Upsert(ctx context.Context, rec VectorRecord) error

	// MatchEntries returns up to matchCount entries of userID most similar
	// to queryEmbedding.
	MatchEntries(ctx context.Context, userID, queryEmbedding string, matchCount int) ([]Match, error)

	// Delete removes an entry's embedding. Deleting a missing entry is not an error.
	Delete(ctx context.Context, entryID string) error

	// Count returns the number of stored embeddings.
	Count(ctx context.Context) (int, error)
}

// VectorRecord is the embedding of one journal entry.
type VectorRecord struct {
	EntryID   string
	UserID    string
	Embedding []float32
	CreatedAt time.Time
}

// Match is a ranked similarity hit.
type Match struct {
	EntryID    string
	Similarity float32
}
