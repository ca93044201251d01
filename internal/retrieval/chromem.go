package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const chromemCollection = "journal_entries"

// Compile-time check that ChromemStore implements VectorStore.
var _ VectorStore = (*ChromemStore)(nil)

// ChromemStore keeps embeddings in an embedded chromem-go collection.
// Documents carry only the vector and user metadata; entry text stays in SQLite.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// errNoEmbedder is returned if chromem is ever asked to embed text itself.
var errNoEmbedder = errors.New("chromem store requires precomputed embeddings")

func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// NewChromemStore opens a chromem store persisted under dir. An empty dir
// keeps everything in memory.
func NewChromemStore(dir string) (*ChromemStore, error) {
	db := chromem.NewDB()
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", dir, err)
		}
	}
	col, err := db.GetOrCreateCollection(chromemCollection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating chromem collection: %w", err)
	}
	return &ChromemStore{db: db, collection: col}, nil
}

// Upsert stores or replaces the embedding of an entry.
func (s *ChromemStore) Upsert(ctx context.Context, rec VectorRecord) error {
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
	// chromem normalizes in place; hand it a copy.
	vec := make([]float32, len(rec.Embedding))
	copy(vec, rec.Embedding)

	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:        rec.EntryID,
		Embedding: vec,
		Metadata: map[string]string{
			"user_id":    rec.UserID,
			"created_at": createdAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("adding chromem document %s: %w", rec.EntryID, err)
	}
	return nil
}

// MatchEntries queries the collection filtered to userID.
func (s *ChromemStore) MatchEntries(ctx context.Context, userID, queryEmbedding string, matchCount int) ([]Match, error) {
	if matchCount <= 0 {
		return nil, nil
	}
	query, err := ParseEmbedding(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("parsing query embedding: %w", err)
	}
	if norm(query) == 0 {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if matchCount > count {
		matchCount = count
	}

	results, err := s.collection.QueryEmbedding(ctx, query, matchCount, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{EntryID: r.ID, Similarity: r.Similarity}
	}
	return matches, nil
}

// Delete removes an entry's embedding.
func (s *ChromemStore) Delete(ctx context.Context, entryID string) error {
	if err := s.collection.Delete(ctx, nil, nil, entryID); err != nil {
		return fmt.Errorf("deleting chromem document %s: %w", entryID, err)
	}
	return nil
}

// Count returns the number of stored embeddings.
func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.collection.Count(), nil
}
