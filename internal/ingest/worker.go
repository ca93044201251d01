// Package ingest analyzes and embeds saved journal entries in the background.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Gowtham-18/DearMe-AI/internal/nlp"
	"github.com/Gowtham-18/DearMe-AI/internal/retrieval"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

// JobStore abstracts the job queue and entry operations the worker needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetEntry(ctx context.Context, id string) (storage.Entry, error)
	UpdateEntryAnalysis(ctx context.Context, id string, a storage.EntryAnalysis) error
}

// Analyzer runs entry analysis. *nlp.Client implements it.
type Analyzer interface {
	AnalyzeEntry(ctx context.Context, req nlp.AnalyzeRequest) (nlp.Analysis, error)
}

// Enqueuer is the queue side of JobStore.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

type embedPayload struct {
	EntryID string `json:"entry_id"`
}

// EnqueueEmbed schedules analysis of a saved entry.
func EnqueueEmbed(ctx context.Context, q Enqueuer, entryID string) (string, error) {
	payload, err := json.Marshal(embedPayload{EntryID: entryID})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := q.EnqueueJob(ctx, storage.Job{
		ID:          id,
		Type:        storage.JobTypeEmbedEntry,
		PayloadJSON: string(payload),
	}); err != nil {
		return "", err
	}
	return id, nil
}

// Worker processes embed_entry jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	analyzer Analyzer
	vectors  retrieval.VectorStore
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, analyzer Analyzer, vectors retrieval.VectorStore, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		analyzer: analyzer,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_entry job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobTypeEmbedEntry})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	entry, err := w.store.GetEntry(ctx, payload.EntryID)
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", payload.EntryID, err)
	}

	analysis, err := w.analyzer.AnalyzeEntry(ctx, nlp.AnalyzeRequest{
		UserID:    entry.UserID,
		EntryID:   entry.ID,
		Text:      entry.Content,
		Mood:      entry.Mood,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("analyzing entry: %w", err)
	}

	if len(analysis.Embedding) > 0 {
		if err := w.vectors.Upsert(ctx, retrieval.VectorRecord{
			EntryID:   entry.ID,
			UserID:    entry.UserID,
			Embedding: analysis.Embedding,
			CreatedAt: entry.CreatedAt,
		}); err != nil {
			return fmt.Errorf("storing embedding: %w", err)
		}
	} else {
		w.logger.Info("entry analyzed without embedding", "entry_id", entry.ID)
	}

	record := storage.EntryAnalysis{
		SentimentLabel: analysis.Sentiment.Label,
		SentimentScore: analysis.Sentiment.Score,
		Keyphrases:     analysis.Keyphrases,
		Crisis:         analysis.Safety.Crisis,
	}
	if analysis.Safety.Reason != nil {
		record.CrisisReason = *analysis.Safety.Reason
	}
	if err := w.store.UpdateEntryAnalysis(ctx, entry.ID, record); err != nil {
		return fmt.Errorf("recording analysis: %w", err)
	}
	if record.Crisis {
		w.logger.Info("entry flagged for crisis cues", "entry_id", entry.ID)
	}

	w.logger.Debug("entry embedded", "entry_id", entry.ID, "dims", len(analysis.Embedding), "keyphrases", len(analysis.Keyphrases))
	return nil
}
