package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock makes the store stamp records with a controllable time.
func fixedClock(s *Store, start time.Time) func(time.Duration) {
	now := start
	s.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestTablesAndIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"journal_sessions", "journal_turns", "entries", "entry_vectors", "jobs"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count); err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", name, err)
		}
		if count != 1 {
			t.Errorf("table %q not found", name)
		}
	}
	for _, idx := range []string{"idx_turns_session_created", "idx_entries_user_created", "idx_entry_vectors_user", "idx_jobs_status_run_after"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count); err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found", idx)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, Session{UserID: "u1", SelectedPromptText: "What felt heavy today?"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated session id")
	}

	got, err := s.GetSession(ctx, created.ID, "u1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.SelectedPromptText != "What felt heavy today?" {
		t.Errorf("SelectedPromptText = %q, want %q", got.SelectedPromptText, "What felt heavy today?")
	}
	if got.Status != SessionActive {
		t.Errorf("Status = %q, want %q", got.Status, SessionActive)
	}

	if _, err := s.GetSession(ctx, created.ID, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession for other user: err = %v, want ErrNotFound", err)
	}

	if err := s.CompleteSession(ctx, created.ID, "u1"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	got, err = s.GetSession(ctx, created.ID, "u1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != SessionCompleted || got.CompletedAt == nil {
		t.Errorf("after complete: status=%q completed_at=%v", got.Status, got.CompletedAt)
	}

	if err := s.CompleteSession(ctx, "missing", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteSession(missing) err = %v, want ErrNotFound", err)
	}
}

func TestAppendAndListTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fixedClock(s, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	for i, role := range []string{RoleUser, RoleAssistant, RoleUser} {
		if _, err := s.AppendTurn(ctx, Turn{SessionID: "s1", UserID: "u1", Role: role, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
		advance(time.Second)
	}
	if _, err := s.AppendTurn(ctx, Turn{SessionID: "s2", UserID: "u1", Role: RoleUser, Content: "other"}); err != nil {
		t.Fatalf("AppendTurn other session: %v", err)
	}

	turns, err := s.ListTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	for i, turn := range turns {
		if want := fmt.Sprintf("msg %d", i); turn.Content != want {
			t.Errorf("turns[%d].Content = %q, want %q", i, turn.Content, want)
		}
	}

	last2, err := s.ListTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListTurns(limit 2): %v", err)
	}
	if len(last2) != 2 || last2[0].Content != "msg 1" || last2[1].Content != "msg 2" {
		t.Errorf("ListTurns(limit 2) = %+v, want msg 1, msg 2", last2)
	}
}

func TestAppendTurn_ClockSkewKeepsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fixedClock(s, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	first, err := s.AppendTurn(ctx, Turn{SessionID: "s1", UserID: "u1", Role: RoleUser, Content: "first"})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	advance(-time.Minute)
	second, err := s.AppendTurn(ctx, Turn{SessionID: "s1", UserID: "u1", Role: RoleAssistant, Content: "second"})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("second.CreatedAt = %v, want after %v", second.CreatedAt, first.CreatedAt)
	}

	turns, err := s.ListTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "first" || turns[1].Content != "second" {
		t.Errorf("turn order = %+v", turns)
	}
}

func TestAppendTurn_Validation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendTurn(ctx, Turn{SessionID: "s1", UserID: "u1", Role: "system", Content: "x"}); err == nil {
		t.Error("expected error for invalid role")
	}
	if _, err := s.AppendTurn(ctx, Turn{UserID: "u1", Role: RoleUser, Content: "x"}); err == nil {
		t.Error("expected error for missing session id")
	}
}

func TestEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fixedClock(s, time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))

	var ids []string
	for i := 0; i < 4; i++ {
		e, err := s.SaveEntry(ctx, Entry{UserID: "u1", Content: fmt.Sprintf("entry %d", i), Mood: "calm"})
		if err != nil {
			t.Fatalf("SaveEntry %d: %v", i, err)
		}
		ids = append(ids, e.ID)
		advance(time.Hour)
	}
	if _, err := s.SaveEntry(ctx, Entry{UserID: "u2", Content: "not yours"}); err != nil {
		t.Fatalf("SaveEntry u2: %v", err)
	}

	recent, err := s.RecentEntries(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("RecentEntries: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	if recent[0].Content != "entry 3" || recent[2].Content != "entry 1" {
		t.Errorf("recent order = %q..%q, want entry 3..entry 1", recent[0].Content, recent[2].Content)
	}

	byID, err := s.EntriesByID(ctx, "u1", []string{ids[2], "missing", ids[0]})
	if err != nil {
		t.Fatalf("EntriesByID: %v", err)
	}
	if len(byID) != 2 || byID[0].ID != ids[2] || byID[1].ID != ids[0] {
		t.Errorf("EntriesByID order = %+v", byID)
	}

	if got, _ := s.GetEntry(ctx, ids[0]); got.AnalyzedAt != nil {
		t.Errorf("fresh entry AnalyzedAt = %v, want nil", got.AnalyzedAt)
	}
	if err := s.UpdateEntryAnalysis(ctx, ids[0], EntryAnalysis{
		SentimentLabel: "negative",
		SentimentScore: 0.82,
		Keyphrases:     []string{"review", "deadline"},
		Crisis:         true,
		CrisisReason:   "self-harm cues",
	}); err != nil {
		t.Fatalf("UpdateEntryAnalysis: %v", err)
	}
	got, err := s.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.SentimentLabel != "negative" || len(got.Keyphrases) != 2 {
		t.Errorf("analysis not stored: %+v", got)
	}
	if !got.SafetyCrisis || got.SafetyReason != "self-harm cues" || got.AnalyzedAt == nil {
		t.Errorf("safety flags not stored: crisis=%v reason=%q analyzed_at=%v", got.SafetyCrisis, got.SafetyReason, got.AnalyzedAt)
	}
	if err := s.UpdateEntryAnalysis(ctx, "missing", EntryAnalysis{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateEntryAnalysis(missing) err = %v, want ErrNotFound", err)
	}

	if _, err := s.GetEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntry(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := s.SaveEntry(ctx, Entry{UserID: "u1", Content: "   "}); err == nil {
		t.Error("expected error for blank content")
	}
}

func TestRecentCrisis(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fixedClock(s, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	save := func(content string) string {
		t.Helper()
		e, err := s.SaveEntry(ctx, Entry{UserID: "u1", Content: content})
		if err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
		advance(time.Hour)
		return e.ID
	}
	flagged := save("oldest, flagged")
	calm := save("calm day")
	save("not analyzed yet")

	if crisis, _, err := s.RecentCrisis(ctx, "u1", 7); err != nil || crisis {
		t.Fatalf("RecentCrisis before analysis = %v, %v; want false", crisis, err)
	}

	if err := s.UpdateEntryAnalysis(ctx, flagged, EntryAnalysis{Crisis: true, CrisisReason: "self-harm cues"}); err != nil {
		t.Fatalf("UpdateEntryAnalysis: %v", err)
	}
	if err := s.UpdateEntryAnalysis(ctx, calm, EntryAnalysis{CrisisReason: "ignored without crisis"}); err != nil {
		t.Fatalf("UpdateEntryAnalysis: %v", err)
	}

	crisis, reason, err := s.RecentCrisis(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("RecentCrisis: %v", err)
	}
	if !crisis || reason != "self-harm cues" {
		t.Errorf("RecentCrisis = %v, %q; want true, self-harm cues", crisis, reason)
	}

	// Only the newest analyzed entry is in the window; the unanalyzed one
	// does not count toward it.
	if crisis, _, _ := s.RecentCrisis(ctx, "u1", 1); crisis {
		t.Error("RecentCrisis(n=1) = true, want false")
	}
	if crisis, _, _ := s.RecentCrisis(ctx, "u2", 7); crisis {
		t.Error("RecentCrisis for another user = true, want false")
	}
	if got, _ := s.GetEntry(ctx, calm); got.SafetyReason != "" {
		t.Errorf("non-crisis entry kept reason %q", got.SafetyReason)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: JobTypeEmbedEntry, PayloadJSON: `{"entry_id":"e1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{JobTypeEmbedEntry})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j1" || got.Status != JobRunning || got.MaxAttempts != 3 {
		t.Errorf("claimed job = %+v", got)
	}

	again, err := s.ClaimNextJob(ctx, []string{JobTypeEmbedEntry})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}

	if err := s.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	stored, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != JobCompleted {
		t.Errorf("Status = %q, want %q", stored.Status, JobCompleted)
	}
}

func TestClaimNextJob_RespectsRunAfterAndType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "later", Type: "a", RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "other", Type: "b"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected no runnable job, got %+v", got)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fixedClock(s, start)

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "x", MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := s.FailJob(ctx, "j1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || j.Attempts != 1 || j.LastError != "boom" {
		t.Errorf("after first failure: %+v", j)
	}
	if want := start.Add(2 * time.Second); !j.RunAfter.Equal(want) {
		t.Errorf("RunAfter = %v, want %v", j.RunAfter, want)
	}

	if err := s.FailJob(ctx, "j1", "boom again"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err = s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobFailed || j.Attempts != 2 {
		t.Errorf("after second failure: %+v", j)
	}

	if err := s.FailJob(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRequeueRunningJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := s.RequeueRunningJobs(ctx)
	if err != nil {
		t.Fatalf("RequeueRunningJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}
	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "j1" {
		t.Errorf("expected j1 claimable after requeue, got %+v", got)
	}
}
