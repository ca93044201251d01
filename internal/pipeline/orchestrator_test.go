package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Gowtham-18/DearMe-AI/internal/nlp"
	"github.com/Gowtham-18/DearMe-AI/internal/plan"
	"github.com/Gowtham-18/DearMe-AI/internal/retrieval"
	"github.com/Gowtham-18/DearMe-AI/internal/rewrite"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

// genai pulls in opencensus, whose stats worker starts in init and never exits.
var leakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, leakOptions...)
}

// --- mock gatherer ---

type mockGatherer struct {
	gatherFn func(ctx context.Context, q retrieval.Query) (retrieval.Evidence, error)
}

func (m *mockGatherer) Gather(ctx context.Context, q retrieval.Query) (retrieval.Evidence, error) {
	if m.gatherFn != nil {
		return m.gatherFn(ctx, q)
	}
	return retrieval.Evidence{}, nil
}

// --- mock planner ---

type mockPlanner struct {
	requestFn func(ctx context.Context, req plan.Request) (plan.Response, error)
	last      plan.Request
	calls     int
}

func (m *mockPlanner) Request(ctx context.Context, req plan.Request) (plan.Response, error) {
	m.calls++
	m.last = req
	return m.requestFn(ctx, req)
}

// --- mock rewriter ---

type mockRewriter struct {
	rewriteFn func(ctx context.Context, p plan.Plan, msg plan.AssistantMessage) rewrite.Result
	calls     int
}

func (m *mockRewriter) Rewrite(ctx context.Context, p plan.Plan, msg plan.AssistantMessage) rewrite.Result {
	m.calls++
	return m.rewriteFn(ctx, p, msg)
}

// --- mock store ---

type mockStore struct {
	mu       sync.Mutex
	sessions map[string]storage.Session
	turns    []storage.Turn
	appendFn func(t storage.Turn) error
}

func (m *mockStore) GetSession(_ context.Context, id, userID string) (storage.Session, error) {
	s, ok := m.sessions[id]
	if !ok || s.UserID != userID {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *mockStore) ListTurns(_ context.Context, sessionID string, _ int) ([]storage.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Turn
	for _, t := range m.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) AppendTurn(_ context.Context, t storage.Turn) (storage.Turn, error) {
	if m.appendFn != nil {
		if err := m.appendFn(t); err != nil {
			return storage.Turn{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = fmt.Sprintf("t%d", len(m.turns))
	t.CreatedAt = time.Now().UTC()
	m.turns = append(m.turns, t)
	return t, nil
}

func testPlan() plan.Plan {
	return plan.Plan{
		Validation:        plan.Section{Text: "It makes sense that the review is weighing on you."},
		Reflection:        plan.Section{Text: "You care about doing good work and the feedback matters."},
		PatternConnection: plan.PatternConnection{Text: "You wrote about review nerves before.", References: []string{"e1"}},
		GentleNudge:       plan.Section{Text: "Maybe notice which part of the review feels heaviest."},
		FollowUpQuestion:  plan.Section{Text: "What part of the review stays with you most?"},
		EvidenceCards:     []plan.EvidenceCard{{Snippet: "review nerves again", Reason: "similar theme"}},
		Constraints:       plan.DefaultConstraints(),
	}
}

func planReturning(p plan.Plan) *mockPlanner {
	return &mockPlanner{requestFn: func(context.Context, plan.Request) (plan.Response, error) {
		return plan.Response{Plan: p, Safety: p.Safety}, nil
	}}
}

func turnRequest() TurnRequest {
	return TurnRequest{UserID: "u1", SessionID: "s1", LatestUserMessage: "I feel stressed about a review"}
}

func TestTurn_DeterministicWithoutEnhancement(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	store := &mockStore{sessions: map[string]storage.Session{
		"s1": {ID: "s1", UserID: "u1", SelectedPromptText: "What is on your mind?"},
	}}
	recent := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := &mockGatherer{gatherFn: func(_ context.Context, q retrieval.Query) (retrieval.Evidence, error) {
		assert.Equal(t, "I feel stressed about a review", q.Message)
		return retrieval.Evidence{
			Entries:  []retrieval.EvidenceEntry{{EntryID: "r1", Text: "recent", CreatedAt: &recent, Source: retrieval.SourceRecent}},
			Degraded: []string{retrieval.NoteNoEmbedding},
		}, nil
	}}
	pl := planReturning(testPlan())
	rw := &mockRewriter{rewriteFn: func(context.Context, plan.Plan, plan.AssistantMessage) rewrite.Result {
		t.Error("rewriter called with enhancement disabled")
		return rewrite.Result{}
	}}

	o := New(store, g, pl, rw, Config{}, nil)
	res, err := o.Turn(context.Background(), turnRequest())
	require.NoError(t, err)

	assert.False(t, res.EnhancedLanguageUsed)
	assert.Equal(t, testPlan().Sections(), res.Assistant.Sections)
	assert.Equal(t, testPlan().Sections().Text(), res.Assistant.Message)
	require.NotNil(t, res.AssistantTurn)
	assert.Equal(t, storage.RoleAssistant, res.AssistantTurn.Role)
	assert.Equal(t, res.Assistant.Message, res.AssistantTurn.Content)

	assert.Equal(t, "What is on your mind?", pl.last.SelectedPrompt)
	assert.Equal(t, DefaultTimeBudget, pl.last.TimeBudget)
	assert.Empty(t, pl.last.History)
	require.Len(t, pl.last.RetrievedEntries, 1)
	assert.Equal(t, "r1", pl.last.RetrievedEntries[0].EntryID)
	assert.Equal(t, "2026-03-01T09:00:00Z", pl.last.RetrievedEntries[0].CreatedAt)

	require.Len(t, store.turns, 2)
	assert.Equal(t, storage.RoleUser, store.turns[0].Role)
	assert.Equal(t, storage.RoleAssistant, store.turns[1].Role)
}

func TestTurn_RewriteAccepted(t *testing.T) {
	warmer := testPlan().Sections()
	warmer.Validation = "It makes so much sense that the review is weighing on you."
	rw := &mockRewriter{rewriteFn: func(context.Context, plan.Plan, plan.AssistantMessage) rewrite.Result {
		return rewrite.Result{Message: &warmer, Reason: rewrite.ReasonOK}
	}}

	req := turnRequest()
	req.EnhancedLanguageEnabled = true
	res, err := New(&mockStore{}, &mockGatherer{}, planReturning(testPlan()), rw, Config{}, nil).Turn(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.EnhancedLanguageUsed)
	assert.Equal(t, warmer, res.Assistant.Sections)
	assert.Equal(t, warmer.Text(), res.AssistantTurn.Content)
}

func TestTurn_RewriteRejectedFallsBack(t *testing.T) {
	rw := &mockRewriter{rewriteFn: func(context.Context, plan.Plan, plan.AssistantMessage) rewrite.Result {
		return rewrite.Result{Reason: rewrite.ReasonPolicyBlocked}
	}}

	req := turnRequest()
	req.EnhancedLanguageEnabled = true
	res, err := New(&mockStore{}, &mockGatherer{}, planReturning(testPlan()), rw, Config{}, nil).Turn(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, rw.calls)
	assert.False(t, res.EnhancedLanguageUsed)
	assert.Equal(t, testPlan().Sections(), res.Assistant.Sections)
}

func TestTurn_CrisisNeverRewrites(t *testing.T) {
	reason := "self-harm cues"
	p := testPlan()
	p.Safety = plan.Safety{Crisis: true, Reason: &reason}
	rw := &mockRewriter{rewriteFn: func(context.Context, plan.Plan, plan.AssistantMessage) rewrite.Result {
		t.Error("rewriter called during crisis")
		return rewrite.Result{}
	}}
	store := &mockStore{}

	req := turnRequest()
	req.EnhancedLanguageEnabled = true
	res, err := New(store, &mockGatherer{}, planReturning(p), rw, Config{}, nil).Turn(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, rw.calls)
	assert.True(t, res.Safety.Crisis)
	require.NotNil(t, res.Safety.Reason)
	assert.Equal(t, "self-harm cues", *res.Safety.Reason)
	assert.False(t, res.EnhancedLanguageUsed)
	assert.NotNil(t, res.AssistantTurn)
	assert.Len(t, store.turns, 2)
}

func TestTurn_ValidationFailsBeforeAnyCall(t *testing.T) {
	pl := planReturning(testPlan())
	store := &mockStore{appendFn: func(storage.Turn) error {
		t.Error("store touched for an invalid request")
		return nil
	}}
	o := New(store, &mockGatherer{gatherFn: func(context.Context, retrieval.Query) (retrieval.Evidence, error) {
		t.Error("gatherer called for an invalid request")
		return retrieval.Evidence{}, nil
	}}, pl, nil, Config{}, nil)

	_, err := o.Turn(context.Background(), TurnRequest{UserID: "u1", SessionID: " ", LatestUserMessage: ""})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"sessionId", "latestUserMessage"}, verr.Fields)
	assert.Zero(t, pl.calls)
}

func TestTurn_PlanFailureIsFatal(t *testing.T) {
	pl := &mockPlanner{requestFn: func(context.Context, plan.Request) (plan.Response, error) {
		return plan.Response{}, errors.New("connection refused")
	}}
	store := &mockStore{}

	_, err := New(store, &mockGatherer{}, pl, nil, Config{}, nil).Turn(context.Background(), turnRequest())
	require.ErrorIs(t, err, plan.ErrPlanUnavailable)

	require.Len(t, store.turns, 1)
	assert.Equal(t, storage.RoleUser, store.turns[0].Role)
}

func TestTurn_PlanCancellationKeepsCause(t *testing.T) {
	pl := &mockPlanner{requestFn: func(ctx context.Context, _ plan.Request) (plan.Response, error) {
		return plan.Response{}, fmt.Errorf("calling /chat-turn: %w", context.Canceled)
	}}

	_, err := New(&mockStore{}, &mockGatherer{}, pl, nil, Config{}, nil).Turn(context.Background(), turnRequest())
	require.ErrorIs(t, err, plan.ErrPlanUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTurn_PersistenceFailureStillResponds(t *testing.T) {
	store := &mockStore{appendFn: func(storage.Turn) error { return errors.New("database is locked") }}

	res, err := New(store, &mockGatherer{}, planReturning(testPlan()), nil, Config{}, nil).Turn(context.Background(), turnRequest())
	require.NoError(t, err)
	assert.Nil(t, res.AssistantTurn)
	assert.NotEmpty(t, res.Assistant.Message)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"assistant_turn":null`)
}

func TestTurn_HistoryExcludesCurrentMessage(t *testing.T) {
	store := &mockStore{turns: []storage.Turn{
		{SessionID: "s1", Role: storage.RoleUser, Content: "first"},
		{SessionID: "s1", Role: storage.RoleAssistant, Content: "reply"},
		{SessionID: "other", Role: storage.RoleUser, Content: "elsewhere"},
	}}
	pl := planReturning(testPlan())

	_, err := New(store, &mockGatherer{}, pl, nil, Config{}, nil).Turn(context.Background(), turnRequest())
	require.NoError(t, err)
	assert.Equal(t, []plan.HistoryTurn{
		{Role: storage.RoleUser, Content: "first"},
		{Role: storage.RoleAssistant, Content: "reply"},
	}, pl.last.History)
}

func TestTurn_SerializesSameSession(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	var mu sync.Mutex
	active, maxActive := 0, 0
	pl := &mockPlanner{requestFn: func(context.Context, plan.Request) (plan.Response, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return plan.Response{Plan: testPlan()}, nil
	}}
	store := &mockStore{}
	o := New(store, &mockGatherer{}, pl, nil, Config{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Turn(context.Background(), turnRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Len(t, store.turns, 8)
	for i := 0; i < len(store.turns); i += 2 {
		assert.Equal(t, storage.RoleUser, store.turns[i].Role)
		assert.Equal(t, storage.RoleAssistant, store.turns[i+1].Role)
	}
	assert.Zero(t, o.locks.size())
}

func TestSessionLocks_CancelWhileWaiting(t *testing.T) {
	locks := newSessionLocks()
	release, err := locks.acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Zero(t, locks.size())
}

// TestTurn_EndToEnd drives real storage, retrieval and plan requests against
// a fake NLP service that never returns embeddings.
func TestTurn_EndToEnd(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, storage.Session{UserID: "u1", SelectedPromptText: "How was today?"})
	require.NoError(t, err)
	old, err := store.SaveEntry(ctx, storage.Entry{UserID: "u1", Content: "Nervous about the quarterly review."})
	require.NoError(t, err)

	var planReq plan.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze-entry":
			json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
		case "/chat-turn":
			json.NewDecoder(r.Body).Decode(&planReq)
			json.NewEncoder(w).Encode(plan.ResponseJSON(testPlan()))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := nlp.NewClient(srv.URL)
	coord := retrieval.NewCoordinator(client, retrieval.NewSQLiteStore(store.DB()), store, retrieval.Config{}, nil)
	o := New(store, coord, plan.NewRequestor(client, 0, nil), nil, Config{}, nil)

	res, err := o.Turn(ctx, TurnRequest{UserID: "u1", SessionID: sess.ID, LatestUserMessage: "I feel stressed about a review"})
	require.NoError(t, err)

	assert.Equal(t, "How was today?", planReq.SelectedPrompt)
	require.Len(t, planReq.RetrievedEntries, 1)
	assert.Equal(t, old.ID, planReq.RetrievedEntries[0].EntryID)
	assert.False(t, res.EnhancedLanguageUsed)
	require.NotNil(t, res.AssistantTurn)

	turns, err := store.ListTurns(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "I feel stressed about a review", turns[0].Content)
	assert.Equal(t, res.Assistant.Message, turns[1].Content)
}
