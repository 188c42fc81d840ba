package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promptops/cursord/internal/dispatch"
	"github.com/promptops/cursord/internal/history"
	"github.com/promptops/cursord/internal/memory"
	"github.com/promptops/cursord/internal/orchestrator"
	"github.com/promptops/cursord/internal/review"
	"github.com/promptops/cursord/internal/runner"
)

// scriptedInvoker replays canned outcomes in order.
type scriptedInvoker struct {
	outcomes []runner.Outcome
	calls    int
}

func (s *scriptedInvoker) Execute(_ context.Context, _ runner.Invocation) (runner.Outcome, error) {
	i := s.calls
	s.calls++
	if i < len(s.outcomes) {
		return s.outcomes[i], nil
	}
	return runner.Outcome{Exited: true}, nil
}

// scriptedReviewer replays canned reports.
type scriptedReviewer struct {
	reports []*review.Report
	calls   int
}

func (s *scriptedReviewer) Review(_ context.Context, _ review.Request) (*review.Report, error) {
	i := s.calls
	s.calls++
	if i < len(s.reports) {
		return s.reports[i], nil
	}
	return &review.Report{CodeComplete: true, Justification: "done"}, nil
}

type fixture struct {
	handler  *Handler
	invoker  *scriptedInvoker
	reviewer *scriptedReviewer
	jobs     *history.JobRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "r1"), 0o750))

	invoker := &scriptedInvoker{}
	reviewer := &scriptedReviewer{}
	store := memory.NewCacheStore(time.Hour)

	orch := orchestrator.New(invoker, store, reviewer, orchestrator.Options{
		CLIPath:          "cursor-agent",
		Model:            "auto",
		RepositoriesRoot: root,
		HardTimeout:      time.Minute,
		IterateTimeout:   time.Minute,
		MaxIterations:    5,
	})

	db, err := history.NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	jobs := history.NewJobRepository(db)

	handler := NewHandler(HandlerConfig{
		Orchestrator: orch,
		Dispatcher:   dispatch.New("test-secret"),
		Runner:       runner.New(3, 1024),
		Store:        store,
		Jobs:         jobs,
	})
	return &fixture{handler: handler, invoker: invoker, reviewer: reviewer, jobs: jobs}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestExecuteReturnsResult(t *testing.T) {
	f := newFixture(t)
	f.invoker.outcomes = []runner.Outcome{{Exited: true, Stdout: "renamed ok"}}

	rec := f.do(t, http.MethodPost, "/execute", `{"prompt":"rename foo to bar","repository":"r1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.Equal(t, "renamed ok", res.Output)
	require.NotEmpty(t, res.RequestID)
}

func TestExecuteValidationErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/execute", `{"prompt":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errRes ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errRes))
	require.Equal(t, "validation_error", errRes.Code)

	rec = f.do(t, http.MethodPost, "/execute", `{"prompt":"hi","repository":"missing"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/execute", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIterateEscalationMapsTo422(t *testing.T) {
	f := newFixture(t)
	f.invoker.outcomes = []runner.Outcome{{Exited: true, Stdout: "blocked"}}
	f.reviewer.reports = []*review.Report{
		{BreakIteration: true, Justification: "Workspace Trust Required"},
	}

	rec := f.do(t, http.MethodPost, "/iterate", `{"prompt":"task","repository":"r1","maxIterations":3}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.False(t, res.Success)
	require.Equal(t, "Workspace Trust Required", res.ReviewJustification)
}

func TestExecuteAsyncRequiresCallback(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/execute/async", `{"prompt":"hi","repository":"r1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errRes ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errRes))
	require.Contains(t, errRes.Error, "callbackUrl")
}

func TestExecuteAsyncDeliversWebhook(t *testing.T) {
	f := newFixture(t)
	f.invoker.outcomes = []runner.Outcome{{Exited: true, Stdout: "async done"}}

	delivered := make(chan orchestrator.Result, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res orchestrator.Result
		require.NoError(t, json.NewDecoder(r.Body).Decode(&res))
		require.Equal(t, "test-secret", r.Header.Get("X-Webhook-Secret"))
		delivered <- res
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	rec := f.do(t, http.MethodPost, "/execute/async",
		`{"prompt":"hi","repository":"r1","callbackUrl":"`+callback.URL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.Equal(t, "accepted", ack.Status)
	require.NotEmpty(t, ack.RequestID)

	select {
	case res := <-delivered:
		require.True(t, res.Success)
		require.Equal(t, "async done", res.Output)
		require.Equal(t, ack.RequestID, res.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestNewConversation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/conversation/new", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res NewConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.ConversationID)

	// A second call mints a different conversation.
	rec = f.do(t, http.MethodPost, "/conversation/new", "")
	var res2 NewConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res2))
	require.NotEqual(t, res.ConversationID, res2.ConversationID)
}

func TestHealthReportsQueue(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "ok", res.Status)
	require.Equal(t, 3, res.Queue.MaxConcurrent)
	require.Equal(t, 0, res.Queue.InFlight)
}

func TestJobHistoryEndpoints(t *testing.T) {
	f := newFixture(t)
	f.invoker.outcomes = []runner.Outcome{{Exited: true, Stdout: "recorded"}}

	rec := f.do(t, http.MethodPost, "/execute", `{"prompt":"task","repository":"r1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	rec = f.do(t, http.MethodGet, "/jobs/"+res.RequestID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var job history.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, res.RequestID, job.RequestID)
	require.Equal(t, history.ModeExecute, job.Mode)
	require.Equal(t, "recorded", job.Output)

	rec = f.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/jobs/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
