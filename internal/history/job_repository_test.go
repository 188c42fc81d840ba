package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/promptops/cursord/internal/orchestrator"
)

func newTestRepo(t *testing.T) *JobRepository {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewJobRepository(db)
}

func exitCode(v int) *int { return &v }

func TestRecordAndFindByRequestID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := orchestrator.Job{Prompt: "rename foo to bar", Repository: "r1"}
	res := orchestrator.Result{
		Success:             true,
		RequestID:           "req-1",
		ExitCode:            exitCode(0),
		Output:              "renamed ok",
		DurationMs:          1234,
		Iterations:          2,
		ReviewJustification: "done",
		ConversationID:      "conv-1",
	}
	require.NoError(t, repo.Record(ctx, ModeIterate, job, res))

	rec, err := repo.FindByRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, ModeIterate, rec.Mode)
	require.Equal(t, "rename foo to bar", rec.Prompt)
	require.Equal(t, "r1", rec.Repository)
	require.True(t, rec.Success)
	require.NotNil(t, rec.ExitCode)
	require.Equal(t, 0, *rec.ExitCode)
	require.Equal(t, "renamed ok", rec.Output)
	require.Equal(t, 2, rec.Iterations)
	require.Equal(t, "done", rec.ReviewJustification)
	require.Equal(t, int64(1234), rec.DurationMs)
	require.Equal(t, "conv-1", rec.ConversationID)
	require.False(t, rec.CreatedAt.IsZero())
}

func TestRecordNullExitCode(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	res := orchestrator.Result{
		RequestID: "req-2",
		Error:     "process hard timeout",
	}
	require.NoError(t, repo.Record(ctx, ModeExecute, orchestrator.Job{Prompt: "p"}, res))

	rec, err := repo.FindByRequestID(ctx, "req-2")
	require.NoError(t, err)
	require.Nil(t, rec.ExitCode)
	require.False(t, rec.Success)
	require.Equal(t, "process hard timeout", rec.Error)
}

func TestFindByRequestIDNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.FindByRequestID(context.Background(), "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestRecordDuplicateRequestIDRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	res := orchestrator.Result{RequestID: "dup"}
	require.NoError(t, repo.Record(ctx, ModeExecute, orchestrator.Job{Prompt: "p"}, res))
	require.Error(t, repo.Record(ctx, ModeExecute, orchestrator.Job{Prompt: "p"}, res))
}

func TestListRecentNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Record(ctx, ModeExecute,
			orchestrator.Job{Prompt: "p"}, orchestrator.Result{RequestID: id}))
	}

	records, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "c", records[0].RequestID)
	require.Equal(t, "b", records[1].RequestID)
}
