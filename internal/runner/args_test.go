package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildWorkerArgs(t *testing.T) {
	args := BuildWorkerArgs("cursor-agent", "auto", "do the thing")
	require.Equal(t, []string{"cursor-agent", "--model", "auto", "--print", "--force", "do the thing"}, args)
	require.NotContains(t, args, "--resume")
}

func TestBuildReviewArgsOmitsForce(t *testing.T) {
	args := BuildReviewArgs("cursor-agent", "auto", "classify this")
	require.Equal(t, []string{"cursor-agent", "--model", "auto", "--print", "classify this"}, args)
	require.NotContains(t, args, "--force")
}

func TestWorkerEnv(t *testing.T) {
	require.Nil(t, WorkerEnv("", false))
	require.Equal(t, []string{"HOME=/srv/agent"}, WorkerEnv("/srv/agent", false))
	require.Equal(t, []string{"HOME=/srv/agent", "CURSOR_DEBUG=1"}, WorkerEnv("/srv/agent", true))
}
