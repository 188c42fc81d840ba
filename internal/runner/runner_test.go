package runner

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRunner(maxConcurrent int, maxOutputBytes int64) *Runner {
	return New(maxConcurrent, maxOutputBytes,
		WithGracePeriod(100*time.Millisecond),
		WithSafetyMargin(5*time.Second),
	)
}

func shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func TestExecuteSuccess(t *testing.T) {
	r := newTestRunner(1, 0)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`echo hello`),
		HardTimeout: 10 * time.Second,
		Label:       "test",
	})
	require.NoError(t, err)
	require.True(t, out.Success())
	require.True(t, out.Exited)
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, "hello", out.Stdout)
	require.Greater(t, out.Duration, time.Duration(0))
}

func TestExecuteNonZeroExitIsNotAnError(t *testing.T) {
	r := newTestRunner(1, 0)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`echo oops >&2; exit 3`),
		HardTimeout: 10 * time.Second,
		Label:       "test",
	})
	require.NoError(t, err)
	require.False(t, out.Success())
	require.True(t, out.Exited)
	require.Equal(t, 3, out.ExitCode)
	require.Contains(t, out.Stderr, "oops")
}

func TestExecuteSpawnFailure(t *testing.T) {
	r := newTestRunner(1, 0)

	_, err := r.Execute(context.Background(), Invocation{
		Args:        []string{"/nonexistent/binary-for-tests"},
		HardTimeout: 10 * time.Second,
	})
	require.ErrorIs(t, err, ErrSpawn)
}

func TestExecuteRejectsEmptyArgs(t *testing.T) {
	r := newTestRunner(1, 0)

	_, err := r.Execute(context.Background(), Invocation{})
	require.ErrorIs(t, err, ErrSpawn)
}

func TestExecuteRejectsHardBelowIdle(t *testing.T) {
	r := newTestRunner(1, 0)

	_, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`true`),
		HardTimeout: time.Second,
		IdleTimeout: time.Minute,
	})
	require.ErrorIs(t, err, ErrSpawn)
}

func TestHardTimeoutPreservesPartialOutput(t *testing.T) {
	r := newTestRunner(1, 0)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`echo partial; sleep 30`),
		HardTimeout: 300 * time.Millisecond,
		Label:       "test",
	})
	require.ErrorIs(t, err, ErrHardTimeout)
	require.False(t, out.Exited)
	require.Equal(t, -1, out.ExitCode)
	require.Contains(t, out.Stdout, "partial")

	stdout, _ := PartialOutput(err)
	require.Contains(t, stdout, "partial")
}

func TestIdleTimeoutAfterFirstByte(t *testing.T) {
	r := newTestRunner(1, 0)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`echo started; sleep 30`),
		HardTimeout: 30 * time.Second,
		IdleTimeout: 500 * time.Millisecond,
		Label:       "test",
	})
	require.ErrorIs(t, err, ErrIdleTimeout)
	require.Contains(t, out.Stdout, "started")
}

func TestIdleTimerNotArmedBeforeFirstByte(t *testing.T) {
	r := newTestRunner(1, 0)

	// Initial silence far exceeds the idle budget; the timer must only arm
	// after the first observed byte.
	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`sleep 2; echo late`),
		HardTimeout: 30 * time.Second,
		IdleTimeout: 500 * time.Millisecond,
		Label:       "test",
	})
	require.NoError(t, err)
	require.True(t, out.Success())
	require.Equal(t, "late", out.Stdout)
}

func TestOutputExactlyAtCapSucceeds(t *testing.T) {
	r := newTestRunner(1, 1024)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`head -c 1024 /dev/zero`),
		HardTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, out.Success())
	require.Len(t, out.Stdout, 1024)
}

func TestOutputOverCapTerminates(t *testing.T) {
	r := newTestRunner(1, 1024)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`head -c 4096 /dev/zero; sleep 30`),
		HardTimeout: 30 * time.Second,
	})
	require.ErrorIs(t, err, ErrOutputTooLarge)
	require.False(t, out.Exited)
	// The partial output is bounded at the cap exactly; bytes the process
	// wrote while being terminated are not kept.
	require.Len(t, out.Stdout, 1024)
}

func TestOutputCapBoundsFastWriterDuringGrace(t *testing.T) {
	r := New(1, 1024,
		WithGracePeriod(500*time.Millisecond),
		WithSafetyMargin(5*time.Second),
	)

	// The writer keeps flooding stdout for the whole grace period after the
	// cap is crossed; none of that may grow the captured output.
	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`trap '' TERM; while :; do head -c 65536 /dev/zero; done`),
		HardTimeout: 30 * time.Second,
	})
	require.ErrorIs(t, err, ErrOutputTooLarge)
	require.Len(t, out.Stdout, 1024)
}

func TestSafetyTimerForcesSlotRelease(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	r := New(1, 0,
		WithGracePeriod(50*time.Millisecond),
		WithSafetyMargin(300*time.Millisecond),
	)

	// The setsid child escapes the process group, survives the kill
	// escalation, and keeps the output pipes open, so the exit event (which
	// waits for reader EOF) never arrives. Only the safety timer can resolve
	// this invocation.
	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`setsid sleep 60 & exit 0`),
		HardTimeout: 200 * time.Millisecond,
		Label:       "test",
	})
	require.ErrorIs(t, err, ErrSafety)
	require.False(t, out.Exited)
	require.Equal(t, -1, out.ExitCode)

	// The slot was force-released and is usable again.
	next, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`echo recovered`),
		HardTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", next.Stdout)
	require.Equal(t, 0, r.QueueStatus().InFlight)
}

func TestHeartbeatTickRacingExitIsHarmless(t *testing.T) {
	r := New(2, 0,
		WithGracePeriod(100*time.Millisecond),
		WithSafetyMargin(5*time.Second),
		WithHeartbeatInterval(time.Millisecond),
	)

	// With a 1ms heartbeat and short-lived processes, ticks land in the same
	// scheduling quantum as the exit event. The completed flag must make
	// every such tick a no-op and never disturb the outcome.
	for i := 0; i < 25; i++ {
		out, err := r.Execute(context.Background(), Invocation{
			Args:        shell(`echo beat`),
			HardTimeout: 10 * time.Second,
			Label:       "test",
		})
		require.NoError(t, err)
		require.True(t, out.Success())
		require.Equal(t, "beat", out.Stdout)
	}
	require.Equal(t, 0, r.QueueStatus().InFlight)
}

func TestContextCancellationTerminates(t *testing.T) {
	r := newTestRunner(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	out, err := r.Execute(ctx, Invocation{
		Args:        shell(`echo going; sleep 30`),
		HardTimeout: 30 * time.Second,
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, out.Stdout, "going")
}

func TestConcurrencyGateSerializes(t *testing.T) {
	r := newTestRunner(1, 0)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Execute(context.Background(), Invocation{
				Args:        shell(`sleep 0.3`),
				HardTimeout: 10 * time.Second,
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	// With a single slot the two 300ms jobs cannot overlap.
	require.GreaterOrEqual(t, time.Since(start), 550*time.Millisecond)

	status := r.QueueStatus()
	require.Equal(t, 0, status.InFlight)
	require.Equal(t, 0, status.Waiting)
}

func TestSlotReleasedAfterFailure(t *testing.T) {
	r := newTestRunner(1, 0)

	_, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`echo x; sleep 30`),
		HardTimeout: 200 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrHardTimeout)

	// The slot must be free again for the next invocation.
	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`echo again`),
		HardTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "again", out.Stdout)
	require.Equal(t, 0, r.QueueStatus().InFlight)
}

func TestQueueStatusDefaults(t *testing.T) {
	r := New(0, 0)
	status := r.QueueStatus()
	require.Equal(t, DefaultMaxConcurrent, status.MaxConcurrent)
	require.Equal(t, 0, status.InFlight)
	require.Equal(t, 0, status.Waiting)
}

func TestEnvAppendedToInherited(t *testing.T) {
	r := newTestRunner(1, 0)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`printf '%s' "$CURSORD_TEST_MARKER"`),
		Env:         []string{"CURSORD_TEST_MARKER=present"},
		HardTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "present", out.Stdout)
}

func TestWorkDirHonored(t *testing.T) {
	r := newTestRunner(1, 0)
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	out, err := r.Execute(context.Background(), Invocation{
		Args:        shell(`pwd`),
		WorkDir:     dir,
		HardTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(out.Stdout))
	require.NoError(t, err)
	require.Equal(t, resolved, got)
}

func TestPartialOutputWithoutExecError(t *testing.T) {
	stdout, stderr := PartialOutput(errors.New("plain"))
	require.Empty(t, stdout)
	require.Empty(t, stderr)
}
