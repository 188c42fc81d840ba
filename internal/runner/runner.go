// Package runner executes and supervises single invocations of the external
// worker CLI. It enforces bounded concurrency, hard/idle/safety timeouts, an
// output-size cap, and clean termination of the whole process group, and it
// preserves partial output across every failure path.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/tracing"
)

// Default supervision parameters. Invocation-level budgets (hard/idle) are
// supplied per call; these govern the runner's own machinery.
const (
	DefaultMaxConcurrent     = 5
	DefaultMaxOutputBytes    = 10 * 1024 * 1024
	defaultGracePeriod       = 1 * time.Second
	defaultSafetyMargin      = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	idlePollInterval         = 1 * time.Second
	outputPreviewBytes       = 160
)

// Invocation describes a single execution of the external binary.
type Invocation struct {
	// Args is the full argument vector. Args[0] is the binary path.
	// Arguments are never shell-interpolated.
	Args []string
	// WorkDir is the working directory for the process.
	WorkDir string
	// HardTimeout is the wall-clock budget. Must be >= IdleTimeout.
	HardTimeout time.Duration
	// IdleTimeout fires when no output arrives for this long, armed only
	// once at least one byte has been observed. Zero disables it.
	IdleTimeout time.Duration
	// Env entries are appended to the inherited environment.
	Env []string
	// Label identifies the invocation in logs ("worker", "reviewer", ...).
	Label string
}

// Outcome is the result of a completed invocation. Produced exactly once
// per Execute call.
type Outcome struct {
	// ExitCode is the process exit status, or -1 when no exit status was
	// observed (timeouts, safety path).
	ExitCode int
	// Exited reports whether a real exit status was observed.
	Exited bool
	Stdout string
	Stderr string
	// Duration is wall-clock time from spawn to completion.
	Duration time.Duration
}

// Success reports whether the process exited cleanly with code 0.
func (o Outcome) Success() bool {
	return o.Exited && o.ExitCode == 0
}

// QueueStatus is a read-only snapshot of the concurrency gate.
type QueueStatus struct {
	MaxConcurrent int `json:"maxConcurrent"`
	InFlight      int `json:"inFlight"`
	Waiting       int `json:"waiting"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithGracePeriod overrides the SIGTERM->SIGKILL escalation delay.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) { r.gracePeriod = d }
}

// WithSafetyMargin overrides the margin added to the hard timeout for the
// safety timer.
func WithSafetyMargin(d time.Duration) Option {
	return func(r *Runner) { r.safetyMargin = d }
}

// WithHeartbeatInterval overrides the heartbeat diagnostics interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) { r.heartbeatInterval = d }
}

// Runner executes external CLI invocations under a process-wide concurrency
// gate. A single Runner is shared by workers, reviewers, and summarizers.
type Runner struct {
	maxConcurrent     int
	maxOutputBytes    int64
	gracePeriod       time.Duration
	safetyMargin      time.Duration
	heartbeatInterval time.Duration

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// New creates a Runner. maxConcurrent < 1 and maxOutputBytes <= 0 fall back
// to the defaults.
func New(maxConcurrent int, maxOutputBytes int64, opts ...Option) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	r := &Runner{
		maxConcurrent:     maxConcurrent,
		maxOutputBytes:    maxOutputBytes,
		gracePeriod:       defaultGracePeriod,
		safetyMargin:      defaultSafetyMargin,
		heartbeatInterval: defaultHeartbeatInterval,
		sem:               semaphore.NewWeighted(int64(maxConcurrent)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// QueueStatus returns a snapshot of the concurrency gate for diagnostics.
func (r *Runner) QueueStatus() QueueStatus {
	return QueueStatus{
		MaxConcurrent: r.maxConcurrent,
		InFlight:      int(r.inFlight.Load()),
		Waiting:       int(r.waiting.Load()),
	}
}

// Execute runs one invocation to completion. The returned error is non-nil
// only for the runner's own failure modes (ErrSpawn, ErrOutputTooLarge,
// ErrHardTimeout, ErrIdleTimeout, ErrSafety, context cancellation); a process
// that runs to completion with a non-zero exit code yields a nil error and an
// Outcome with Success() == false. Every error carries partial output via
// ExecError.
func (r *Runner) Execute(ctx context.Context, inv Invocation) (Outcome, error) {
	if len(inv.Args) == 0 {
		return Outcome{}, fmt.Errorf("%w: empty argument vector", ErrSpawn)
	}
	if inv.IdleTimeout > 0 && inv.HardTimeout > 0 && inv.HardTimeout < inv.IdleTimeout {
		return Outcome{}, fmt.Errorf("%w: hard timeout %s < idle timeout %s",
			ErrSpawn, inv.HardTimeout, inv.IdleTimeout)
	}

	if !r.sem.TryAcquire(1) {
		// Waiting for a slot is a normal, logged state, not an error.
		log.Info(log.CatRunner, "waiting for execution slot",
			"label", inv.Label, "status", r.QueueStatus())
		trace.SpanFromContext(ctx).AddEvent(tracing.EventSlotWaiting)
		r.waiting.Add(1)
		err := r.sem.Acquire(ctx, 1)
		r.waiting.Add(-1)
		if err != nil {
			return Outcome{}, fmt.Errorf("acquiring execution slot: %w", err)
		}
	}
	r.inFlight.Add(1)

	e := &execution{r: r, inv: inv}
	return e.run(ctx)
}

// execution tracks the state of one Execute call.
type execution struct {
	r   *Runner
	inv Invocation
	cmd *exec.Cmd

	mu         sync.Mutex
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	outputSize int64
	lastOutput time.Time
	sawOutput  bool
	completed  bool
	killReason error
	killTimer  *time.Timer

	start       time.Time
	releaseOnce sync.Once
	exitCh      chan error
}

// release returns the semaphore slot. Guaranteed to run exactly once per
// Execute call, including the safety path.
func (e *execution) release() {
	e.releaseOnce.Do(func() {
		e.r.inFlight.Add(-1)
		e.r.sem.Release(1)
	})
}

func (e *execution) run(ctx context.Context) (Outcome, error) {
	defer e.release()

	// #nosec G204 -- args are built programmatically, never from a shell string
	cmd := exec.Command(e.inv.Args[0], e.inv.Args[1:]...)
	cmd.Dir = e.inv.WorkDir
	cmd.Stdin = nil // stdin is closed; the worker must never block on input
	if len(e.inv.Env) > 0 {
		cmd.Env = append(os.Environ(), e.inv.Env...)
	}
	setProcessGroup(cmd)
	e.cmd = cmd

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	e.start = time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	log.Debug(log.CatRunner, "process started",
		"label", e.inv.Label, "pid", cmd.Process.Pid, "workDir", e.inv.WorkDir)

	var readers sync.WaitGroup
	readers.Add(2)
	go e.drain(&readers, stdoutPipe, &e.stdout, "stdout")
	go e.drain(&readers, stderrPipe, &e.stderr, "stderr")

	// The exit event is delivered only after both readers hit EOF, so the
	// outcome always includes every byte observed before termination.
	e.exitCh = make(chan error, 1)
	go func() {
		readers.Wait()
		e.exitCh <- cmd.Wait()
	}()

	return e.supervise(ctx)
}

// supervise runs the timer loop until the exit event or the safety timer.
func (e *execution) supervise(ctx context.Context) (Outcome, error) {
	hard := e.inv.HardTimeout
	var hardC <-chan time.Time
	if hard > 0 {
		hardTimer := time.NewTimer(hard)
		defer hardTimer.Stop()
		hardC = hardTimer.C
	}

	var safetyC <-chan time.Time
	if hard > 0 {
		safetyTimer := time.NewTimer(hard + e.r.safetyMargin)
		defer safetyTimer.Stop()
		safetyC = safetyTimer.C
	}

	idleTick := time.NewTicker(idlePollInterval)
	defer idleTick.Stop()

	heartbeat := time.NewTicker(e.r.heartbeatInterval)
	defer heartbeat.Stop()

	var lastBeatStdout, lastBeatStderr int
	ctxDone := ctx.Done()

	for {
		select {
		case exitErr := <-e.exitCh:
			return e.finalize(exitErr)

		case <-ctxDone:
			ctxDone = nil
			e.terminate(ctx.Err())

		case <-hardC:
			hardC = nil
			e.terminate(ErrHardTimeout)

		case <-idleTick.C:
			if reason := e.checkIdle(); reason != nil {
				e.terminate(reason)
			}

		case <-heartbeat.C:
			lastBeatStdout, lastBeatStderr = e.heartbeat(lastBeatStdout, lastBeatStderr)

		case <-safetyC:
			// The exit event machinery has failed. Force-release the slot
			// and resolve with a synthetic failure so no slot is stuck.
			log.Error(log.CatRunner, "safety timeout fired, forcing slot release",
				"label", e.inv.Label, "pid", e.pid())
			killProcessTree(e.pid())
			e.markCompleted()
			stdout, stderr := e.snapshot()
			e.release()
			return Outcome{ExitCode: -1, Stdout: stdout, Stderr: stderr, Duration: time.Since(e.start)},
				&ExecError{Reason: ErrSafety, Stdout: stdout, Stderr: stderr, Elapsed: time.Since(e.start)}
		}
	}
}

// drain copies one output stream into its buffer, enforcing the output cap
// and recording activity for the idle timer. The buffers never hold more
// than the cap in total: a process that keeps writing during the grace
// period has the excess counted for the termination check but discarded.
func (e *execution) drain(wg *sync.WaitGroup, pipe io.Reader, buf *bytes.Buffer, stream string) {
	defer wg.Done()

	chunk := make([]byte, 32*1024)
	for {
		n, err := pipe.Read(chunk)
		if n > 0 {
			e.mu.Lock()
			keep := e.r.maxOutputBytes - e.outputSize
			if keep > int64(n) {
				keep = int64(n)
			}
			if keep > 0 {
				buf.Write(chunk[:keep])
			}
			e.outputSize += int64(n)
			e.lastOutput = time.Now()
			e.sawOutput = true
			over := e.outputSize > e.r.maxOutputBytes
			e.mu.Unlock()

			log.Debug(log.CatRunner, "output chunk",
				"label", e.inv.Label, "stream", stream, "bytes", n,
				"preview", preview(chunk[:n]))

			if over {
				e.terminate(ErrOutputTooLarge)
			}
		}
		if err != nil {
			return
		}
	}
}

// checkIdle returns ErrIdleTimeout when output has been observed at least
// once and the configured silence budget has since elapsed. A worker that has
// produced nothing yet may simply be buffering; only silence after observed
// activity is evidence of a hang.
func (e *execution) checkIdle() error {
	if e.inv.IdleTimeout <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sawOutput || e.completed {
		return nil
	}
	if time.Since(e.lastOutput) > e.inv.IdleTimeout {
		return ErrIdleTimeout
	}
	return nil
}

// terminate starts the termination protocol: record the reason once, signal
// the process group gracefully, escalate to SIGKILL after the grace period.
// Safe to call from any goroutine, and repeatedly.
func (e *execution) terminate(reason error) {
	e.mu.Lock()
	if e.completed || e.killReason != nil {
		e.mu.Unlock()
		return
	}
	e.killReason = reason
	pid := e.cmd.Process.Pid
	e.killTimer = time.AfterFunc(e.r.gracePeriod, func() {
		e.mu.Lock()
		done := e.completed
		e.mu.Unlock()
		if !done {
			killProcessTree(pid)
		}
	})
	e.mu.Unlock()

	log.Warn(log.CatRunner, "terminating process",
		"label", e.inv.Label, "pid", pid, "reason", reason)
	terminateProcessTree(pid)
}

// finalize produces the single Outcome once the exit event arrives.
// The completed flag is set before timers are cleared to close the race
// where a heartbeat tick fires between exit and cleanup.
func (e *execution) finalize(exitErr error) (Outcome, error) {
	e.markCompleted()

	e.mu.Lock()
	reason := e.killReason
	if e.killTimer != nil {
		e.killTimer.Stop()
		e.killTimer = nil
	}
	stdout := e.stdout.String()
	stderr := e.stderr.String()
	e.mu.Unlock()

	elapsed := time.Since(e.start)

	if reason != nil {
		log.Warn(log.CatRunner, "process terminated",
			"label", e.inv.Label, "reason", reason,
			"elapsed", elapsed.Round(time.Millisecond),
			"stdoutBytes", len(stdout), "stderrBytes", len(stderr))
		return Outcome{ExitCode: -1, Stdout: stdout, Stderr: stderr, Duration: elapsed},
			&ExecError{Reason: reason, Stdout: stdout, Stderr: stderr, Elapsed: elapsed}
	}

	exitCode := 0
	if exitErr != nil {
		if ee, ok := exitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			// Wait failed for a reason other than a non-zero exit.
			return Outcome{ExitCode: -1, Stdout: stdout, Stderr: stderr, Duration: elapsed},
				&ExecError{Reason: fmt.Errorf("%w: %v", ErrSafety, exitErr), Stdout: stdout, Stderr: stderr, Elapsed: elapsed}
		}
	}

	// Trim only on success: failures keep output byte-exact for diagnosis.
	if exitCode == 0 {
		stdout = strings.TrimSpace(stdout)
		stderr = strings.TrimSpace(stderr)
	}

	log.Debug(log.CatRunner, "process completed",
		"label", e.inv.Label, "exitCode", exitCode,
		"elapsed", elapsed.Round(time.Millisecond),
		"stdoutBytes", len(stdout), "stderrBytes", len(stderr))

	return Outcome{ExitCode: exitCode, Exited: true, Stdout: stdout, Stderr: stderr, Duration: elapsed}, nil
}

// heartbeat emits periodic diagnostics: elapsed time, output deltas since the
// previous beat, and remaining budgets. Skipped once completed.
func (e *execution) heartbeat(prevStdout, prevStderr int) (int, int) {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return prevStdout, prevStderr
	}
	curStdout := e.stdout.Len()
	curStderr := e.stderr.Len()
	sawOutput := e.sawOutput
	lastOutput := e.lastOutput
	e.mu.Unlock()

	elapsed := time.Since(e.start)
	fields := []any{
		"label", e.inv.Label,
		"pid", e.pid(),
		"elapsed", elapsed.Round(time.Second),
		"stdoutDelta", curStdout - prevStdout,
		"stderrDelta", curStderr - prevStderr,
	}
	if e.inv.HardTimeout > 0 {
		fields = append(fields, "hardRemaining", (e.inv.HardTimeout - elapsed).Round(time.Second))
	}
	if e.inv.IdleTimeout > 0 && sawOutput {
		fields = append(fields, "idleRemaining", (e.inv.IdleTimeout - time.Since(lastOutput)).Round(time.Second))
	}
	log.Info(log.CatRunner, "heartbeat", fields...)
	return curStdout, curStderr
}

func (e *execution) markCompleted() {
	e.mu.Lock()
	e.completed = true
	e.mu.Unlock()
}

func (e *execution) snapshot() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stdout.String(), e.stderr.String()
}

func (e *execution) pid() int {
	if e.cmd == nil || e.cmd.Process == nil {
		return -1
	}
	return e.cmd.Process.Pid
}

// preview returns the first outputPreviewBytes of a chunk with newlines
// escaped, for logging. Full buffers are never logged.
func preview(b []byte) string {
	if len(b) > outputPreviewBytes {
		b = b[:outputPreviewBytes]
	}
	s := strings.ReplaceAll(string(b), "\r", "\\r")
	return strings.ReplaceAll(s, "\n", "\\n")
}
