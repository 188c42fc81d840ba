package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/memory"
	"github.com/promptops/cursord/internal/paths"
	"github.com/promptops/cursord/internal/pubsub"
	"github.com/promptops/cursord/internal/runner"
	"github.com/promptops/cursord/internal/tracing"
)

// prelude is the state shared by both top-level operations once a Job has
// been validated: resolved working directory and conversation.
type prelude struct {
	workDir        string
	conversationID string
	started        time.Time
}

// ExecuteOnce runs a single worker turn: render context, spawn, record.
// The reviewer is not involved; retry is the caller's prerogative.
func (o *Orchestrator) ExecuteOnce(ctx context.Context, job Job) (Result, error) {
	ctx, span := o.startJobSpan(ctx, "execute", job)
	res, err := o.executeOnce(ctx, job)
	endJobSpan(span, res, err)
	return res, err
}

func (o *Orchestrator) executeOnce(ctx context.Context, job Job) (Result, error) {
	pre, err := o.begin(ctx, &job)
	if err != nil {
		return Result{RequestID: job.RequestID}, err
	}

	outcome, invErr := o.invokeWorker(ctx, pre, job.Prompt, o.opts.HardTimeout)
	o.recordAssistantTurn(ctx, pre.conversationID, outcome)
	o.scanDiagnostics(ctx, pre, outcome)

	return o.finish(job, pre, outcome, invErr, 0, nil), o.requestError(invErr)
}

// begin validates the Job, resolves its working directory and conversation,
// and appends the plain current request to memory.
func (o *Orchestrator) begin(ctx context.Context, job *Job) (prelude, error) {
	if strings.TrimSpace(job.Prompt) == "" {
		return prelude{}, badRequest("prompt is required")
	}
	if job.RequestID == "" {
		job.RequestID = NewRequestID()
	}

	workDir, err := paths.ResolveRepository(o.opts.RepositoriesRoot, job.Repository)
	if err != nil {
		if errors.Is(err, paths.ErrRepositoryEscapesRoot) {
			return prelude{}, badRequest("repository %q escapes the repositories root", job.Repository)
		}
		return prelude{}, notFound("repository %q not found", job.Repository)
	}

	conversationID, err := o.store.ResolveConversationID(ctx, job.ConversationID)
	if err != nil {
		return prelude{}, err
	}

	log.Info(log.CatOrch, "job started",
		"requestId", job.RequestID,
		"conversationId", conversationID,
		"workDir", workDir,
		"promptLen", len(job.Prompt))
	log.Publish(pubsub.JobStartedEvent, job.RequestID)

	return prelude{workDir: workDir, conversationID: conversationID, started: time.Now()}, nil
}

// invokeWorker renders the current context, builds the full prompt, and runs
// one worker turn. The context is rendered before the request is stored so
// the request appears exactly once, after the delimiter; the plain request
// is then appended (before the spawn) so a later turn sees it as history.
// Partial output on failure is folded into the Outcome.
func (o *Orchestrator) invokeWorker(ctx context.Context, pre prelude, request string, hardTimeout time.Duration) (runner.Outcome, error) {
	ctx, span := o.startInvocationSpan(ctx, "worker")
	defer span.End()

	msgs, err := o.store.RenderContext(ctx, pre.conversationID)
	if err != nil {
		log.Warn(log.CatOrch, "context render failed, proceeding without history",
			"conversationId", pre.conversationID, "error", err)
	}
	full := memory.RenderText(msgs, request)

	if err := o.store.Append(ctx, pre.conversationID, memory.RoleUser, request); err != nil {
		log.Warn(log.CatOrch, "user append failed", "conversationId", pre.conversationID, "error", err)
	}

	outcome, invErr := o.invoker.Execute(ctx, runner.Invocation{
		Args:        runner.BuildWorkerArgs(o.opts.CLIPath, o.opts.Model, full),
		WorkDir:     pre.workDir,
		HardTimeout: hardTimeout,
		IdleTimeout: o.opts.IdleTimeout,
		Env:         o.opts.Env,
		Label:       "worker",
	})
	if invErr != nil {
		stdout, stderr := runner.PartialOutput(invErr)
		outcome.Stdout, outcome.Stderr = stdout, stderr
		span.SetStatus(codes.Error, invErr.Error())
	}
	if outcome.Exited {
		span.SetAttributes(attribute.Int(tracing.AttrExitCode, outcome.ExitCode))
	}
	span.SetAttributes(attribute.Int(tracing.AttrOutputBytes, len(outcome.Stdout)+len(outcome.Stderr)))
	return outcome, invErr
}

// recordAssistantTurn appends the worker's output to memory, unless empty.
func (o *Orchestrator) recordAssistantTurn(ctx context.Context, conversationID string, outcome runner.Outcome) {
	content := combinedOutput(outcome)
	if content == "" {
		return
	}
	if err := o.store.Append(ctx, conversationID, memory.RoleAssistant, content); err != nil {
		log.Warn(log.CatOrch, "assistant append failed", "conversationId", conversationID, "error", err)
	}
}

// scanDiagnostics checks one turn's output for context-window overflow
// (triggering summarization) and API-key trouble (logged for the operator).
func (o *Orchestrator) scanDiagnostics(ctx context.Context, pre prelude, outcome runner.Outcome) {
	combined := outcome.Stdout + "\n" + outcome.Stderr
	if isContextOverflow(combined) {
		log.Warn(log.CatOrch, "context window overflow detected, summarizing",
			"conversationId", pre.conversationID)
		trace.SpanFromContext(ctx).AddEvent(tracing.EventOverflowDetected)
		o.summarizeConversation(ctx, pre)
	}
	if reason := apiKeyProblem(combined); reason != "" {
		log.Error(log.CatOrch, "worker reported a credential problem",
			"conversationId", pre.conversationID, "pattern", reason)
	}
}

// finish assembles the terminal Result for a Job.
func (o *Orchestrator) finish(job Job, pre prelude, outcome runner.Outcome, invErr error, iterations int, iterErr error) Result {
	res := Result{
		RequestID:      job.RequestID,
		Output:         combinedOutput(outcome),
		DurationMs:     time.Since(pre.started).Milliseconds(),
		Iterations:     iterations,
		ConversationID: pre.conversationID,
	}
	if outcome.Exited {
		code := outcome.ExitCode
		res.ExitCode = &code
	}
	switch {
	case invErr != nil:
		res.Error = invErr.Error()
	case iterErr != nil:
		res.Error = iterErr.Error()
	}
	res.Success = outcome.Success() && invErr == nil && iterErr == nil

	log.Info(log.CatOrch, "job finished",
		"requestId", job.RequestID,
		"success", res.Success,
		"iterations", res.Iterations,
		"durationMs", res.DurationMs,
		"error", res.Error)
	log.Publish(pubsub.JobFinishedEvent, job.RequestID)
	return res
}

// requestError passes through client-attributable errors and maps a spawn
// failure to an internal error; supervised failures (timeouts, output cap)
// are reported inside the Result instead.
func (o *Orchestrator) requestError(invErr error) error {
	if invErr == nil {
		return nil
	}
	if errors.Is(invErr, runner.ErrSpawn) {
		return &RequestError{Status: http.StatusInternalServerError, Message: invErr.Error()}
	}
	return nil
}

// combinedOutput picks the output channel to report and remember: stdout
// when the worker wrote any, else stderr.
func combinedOutput(outcome runner.Outcome) string {
	if strings.TrimSpace(outcome.Stdout) != "" {
		return outcome.Stdout
	}
	return strings.TrimSpace(outcome.Stderr)
}
