package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/memory"
	"github.com/promptops/cursord/internal/review"
	"github.com/promptops/cursord/internal/runner"
	"github.com/promptops/cursord/internal/tracing"
)

// errIterationsExhausted ends the loop when the bound is hit without a
// completion verdict.
var errIterationsExhausted = errors.New("maximum iterations reached without completion")

// IterateToCompletion runs the worker repeatedly, consulting the reviewer
// after every turn, until the task is judged complete, the reviewer
// escalates, or the iteration bound is hit.
func (o *Orchestrator) IterateToCompletion(ctx context.Context, job Job) (Result, error) {
	ctx, span := o.startJobSpan(ctx, "iterate", job)
	res, err := o.iterateToCompletion(ctx, job)
	endJobSpan(span, res, err)
	return res, err
}

func (o *Orchestrator) iterateToCompletion(ctx context.Context, job Job) (Result, error) {
	pre, err := o.begin(ctx, &job)
	if err != nil {
		return Result{RequestID: job.RequestID}, err
	}

	maxIterations := o.opts.MaxIterations
	if job.MaxIterations != nil {
		maxIterations = *job.MaxIterations
	}

	outcome, invErr := o.invokeWorker(ctx, pre, job.Prompt, o.opts.IterateTimeout)
	o.recordAssistantTurn(ctx, pre.conversationID, outcome)
	o.scanDiagnostics(ctx, pre, outcome)

	// The zero bound returns the initial result verbatim, reviewer unseen.
	if maxIterations == 0 {
		return o.finish(job, pre, outcome, invErr, 0, nil), o.requestError(invErr)
	}

	if invErr != nil {
		if errors.Is(invErr, runner.ErrSpawn) {
			return o.finish(job, pre, outcome, invErr, 0, nil), o.requestError(invErr)
		}
		// A timeout with no partial output cannot be reviewed.
		if combinedOutput(outcome) == "" {
			return o.finish(job, pre, outcome, invErr, 0, nil), nil
		}
		log.Warn(log.CatOrch, "invocation failed with partial output, reviewing anyway",
			"requestId", job.RequestID, "error", invErr)
	}

	var (
		iterations          int
		iterErr             error
		reviewJustification string
		originalOutput      string
	)

	for i := 1; i <= maxIterations; i++ {
		iterations = i
		originalOutput = outcome.Stdout

		report := o.reviewTurn(ctx, job, pre, outcome)
		o.recordVerdict(ctx, pre.conversationID, report)

		// Escalation wins over completion when both flags are set.
		if report.BreakIteration {
			iterErr = fmt.Errorf("reviewer escalated: %s", report.Justification)
			reviewJustification = report.Justification
			break
		}
		if report.CodeComplete {
			reviewJustification = report.Justification
			originalOutput = ""
			break
		}
		if i == maxIterations {
			iterErr = errIterationsExhausted
			reviewJustification = report.Justification
			break
		}

		resume := report.ContinuationPrompt
		if resume == "" {
			resume = resumePrompt
		}
		log.Info(log.CatOrch, "continuing iteration",
			"requestId", job.RequestID, "iteration", i+1, "resumeLen", len(resume))

		outcome, invErr = o.invokeWorker(ctx, pre, resume, o.opts.IterateTimeout)
		o.recordAssistantTurn(ctx, pre.conversationID, outcome)
		o.scanDiagnostics(ctx, pre, outcome)

		if invErr != nil && combinedOutput(outcome) == "" {
			iterations = i + 1
			break
		}
		if ctx.Err() != nil {
			iterations = i + 1
			iterErr = ctx.Err()
			break
		}
	}

	res := o.finish(job, pre, outcome, invErr, iterations, iterErr)
	res.ReviewJustification = reviewJustification
	if iterErr != nil || res.Error != "" {
		res.OriginalOutput = originalOutput
	}
	return res, nil
}

// reviewTurn asks the reviewer for a verdict and applies the fallback
// policy when no usable verdict comes back: infer completion after a
// successful run with output, escalate otherwise.
func (o *Orchestrator) reviewTurn(ctx context.Context, job Job, pre prelude, outcome runner.Outcome) *review.Report {
	ctx, span := o.startInvocationSpan(ctx, "review")
	report := o.reviewVerdict(ctx, job, pre, outcome)
	span.AddEvent(tracing.EventReviewVerdict, trace.WithAttributes(
		attribute.Bool(tracing.AttrCodeComplete, report.CodeComplete),
		attribute.Bool(tracing.AttrBreakIteration, report.BreakIteration),
	))
	span.End()
	return report
}

func (o *Orchestrator) reviewVerdict(ctx context.Context, job Job, pre prelude, outcome runner.Outcome) *review.Report {
	report, err := o.reviewer.Review(ctx, review.Request{
		WorkerOutput:     combinedOutput(outcome),
		WorkDir:          pre.workDir,
		TaskPrompt:       job.Prompt,
		DefinitionOfDone: job.DefinitionOfDone,
		Timeout:          o.opts.ReviewTimeout,
	})
	if err == nil {
		return report
	}

	raw := err.Error()
	var parseErr *review.ParseError
	if errors.As(err, &parseErr) {
		raw = parseErr.RawOutput
	}

	if outcome.Success() && combinedOutput(outcome) != "" {
		log.Warn(log.CatOrch, "review failed, inferring completion from successful run",
			"requestId", job.RequestID, "error", err)
		return &review.Report{
			CodeComplete:  true,
			Justification: "review unavailable; completion inferred from successful worker run",
			RawOutput:     raw,
		}
	}

	log.Warn(log.CatOrch, "review failed with no evidence of success, escalating",
		"requestId", job.RequestID, "error", err)
	return &review.Report{
		BreakIteration: true,
		Justification:  raw,
		RawOutput:      raw,
	}
}

// recordVerdict appends the reviewer's JSON verdict to memory, tagged so the
// worker can tell it apart from its own prior turns. This is the only
// reviewer output that ever enters the conversation.
func (o *Orchestrator) recordVerdict(ctx context.Context, conversationID string, report *review.Report) {
	verdict, err := json.Marshal(report)
	if err != nil {
		log.Warn(log.CatOrch, "verdict marshal failed", "error", err)
		return
	}
	if err := o.store.Append(ctx, conversationID, memory.RoleAssistant, reviewVerdictTag+string(verdict)); err != nil {
		log.Warn(log.CatOrch, "verdict append failed", "conversationId", conversationID, "error", err)
	}
}
