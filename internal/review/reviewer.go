// Package review classifies worker runs. It drives the same external CLI as
// the worker with a fixed JSON-only prompt and parses the verdict out of
// whatever the CLI wraps it in. Review invocations are ephemeral: nothing
// here touches conversation memory.
package review

import (
	"context"
	"strings"
	"time"

	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/runner"
)

// DefaultTimeout bounds a single review invocation when the caller does not
// supply one.
const DefaultTimeout = 5 * time.Minute

// Report is the reviewer's verdict on a worker run.
type Report struct {
	CodeComplete       bool   `json:"codeComplete"`
	BreakIteration     bool   `json:"breakIteration"`
	Justification      string `json:"justification"`
	ContinuationPrompt string `json:"continuationPrompt,omitempty"`
	RawOutput          string `json:"-"`
}

// Request carries everything a single review needs.
type Request struct {
	WorkerOutput     string
	WorkDir          string
	TaskPrompt       string
	DefinitionOfDone string
	Timeout          time.Duration
}

// Invoker is the slice of the command runner the reviewer uses.
type Invoker interface {
	Execute(ctx context.Context, inv runner.Invocation) (runner.Outcome, error)
}

// Reviewer classifies worker output via CLI invocations.
type Reviewer struct {
	invoker Invoker
	cli     string
	model   string
	env     []string
	rules   []TaskTypeRule
}

// New creates a Reviewer. The embedded task-type rules must parse; this is a
// packaging error, not a runtime one.
func New(invoker Invoker, cli, model string, env []string) (*Reviewer, error) {
	rules, err := LoadRules()
	if err != nil {
		return nil, err
	}
	return &Reviewer{invoker: invoker, cli: cli, model: model, env: env, rules: rules}, nil
}

// Review classifies a worker run and, when the run is incomplete but not
// blocked, synthesizes a continuation prompt with a second CLI call.
//
// A *ParseError return means the CLI answered but produced no usable
// verdict; the caller decides the fallback.
func (r *Reviewer) Review(ctx context.Context, req Request) (*Report, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	prompt := classifierPrompt(req.WorkerOutput, req.TaskPrompt, req.DefinitionOfDone, r.rules)
	outcome, err := r.invoker.Execute(ctx, runner.Invocation{
		Args:        runner.BuildReviewArgs(r.cli, r.model, prompt),
		WorkDir:     req.WorkDir,
		HardTimeout: timeout,
		Env:         r.env,
		Label:       "review",
	})
	if err != nil {
		return nil, err
	}

	report, err := parseVerdict(responseText(outcome))
	if err != nil {
		return nil, err
	}
	log.Info(log.CatReview, "verdict",
		"codeComplete", report.CodeComplete,
		"breakIteration", report.BreakIteration,
		"justification", report.Justification)

	if !report.CodeComplete && !report.BreakIteration && req.TaskPrompt != "" && report.ContinuationPrompt == "" {
		report.ContinuationPrompt = r.synthesizeContinuation(ctx, req, timeout)
	}
	return report, nil
}

// synthesizeContinuation makes the second CLI call for resume instructions.
// Failure is non-fatal: the caller has a fixed fallback prompt.
func (r *Reviewer) synthesizeContinuation(ctx context.Context, req Request, timeout time.Duration) string {
	prompt := continuationPrompt(req.WorkerOutput, req.TaskPrompt, req.DefinitionOfDone)
	outcome, err := r.invoker.Execute(ctx, runner.Invocation{
		Args:        runner.BuildReviewArgs(r.cli, r.model, prompt),
		WorkDir:     req.WorkDir,
		HardTimeout: timeout,
		Env:         r.env,
		Label:       "review-continuation",
	})
	if err != nil {
		log.Warn(log.CatReview, "continuation synthesis failed", "error", err)
		return ""
	}
	text := strings.TrimSpace(normalize(responseText(outcome)))
	if text == "" {
		log.Warn(log.CatReview, "continuation synthesis returned nothing")
	}
	return text
}

// responseText picks the channel the CLI actually answered on.
func responseText(outcome runner.Outcome) string {
	if strings.TrimSpace(outcome.Stdout) != "" {
		return outcome.Stdout
	}
	return outcome.Stderr
}
