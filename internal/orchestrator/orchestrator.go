// Package orchestrator runs the execute-once and iterate-to-completion
// control loops: render memory into a prompt, spawn the worker, record the
// exchange, ask the reviewer whether the task is done, and either stop or
// synthesize the next turn.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/promptops/cursord/internal/memory"
	"github.com/promptops/cursord/internal/review"
	"github.com/promptops/cursord/internal/runner"
)

// DefaultMaxIterations bounds the iterate loop when the job does not say.
const DefaultMaxIterations = 5

// resumePrompt is the fallback turn when the reviewer judged the task
// incomplete but produced no continuation instructions.
const resumePrompt = "Please debug and resolve the previous issues, then continue the task through to completion."

// reviewVerdictTag marks the reviewer's JSON verdict inside conversation
// memory. It is the only reviewer output that ever enters memory.
const reviewVerdictTag = "[Review Agent Response] "

// Job is one unit of work submitted over HTTP.
type Job struct {
	RequestID        string `json:"requestId"`
	Prompt           string `json:"prompt"`
	Repository       string `json:"repository,omitempty"`
	BranchName       string `json:"branchName,omitempty"`
	ConversationID   string `json:"conversationId,omitempty"`
	CallbackURL      string `json:"callbackUrl,omitempty"`
	DefinitionOfDone string `json:"definitionOfDone,omitempty"`
	// MaxIterations nil means the configured default; an explicit 0 skips
	// review entirely and returns the initial invocation's result verbatim.
	MaxIterations *int `json:"maxIterations,omitempty"`
}

// Result is the terminal report for a Job, delivered exactly once.
type Result struct {
	Success             bool   `json:"success"`
	RequestID           string `json:"requestId"`
	ExitCode            *int   `json:"exitCode"`
	Output              string `json:"output"`
	Error               string `json:"error,omitempty"`
	DurationMs          int64  `json:"durationMs"`
	Iterations          int    `json:"iterations,omitempty"`
	ReviewJustification string `json:"reviewJustification,omitempty"`
	OriginalOutput      string `json:"originalOutput,omitempty"`
	ConversationID      string `json:"conversationId,omitempty"`
}

// RequestError is a client-attributable rejection with an HTTP status.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Invoker is the slice of the command runner the orchestrator drives.
type Invoker interface {
	Execute(ctx context.Context, inv runner.Invocation) (runner.Outcome, error)
}

// ReviewAgent classifies a worker run.
type ReviewAgent interface {
	Review(ctx context.Context, req review.Request) (*review.Report, error)
}

// Options carries the static configuration for an Orchestrator.
type Options struct {
	// CLIPath is the worker binary; Model its --model argument.
	CLIPath string
	Model   string
	// Env entries appended to every spawned invocation.
	Env []string
	// RepositoriesRoot is the directory under which Job.Repository resolves.
	RepositoriesRoot string

	HardTimeout    time.Duration
	IdleTimeout    time.Duration
	IterateTimeout time.Duration
	ReviewTimeout  time.Duration

	// MaxIterations is the iterate-loop bound when the Job does not set one.
	MaxIterations int

	// Tracer emits job and invocation spans. Nil means no-op.
	Tracer trace.Tracer
}

// Orchestrator owns live Job state. Downward components never reference it.
type Orchestrator struct {
	invoker  Invoker
	store    memory.Store
	reviewer ReviewAgent
	opts     Options
}

func New(invoker Invoker, store memory.Store, reviewer ReviewAgent, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	return &Orchestrator{invoker: invoker, store: store, reviewer: reviewer, opts: opts}
}

// NewRequestID mints a request identifier for jobs that arrive without one.
func NewRequestID() string {
	return uuid.NewString()
}
