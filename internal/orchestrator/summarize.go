package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/memory"
	"github.com/promptops/cursord/internal/runner"
	"github.com/promptops/cursord/internal/tracing"
)

// contextOverflowPatterns match the worker complaining that the prompt no
// longer fits its context window. Matching any of them triggers
// summarization of the conversation.
var contextOverflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context\s+window\s+(?:is\s+)?too\s+large`),
	regexp.MustCompile(`(?i)context\s+length\s+exceeded`),
	regexp.MustCompile(`(?i)token\s+limit\s+exceeded`),
	regexp.MustCompile(`(?i)maximum\s+context\s+length`),
	regexp.MustCompile(`(?i)context\s+(?:is\s+)?too\s+long`),
}

// apiKeyPatterns match credential trouble in worker output. Purely
// diagnostic: the job still fails on its own terms, but the operator gets a
// pointed log line instead of a mystery.
var apiKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)invalid\s+api\s+key`),
	regexp.MustCompile(`(?i)api\s+key\s+(?:is\s+)?(?:missing|expired|not\s+set|not\s+found)`),
	regexp.MustCompile(`(?i)not\s+logged\s+in`),
	regexp.MustCompile(`(?i)authentication\s+(?:failed|required)`),
}

func isContextOverflow(output string) bool {
	for _, p := range contextOverflowPatterns {
		if p.MatchString(output) {
			return true
		}
	}
	return false
}

// apiKeyProblem returns the matched pattern, or "" when the output is clean.
func apiKeyProblem(output string) string {
	for _, p := range apiKeyPatterns {
		if m := p.FindString(output); m != "" {
			return m
		}
	}
	return ""
}

// summarizeConversation compresses the conversation's renderable prefix via
// a direct worker invocation. Failures are logged and swallowed: the next
// turn may overflow again, but the loop must not break here.
func (o *Orchestrator) summarizeConversation(ctx context.Context, pre prelude) {
	ctx, span := o.startInvocationSpan(ctx, "summarize")
	defer span.End()

	err := o.store.Summarize(ctx, pre.conversationID, func(ctx context.Context, msgs []memory.Message) (string, error) {
		prompt := summarizationPrompt(msgs)
		outcome, err := o.invoker.Execute(ctx, runner.Invocation{
			Args:        runner.BuildReviewArgs(o.opts.CLIPath, o.opts.Model, prompt),
			WorkDir:     pre.workDir,
			HardTimeout: o.opts.HardTimeout,
			Env:         o.opts.Env,
			Label:       "summarize",
		})
		if err != nil {
			return "", err
		}
		summary := strings.TrimSpace(combinedOutput(outcome))
		if summary == "" {
			return "", fmt.Errorf("summarizer produced no output")
		}
		return summary, nil
	})
	if err != nil {
		log.Warn(log.CatOrch, "summarization failed",
			"conversationId", pre.conversationID, "error", err)
		return
	}
	span.AddEvent(tracing.EventSummarization)
}

// summarizationPrompt wraps the rendered conversation with the compression
// instruction.
func summarizationPrompt(msgs []memory.Message) string {
	var b strings.Builder
	b.WriteString("Below is a conversation between a user and a coding agent.\n")
	b.WriteString("Reduce it to roughly one third of its length while preserving ")
	b.WriteString("every decision made, every file touched, and the current state ")
	b.WriteString("of the task. Output only the summary, no preamble.\n\n")
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
