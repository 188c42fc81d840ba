package review

import (
	"fmt"
	"strings"
)

// maxOutputTailBytes bounds how much of the previous worker output is quoted
// back into the continuation-synthesis prompt.
const maxOutputTailBytes = 5 * 1024

// classifierPrompt builds the fixed JSON-only classification prompt. A
// caller-provided definition of done overrides the built-in decision tree.
func classifierPrompt(workerOutput, taskPrompt, definitionOfDone string, rules []TaskTypeRule) string {
	var b strings.Builder

	b.WriteString("You are a strict review agent. Another agent just worked on a task; ")
	b.WriteString("your only job is to judge whether the task is complete.\n\n")

	if definitionOfDone != "" {
		b.WriteString("Definition of done (authoritative, overrides any inferred rules):\n")
		b.WriteString(strings.TrimSpace(definitionOfDone))
		b.WriteString("\n\n")
	} else {
		b.WriteString("Classify the task into one of these types and apply its definition of done:\n")
		b.WriteString(renderRules(rules))
		b.WriteString("\n")
	}

	if taskPrompt != "" {
		b.WriteString("The task was:\n")
		b.WriteString(taskPrompt)
		b.WriteString("\n\n")
	}

	b.WriteString("The agent's output was:\n")
	b.WriteString(workerOutput)
	b.WriteString("\n\n")

	b.WriteString("Respond with ONLY a JSON object, no prose, no code fences:\n")
	b.WriteString(`{"code_complete": <bool>, "break_iteration": <bool>, "justification": "<one sentence>"}`)
	b.WriteString("\n\nSet break_iteration to true ONLY if the agent is blocked on permissions, ")
	b.WriteString("workspace trust, an interactive prompt, or an access error that further ")
	b.WriteString("iteration cannot resolve.")

	return b.String()
}

// continuationPrompt asks for plain-text resume instructions for an
// incomplete, non-blocked run.
func continuationPrompt(workerOutput, taskPrompt, definitionOfDone string) string {
	var b strings.Builder

	b.WriteString("A coding agent stopped before finishing this task:\n")
	b.WriteString(taskPrompt)
	b.WriteString("\n\n")

	if definitionOfDone != "" {
		b.WriteString("Definition of done:\n")
		b.WriteString(strings.TrimSpace(definitionOfDone))
		b.WriteString("\n\n")
	}

	b.WriteString("The tail of its last output:\n")
	b.WriteString(outputTail(workerOutput))
	b.WriteString("\n\n")

	b.WriteString("Write the instructions you would give the agent to finish the task. ")
	b.WriteString("Plain text only, imperative voice, no JSON, no preamble.")

	return b.String()
}

// outputTail returns at most maxOutputTailBytes from the end of s, marking
// the cut.
func outputTail(s string) string {
	if len(s) <= maxOutputTailBytes {
		return s
	}
	return fmt.Sprintf("[...%d bytes elided...]\n%s", len(s)-maxOutputTailBytes, s[len(s)-maxOutputTailBytes:])
}
