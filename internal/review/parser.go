package review

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// ParseError reports that a review response contained no usable verdict.
// RawOutput carries the cleaned response for the caller's fallback handling.
type ParseError struct {
	RawOutput string
	Reason    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable review response: %s", e.Reason)
}

// verdict is the wire shape of the classifier's JSON object. The flag keys
// are accepted in both snake_case and camelCase; CLIs are not consistent.
type verdict struct {
	CodeComplete        *bool  `json:"code_complete"`
	CodeCompleteCamel   *bool  `json:"codeComplete"`
	BreakIteration      *bool  `json:"break_iteration"`
	BreakIterationCamel *bool  `json:"breakIteration"`
	Justification       string `json:"justification"`
	ContinuationPrompt  string `json:"continuationPrompt"`
}

// parseVerdict extracts the JSON verdict from a raw CLI response.
//
// The response may carry ANSI styling, CRLF line endings, and echoed
// conversation turns before the JSON object; all of that is stripped first.
func parseVerdict(raw string) (*Report, error) {
	cleaned := normalize(raw)
	candidate := dropEchoedTurns(cleaned)

	obj, ok := extractBalancedObject(candidate)
	if !ok {
		return nil, &ParseError{RawOutput: cleaned, Reason: "no balanced JSON object found"}
	}

	var v verdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return nil, &ParseError{RawOutput: cleaned, Reason: err.Error()}
	}

	complete := v.CodeComplete
	if complete == nil {
		complete = v.CodeCompleteCamel
	}
	if complete == nil {
		return nil, &ParseError{RawOutput: cleaned, Reason: "code_complete missing or not a boolean"}
	}

	brk := false
	if v.BreakIteration != nil {
		brk = *v.BreakIteration
	} else if v.BreakIterationCamel != nil {
		brk = *v.BreakIterationCamel
	}

	return &Report{
		CodeComplete:       *complete,
		BreakIteration:     brk,
		Justification:      v.Justification,
		ContinuationPrompt: v.ContinuationPrompt,
		RawOutput:          cleaned,
	}, nil
}

// normalize strips ANSI escape sequences and collapses CRLF to LF.
func normalize(s string) string {
	return strings.ReplaceAll(ansi.Strip(s), "\r\n", "\n")
}

// dropEchoedTurns removes leading lines that look like recorded conversation
// turns (the CLI sometimes replays its transcript before the verdict). Only
// lines before the first '{' are eligible.
func dropEchoedTurns(s string) string {
	brace := strings.IndexByte(s, '{')
	if brace <= 0 {
		return s
	}
	head, tail := s[:brace], s[brace:]

	var kept []string
	for _, line := range strings.Split(head, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "user:") || strings.HasPrefix(trimmed, "cursor:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n") + tail
}

// extractBalancedObject returns the first outermost balanced {...} substring,
// skipping braces inside JSON string literals.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
