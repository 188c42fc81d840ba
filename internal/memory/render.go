package memory

import "strings"

// SummaryTag prefixes a summarized-history marker message so the worker can
// distinguish it from a literal prior exchange.
const SummaryTag = "[Conversation Summary] "

// CurrentRequestDelimiter separates the rendered history from the request
// being executed in this turn.
const CurrentRequestDelimiter = "[Current Request]: "

// RenderText renders messages into the textual context fed to the worker:
// one "role: content" paragraph per message, blank-line separated, followed
// by the current-request delimiter line. With no history the request stands
// alone, undelimited.
func RenderText(msgs []Message, currentRequest string) string {
	if len(msgs) == 0 {
		return currentRequest
	}

	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	b.WriteString("\n\n")
	b.WriteString(CurrentRequestDelimiter)
	b.WriteString(currentRequest)
	return b.String()
}

// SplitRendered is the inverse of RenderText: it recovers the message
// sequence and the current request from a rendered context string.
// Used by tests and diagnostic tooling.
func SplitRendered(rendered string) (msgs []Message, currentRequest string) {
	idx := strings.LastIndex(rendered, "\n\n"+CurrentRequestDelimiter)
	if idx < 0 {
		return nil, rendered
	}
	history := rendered[:idx]
	currentRequest = rendered[idx+len("\n\n")+len(CurrentRequestDelimiter):]

	for _, para := range strings.Split(history, "\n\n") {
		role, content, ok := strings.Cut(para, ": ")
		if !ok {
			// Continuation of the previous message's multi-paragraph content.
			if n := len(msgs); n > 0 {
				msgs[n-1].Content += "\n\n" + para
			}
			continue
		}
		switch Role(role) {
		case RoleUser, RoleAssistant:
			msgs = append(msgs, Message{Role: Role(role), Content: content})
		default:
			if n := len(msgs); n > 0 {
				msgs[n-1].Content += "\n\n" + para
			}
		}
	}
	return msgs, currentRequest
}
