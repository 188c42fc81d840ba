// Package memory persists per-conversation message logs with a TTL so a new
// worker invocation can resume without a vendor-specific session handle.
// Two stores implement the same contract: Redis for multi-process
// deployments and an in-process cache for single binaries. Both degrade
// silently when the backend misbehaves; what is lost is continuity, never
// the current job.
package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message's content, not a meta-tag.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn. Append-only; never mutated.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered, TTL-bounded message log. When a summarized
// prefix is present it logically replaces the raw messages during rendering.
type Conversation struct {
	ID               string    `json:"id"`
	Messages         []Message `json:"messages"`
	SummarizedPrefix []Message `json:"summarizedPrefix,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastAccessedAt   time.Time `json:"lastAccessedAt"`
}

// Renderable returns the messages to feed into a prompt: the summarized
// prefix when present, else the raw log.
func (c *Conversation) Renderable() []Message {
	if len(c.SummarizedPrefix) > 0 {
		return c.SummarizedPrefix
	}
	return c.Messages
}

// Summarizer reduces a message sequence to a single summary string.
// Implemented by the orchestrator on top of the CommandRunner.
type Summarizer func(ctx context.Context, msgs []Message) (string, error)

// Store is the conversation memory contract.
//
// Reviewer output must never be appended through this interface except for
// the orchestrator's tagged verdict message; suppression of the reviewer's
// free-form output is the caller's responsibility.
type Store interface {
	// ResolveConversationID returns the conversation to use for a request:
	// the explicit id when given (touching it), else the last-used id
	// (touching it), else a freshly minted conversation.
	ResolveConversationID(ctx context.Context, explicit string) (string, error)

	// ForceNewConversation mints a fresh conversation and makes it last-used.
	ForceNewConversation(ctx context.Context) (string, error)

	// Append adds one message and refreshes the TTL.
	Append(ctx context.Context, id string, role Role, content string) error

	// RenderContext returns the renderable messages (summarized prefix when
	// present, else raw).
	RenderContext(ctx context.Context, id string) ([]Message, error)

	// RawMessages returns the raw log only, for summarization input.
	RawMessages(ctx context.Context, id string) ([]Message, error)

	// Summarize replaces the renderable prefix with a single summary message
	// plus the trailing summaryTailLen raw messages.
	Summarize(ctx context.Context, id string, fn Summarizer) error
}

// summaryTailLen is how many trailing renderable messages survive a
// summarization verbatim.
const summaryTailLen = 3

// NewConversationID mints an opaque 128-bit conversation identifier.
func NewConversationID() string {
	return uuid.NewString()
}

// summarizedPrefix builds the replacement prefix from a summary string and
// the current renderable tail.
func summarizedPrefix(summary string, renderable []Message) []Message {
	prefix := []Message{{
		Role:      RoleAssistant,
		Content:   SummaryTag + summary,
		Timestamp: time.Now().UTC(),
	}}
	tail := renderable
	if len(tail) > summaryTailLen {
		tail = tail[len(tail)-summaryTailLen:]
	}
	return append(prefix, tail...)
}
