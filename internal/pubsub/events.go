// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// LogEvent carries a formatted log line from the structured logger.
	LogEvent EventType = "log"
	// JobStartedEvent is published when the orchestrator accepts a job.
	JobStartedEvent EventType = "job_started"
	// JobFinishedEvent is published when a job's result has been produced.
	JobFinishedEvent EventType = "job_finished"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
