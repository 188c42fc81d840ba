package log

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promptops/cursord/internal/pubsub"
)

func TestLogLineFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)

	Info(CatRunner, "process started", "pid", 42, "label", "worker")

	line := buf.String()
	require.Contains(t, line, "[INFO]")
	require.Contains(t, line, "[runner]")
	require.Contains(t, line, "process started")
	require.Contains(t, line, "pid=42")
	require.Contains(t, line, "label=worker")
}

func TestMinLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)
	SetMinLevel(LevelInfo)

	Debug(CatConfig, "hidden")
	Warn(CatConfig, "visible")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "visible")
}

func TestSubscribeReceivesLogAndLifecycleEvents(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := Subscribe(ctx)
	require.NotNil(t, events)

	Info(CatOrch, "job started", "requestId", "r1")
	Publish(pubsub.JobFinishedEvent, "r1")

	var got []pubsub.EventType
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	require.Equal(t, []pubsub.EventType{pubsub.LogEvent, pubsub.JobFinishedEvent}, got)

	// Publish bypasses the sink.
	require.NotContains(t, buf.String(), "job_finished")
}
