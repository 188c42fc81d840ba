package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl), mr
}

// Both stores must satisfy the same contract, so the behavioral tests run
// against each implementation.
func stores(t *testing.T, ttl time.Duration) map[string]Store {
	t.Helper()
	rs, _ := newRedisStore(t, ttl)
	return map[string]Store{
		"redis": rs,
		"cache": NewCacheStore(ttl),
	}
}

func TestResolveConversationIDMintsWhenEmpty(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)
			require.NotEmpty(t, id)

			// The minted conversation becomes the last-used one.
			again, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)
			require.Equal(t, id, again)
		})
	}
}

func TestResolveConversationIDExplicitWins(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			implicit, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)

			id, err := store.ResolveConversationID(ctx, "job-42")
			require.NoError(t, err)
			require.Equal(t, "job-42", id)
			require.NotEqual(t, implicit, id)

			// Pinning an explicit id leaves the last-used pointer alone:
			// implicit resolution still lands on the prior conversation.
			last, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)
			require.Equal(t, implicit, last)
		})
	}
}

func TestAppendDoesNotMoveLastPointer(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			implicit, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)

			// Writes into a pinned conversation are invisible to the pointer.
			require.NoError(t, store.Append(ctx, "job-42", RoleUser, "pinned work"))
			require.NoError(t, store.Append(ctx, "job-42", RoleAssistant, "pinned answer"))

			last, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)
			require.Equal(t, implicit, last)
		})
	}
}

func TestForceNewConversationAbandonsLast(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)

			fresh, err := store.ForceNewConversation(ctx)
			require.NoError(t, err)
			require.NotEqual(t, first, fresh)

			last, err := store.ResolveConversationID(ctx, "")
			require.NoError(t, err)
			require.Equal(t, fresh, last)
		})
	}
}

func TestAppendAndRenderContextOrder(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := store.ForceNewConversation(ctx)
			require.NoError(t, err)

			require.NoError(t, store.Append(ctx, id, RoleUser, "do the thing"))
			require.NoError(t, store.Append(ctx, id, RoleAssistant, "did the thing"))

			msgs, err := store.RenderContext(ctx, id)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, RoleUser, msgs[0].Role)
			require.Equal(t, "do the thing", msgs[0].Content)
			require.Equal(t, RoleAssistant, msgs[1].Role)
			require.Equal(t, "did the thing", msgs[1].Content)
		})
	}
}

func TestRenderContextUnknownConversation(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			msgs, err := store.RenderContext(context.Background(), "never-created")
			require.NoError(t, err)
			require.Empty(t, msgs)
		})
	}
}

func TestSummarizeReplacesPrefixKeepsTail(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := store.ForceNewConversation(ctx)
			require.NoError(t, err)
			for i := 0; i < 6; i++ {
				role := RoleUser
				if i%2 == 1 {
					role = RoleAssistant
				}
				require.NoError(t, store.Append(ctx, id, role, "turn"))
			}

			var sawRaw int
			err = store.Summarize(ctx, id, func(_ context.Context, msgs []Message) (string, error) {
				sawRaw = len(msgs)
				return "six turns of work on the widget", nil
			})
			require.NoError(t, err)
			require.Equal(t, 6, sawRaw)

			msgs, err := store.RenderContext(ctx, id)
			require.NoError(t, err)
			require.Len(t, msgs, 1+summaryTailLen)
			require.Equal(t, RoleAssistant, msgs[0].Role)
			require.Equal(t, SummaryTag+"six turns of work on the widget", msgs[0].Content)

			// Raw log is untouched; only the renderable view changed.
			raw, err := store.RawMessages(ctx, id)
			require.NoError(t, err)
			require.Len(t, raw, 6)
		})
	}
}

func TestSummarizeNoOpOnEmptyConversation(t *testing.T) {
	for name, store := range stores(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.ForceNewConversation(ctx)
			require.NoError(t, err)

			called := false
			err = store.Summarize(ctx, id, func(context.Context, []Message) (string, error) {
				called = true
				return "", nil
			})
			require.NoError(t, err)
			require.False(t, called)
		})
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	id, err := store.ForceNewConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, RoleUser, "hello"))

	mr.FastForward(2 * time.Minute)

	msgs, err := store.RenderContext(ctx, id)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// The last-used pointer expired too, so resolution mints afresh.
	next, err := store.ResolveConversationID(ctx, "")
	require.NoError(t, err)
	require.NotEqual(t, id, next)
}

func TestRedisDegradedModeKeepsWorking(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()
	mr.Close()

	id, err := store.ResolveConversationID(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, store.Append(ctx, id, RoleUser, "lost to the void"))

	msgs, err := store.RenderContext(ctx, id)
	require.NoError(t, err)
	require.Empty(t, msgs)

	err = store.Summarize(ctx, id, func(context.Context, []Message) (string, error) {
		t.Fatal("summarizer must not run in degraded mode")
		return "", nil
	})
	require.NoError(t, err)
}
