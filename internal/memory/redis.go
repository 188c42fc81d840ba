package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptops/cursord/internal/log"
)

const (
	conversationKeyPrefix = "conversation:"
	lastConversationKey   = "last_conversation_id"
)

// RedisStore persists conversations in Redis with per-record TTLs.
//
// Degraded mode: when Redis is unreachable, ResolveConversationID still
// mints usable ids, Append and Summarize become no-ops, and RenderContext
// returns an empty sequence. The orchestrator keeps working; only
// cross-request continuity is lost.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. ttl <= 0 disables expiration.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) ResolveConversationID(ctx context.Context, explicit string) (string, error) {
	// An explicit id never moves the last-used pointer: a caller pinning a
	// specific conversation must not redirect later pointer-based jobs.
	if explicit != "" {
		s.touch(ctx, explicit)
		return explicit, nil
	}

	last, err := s.client.Get(ctx, lastConversationKey).Result()
	if err == nil && last != "" {
		s.touch(ctx, last)
		return last, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Warn(log.CatMemory, "memory store unreachable, minting detached conversation", "error", err)
		return NewConversationID(), nil
	}

	return s.ForceNewConversation(ctx)
}

func (s *RedisStore) ForceNewConversation(ctx context.Context) (string, error) {
	id := NewConversationID()
	now := time.Now().UTC()
	conv := &Conversation{ID: id, CreatedAt: now, LastAccessedAt: now}
	if err := s.save(ctx, conv); err != nil {
		log.Warn(log.CatMemory, "failed to persist new conversation", "id", id, "error", err)
		return id, nil
	}
	s.setLast(ctx, id)
	log.Debug(log.CatMemory, "conversation created", "id", id)
	return id, nil
}

func (s *RedisStore) Append(ctx context.Context, id string, role Role, content string) error {
	conv, err := s.load(ctx, id)
	if err != nil {
		log.Warn(log.CatMemory, "append degraded to no-op", "id", id, "error", err)
		return nil
	}
	now := time.Now().UTC()
	if conv == nil {
		conv = &Conversation{ID: id, CreatedAt: now}
	}
	conv.Messages = append(conv.Messages, Message{Role: role, Content: content, Timestamp: now})
	conv.LastAccessedAt = now
	if err := s.save(ctx, conv); err != nil {
		log.Warn(log.CatMemory, "append write failed", "id", id, "error", err)
		return nil
	}
	return nil
}

func (s *RedisStore) RenderContext(ctx context.Context, id string) ([]Message, error) {
	conv, err := s.load(ctx, id)
	if err != nil || conv == nil {
		return nil, nil
	}
	s.touch(ctx, id)
	return conv.Renderable(), nil
}

func (s *RedisStore) RawMessages(ctx context.Context, id string) ([]Message, error) {
	conv, err := s.load(ctx, id)
	if err != nil || conv == nil {
		return nil, nil
	}
	return conv.Messages, nil
}

func (s *RedisStore) Summarize(ctx context.Context, id string, fn Summarizer) error {
	conv, err := s.load(ctx, id)
	if err != nil {
		log.Warn(log.CatMemory, "summarize degraded to no-op", "id", id, "error", err)
		return nil
	}
	if conv == nil || len(conv.Renderable()) == 0 {
		return nil
	}

	summary, err := fn(ctx, conv.Renderable())
	if err != nil {
		return err
	}

	conv.SummarizedPrefix = summarizedPrefix(summary, conv.Renderable())
	conv.LastAccessedAt = time.Now().UTC()
	if err := s.save(ctx, conv); err != nil {
		log.Warn(log.CatMemory, "summarize write failed", "id", id, "error", err)
		return nil
	}
	log.Info(log.CatMemory, "conversation summarized",
		"id", id, "prefixLen", len(conv.SummarizedPrefix))
	return nil
}

// load returns nil, nil when the conversation does not exist.
func (s *RedisStore) load(ctx context.Context, id string) (*Conversation, error) {
	data, err := s.client.Get(ctx, conversationKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *RedisStore) save(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, conversationKeyPrefix+conv.ID, data, s.ttl).Err()
}

// touch refreshes a conversation's TTL without rewriting it.
func (s *RedisStore) touch(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	if err := s.client.Expire(ctx, conversationKeyPrefix+id, s.ttl).Err(); err != nil {
		log.Debug(log.CatMemory, "ttl refresh failed", "id", id, "error", err)
	}
}

func (s *RedisStore) setLast(ctx context.Context, id string) {
	if err := s.client.Set(ctx, lastConversationKey, id, s.ttl).Err(); err != nil {
		log.Debug(log.CatMemory, "last-conversation pointer update failed", "id", id, "error", err)
	}
}
