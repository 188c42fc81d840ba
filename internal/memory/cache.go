package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/promptops/cursord/internal/log"
)

const cacheCleanupInterval = 30 * time.Minute

// CacheStore is the in-process conversation store for single-binary
// deployments (no Redis configured). TTL refresh re-sets the value with a
// fresh expiration on every touch.
type CacheStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
	ttl   time.Duration
}

// NewCacheStore creates an in-process store. ttl <= 0 disables expiration.
func NewCacheStore(ttl time.Duration) *CacheStore {
	expiration := ttl
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}
	return &CacheStore{
		cache: gocache.New(expiration, cacheCleanupInterval),
		ttl:   expiration,
	}
}

var _ Store = (*CacheStore)(nil)

func (s *CacheStore) ResolveConversationID(ctx context.Context, explicit string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An explicit id never moves the last-used pointer: a caller pinning a
	// specific conversation must not redirect later pointer-based jobs.
	if explicit != "" {
		s.touchLocked(explicit)
		return explicit, nil
	}

	if last, found := s.cache.Get(lastConversationKey); found {
		id := last.(string)
		s.touchLocked(id)
		s.cache.Set(lastConversationKey, id, s.ttl)
		return id, nil
	}

	return s.newConversationLocked(), nil
}

func (s *CacheStore) ForceNewConversation(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newConversationLocked(), nil
}

func (s *CacheStore) Append(ctx context.Context, id string, role Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	conv := s.loadLocked(id)
	if conv == nil {
		conv = &Conversation{ID: id, CreatedAt: now}
	}
	conv.Messages = append(conv.Messages, Message{Role: role, Content: content, Timestamp: now})
	conv.LastAccessedAt = now
	s.cache.Set(conversationKeyPrefix+id, conv, s.ttl)
	return nil
}

func (s *CacheStore) RenderContext(ctx context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.loadLocked(id)
	if conv == nil {
		return nil, nil
	}
	s.touchLocked(id)
	return append([]Message(nil), conv.Renderable()...), nil
}

func (s *CacheStore) RawMessages(ctx context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.loadLocked(id)
	if conv == nil {
		return nil, nil
	}
	return append([]Message(nil), conv.Messages...), nil
}

func (s *CacheStore) Summarize(ctx context.Context, id string, fn Summarizer) error {
	s.mu.Lock()
	conv := s.loadLocked(id)
	if conv == nil || len(conv.Renderable()) == 0 {
		s.mu.Unlock()
		return nil
	}
	renderable := append([]Message(nil), conv.Renderable()...)
	s.mu.Unlock()

	// The summarizer spawns a subprocess; never hold the lock across it.
	summary, err := fn(ctx, renderable)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv = s.loadLocked(id)
	if conv == nil {
		return nil
	}
	conv.SummarizedPrefix = summarizedPrefix(summary, conv.Renderable())
	conv.LastAccessedAt = time.Now().UTC()
	s.cache.Set(conversationKeyPrefix+id, conv, s.ttl)
	log.Info(log.CatMemory, "conversation summarized",
		"id", id, "prefixLen", len(conv.SummarizedPrefix))
	return nil
}

func (s *CacheStore) newConversationLocked() string {
	id := NewConversationID()
	now := time.Now().UTC()
	s.cache.Set(conversationKeyPrefix+id, &Conversation{ID: id, CreatedAt: now, LastAccessedAt: now}, s.ttl)
	s.cache.Set(lastConversationKey, id, s.ttl)
	log.Debug(log.CatMemory, "conversation created", "id", id)
	return id
}

func (s *CacheStore) loadLocked(id string) *Conversation {
	value, found := s.cache.Get(conversationKeyPrefix + id)
	if !found {
		return nil
	}
	conv, ok := value.(*Conversation)
	if !ok {
		log.Error(log.CatMemory, "wrong type assertion when getting conversation", "id", id)
		return nil
	}
	return conv
}

// touchLocked extends a conversation's TTL by re-setting it.
func (s *CacheStore) touchLocked(id string) {
	if conv := s.loadLocked(id); conv != nil {
		conv.LastAccessedAt = time.Now().UTC()
		s.cache.Set(conversationKeyPrefix+id, conv, s.ttl)
	}
}
