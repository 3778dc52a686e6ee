package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token is a catalog credential and its expiry. A zero ExpiresAt never expires.
// Owner is the id of the session that logged in for it.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	Owner     string    `json:"owner,omitempty"`
}

// Valid reports whether the token can still be used at now, keeping a margin
// so a request does not start with a token about to lapse.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

// TokenStore keeps session tokens between requests.
type TokenStore interface {
	Load(ctx context.Context, key string) (Token, bool, error)
	Save(ctx context.Context, key string, token Token) error
	// DeleteOwned removes the token under key only if owner wrote it and
	// reports whether it did.
	DeleteOwned(ctx context.Context, key, owner string) (bool, error)
}

// MemoryTokenStore is a threadsafe in-process TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryTokenStore returns an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: map[string]Token{}}
}

func (s *MemoryTokenStore) Load(_ context.Context, key string) (Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[key]
	return tok, ok, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, key string, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = token
	return nil
}

func (s *MemoryTokenStore) DeleteOwned(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[key]
	if !ok || tok.Owner != owner {
		return false, nil
	}
	delete(s.tokens, key)
	return true, nil
}

// RedisTokenStore shares session tokens between gateway replicas so that
// each replica does not log in to the catalogs separately.
type RedisTokenStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisTokenStore connects to redisURL and verifies the connection.
func NewRedisTokenStore(ctx context.Context, redisURL string) (*RedisTokenStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisTokenStore{redis: client, prefix: "maas:session:"}, nil
}

func (s *RedisTokenStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisTokenStore) Load(ctx context.Context, key string) (Token, bool, error) {
	data, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("load session token: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, false, fmt.Errorf("decode session token: %w", err)
	}
	return tok, true, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, key string, token Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode session token: %w", err)
	}

	var ttl time.Duration
	if !token.ExpiresAt.IsZero() {
		ttl = time.Until(token.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	return s.redis.Set(ctx, s.key(key), data, ttl).Err()
}

// deleteOwnedScript compares the owner and deletes in one round-trip so a
// token saved by another replica in between is never removed.
var deleteOwnedScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local tok = cjson.decode(raw)
if tok.owner ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

func (s *RedisTokenStore) DeleteOwned(ctx context.Context, key, owner string) (bool, error) {
	n, err := deleteOwnedScript.Run(ctx, s.redis, []string{s.key(key)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("delete session token: %w", err)
	}
	return n > 0, nil
}

// Close releases the redis connection.
func (s *RedisTokenStore) Close() error {
	return s.redis.Close()
}
