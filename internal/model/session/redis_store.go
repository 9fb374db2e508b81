package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "sitesafety"
	maxAppendRetries   = 5
	defaultLockTTL     = 2 * time.Minute
	lockPollInterval   = 20 * time.Millisecond
	unlockTimeout      = 5 * time.Second
)

// unlockScript deletes the lock only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps sessions in Redis as JSON documents. Idle expiry is delegated to the
// key TTL, which every write refreshes.
type RedisStore struct {
	client  redis.UniversalClient
	ttl     time.Duration
	lockTTL time.Duration
	prefix  string
}

var _ TurnLocker = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the idle lifetime of a session. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithLockTTL bounds how long a turn lock survives a crashed holder. It should exceed
// the longest model call.
func WithLockTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:  client,
		ttl:     time.Hour,
		lockTTL: defaultLockTTL,
		prefix:  defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *RedisStore) lockKey(id string) string {
	return fmt.Sprintf("%s:turnlock:%s", s.prefix, id)
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrValidation
	}

	stored := sess.Clone()
	if stored.LastActiveAt.IsZero() {
		stored.LastActiveAt = time.Now().UTC()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(sess.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return decodeSession(data)
}

// Append implements Store. The read-modify-write runs under WATCH so concurrent writers
// from other processes cannot interleave turns.
func (s *RedisStore) Append(ctx context.Context, id string, expectedLen int, turns ...Turn) error {
	if id == "" {
		return ErrSessionNotFound
	}
	key := s.key(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("redis get failed: %w", err)
		}

		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		if len(sess.Conversation) != expectedLen {
			return ErrConflict
		}
		sess.Conversation = append(sess.Conversation, turns...)
		sess.LastActiveAt = time.Now().UTC()

		out, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis append for session %s: too much contention", id)
}

// LockTurn implements TurnLocker with a SET NX lease carrying a random token.
func (s *RedisStore) LockTurn(ctx context.Context, id string) (func(), error) {
	key := s.lockKey(id)
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis turn lock failed: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// 调用方的 ctx 可能已取消，释放锁使用独立的超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := unlockScript.Run(unlockCtx, s.client, []string{key}, token).Err(); err != nil {
			log.Printf("[store] release turn lock for session=%s failed: %v", id, err)
		}
	}, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func decodeSession(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}
