package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLease = redis.NewScript(releaseLeaseScript)

var (
	_ Leaser = (*RedisStore)(nil)
	_ Leaser = (*UpstashRedisStore)(nil)
)

type RedisConfig struct {
	Addr     string        `envconfig:"ADDR" split_words:"true" default:"localhost:6379"`
	Password string        `envconfig:"PASSWORD" split_words:"true"`
	DB       int           `envconfig:"DB" split_words:"true" default:"0"`
	TTL      time.Duration `envconfig:"TTL" split_words:"true" default:"168h"`
}

// RedisStore is the native-protocol sibling of UpstashRedisStore with the same key layout.
type RedisStore struct {
	client redis.UniversalClient
	keys   keyspace
	ttl    time.Duration
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(rdb, cfg.TTL)
}

func NewRedisStoreWithClient(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{
		client: client,
		keys:   keyspace{prefix: defaultStoreKeyPrefix},
		ttl:    ttl,
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Create(ctx context.Context, st *Session) error {
	if st == nil {
		return ErrNilSessionState
	}
	meta, err := encodeMeta(st)
	if err != nil {
		return err
	}
	key, err := s.keys.meta(st.SessionID)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, key, meta, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, st.SessionID)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	metaKey, err := s.keys.meta(sessionID)
	if err != nil {
		return nil, err
	}
	msgKey, _ := s.keys.messages(sessionID)
	pendingKey, _ := s.keys.pending(sessionID)

	pipe := s.client.Pipeline()
	metaCmd := pipe.Get(ctx, metaKey)
	msgCmd := pipe.LRange(ctx, msgKey, 0, -1)
	pendingCmd := pipe.Get(ctx, pendingKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load session: %w", err)
	}

	metaRaw, err := metaCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load meta: %w", err)
	}
	rawMessages, err := msgCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load messages: %w", err)
	}
	pendingRaw, err := pendingCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load pending: %w", err)
	}

	return decodeSession(metaRaw, rawMessages, pendingRaw)
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	metaKey, err := s.keys.meta(sessionID)
	if err != nil {
		return err
	}
	msgKey, _ := s.keys.messages(sessionID)

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		values = append(values, string(raw))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, msgKey, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, metaKey, s.ttl)
			pipe.Expire(ctx, msgKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append messages: %w", err)
	}
	return nil
}

func (s *RedisStore) SetPending(ctx context.Context, sessionID string, pending *PendingDecision) error {
	key, err := s.keys.pending(sessionID)
	if err != nil {
		return err
	}
	if pending == nil {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis clear pending: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending decision: %w", err)
	}
	if err := s.client.Set(ctx, key, string(raw), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set pending: %w", err)
	}
	return nil
}

func (s *RedisStore) Lease(ctx context.Context, sessionID string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key, err := s.keys.lease(sessionID)
	if err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be > 0")
	}

	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis acquire session lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseLease.Run(ctx, s.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis release session lease: %w", err)
		}
		return nil
	}
	return release, true, nil
}
