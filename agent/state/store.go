package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultStoreKeyPrefix = "shop:session:"
	defaultStoreTTL       = 7 * 24 * time.Hour
	maxResponseSizeBytes  = 2 << 20
	// loadPageSize bounds each LRANGE so one response stays under maxResponseSizeBytes.
	loadPageSize = 128
)

// releaseLeaseScript deletes the lease key only while it still holds our token.
const releaseLeaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// Store is the persistence contract used by the orchestrator. Messages are only ever
// appended; the pending decision is the single overwritable slot. Load returns a
// pending marker as stored, even one whose action already has a result.
type Store interface {
	Create(ctx context.Context, st *Session) error
	Load(ctx context.Context, sessionID string) (*Session, error)
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	SetPending(ctx context.Context, sessionID string, pending *PendingDecision) error
}

// Leaser is implemented by stores shared between processes. Lease takes an exclusive
// hold on a session that expires after ttl; held is false when someone else has it.
type Leaser interface {
	Lease(ctx context.Context, sessionID string, ttl time.Duration) (release func(context.Context) error, held bool, err error)
}

// StoreOption customizes UpstashRedisStore.
type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keys.prefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore persists sessions in Upstash Redis via REST.
// Layout per session: <prefix><id>:meta (JSON), :messages (list of JSON), :pending (JSON),
// :lease (holder token).
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keys       keyspace
	ttl        time.Duration
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &UpstashRedisStore{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keys: keyspace{prefix: defaultStoreKeyPrefix},
		ttl:  defaultStoreTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashRedisStore) Create(ctx context.Context, st *Session) error {
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

	cmd := []any{"SET", key, meta, "NX"}
	if s.ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(s.ttl))
	}
	resp, err := s.exec(ctx, cmd)
	if err != nil {
		return err
	}
	if isNull(resp.Result) {
		return fmt.Errorf("%w: %s", ErrSessionExists, st.SessionID)
	}
	return nil
}

func (s *UpstashRedisStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	metaKey, err := s.keys.meta(sessionID)
	if err != nil {
		return nil, err
	}
	msgKey, _ := s.keys.messages(sessionID)
	pendingKey, _ := s.keys.pending(sessionID)

	results, err := s.pipeline(ctx, "/pipeline", [][]any{
		{"GET", metaKey},
		{"LLEN", msgKey},
		{"GET", pendingKey},
	})
	if err != nil {
		return nil, err
	}

	if isNull(results[0].Result) {
		return nil, ErrStateNotFound
	}
	var metaRaw string
	if err := json.Unmarshal(results[0].Result, &metaRaw); err != nil {
		return nil, fmt.Errorf("decode session meta: %w", err)
	}
	var count int
	if err := json.Unmarshal(results[1].Result, &count); err != nil {
		return nil, fmt.Errorf("decode session message count: %w", err)
	}
	var pendingRaw string
	if !isNull(results[2].Result) {
		if err := json.Unmarshal(results[2].Result, &pendingRaw); err != nil {
			return nil, fmt.Errorf("decode pending decision: %w", err)
		}
	}

	rawMessages, err := s.loadMessages(ctx, msgKey, count)
	if err != nil {
		return nil, err
	}
	return decodeSession(metaRaw, rawMessages, pendingRaw)
}

// loadMessages reads the first count entries of the message list page by page.
// Entries appended after the count was taken are left for the next load.
func (s *UpstashRedisStore) loadMessages(ctx context.Context, msgKey string, count int) ([]string, error) {
	out := make([]string, 0, count)
	for start := 0; start < count; start += loadPageSize {
		stop := min(start+loadPageSize, count) - 1
		resp, err := s.exec(ctx, []any{"LRANGE", msgKey, start, stop})
		if err != nil {
			return nil, err
		}
		var page []string
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("decode session messages %d-%d: %w", start, stop, err)
		}
		out = append(out, page...)
		if len(page) < stop-start+1 {
			break
		}
	}
	return out, nil
}

// Lease sets <prefix><id>:lease to a random token with NX and PX. Release removes it only
// while the token still matches, so an expired lease taken over by another process is
// left alone.
func (s *UpstashRedisStore) Lease(ctx context.Context, sessionID string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key, err := s.keys.lease(sessionID)
	if err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be > 0")
	}

	token := uuid.NewString()
	resp, err := s.exec(ctx, []any{"SET", key, token, "NX", "PX", ttl.Milliseconds()})
	if err != nil {
		return nil, false, fmt.Errorf("acquire session lease: %w", err)
	}
	if isNull(resp.Result) {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if _, err := s.exec(ctx, []any{"EVAL", releaseLeaseScript, 1, key, token}); err != nil {
			return fmt.Errorf("release session lease: %w", err)
		}
		return nil
	}
	return release, true, nil
}

func (s *UpstashRedisStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	msgKey, err := s.keys.messages(sessionID)
	if err != nil {
		return err
	}

	push := []any{"RPUSH", msgKey}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		push = append(push, string(raw))
	}

	cmds := [][]any{push}
	cmds = append(cmds, s.expireAll(sessionID)...)
	_, err = s.pipeline(ctx, "/multi-exec", cmds)
	return err
}

func (s *UpstashRedisStore) SetPending(ctx context.Context, sessionID string, pending *PendingDecision) error {
	key, err := s.keys.pending(sessionID)
	if err != nil {
		return err
	}
	if pending == nil {
		_, err = s.exec(ctx, []any{"DEL", key})
		return err
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending decision: %w", err)
	}
	cmd := []any{"SET", key, string(raw)}
	if s.ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(s.ttl))
	}
	_, err = s.exec(ctx, cmd)
	return err
}

func (s *UpstashRedisStore) expireAll(sessionID string) [][]any {
	if s.ttl <= 0 {
		return nil
	}
	metaKey, _ := s.keys.meta(sessionID)
	msgKey, _ := s.keys.messages(sessionID)
	secs := ttlSeconds(s.ttl)
	return [][]any{
		{"EXPIRE", metaKey, secs},
		{"EXPIRE", msgKey, secs},
	}
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}
	raw, err := s.post(ctx, "", command)
	if err != nil {
		return nil, err
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

// pipeline sends several commands in one round trip. path is "/pipeline" or "/multi-exec".
func (s *UpstashRedisStore) pipeline(ctx context.Context, path string, commands [][]any) ([]redisRESTResponse, error) {
	raw, err := s.post(ctx, path, commands)
	if err != nil {
		return nil, err
	}

	var parsed []redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis pipeline response: %w", err)
	}
	if len(parsed) != len(commands) {
		return nil, fmt.Errorf("redis pipeline returned %d results for %d commands", len(parsed), len(commands))
	}
	for i, r := range parsed {
		if r.Error != "" {
			return nil, fmt.Errorf("redis command %d: %s", i, r.Error)
		}
	}
	return parsed, nil
}

func (s *UpstashRedisStore) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}
	if len(raw) > maxResponseSizeBytes {
		return nil, fmt.Errorf("redis response exceeds %d bytes", maxResponseSizeBytes)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

/* ------------------------------ shared codec ----------------------------- */

type keyspace struct {
	prefix string
}

func (k keyspace) base(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrInvalidSession
	}
	prefix := strings.TrimSpace(k.prefix)
	if prefix == "" {
		prefix = defaultStoreKeyPrefix
	}
	return prefix + sessionID, nil
}

func (k keyspace) meta(sessionID string) (string, error) {
	b, err := k.base(sessionID)
	return b + ":meta", err
}

func (k keyspace) messages(sessionID string) (string, error) {
	b, err := k.base(sessionID)
	return b + ":messages", err
}

func (k keyspace) pending(sessionID string) (string, error) {
	b, err := k.base(sessionID)
	return b + ":pending", err
}

func (k keyspace) lease(sessionID string) (string, error) {
	b, err := k.base(sessionID)
	return b + ":lease", err
}

type sessionMeta struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func encodeMeta(st *Session) (string, error) {
	if strings.TrimSpace(st.SessionID) == "" {
		return "", ErrInvalidSession
	}
	created := st.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	raw, err := json.Marshal(sessionMeta{
		SessionID: st.SessionID,
		UserID:    st.UserID,
		CreatedAt: created.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal session meta: %w", err)
	}
	return string(raw), nil
}

func decodeSession(metaRaw string, rawMessages []string, pendingRaw string) (*Session, error) {
	var meta sessionMeta
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session meta: %w", err)
	}

	st := NewSession(meta.SessionID, meta.UserID, meta.CreatedAt)
	st.Messages = make([]Message, 0, len(rawMessages))
	for i, raw := range rawMessages {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message %d: %w", i, err)
		}
		st.Messages = append(st.Messages, m)
		if m.CreatedAt.After(st.UpdatedAt) {
			st.UpdatedAt = m.CreatedAt
		}
	}

	if pendingRaw != "" {
		var p PendingDecision
		if err := json.Unmarshal([]byte(pendingRaw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal pending decision: %w", err)
		}
		st.Pending = &p
	}

	// a stale pending marker is left for the caller to clear
	if err := st.ValidateHistory(); err != nil {
		return nil, fmt.Errorf("invalid session loaded from store: %w", err)
	}
	return st, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
