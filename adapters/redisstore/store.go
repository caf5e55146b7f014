// Package redisstore provides a redis-backed chat store.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/brightboard/tutorengine/chat"
	"github.com/brightboard/tutorengine/llm"
)

// Ensure Store implements chat.Store
var _ chat.Store = (*Store)(nil)

// Config configures the redis chat store.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces all keys. Defaults to "tutor".
	Prefix string
}

// Store persists chats in redis. Token-guarded writes run through Lua so
// the compare-and-swap is atomic server-side.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New creates a redis chat store.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tutor"
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	return &Store{rdb: rdb, prefix: cfg.Prefix}, nil
}

// NewWithClient wraps an existing client (used by tests and pools).
func NewWithClient(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "tutor"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) chatKey(id string) string { return fmt.Sprintf("%s:chat:%s", s.prefix, id) }

// Create implements chat.Store.
func (s *Store) Create(ctx context.Context, c *chat.Chat) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.chatKey(c.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx chat: %w", err)
	}
	if !ok {
		return fmt.Errorf("chat %s already exists", c.ID)
	}
	return nil
}

// Load implements chat.Store.
func (s *Store) Load(ctx context.Context, chatID string) (*chat.Chat, error) {
	v, err := s.rdb.Get(ctx, s.chatKey(chatID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, chat.ErrNotFound
		}
		return nil, fmt.Errorf("redis get chat: %w", err)
	}
	var c chat.Chat
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, fmt.Errorf("unmarshal chat: %w", err)
	}
	return &c, nil
}

// RotateToken implements chat.Store via the Lua CAS script.
func (s *Store) RotateToken(ctx context.Context, chatID string, expectedToken, newToken string) error {
	res, err := s.rdb.Eval(ctx, luaRotateToken, []string{s.chatKey(chatID)}, expectedToken, newToken).Int64()
	if err != nil {
		return fmt.Errorf("redis rotate token: %w", err)
	}
	return casResult(res)
}

// Save implements chat.Store via the Lua CAS script.
func (s *Store) Save(ctx context.Context, chatID string, history []llm.Message, expectedToken string, banned bool) error {
	hb, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	bannedArg := "0"
	if banned {
		bannedArg = "1"
	}
	res, err := s.rdb.Eval(ctx, luaSaveHistory, []string{s.chatKey(chatID)}, expectedToken, string(hb), bannedArg).Int64()
	if err != nil {
		return fmt.Errorf("redis save chat: %w", err)
	}
	return casResult(res)
}

func casResult(res int64) error {
	switch res {
	case casOK:
		return nil
	case casMissing:
		return chat.ErrNotFound
	default:
		return chat.ErrTokenMismatch
	}
}
