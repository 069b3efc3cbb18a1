// Package redis provides an idledger.Ledger backed by Redis SETNX so session
// ids stay unique across process restarts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-session-go/sessions/idledger"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed ledger. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: MCP_LEDGER_PREFIX
	KeyPrefix string `env:"MCP_LEDGER_PREFIX,default=mcp:session-ids:"`
	// TTL after which a reserved id may be issued again. Zero keeps ids
	// forever. ENV: MCP_LEDGER_TTL
	TTL time.Duration `env:"MCP_LEDGER_TTL,default=0s"`
}

// Ledger reserves ids with SETNX.
type Ledger struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	owned     bool
}

var _ idledger.Ledger = (*Ledger)(nil)

// New dials Redis at cfg.RedisAddr and verifies the connection.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l := NewWithClient(cl, cfg)
	l.owned = true
	return l, nil
}

// NewFromEnv builds a Ledger using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Ledger, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis ledger config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client redis.UniversalClient, cfg Config) *Ledger {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:session-ids:"
	}
	return &Ledger{client: client, keyPrefix: prefix, ttl: cfg.TTL}
}

func (l *Ledger) key(id string) string { return l.keyPrefix + id }

func (l *Ledger) Reserve(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, idledger.ErrEmptyID
	}
	ok, err := l.client.SetNX(ctx, l.key(id), time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve session id: %w", err)
	}
	return ok, nil
}

// Close releases the client if the ledger dialed it.
func (l *Ledger) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
