package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	redisledger "github.com/ggoodman/mcp-session-go/sessions/idledger/redis"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"
)

// Config is the daemon configuration. Environment variables provide the
// defaults and command line flags override them.
type Config struct {
	ListenAddr      string        `env:"MCP_LISTEN_ADDR,default=127.0.0.1:8080"`
	EndpointPath    string        `env:"MCP_ENDPOINT_PATH,default=/mcp"`
	LogLevel        string        `env:"MCP_LOG_LEVEL,default=info"`
	LogFormat       string        `env:"MCP_LOG_FORMAT,default=json"`
	ShutdownTimeout time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s"`
	MaxBodyBytes    int64         `env:"MCP_MAX_BODY_BYTES,default=4194304"`

	// Ledger selects where issued session ids are recorded: "memory" or
	// "redis".
	Ledger string `env:"MCP_LEDGER,default=memory"`
	Redis  redisledger.Config
}

var errInvalidConfig = errors.New("invalid config")

// loadConfig reads Config from the environment.
func loadConfig() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// bindFlags registers persistent flags on cmd that default to the values already in cfg.
func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.PersistentFlags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	f.StringVar(&cfg.EndpointPath, "endpoint", cfg.EndpointPath, "path serving the MCP endpoint")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, text)")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for in-flight requests on shutdown")
	f.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "maximum POST body size")
	f.StringVar(&cfg.Ledger, "ledger", cfg.Ledger, "session id ledger (memory, redis)")
	f.StringVar(&cfg.Redis.RedisAddr, "redis-addr", cfg.Redis.RedisAddr, "redis address for the redis ledger")
	f.StringVar(&cfg.Redis.KeyPrefix, "ledger-prefix", cfg.Redis.KeyPrefix, "redis key prefix for reserved session ids")
	f.DurationVar(&cfg.Redis.TTL, "ledger-ttl", cfg.Redis.TTL, "how long a session id stays reserved (0 keeps it forever)")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is required", errInvalidConfig)
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		return fmt.Errorf("%w: endpoint path %q must start with /", errInvalidConfig, c.EndpointPath)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", errInvalidConfig, c.LogFormat)
	}
	switch c.Ledger {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown ledger %q", errInvalidConfig, c.Ledger)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdown timeout must not be negative", errInvalidConfig)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level: %w", errInvalidConfig, err)
	}
	return lvl, nil
}

// newLogger builds the process logger described by cfg.
func newLogger(w io.Writer, cfg *Config) (*slog.Logger, error) {
	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
