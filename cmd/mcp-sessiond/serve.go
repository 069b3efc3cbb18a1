package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-session-go/examples/echo"
	"github.com/ggoodman/mcp-session-go/sessions/idledger"
	"github.com/ggoodman/mcp-session-go/sessions/idledger/memory"
	redisledger "github.com/ggoodman/mcp-session-go/sessions/idledger/redis"
	"github.com/ggoodman/mcp-session-go/streaminghttp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// openLedger returns the configured ledger and a func releasing it.
func openLedger(ctx context.Context, cfg *Config) (idledger.Ledger, func() error, error) {
	switch cfg.Ledger {
	case "redis":
		l, err := redisledger.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis ledger: %w", err)
		}
		return l, l.Close, nil
	default:
		return memory.New(), func() error { return nil }, nil
	}
}

// newRouter mounts h at the endpoint path next to a health check.
func newRouter(cfg *Config, h http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(cfg.EndpointPath, h)
	return r
}

// run serves until ctx ends, then closes every session before draining
// in-flight requests.
func run(ctx context.Context, cfg *Config, log *slog.Logger) error {
	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger(); err != nil {
			log.Warn("ledger.close.fail", slog.String("err", err.Error()))
		}
	}()

	hctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := streaminghttp.New(hctx, cfg.EndpointPath, echo.New(),
		streaminghttp.WithLogger(log),
		streaminghttp.WithMaxBodyBytes(cfg.MaxBodyBytes),
		streaminghttp.WithSessionLedger(ledger),
	)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           newRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return hctx },
	}
	// Push streams never idle, so sessions must close before Shutdown waits.
	srv.RegisterOnShutdown(func() { h.Shutdown(context.Background()) })

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start", slog.String("addr", ln.Addr().String()), slog.String("endpoint", cfg.EndpointPath), slog.String("ledger", cfg.Ledger))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("server.shutdown.fail", slog.String("err", err.Error()))
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}
