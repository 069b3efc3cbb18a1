package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-session-go/internal/engine"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/sessions"
	"github.com/ggoodman/mcp-session-go/tools"
)

// DefaultMaxLineBytes bounds a single inbound line unless WithMaxLineBytes
// says otherwise.
const DefaultMaxLineBytes = 4 << 20

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses and notifications to an io.Writer.
// By default, it uses os.Stdin and os.Stdout.
type Handler struct {
	r          io.Reader
	w          io.Writer
	l          *slog.Logger
	maxLine    int
	tools      *tools.Registry
	engineOpts []engine.Option

	wmu sync.Mutex
}

// NewHandler constructs a stdio Handler serving toolset and applies options.
func NewHandler(toolset *tools.Registry, opts ...Option) *Handler {
	h := &Handler{
		r:       os.Stdin,
		w:       os.Stdout,
		l:       slog.Default(),
		maxLine: DefaultMaxLineBytes,
		tools:   toolset,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler. EOF is a clean
// shutdown and returns nil.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := slog.New(logctx.Handler{Handler: h.l.Handler()})
	eng := engine.New(h.tools, append([]engine.Option{engine.WithLogger(log)}, h.engineOpts...)...)
	reg := sessions.NewRegistry(eng, sessions.WithLogger(log))
	defer reg.CloseAll(context.Background())

	go func() {
		if err := eng.Run(ctx, reg); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	sess, err := reg.Create(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	ctx = sess.Context(ctx)
	log.InfoContext(ctx, "stdio.serve.start")

	lines, readErr := h.readLines(ctx)
	var pushWG sync.WaitGroup
	defer pushWG.Wait()
	defer sess.Close()

	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "stdio.serve.end", slog.String("reason", "context"))
			return ctx.Err()
		case <-sess.Done():
			log.InfoContext(ctx, "stdio.serve.end", slog.String("reason", "closed"))
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
					return fmt.Errorf("read: %w", err)
				}
				log.InfoContext(ctx, "stdio.serve.end", slog.String("reason", "eof"))
				return nil
			}

			body, err := sess.HandleInbound(ctx, line)
			if err != nil {
				log.InfoContext(ctx, "stdio.inbound.fail", slog.String("err", err.Error()))
				return nil
			}
			if body != nil {
				if err := h.writeLine(body); err != nil {
					log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
					return fmt.Errorf("write: %w", err)
				}
			}

			if sess.State() == sessions.StateActive && !sess.PushOpen() {
				push, err := sess.OpenPush(ctx)
				if err != nil {
					log.ErrorContext(ctx, "push.open.fail", slog.String("err", err.Error()))
					continue
				}
				pushWG.Add(1)
				go func() {
					defer pushWG.Done()
					h.forward(ctx, push)
				}()
			}
		}
	}
}

// readLines scans h.r on its own goroutine so Serve can watch ctx. The
// lines channel closes on EOF or error; readErr then yields the error.
func (h *Handler) readLines(ctx context.Context) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(readErr)
		defer close(lines)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()
	return lines, readErr
}

// forward writes push messages until the channel ends.
func (h *Handler) forward(ctx context.Context, push *sessions.PushChannel) {
	for {
		select {
		case msg := <-push.Messages():
			if err := h.writeLine(msg.Data); err != nil {
				push.Fail(err)
				return
			}
		case <-push.Done():
			return
		case <-ctx.Done():
			push.Release()
			return
		}
	}
}

func (h *Handler) writeLine(b []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(append(bytes.Clone(b), '\n')); err != nil {
		return err
	}
	return nil
}
