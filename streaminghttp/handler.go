package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-go/internal/engine"
	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/sessions"
	"github.com/ggoodman/mcp-session-go/sessions/idledger"
	"github.com/ggoodman/mcp-session-go/tools"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// DefaultMaxBodyBytes bounds POST bodies unless WithMaxBodyBytes says otherwise.
const DefaultMaxBodyBytes int64 = 4 << 20

// BadSessionMessage is the error message returned for a missing or unknown
// session id, or a first message that is not initialize.
const BadSessionMessage = "Bad Request: invalid session ID or method."

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError emits a JSON-RPC error envelope with the given HTTP status.
// The id is a fresh token since no request can be correlated at this layer.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	b, err := jsonrpc.Encode(jsonrpc.MakeError(code, msg, nil))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, b)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	maxBodyBytes int64
	ledger       idledger.Ledger
	newID        sessions.IDGenerator
	engineOpts   []engine.Option
}

// WithLogger sets the slog logger used by the handler, its engine and its
// sessions. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithMaxBodyBytes bounds the size of POST bodies. Non-positive values keep
// the default.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithSessionLedger records issued session ids in l so none is reused.
func WithSessionLedger(l idledger.Ledger) Option {
	return func(c *newConfig) { c.ledger = l }
}

// WithSessionIDGenerator replaces the uuid session id source.
func WithSessionIDGenerator(gen sessions.IDGenerator) Option {
	return func(c *newConfig) { c.newID = gen }
}

// WithServerInfo sets the serverInfo advertised during initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithServerInfo(info)) }
}

// WithInstructions sets the instructions advertised during initialize.
func WithInstructions(s string) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithInstructions(s)) }
}

// StreamingHTTPHandler implements the streaming HTTP transport of the Model
// Context Protocol on a single endpoint path.
type StreamingHTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	eng          *engine.Engine
	sessions     *sessions.Registry
	maxBodyBytes int64
}

// New constructs a StreamingHTTPHandler serving toolset at the path of
// endpoint, which may be a bare path ("/mcp") or an absolute http(s) URL.
// The handler forwards tool set changes to connected clients until ctx ends.
func New(ctx context.Context, endpoint string, toolset *tools.Registry, opts ...Option) (*StreamingHTTPHandler, error) {
	mcpURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if mcpURL.Scheme != "" && mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &StreamingHTTPHandler{log: log, maxBodyBytes: cfg.maxBodyBytes}
	h.eng = engine.New(toolset, append([]engine.Option{engine.WithLogger(log)}, cfg.engineOpts...)...)

	regOpts := []sessions.RegistryOption{sessions.WithLogger(log), sessions.WithIDGenerator(cfg.newID)}
	if cfg.ledger != nil {
		regOpts = append(regOpts, sessions.WithLedger(cfg.ledger))
	}
	h.sessions = sessions.NewRegistry(h.eng, regOpts...)

	go func() {
		if err := h.eng.Run(ctx, h.sessions); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	path := pathOnly(mcpURL)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// Sessions exposes the live session registry.
func (h *StreamingHTTPHandler) Sessions() *sessions.Registry { return h.sessions }

// Shutdown closes every session, which ends all open push streams, and
// empties the registry.
func (h *StreamingHTTPHandler) Shutdown(ctx context.Context) {
	h.sessions.CloseAll(ctx)
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lookup resolves the session named by the request header.
func (h *StreamingHTTPHandler) lookup(r *http.Request) (*sessions.Session, bool) {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		return nil, false
	}
	return h.sessions.Lookup(id)
}

// handlePostMCP handles the POST /mcp endpoint, which is used by the client to send
// MCP messages to the server and to establish a session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "http.post.body_too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initializeSession(w, r, raw, start)
		return
	}

	sess, ok := h.lookup(r)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeProtocol, BadSessionMessage)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = sess.Context(ctx)

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.ProtocolVersion(); spv != "" && pv != spv {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeProtocol, "Bad Request: protocol version mismatch.")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	body, err := sess.HandleInbound(ctx, raw)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionClosed) {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeProtocol, BadSessionMessage)
			h.log.InfoContext(ctx, "session.load.closed")
			return
		}
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	if body == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.inbound.accepted", slog.Duration("dur", time.Since(start)))
		return
	}
	writeJSON(w, http.StatusOK, body)
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// initializeSession handles a POST without a session id. Only an initialize
// request may create a session.
func (h *StreamingHTTPHandler) initializeSession(w http.ResponseWriter, r *http.Request, raw []byte, start time.Time) {
	ctx := r.Context()
	if !jsonrpc.IsInitializeRequest(raw) {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeProtocol, BadSessionMessage)
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sess, err := h.sessions.Create(ctx)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	ctx = sess.Context(ctx)

	body, err := sess.HandleInbound(ctx, raw)
	if err != nil {
		sess.Close()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	if sess.State() != sessions.StateActive {
		// The handshake was rejected; the body carries the reason.
		sess.Close()
		writeJSON(w, http.StatusOK, body)
		h.log.InfoContext(ctx, "session.initialize.rejected")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	writeJSON(w, http.StatusOK, body)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP handles the GET /mcp endpoint, which opens the session's push
// channel as a Server-Sent Events stream.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sess, ok := h.lookup(r)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeProtocol, BadSessionMessage)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = sess.Context(ctx)

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	push, err := sess.OpenPush(ctx)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrAlreadyOpen):
			writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeProtocol, "Conflict: push channel already open for this session.")
			h.log.InfoContext(ctx, "push.open.conflict")
		case errors.Is(err, sessions.ErrSessionClosed):
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeProtocol, BadSessionMessage)
			h.log.InfoContext(ctx, "push.open.closed")
		default:
			writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
			h.log.ErrorContext(ctx, "push.open.fail", slog.String("err", err.Error()))
		}
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("X-Accel-Buffering", "no")
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		push.Release()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.start")
	for {
		select {
		case msg := <-push.Messages():
			if err := writeSSEEvent(stream, msg); err != nil {
				push.Fail(err)
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-push.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "closed"), slog.Duration("dur", time.Since(start)))
			return
		case <-ctx.Done():
			push.Release()
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "client"), slog.Duration("dur", time.Since(start)))
			return
		}
	}
}

// handleDeleteMCP handles the DELETE /mcp endpoint, which terminates an
// existing session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := h.lookup(r)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeProtocol, BadSessionMessage)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	ctx = sess.Context(ctx)
	sess.Close()
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok")
}

// writeSSEEvent writes one push message as a Server-Sent Event carrying the
// message's event id and flushes it.
func writeSSEEvent(stream *sse.Session, msg sessions.PushMessage) error {
	ev := &sse.Message{ID: sse.ID(strconv.FormatUint(msg.ID, 10))}
	ev.AppendData(string(msg.Data))
	if err := stream.Send(ev); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE event: %w", err)
	}
	return nil
}
