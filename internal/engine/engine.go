package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/sessions"
	"github.com/ggoodman/mcp-session-go/tools"
	"golang.org/x/sync/errgroup"
)

const (
	broadcastTimeout     = time.Second
	broadcastConcurrency = 64
)

// Engine routes MCP methods for every session. It is the sessions.Handler
// wired into the session registry by the transport.
type Engine struct {
	tools        *tools.Registry
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
}

var _ sessions.Handler = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the serverInfo returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// New returns an Engine serving the tools in reg. A nil reg serves no tools.
func New(reg *tools.Registry, opts ...Option) *Engine {
	if reg == nil {
		reg = tools.NewRegistry()
	}
	e := &Engine{
		tools: reg,
		info:  mcp.ImplementationInfo{Name: "mcp-session-go", Version: "0.1.0"},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run forwards tool set changes to every active session as
// notifications/tools/list_changed until ctx ends.
func (e *Engine) Run(ctx context.Context, reg *sessions.Registry) error {
	for range e.tools.Subscribe(ctx) {
		e.broadcast(ctx, reg, mcp.ToolsListChangedNotificationMethod)
	}
	return ctx.Err()
}

// broadcast notifies every active session concurrently so one stalled
// reader only delays itself.
func (e *Engine) broadcast(ctx context.Context, reg *sessions.Registry, method mcp.Method) {
	var sent atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(broadcastConcurrency)
	for _, s := range reg.Sessions() {
		if s.State() != sessions.StateActive {
			continue
		}
		eg.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
			defer cancel()
			err := s.Notify(sctx, method, nil)
			switch {
			case err == nil:
				sent.Add(1)
			case errors.Is(err, sessions.ErrPushUnavailable), errors.Is(err, sessions.ErrSessionClosed):
			default:
				e.log.WarnContext(s.Context(ctx), "engine.broadcast.fail", slog.String("method", string(method)), slog.String("err", err.Error()))
			}
			return nil
		})
	}
	_ = eg.Wait()
	e.log.DebugContext(ctx, "engine.broadcast.ok", slog.String("method", string(method)), slog.Int64("sent", sent.Load()))
}

func (e *Engine) HandleRequest(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	method := mcp.Method(req.Method)
	switch method {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, s, req)
	case mcp.PingMethod:
		return e.result(ctx, req, mcp.EmptyResult{})
	}

	if s.State() != sessions.StateActive {
		e.log.InfoContext(ctx, "engine.handle_request.not_initialized")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeProtocol, "Bad Request: session not initialized", nil)
	}

	switch method {
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, req)
	case mcp.LoggingSetLevelMethod:
		return e.handleSetLoggingLevel(ctx, s, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeProtocol, "Method not found: "+req.Method, nil)
}

func (e *Engine) HandleNotification(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.DebugContext(ctx, "engine.handle_notification.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		_ = json.Unmarshal(req.Params, &params)
		e.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.Any("request_id", params.RequestID), slog.String("reason", params.Reason))
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
}

func (e *Engine) handleInitialize(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	if s.State() != sessions.StateInitializing {
		e.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", "already initialized"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeProtocol, "Bad Request: session already initialized", nil)
	}

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.ProtocolVersion == "" {
		e.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", "missing protocolVersion"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params: protocolVersion is required", nil)
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools:   &mcp.ToolsCapability{ListChanged: true},
		},
		ServerInfo:   e.info,
		Instructions: e.instructions,
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.initialize.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if err := s.Activate(version, params.ClientInfo, params.Capabilities); err != nil {
		e.log.ErrorContext(ctx, "engine.initialize.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("protocol_version", version),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("client_name", params.ClientInfo.Name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return resp
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	list := e.tools.List()
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int("tool_count", len(list)))
	return e.result(ctx, req, mcp.ListToolsResult{Tools: list})
}

func (e *Engine) handleToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	if params.Meta != nil {
		ctx = tools.WithProgressToken(ctx, params.Meta.ProgressToken)
	}

	res, err := e.tools.Dispatch(ctx, tools.Call{Name: params.Name, Arguments: params.Arguments})
	if err != nil {
		var execErr *tools.ExecutionError
		switch {
		case errors.Is(err, tools.ErrToolNotFound), errors.Is(err, tools.ErrInvalidArguments):
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		case errors.As(err, &execErr):
			e.log.WarnContext(ctx, "engine.handle_request.tool_fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return e.result(ctx, req, tools.ErrorResult("%s", execErr.Error()))
		default:
			e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Bool("is_error", res.IsError), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return e.result(ctx, req, res)
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if err := s.SetLogLevel(params.Level); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.String("level", string(params.Level)))
	return e.result(ctx, req, mcp.EmptyResult{})
}

func (e *Engine) result(ctx context.Context, req *jsonrpc.Request, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.encode_fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}
