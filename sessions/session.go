package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/tools"
)

// PushOpenMessage is the data of the info-level notification that starts
// every push channel.
const PushOpenMessage = "Push channel established"

// Session is the live transport state of one client.
type Session struct {
	id        string
	createdAt time.Time
	handler   Handler
	log       *slog.Logger
	onClose   func(*Session)

	// inbound serializes HandleInbound.
	inbound sync.Mutex

	mu              sync.Mutex
	state           State
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	clientCaps      mcp.ClientCapabilities
	logLevel        mcp.LoggingLevel
	push            *PushChannel
	closed          chan struct{}

	eventSeq atomic.Uint64
}

var _ tools.Notifier = (*Session)(nil)

func newSession(id string, h Handler, log *slog.Logger, onClose func(*Session)) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now(),
		handler:   h,
		log:       log,
		onClose:   onClose,
		state:     StateInitializing,
		logLevel:  mcp.LoggingLevelInfo,
		closed:    make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion is the version negotiated during initialize, or empty
// before that.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

func (s *Session) ClientCapabilities() mcp.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// LogLevel is the minimum level forwarded by Log. It defaults to info.
func (s *Session) LogLevel() mcp.LoggingLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// SetLogLevel changes the minimum level forwarded by Log.
func (s *Session) SetLogLevel(level mcp.LoggingLevel) error {
	if !mcp.IsValidLoggingLevel(level) {
		return fmt.Errorf("invalid logging level %q", level)
	}
	s.mu.Lock()
	s.logLevel = level
	s.mu.Unlock()
	return nil
}

// Activate completes the initialize handshake. It fails unless the session
// is still initializing.
func (s *Session) Activate(protocolVersion string, info mcp.ImplementationInfo, caps mcp.ClientCapabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitializing:
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("session %s is %s, not initializing", s.id, s.state)
	}
	s.state = StateActive
	s.protocolVersion = protocolVersion
	s.clientInfo = info
	s.clientCaps = caps
	return nil
}

// PushOpen reports whether a push channel is currently open.
func (s *Session) PushOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push != nil
}

// Context decorates ctx with this session's log data and notifier.
func (s *Session) Context(ctx context.Context) context.Context {
	s.mu.Lock()
	sd := &logctx.SessionData{
		SessionID:       s.id,
		ProtocolVersion: s.protocolVersion,
		State:           string(s.state),
	}
	s.mu.Unlock()
	ctx = logctx.WithSessionData(ctx, sd)
	return tools.WithNotifier(ctx, s)
}

// HandleInbound processes one submission: a single envelope or a batch.
// Requests are answered in input order; notifications and client responses
// produce no entry. A nil body means nothing needed a response.
//
// Calls on the same session run one at a time.
func (s *Session) HandleInbound(ctx context.Context, raw []byte) ([]byte, error) {
	s.inbound.Lock()
	defer s.inbound.Unlock()

	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}
	ctx = s.Context(ctx)

	batch, err := jsonrpc.Decode(raw)
	if err != nil {
		s.log.WarnContext(ctx, "session.inbound.decode.fail", slog.String("err", err.Error()))
		return jsonrpc.Encode(jsonrpc.MakeError(jsonrpc.ErrorCodeProtocol, decodeErrorMessage(err), jsonrpc.RecoverID(raw)))
	}

	responses := make([]*jsonrpc.Response, 0, len(batch.Messages))
	for i := range batch.Messages {
		msg := &batch.Messages[i]
		rctx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: msg.Method,
			ID:     msg.ID.String(),
			Type:   msg.Type(),
		})
		switch msg.Type() {
		case "request":
			responses = append(responses, s.handleRequest(rctx, msg.AsRequest()))
		case "notification":
			s.handleNotification(rctx, msg.AsRequest())
		default:
			s.log.DebugContext(rctx, "session.inbound.response.discard")
		}
	}

	if len(responses) == 0 {
		return nil, nil
	}
	if !batch.IsArray {
		return jsonrpc.Encode(responses[0])
	}
	return jsonrpc.Encode(responses)
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) (res *jsonrpc.Response) {
	defer func() {
		if p := recover(); p != nil {
			s.log.ErrorContext(ctx, "session.request.panic", slog.String("err", fmt.Sprint(p)))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
		}
	}()

	res = s.handler.HandleRequest(ctx, s, req)
	if res == nil {
		s.log.ErrorContext(ctx, "session.request.no_response")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}
	res.ID = req.ID
	return res
}

func (s *Session) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	defer func() {
		if p := recover(); p != nil {
			s.log.ErrorContext(ctx, "session.notification.panic", slog.String("err", fmt.Sprint(p)))
		}
	}()
	s.handler.HandleNotification(ctx, s, req)
}

func decodeErrorMessage(err error) string {
	if errors.Is(err, jsonrpc.ErrInvalidJSON) {
		return "Parse error"
	}
	return "Invalid Request"
}

// OpenPush opens the session's push channel and queues the info-level
// handshake notification as its first message.
//
// The greeting is queued before the channel is published, so no concurrent
// Notify can precede it and OpenPush never blocks on the buffer.
func (s *Session) OpenPush(ctx context.Context) (*PushChannel, error) {
	data, err := encodeNotification(mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageNotification{
		Level: mcp.LoggingLevelInfo,
		Data:  PushOpenMessage,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.push != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	p := newPushChannel(s)
	p.msgs <- PushMessage{ID: s.nextEventID(), Data: data}
	s.push = p
	s.mu.Unlock()

	s.log.InfoContext(s.Context(ctx), "push.open.ok")
	return p, nil
}

// Notify queues a notification on the open push channel.
func (s *Session) Notify(ctx context.Context, method mcp.Method, params any) error {
	s.mu.Lock()
	p, state := s.push, s.state
	s.mu.Unlock()
	if state == StateClosed {
		return ErrSessionClosed
	}
	if p == nil {
		return ErrPushUnavailable
	}
	data, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	return p.send(ctx, data)
}

// Log sends a notifications/message when level passes the session's
// logging level. Filtered messages are not an error.
func (s *Session) Log(ctx context.Context, level mcp.LoggingLevel, logger string, data any) error {
	if !s.LogLevel().Allows(level) {
		return nil
	}
	return s.Notify(ctx, mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageNotification{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}

// Close ends the push channel, marks the session closed and removes it from
// its registry. Further calls do nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	p := s.push
	s.push = nil
	close(s.closed)
	s.mu.Unlock()

	if p != nil {
		p.shutdown()
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	s.log.Info("session.close.ok", slog.String("session_id", s.id))
}

func (s *Session) releasePush(p *PushChannel) {
	s.mu.Lock()
	if s.push == p {
		s.push = nil
	}
	s.mu.Unlock()
	s.log.Debug("push.release.ok", slog.String("session_id", s.id))
}

func (s *Session) nextEventID() uint64 { return s.eventSeq.Add(1) }

func encodeNotification(method mcp.Method, params any) ([]byte, error) {
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return nil, err
	}
	return jsonrpc.Encode(n)
}
