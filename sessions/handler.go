package sessions

import (
	"context"

	"github.com/ggoodman/mcp-session-go/internal/jsonrpc"
)

// Handler routes decoded protocol messages for a Session. HandleInbound
// calls it with the session's inbound lock held, so implementations see the
// messages of one session one at a time.
type Handler interface {
	// HandleRequest returns the response for req. A nil response is reported
	// to the client as an internal error.
	HandleRequest(ctx context.Context, s *Session, req *jsonrpc.Request) *jsonrpc.Response
	// HandleNotification processes a message that expects no response.
	HandleNotification(ctx context.Context, s *Session, req *jsonrpc.Request)
}

// HandlerFuncs adapts plain functions into a Handler. Nil fields answer
// every request with a method-not-found error and ignore notifications.
type HandlerFuncs struct {
	Request      func(ctx context.Context, s *Session, req *jsonrpc.Request) *jsonrpc.Response
	Notification func(ctx context.Context, s *Session, req *jsonrpc.Request)
}

func (h HandlerFuncs) HandleRequest(ctx context.Context, s *Session, req *jsonrpc.Request) *jsonrpc.Response {
	if h.Request == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeProtocol, "Method not found: "+req.Method, nil)
	}
	return h.Request(ctx, s, req)
}

func (h HandlerFuncs) HandleNotification(ctx context.Context, s *Session, req *jsonrpc.Request) {
	if h.Notification != nil {
		h.Notification(ctx, s, req)
	}
}
