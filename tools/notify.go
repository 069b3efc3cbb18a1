package tools

import (
	"context"

	"github.com/ggoodman/mcp-session-go/mcp"
)

// Notifier delivers a notification to the client that issued the current
// call. The session transport injects one into the dispatch context; it
// writes to the session's push channel.
type Notifier interface {
	Notify(ctx context.Context, method mcp.Method, params any) error
}

type notifierKey struct{}

type progressTokenKey struct{}

// WithNotifier returns a new context carrying n.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	if n == nil {
		return ctx
	}
	return context.WithValue(ctx, notifierKey{}, n)
}

// NotifierFrom retrieves the Notifier from ctx if present.
func NotifierFrom(ctx context.Context) (Notifier, bool) {
	n, ok := ctx.Value(notifierKey{}).(Notifier)
	return n, ok && n != nil
}

// WithProgressToken records the progress token the client attached to the
// current call.
func WithProgressToken(ctx context.Context, token mcp.ProgressToken) context.Context {
	if token == nil {
		return ctx
	}
	return context.WithValue(ctx, progressTokenKey{}, token)
}

// ProgressTokenFrom retrieves the progress token from ctx if present.
func ProgressTokenFrom(ctx context.Context) (mcp.ProgressToken, bool) {
	tok := ctx.Value(progressTokenKey{})
	return tok, tok != nil
}
