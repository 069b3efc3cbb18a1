// Package streaminghttp implements the MCP streaming HTTP transport. It mounts
// as a standard net/http handler on a single endpoint path and multiplexes
// any number of client sessions onto it.
//
// Responsibilities
//   - Session creation on initialize and lookup via the Mcp-Session-Id header
//   - Request/response JSON-RPC over POST, including batches
//   - One Server-Sent Events push stream per session over GET
//   - Explicit session termination over DELETE
//   - Fan-out of tools/list_changed when the tool set changes
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "/mcp",      // endpoint path, or an absolute http(s) URL
//	    registry,    // *tools.Registry
//	    streaminghttp.WithLogger(logger),
//	)
//
// # Status codes
//
// POST answers 200 with a JSON body, or 202 when every inbound message was a
// notification or response. A missing or unknown session id is a 400 carrying
// the JSON-RPC error BadSessionMessage. GET answers 409 when the session
// already holds a push stream and 406 when the client does not accept
// text/event-stream. DELETE answers 204.
//
// # Push streams
//
// The first event on every stream is a notifications/message at level info
// announcing the stream. Event ids are per session and keep increasing across
// reconnects. A client disconnect frees the stream slot and keeps the
// session; a failed write closes the session.
//
// # Shutdown
//
// Push streams never go idle, so http.Server.Shutdown alone will not drain
// them. Register Shutdown with the server so sessions close first:
//
//	srv.RegisterOnShutdown(func() { h.Shutdown(context.Background()) })
package streaminghttp
