// Package stdio implements a single-session MCP transport over stdin/stdout.
// It is intended for embedding servers as subprocesses, local development,
// and environments where piping JSON is simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : exactly one, created when Serve starts
//	Transport        : newline-delimited JSON-RPC, batches allowed
//	Push channel     : opened once initialize succeeds; notifications share
//	                   the writer with responses, unordered between the two
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	h := stdio.NewHandler(echo.New())
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// For multi-session deployments use the streaming HTTP transport.
package stdio
