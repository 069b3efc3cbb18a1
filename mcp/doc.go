// Package mcp contains the protocol data types and constants exchanged over a
// session: method names, the initialize handshake, tool descriptors, tool
// call results and logging notifications. The types mirror the wire
// representation of the Model Context Protocol while staying Go-friendly
// (exported structs with json tags, string constants for method names).
//
// The package is free of transport logic. The streaming HTTP boundary, the
// session transport and the tools dispatcher import these types and do their
// own framing.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Metadata
//
// BaseMetadata allows response producers to attach implementation-defined
// metadata under the _meta key.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{mcp.TextBlock("hello")},
//	}
//
// # Logging Levels
//
// LoggingLevel values mirror syslog severities. Use IsValidLoggingLevel to
// validate client-provided values and LoggingLevel.Allows to filter.
//
// # Compatibility
//
// LatestProtocolVersion is the most recent protocol revision the server
// speaks; SupportedProtocolVersions lists every revision it accepts during
// negotiation.
package mcp
