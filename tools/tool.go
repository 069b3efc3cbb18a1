package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-session-go/mcp"
)

var (
	// ErrToolNotFound is returned by Dispatch for a name with no registered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments is returned by Dispatch when the call has no name or
	// no arguments object.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrDuplicateTool is returned by Register when the name is already taken.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrInvalidTool is returned by Register for a tool without a name.
	ErrInvalidTool = errors.New("invalid tool")
)

// Tool is the capability every registered tool implements.
type Tool interface {
	// Describe returns the descriptor advertised by tools/list.
	Describe() mcp.Tool
	// Invoke runs the tool. args is the raw arguments object (never nil when
	// called through a Registry). A returned error is reported to the caller
	// as an ExecutionError.
	Invoke(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Call is a single tool invocation.
type Call struct {
	Name      string
	Arguments json.RawMessage
}

// ExecutionError wraps a failure raised by a tool handler.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrorResult returns a failure-shaped CallToolResult with a single text block.
func ErrorResult(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextBlock(fmt.Sprintf(format, a...))}, IsError: true}
}

// TextResult builds a successful CallToolResult with a single text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextBlock(s)}}
}

// FuncTool adapts a descriptor and a plain function into a Tool.
type FuncTool struct {
	Descriptor mcp.Tool
	Fn         func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Func returns a Tool backed by fn.
func Func(desc mcp.Tool, fn func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)) *FuncTool {
	return &FuncTool{Descriptor: desc, Fn: fn}
}

func (f *FuncTool) Describe() mcp.Tool { return f.Descriptor }

func (f *FuncTool) Invoke(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	return f.Fn(ctx, args)
}
