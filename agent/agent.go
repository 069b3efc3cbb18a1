// Package agent runs a model-driven tool-call loop against a tools.Registry.
//
// A Runner alternates between a Generator, which stands in for the model, and
// the registry. Every function call returned in one turn is dispatched
// concurrently. Results are appended to the conversation in the order the
// model returned the calls, whatever order they finish in.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-session-go/internal/logctx"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/tools"
	"golang.org/x/sync/errgroup"
)

// ErrMaxTurns is returned when the model is still requesting tool calls
// after the configured number of turns.
var ErrMaxTurns = errors.New("agent: max turns exceeded")

const (
	defaultMaxTurns    = 10
	defaultConcurrency = 4
)

// Role identifies the author of a Content entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// FunctionResponse carries the outcome of one FunctionCall back to the model.
type FunctionResponse struct {
	ID     string              `json:"id,omitempty"`
	Name   string              `json:"name"`
	Result *mcp.CallToolResult `json:"result"`
}

// Content is one entry in the conversation.
type Content struct {
	Role     Role              `json:"role"`
	Text     string            `json:"text,omitempty"`
	Calls    []FunctionCall    `json:"calls,omitempty"`
	Response *FunctionResponse `json:"response,omitempty"`
}

// Generator produces the next model turn from the conversation so far and
// the tools on offer. A turn with no calls ends the query.
type Generator interface {
	Generate(ctx context.Context, contents []Content, decls []mcp.Tool) (text string, calls []FunctionCall, err error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, contents []Content, decls []mcp.Tool) (string, []FunctionCall, error)

func (f GeneratorFunc) Generate(ctx context.Context, contents []Content, decls []mcp.Tool) (string, []FunctionCall, error) {
	return f(ctx, contents, decls)
}

// Result is the outcome of a Query.
type Result struct {
	Text     string
	Contents []Content
	Turns    int
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxTurns bounds the number of model turns per query. Non-positive
// values keep the default.
func WithMaxTurns(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithConcurrency bounds how many tool calls of one turn run at once.
// Non-positive values keep the default.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// Runner drives the tool-call loop. It is safe for concurrent use; each
// Query owns its own conversation.
type Runner struct {
	gen         Generator
	tools       *tools.Registry
	maxTurns    int
	concurrency int
	log         *slog.Logger
}

// NewRunner returns a Runner calling gen and dispatching to reg.
func NewRunner(gen Generator, reg *tools.Registry, opts ...Option) *Runner {
	if reg == nil {
		reg = tools.NewRegistry()
	}
	r := &Runner{
		gen:         gen,
		tools:       reg,
		maxTurns:    defaultMaxTurns,
		concurrency: defaultConcurrency,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Query runs prompt to completion. The returned Result holds the whole
// conversation even when err is ErrMaxTurns.
func (r *Runner) Query(ctx context.Context, prompt string) (*Result, error) {
	start := time.Now()
	res := &Result{Contents: []Content{{Role: RoleUser, Text: prompt}}}

	for res.Turns < r.maxTurns {
		res.Turns++
		text, calls, err := r.gen.Generate(ctx, res.Contents, r.tools.List())
		if err != nil {
			r.log.ErrorContext(ctx, "agent.generate.fail", slog.Int("turn", res.Turns), slog.String("err", err.Error()))
			return res, fmt.Errorf("generate turn %d: %w", res.Turns, err)
		}
		res.Contents = append(res.Contents, Content{Role: RoleModel, Text: text, Calls: calls})
		res.Text = text

		if len(calls) == 0 {
			r.log.InfoContext(ctx, "agent.query.ok", slog.Int("turns", res.Turns), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return res, nil
		}

		responses, err := r.dispatch(ctx, calls)
		if err != nil {
			return res, err
		}
		res.Contents = append(res.Contents, responses...)
	}

	r.log.WarnContext(ctx, "agent.query.max_turns", slog.Int("turns", res.Turns))
	return res, ErrMaxTurns
}

// dispatch runs calls concurrently. Each goroutine writes only its own slot
// of the returned slice, so the result order matches calls.
func (r *Runner) dispatch(ctx context.Context, calls []FunctionCall) ([]Content, error) {
	out := make([]Content, len(calls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for i, call := range calls {
		eg.Go(func() error {
			out[i] = Content{Role: RoleTool, Response: &FunctionResponse{
				ID:     call.ID,
				Name:   call.Name,
				Result: r.invoke(egCtx, i, call),
			}}
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// invoke never fails; dispatch errors become isError results the model
// can read.
func (r *Runner) invoke(ctx context.Context, idx int, call FunctionCall) *mcp.CallToolResult {
	start := time.Now()
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Name, Index: idx})

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	res, err := r.tools.Dispatch(ctx, tools.Call{Name: call.Name, Arguments: args})
	if err != nil {
		r.log.WarnContext(ctx, "agent.tool.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return tools.ErrorResult("%s", err.Error())
	}
	r.log.DebugContext(ctx, "agent.tool.ok", slog.Bool("is_error", res.IsError), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return res
}
