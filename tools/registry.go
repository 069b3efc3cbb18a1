package tools

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-go/mcp"
)

// Registry owns a threadsafe, ordered set of tools.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Tool

	notifier ChangeNotifier
}

// NewRegistry builds a registry pre-populated with tools. It panics on an
// invalid or duplicate tool, mirroring how static registration mistakes are
// programming errors.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a tool. Names must be non-empty and unique.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidTool)
	}
	name := t.Describe().Name
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTool)
	}

	r.mu.Lock()
	if r.byName == nil {
		r.byName = make(map[string]Tool)
	}
	if _, exists := r.byName[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.byName[name] = t
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.notifier.Notify()
	return nil
}

// Remove unregisters a tool by name. It reports whether a tool was removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	if _, ok := r.byName[name]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byName, name)
	n := 0
	for _, existing := range r.order {
		if existing == name {
			continue
		}
		r.order[n] = existing
		n++
	}
	r.order = r.order[:n]
	r.mu.Unlock()

	r.notifier.Notify()
	return true
}

// List returns the tool descriptors in registration order. The result is
// never nil.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Describe())
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subscribe returns a channel signalled whenever the tool set changes. The
// channel is closed when ctx ends.
func (r *Registry) Subscribe(ctx context.Context) <-chan struct{} {
	return r.notifier.Subscribe(ctx)
}

// Dispatch validates call, resolves the tool by exact name and invokes it.
// Arguments are validated before the lookup, so a call to an unregistered
// tool with missing or non-object arguments reports ErrInvalidArguments.
func (r *Registry) Dispatch(ctx context.Context, call Call) (res *mcp.CallToolResult, err error) {
	if call.Name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrInvalidArguments)
	}
	args := bytes.TrimSpace(call.Arguments)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return nil, fmt.Errorf("%w: missing arguments for %s", ErrInvalidArguments, call.Name)
	}
	if args[0] != '{' {
		return nil, fmt.Errorf("%w: arguments for %s must be an object", ErrInvalidArguments, call.Name)
	}

	r.mu.RLock()
	t, ok := r.byName[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &ExecutionError{Tool: call.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	res, err = t.Invoke(ctx, args)
	if err != nil {
		return nil, &ExecutionError{Tool: call.Name, Err: err}
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	return res, nil
}
