package tools

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/invopop/jsonschema"
)

// Request is the container for typed tool input. It is generic over the
// argument struct A.
type Request[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *Request[A]) Name() string                  { return r.name }
func (r *Request[A]) RawArguments() json.RawMessage { return r.raw }
func (r *Request[A]) Args() A                       { return r.args }

// HandlerFunc is the writer-based handler shape used by NewTool.
type HandlerFunc[A any] func(ctx context.Context, w ResponseWriter, r *Request[A]) error

// Option configures NewTool behavior.
type Option func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false
// and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// TypedTool is a Tool with a reflected input schema and strict decoding of
// its arguments into A.
type TypedTool[A any] struct {
	desc mcp.Tool
	cfg  toolConfig
	fn   HandlerFunc[A]
}

// NewTool constructs a writer-based tool with typed input A. It reflects a
// JSON Schema from A using invopop/jsonschema, down-converts it to the MCP
// input schema, and decodes arguments strictly unless
// WithAllowAdditionalProperties(true) is given. Argument decoding failures
// are reported as failure-shaped results rather than errors.
func NewTool[A any](name string, fn HandlerFunc[A], opts ...Option) *TypedTool[A] {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TypedTool[A]{
		desc: mcp.Tool{
			Name:        name,
			Description: cfg.description,
			InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		},
		cfg: cfg,
		fn:  fn,
	}
}

func (t *TypedTool[A]) Describe() mcp.Tool { return t.desc }

func (t *TypedTool[A]) Invoke(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	var a A
	if len(args) > 0 {
		dec := json.NewDecoder(bytes.NewReader(args))
		if !t.cfg.allowAdditionalProperties {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(&a); err != nil {
			return ErrorResult("invalid arguments: %v", err), nil
		}
	}
	w := newResponseWriter(ctx)
	r := &Request[A]{name: t.desc.Name, raw: args, args: a}
	if err := t.fn(ctx, w, r); err != nil {
		return nil, err
	}
	return w.Result(), nil
}

// reflectInputSchema reflects a Go type A into the simplified
// mcp.ToolInputSchema. Non-object types become an empty object schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema to the simplified
// mcp.SchemaProperty.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
