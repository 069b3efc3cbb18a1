// Package tools is the tool handler dispatcher: an open registry mapping a
// tool name to a capability that can describe itself and be invoked.
//
// A deployment registers its tools at startup; the core ships none.
//
//	type GreetArgs struct {
//	    Name string `json:"name" jsonschema:"minLength=1,description=Who to greet"`
//	}
//
//	greet := tools.NewTool("greet", func(ctx context.Context, w tools.ResponseWriter, r *tools.Request[GreetArgs]) error {
//	    return w.AppendText("hello " + r.Args().Name)
//	}, tools.WithDescription("Say hello."))
//
//	reg := tools.NewRegistry()
//	if err := reg.Register(greet); err != nil { ... }
//
// Dispatch resolves names by exact match and reports ErrToolNotFound,
// ErrInvalidArguments or an *ExecutionError. A failing or panicking handler
// never escapes Dispatch.
package tools
