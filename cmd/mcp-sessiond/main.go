// Command mcp-sessiond serves the example tool set over the MCP streaming
// HTTP transport, or over stdin/stdout with the stdio subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-session-go/examples/echo"
	"github.com/ggoodman/mcp-session-go/stdio"
	"github.com/spf13/cobra"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcp-sessiond",
		Short:         "MCP streaming HTTP session server",
		Long:          `mcp-sessiond serves MCP tools over the streaming HTTP transport. Every setting can be given as an environment variable or a flag; flags win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
	bindFlags(cmd, cfg)
	cmd.AddCommand(newStdioCmd(cfg))
	return cmd
}

func newStdioCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single session over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			h := stdio.NewHandler(echo.New(), stdio.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()), stdio.WithLogger(log))
			if err := h.Serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
