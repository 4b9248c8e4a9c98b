package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	rapidpro "github.com/istresearch/rapidpro-sub000"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes flow reporting (run stats, result categories, path activity and
recent runs) as MCP tools over the configured stores.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		if dir, _ := cmd.Flags().GetString("flows"); dir != "" {
			if _, err := importFlows(ctx, app.Engine, dir); err != nil {
				return err
			}
		}

		// logs go to stderr so they never corrupt JSON-RPC on stdout
		srv := mcp.NewServer(app.Engine, rapidpro.Version, mcp.WithLogger(app.Logger))
		switch transport {
		case "stdio":
			app.Logger.Info("starting MCP server (stdio)")
			return srv.ServeStdio()
		case "sse":
			addr := fmt.Sprintf(":%d", port)
			return srv.ServeSSE(ctx, addr, fmt.Sprintf("http://localhost:%d", port))
		default:
			return fmt.Errorf("unknown transport %q (want stdio or sse)", transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().String("transport", "stdio", "Transport to use: stdio or sse")
	mcpCmd.Flags().Int("port", 8081, "Port for the SSE transport")
	mcpCmd.Flags().String("flows", "", "Directory of flow definitions (*.json) to import at startup")
}
