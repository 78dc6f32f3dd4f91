package main

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/starbox/config"
	"github.com/isdmx/starbox/logger"
	"github.com/isdmx/starbox/mcpserver"
	"github.com/isdmx/starbox/sandbox"
	"github.com/isdmx/starbox/workspace"
)

func main() {
	// The subprocess backend re-executes this binary as a one-shot worker.
	// Dispatch before fx so the worker never loads config or opens a
	// transport.
	if len(os.Args) > 1 && os.Args[1] == sandbox.WorkerFlag {
		os.Exit(sandbox.RunWorker(os.Stdin, os.Stdout, os.Stderr))
	}

	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Immutable execution policy
			sandbox.NewPolicy,

			// Sandbox runner based on config
			sandbox.NewRunner,

			// Workspace run directories
			workspace.New,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
