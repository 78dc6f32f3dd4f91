// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes
// the sandbox to an orchestrating agent. It uses the mark3labs/mcp-go
// library to handle the protocol details and provides three tools:
// execute_code (the full validate-execute-assemble pipeline), validate_code
// (static validation only), and create_run (workspace run directories for
// artifact persistence).
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, policy, runner, workspace)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
