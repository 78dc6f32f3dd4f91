// Package main is the entry point for the Starbox MCP server.
//
// Starbox implements a restricted code-execution sandbox behind a Model
// Context Protocol (MCP) server: generated Starlark code is statically
// validated against a capability whitelist, executed under forced
// wall-clock, memory, and step ceilings, and everything it produced
// (stdout, stderr, rendered figures) is returned as one structured record.
// The server supports both stdio and HTTP transports.
//
// When invoked with the sandbox worker flag, the binary instead runs a
// single execution request read from stdin under OS resource limits; this
// is how the subprocess backend isolates each run.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
