package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/starbox/config"
)

// Runner is the execution boundary consumed by the MCP layer. Run blocks
// until the request reaches a terminal state; the caller is expected to
// invoke it off its primary control path and await the bounded result.
// The returned error is reserved for system-level sandbox failures; every
// property of the executed code is data in the Outcome.
type Runner interface {
	Run(ctx context.Context, req Request) (Outcome, error)
}

// NewRunner creates the sandbox runner selected by the configuration.
func NewRunner(logger *zap.Logger, cfg *config.Config, policy *Policy) (Runner, error) {
	switch cfg.Sandbox.Backend {
	case "inprocess":
		return NewInProcessRunner(logger, policy), nil
	case "subprocess":
		return NewSubprocessRunner(logger, policy)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// InProcessRunner executes requests in this process's embedded
// interpreter. Fast and portable; the memory ceiling is the engine's
// best-effort monitor rather than an OS limit.
type InProcessRunner struct {
	engine *Engine
}

// NewInProcessRunner creates the in-process runner.
func NewInProcessRunner(logger *zap.Logger, policy *Policy) *InProcessRunner {
	return &InProcessRunner{engine: NewEngine(logger, policy)}
}

// Run executes the request in the embedded interpreter.
func (r *InProcessRunner) Run(ctx context.Context, req Request) (Outcome, error) {
	return r.engine.Execute(ctx, req)
}
