// Package sandbox provides restricted execution of generated Starlark code.
//
// The sandbox package implements the security core of the server: a static
// validator that walks the syntax tree and rejects disallowed constructs
// before anything runs, a capability namespace builder that exposes only
// the whitelisted modules, an execution worker that runs validated code
// under forced wall-clock, memory, and step ceilings, and a result
// assembler that maps every terminal state to one fixed schema. Code that
// fails validation is never executed, not even partially.
//
// Two runners implement the execution boundary: InProcessRunner embeds the
// interpreter in this process (memory ceiling enforced by monitoring), and
// SubprocessRunner re-executes this binary as a one-shot worker with an OS
// resource limit applied before interpretation.
//
// The sandbox is designed for a cooperative-but-unreliable code generator.
// It is not hardened against a malicious author deliberately defeating
// process isolation.
//
// Usage:
//
//	policy, err := sandbox.NewPolicy(cfg)
//	runner, err := sandbox.NewRunner(logger, cfg, policy)
//	outcome, err := runner.Run(ctx, sandbox.Request{
//	    Source: "print(stats.mean([1, 2, 3]))",
//	})
//	response := sandbox.Assemble(outcome)
package sandbox
