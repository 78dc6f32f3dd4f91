package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// Request is one code-execution request. It is owned exclusively by the
// call that issued it and discarded once the Outcome is produced. A zero
// Timeout uses the policy's wall-clock budget; a non-zero Timeout is only
// honored if it is smaller than the policy's.
type Request struct {
	Source  string
	Timeout time.Duration
}

// Engine validates and executes one request at a time inside an embedded
// interpreter. Each Execute call builds its own namespace, output buffers,
// and figure recorder; concurrent calls share nothing but the read-only
// Policy.
//
// Enforcement is non-cooperative: a watchdog goroutine force-cancels the
// interpreter thread when the wall-clock deadline or the memory ceiling is
// hit, since executed code cannot be trusted to check a flag. The memory
// ceiling is best-effort in-process: the watchdog samples whole-process
// heap growth against the request's baseline, so concurrent executions can
// blur attribution and a single enormous allocation can land before the
// next sample. The subprocess runner exists for workloads that need the
// ceiling enforced by the operating system instead.
type Engine struct {
	logger *zap.Logger
	policy *Policy
}

// NewEngine creates an execution engine bound to an immutable policy.
func NewEngine(logger *zap.Logger, policy *Policy) *Engine {
	return &Engine{logger: logger, policy: policy}
}

// Watchdog cancellation causes, recorded before the thread is cancelled so
// outcome mapping never depends on parsing interpreter error strings.
const (
	causeNone int32 = iota
	causeTimeout
	causeMemory
)

const watchdogInterval = 25 * time.Millisecond

// memorySampleEvery throttles ReadMemStats, which stops the world.
const memorySampleEvery = 4

// Execute runs the full pipeline for one request: validate, build the
// namespace, run under the watchdog, and map the result to a terminal
// Outcome. The returned error is reserved for system-level failures (the
// sandbox itself could not be constructed or panicked internally); every
// failure of the executed code is data in the Outcome.
func (e *Engine) Execute(ctx context.Context, req Request) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox internal panic: %v", r)
		}
	}()

	if findings := Validate(req.Source, e.policy); len(findings) > 0 {
		e.logger.Info("code rejected by validator", zap.Int("findings", len(findings)))
		return NewRejected(findings), nil
	}

	stdout := newBoundedBuffer(e.policy.MaxOutputBytes())
	stderr := newBoundedBuffer(e.policy.MaxOutputBytes())
	recorder := newFigureRecorder(e.policy.MaxFigures(), stderr)

	predeclared, err := BuildNamespace(e.policy, recorder)
	if err != nil {
		return Outcome{}, fmt.Errorf("construct execution namespace: %w", err)
	}

	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg + "\n")
		},
		Load: moduleLoader(e.policy, recorder),
	}
	if e.policy.MaxSteps() > 0 {
		thread.SetMaxExecutionSteps(e.policy.MaxSteps())
	}

	timeout := e.policy.Timeout()
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	var cause atomic.Int32
	done := make(chan struct{})
	go e.watchdog(ctx, thread, timeout, &cause, done)

	start := time.Now()
	_, execErr := starlark.ExecFileOptions(fileOptions(), thread, sourceFilename, req.Source, predeclared)
	duration := time.Since(start)
	close(done)

	switch {
	case execErr == nil:
		return NewCompleted(stdout.String(), stderr.String(), recorder.render(), duration), nil

	case cause.Load() == causeTimeout:
		e.logger.Warn("execution timed out", zap.Duration("timeout", timeout), zap.Duration("duration", duration))
		return NewTimedOut(stdout.String(), stderr.String(), duration), nil

	case cause.Load() == causeMemory:
		e.logger.Warn("execution exceeded memory ceiling", zap.Int64("ceiling_bytes", e.policy.MaxMemoryBytes()))
		return NewResourceExceeded(LimitMemory, stdout.String(), stderr.String(), duration), nil

	case e.policy.MaxSteps() > 0 && thread.ExecutionSteps() >= e.policy.MaxSteps():
		e.logger.Warn("execution exceeded step budget", zap.Uint64("max_steps", e.policy.MaxSteps()))
		return NewResourceExceeded(LimitSteps, stdout.String(), stderr.String(), duration), nil

	default:
		message, trace := describeError(execErr)
		return NewRuntimeFailure(message, trace, stdout.String(), stderr.String(), duration), nil
	}
}

// watchdog enforces the wall-clock deadline and the best-effort memory
// ceiling from outside the interpreter. Thread.Cancel preempts the
// interpreter between steps, which terminates even a busy loop; the cause
// is recorded first so the outcome mapping is exact.
func (e *Engine) watchdog(ctx context.Context, thread *starlark.Thread, timeout time.Duration, cause *atomic.Int32, done <-chan struct{}) {
	deadline := time.Now().Add(timeout)
	baseline := heapInUse()
	ceiling := e.policy.MaxMemoryBytes()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			cause.CompareAndSwap(causeNone, causeTimeout)
			thread.Cancel("request context cancelled")
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				cause.CompareAndSwap(causeNone, causeTimeout)
				thread.Cancel("wall-clock deadline exceeded")
				return
			}
			ticks++
			if ceiling > 0 && ticks%memorySampleEvery == 0 {
				if heapInUse()-baseline > ceiling {
					cause.CompareAndSwap(causeNone, causeMemory)
					thread.Cancel("memory ceiling exceeded")
					return
				}
			}
		}
	}
}

func heapInUse() int64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.HeapAlloc)
}

// describeError maps an interpreter error to a message and a cleaned
// traceback containing only frames from the executed source. Static
// resolution errors carry no stack.
func describeError(execErr error) (message, trace string) {
	evalErr, ok := execErr.(*starlark.EvalError)
	if !ok {
		return execErr.Error(), ""
	}
	return evalErr.Msg, cleanTrace(evalErr)
}

// cleanTrace renders the call stack with every non-user frame stripped, so
// the caller sees only the generated code's stack.
func cleanTrace(evalErr *starlark.EvalError) string {
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	for _, frame := range evalErr.CallStack {
		if frame.Pos.Filename() != sourceFilename {
			continue
		}
		fmt.Fprintf(&b, "  %s:%d:%d: in %s\n", sourceFilename, frame.Pos.Line, frame.Pos.Col, frame.Name)
	}
	b.WriteString("Error: " + evalErr.Msg)
	return b.String()
}
