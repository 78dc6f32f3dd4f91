package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// workerGrace is how long past the child's own deadline the parent waits
// before killing the process. The child enforces the wall clock itself;
// the parent kill is a backstop for a wedged worker.
const workerGrace = 2 * time.Second

// SubprocessRunner executes each request in a freshly spawned worker
// process: this same binary re-executed with the worker flag. The child
// applies the memory ceiling through the operating system (RLIMIT_AS on
// unix) before interpreting anything, and the parent force-kills the
// process if it outlives its deadline, so termination never depends on
// the worker cooperating.
type SubprocessRunner struct {
	logger     *zap.Logger
	policy     *Policy
	executable string
}

// NewSubprocessRunner creates the subprocess runner.
func NewSubprocessRunner(logger *zap.Logger, policy *Policy) (*SubprocessRunner, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}
	return &SubprocessRunner{logger: logger, policy: policy, executable: executable}, nil
}

// Run validates in the parent (a rejected request never spawns a process),
// then delegates execution to a one-shot worker child.
func (r *SubprocessRunner) Run(ctx context.Context, req Request) (Outcome, error) {
	if findings := Validate(req.Source, r.policy); len(findings) > 0 {
		r.logger.Info("code rejected by validator", zap.Int("findings", len(findings)))
		return NewRejected(findings), nil
	}

	timeout := r.policy.Timeout()
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	payload, err := json.Marshal(workerRequest{
		Source:         req.Source,
		TimeoutMS:      timeout.Milliseconds(),
		MemoryBytes:    r.policy.MaxMemoryBytes(),
		OutputBytes:    r.policy.MaxOutputBytes(),
		MaxSteps:       r.policy.MaxSteps(),
		MaxFigures:     r.policy.MaxFigures(),
		AllowedModules: r.policy.AllowedModules(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode worker request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout+workerGrace)
	defer cancel()

	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.executable, WorkerFlag)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		// The worker outlived its own deadline and had to be killed from
		// outside; its buffered output died with it.
		r.logger.Warn("worker killed after exceeding deadline", zap.Duration("timeout", timeout))
		return NewTimedOut("", "", duration), nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && oomKilled(errOut.String()) {
			// The OS memory ceiling ended the worker before it could report.
			r.logger.Warn("worker killed by memory ceiling", zap.Int64("ceiling_bytes", r.policy.MaxMemoryBytes()))
			return NewResourceExceeded(LimitMemory, "", "", duration), nil
		}
		return Outcome{}, fmt.Errorf("sandbox worker failed: %w: %s", runErr, strings.TrimSpace(errOut.String()))
	}

	var outcome Outcome
	if err := json.Unmarshal(out.Bytes(), &outcome); err != nil {
		return Outcome{}, fmt.Errorf("decode worker outcome: %w", err)
	}
	return outcome, nil
}

// oomKilled recognizes the runtime's fatal allocation failures in the
// worker's stderr.
func oomKilled(stderr string) bool {
	return strings.Contains(stderr, "out of memory") ||
		strings.Contains(stderr, "cannot allocate memory")
}
