package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// WorkerFlag marks a process as a one-shot sandbox worker. main must
// dispatch on it before any other startup work so the child never loads
// configuration or opens transports.
const WorkerFlag = "--sandbox-worker"

// workerRequest is the parent-to-child protocol: the source plus the full
// effective policy, so the child needs no configuration of its own.
type workerRequest struct {
	Source         string   `json:"source"`
	TimeoutMS      int64    `json:"timeout_ms"`
	MemoryBytes    int64    `json:"memory_bytes"`
	OutputBytes    int      `json:"output_bytes"`
	MaxSteps       uint64   `json:"max_steps"`
	MaxFigures     int      `json:"max_figures"`
	AllowedModules []string `json:"allowed_modules"`
}

// RunWorker executes one sandbox request: the request is read from stdin,
// the OS memory ceiling is applied, the embedded engine runs it, and the
// terminal Outcome is written to stdout as JSON. The returned value is the
// process exit code; a non-zero code means the sandbox itself failed, not
// the executed code.
func RunWorker(stdin io.Reader, stdout, stderr io.Writer) int {
	var req workerRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		fmt.Fprintf(stderr, "decode worker request: %v\n", err)
		return 2
	}

	if err := applyMemoryLimit(req.MemoryBytes); err != nil {
		// The engine's monitor still applies; degrade, don't die.
		fmt.Fprintf(stderr, "warning: memory rlimit not applied: %v\n", err)
	}

	policy, err := workerPolicy(req)
	if err != nil {
		fmt.Fprintf(stderr, "build worker policy: %v\n", err)
		return 2
	}

	engine := NewEngine(zap.NewNop(), policy)
	outcome, err := engine.Execute(context.Background(), Request{Source: req.Source})
	if err != nil {
		fmt.Fprintf(stderr, "sandbox failure: %v\n", err)
		return 3
	}

	if err := json.NewEncoder(stdout).Encode(outcome); err != nil {
		fmt.Fprintf(stderr, "encode worker outcome: %v\n", err)
		return 2
	}
	return 0
}

// workerPolicy rebuilds the immutable policy from the wire form.
func workerPolicy(req workerRequest) (*Policy, error) {
	allowed := make(map[string]bool, len(req.AllowedModules))
	for _, name := range req.AllowedModules {
		if !knownModules[name] {
			return nil, fmt.Errorf("allowed module %q has no sandbox binding", name)
		}
		allowed[name] = true
	}
	if req.TimeoutMS <= 0 {
		return nil, fmt.Errorf("timeout_ms must be positive, got: %d", req.TimeoutMS)
	}
	if req.OutputBytes <= 0 {
		return nil, fmt.Errorf("output_bytes must be positive, got: %d", req.OutputBytes)
	}
	return &Policy{
		allowedModules:  allowed,
		dynamicNames:    defaultDynamicNames,
		capabilityNames: defaultCapabilityNames,
		timeout:         time.Duration(req.TimeoutMS) * time.Millisecond,
		maxMemoryBytes:  req.MemoryBytes,
		maxOutputBytes:  req.OutputBytes,
		maxSteps:        req.MaxSteps,
		maxFigures:      req.MaxFigures,
	}, nil
}
