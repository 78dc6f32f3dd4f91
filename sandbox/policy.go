package sandbox

import (
	"fmt"
	"sort"
	"time"

	"github.com/isdmx/starbox/config"
)

// LimitKind identifies which resource ceiling ended an execution.
type LimitKind string

// Limit kinds
const (
	LimitMemory LimitKind = "memory"
	LimitSteps  LimitKind = "steps"
)

// Policy is the immutable sandbox configuration: the module whitelist, the
// forbidden-construct sets, and all resource ceilings. A Policy is built
// once at startup and shared read-only across concurrent executions; it has
// no setters and no mutable state, so concurrent reads need no
// synchronization.
type Policy struct {
	allowedModules map[string]bool
	dynamicNames   map[string]bool
	capabilityNames map[string]bool

	timeout        time.Duration
	maxMemoryBytes int64
	maxOutputBytes int
	maxSteps       uint64
	maxFigures     int
}

// Builtins whose only purpose is dynamic name or attribute resolution.
// Rejecting every reference (not just calls) also catches closures that
// capture them for later use.
var defaultDynamicNames = map[string]bool{
	"getattr":    true,
	"setattr":    true,
	"hasattr":    true,
	"dir":        true,
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"__import__": true,
}

// Names that belong to filesystem, process, network, or host-import
// capabilities. None of them resolve to anything inside the sandbox, but
// rejecting them statically keeps the error pre-execution and exact.
var defaultCapabilityNames = map[string]bool{
	"os":         true,
	"sys":        true,
	"io":         true,
	"open":       true,
	"file":       true,
	"socket":     true,
	"subprocess": true,
	"importlib":  true,
	"shutil":     true,
	"pathlib":    true,
}

// NewPolicy builds the immutable execution policy from the loaded
// configuration. Every whitelisted module name must have a known binding in
// the capability namespace builder; an unknown name is a startup error, not
// a silently empty binding.
func NewPolicy(cfg *config.Config) (*Policy, error) {
	allowed := make(map[string]bool, len(cfg.Sandbox.AllowedModules))
	for _, name := range cfg.Sandbox.AllowedModules {
		if !knownModules[name] {
			return nil, fmt.Errorf("allowed module %q has no sandbox binding (known: %v)", name, knownModuleNames())
		}
		allowed[name] = true
	}

	return &Policy{
		allowedModules:  allowed,
		dynamicNames:    defaultDynamicNames,
		capabilityNames: defaultCapabilityNames,
		timeout:         time.Duration(cfg.Sandbox.TimeoutSec) * time.Second,
		maxMemoryBytes:  int64(cfg.Sandbox.MemoryMB) * 1024 * 1024,
		maxOutputBytes:  cfg.Sandbox.MaxOutputKB * 1024,
		maxSteps:        cfg.Sandbox.MaxSteps,
		maxFigures:      cfg.Sandbox.MaxFigures,
	}, nil
}

// Timeout returns the wall-clock execution budget.
func (p *Policy) Timeout() time.Duration { return p.timeout }

// MaxMemoryBytes returns the memory ceiling in bytes.
func (p *Policy) MaxMemoryBytes() int64 { return p.maxMemoryBytes }

// MaxOutputBytes returns the per-stream output buffer cap in bytes.
func (p *Policy) MaxOutputBytes() int { return p.maxOutputBytes }

// MaxSteps returns the interpreter step budget (0 disables it).
func (p *Policy) MaxSteps() uint64 { return p.maxSteps }

// MaxFigures returns the per-execution figure cap (0 disables it).
func (p *Policy) MaxFigures() int { return p.maxFigures }

// ModuleAllowed reports whether a load() target is whitelisted, either by
// exact name or as a declared submodule of a whitelisted name.
func (p *Policy) ModuleAllowed(name string) bool {
	if p.allowedModules[name] {
		return true
	}
	for allowed := range p.allowedModules {
		if len(name) > len(allowed) && name[:len(allowed)] == allowed &&
			(name[len(allowed)] == '/' || name[len(allowed)] == '.') {
			return true
		}
	}
	return false
}

// AllowedModules returns the whitelisted module names in sorted order.
func (p *Policy) AllowedModules() []string {
	names := make([]string, 0, len(p.allowedModules))
	for name := range p.allowedModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
