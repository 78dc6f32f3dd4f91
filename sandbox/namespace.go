package sandbox

import (
	"fmt"
	"sort"

	"go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// knownModules is the set of module names the builder can bind. Policy
// construction rejects any whitelisted name outside this set, so a typo in
// the configuration fails at startup instead of binding nothing.
var knownModules = map[string]bool{
	"math":  true,
	"json":  true,
	"time":  true,
	"stats": true,
	"plot":  true,
}

func knownModuleNames() []string {
	names := make([]string, 0, len(knownModules))
	for name := range knownModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildNamespace constructs the exact symbol set one execution may
// reference: the policy-whitelisted modules, nothing else. print is routed
// through the thread, and the universe builtins Starlark always provides
// (len, range, ...) carry no filesystem, process, or network capability.
// The namespace is rebuilt for every request; values created for one run
// (in particular the plot module, which is bound to the run's figure
// recorder) are never reused.
func BuildNamespace(policy *Policy, recorder *figureRecorder) (starlark.StringDict, error) {
	predeclared := make(starlark.StringDict, len(policy.allowedModules))
	for _, name := range policy.AllowedModules() {
		module, err := bindModule(name, recorder)
		if err != nil {
			return nil, err
		}
		predeclared[name] = module
	}
	return predeclared, nil
}

func bindModule(name string, recorder *figureRecorder) (*starlarkstruct.Module, error) {
	switch name {
	case "math":
		return starlarkmath.Module, nil
	case "json":
		return json.Module, nil
	case "time":
		return starlarktime.Module, nil
	case "stats":
		return newStatsModule(), nil
	case "plot":
		return newPlotModule(recorder), nil
	}
	return nil, fmt.Errorf("no binding for module %q", name)
}

// moduleLoader returns the load() implementation for one execution. It
// serves only whitelisted modules; the validator already rejects anything
// else, so a miss here means the two sets drifted and must fail loudly.
func moduleLoader(policy *Policy, recorder *figureRecorder) func(*starlark.Thread, string) (starlark.StringDict, error) {
	return func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
		if !policy.ModuleAllowed(module) {
			return nil, fmt.Errorf("module %q is not in the whitelist", module)
		}
		bound, err := bindModule(module, recorder)
		if err != nil {
			return nil, err
		}
		return bound.Members, nil
	}
}
