package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/starbox/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
		Sandbox: config.SandboxConfig{
			Backend:        "inprocess",
			TimeoutSec:     5,
			MemoryMB:       256,
			MaxOutputKB:    64,
			MaxSteps:       0,
			MaxFigures:     8,
			AllowedModules: []string{"math", "json", "stats", "plot"},
		},
		Workspace: config.WorkspaceConfig{RunsDir: "./runs"},
	}
}

func testPolicy(t *testing.T, mutate func(*config.Config)) *Policy {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	policy, err := NewPolicy(cfg)
	require.NoError(t, err)
	return policy
}

func TestValidateCleanSource(t *testing.T) {
	policy := testPolicy(t, nil)

	sources := map[string]string{
		"print":         `print("hello")`,
		"arithmetic":    "x = 1 + 2\nprint(x)",
		"stats":         "print(stats.mean([1.0, 2.0, 3.0]))",
		"allowed_load":  `load("math", "sqrt")`,
		"function":      "def double(x):\n    return 2 * x\nprint(double(21))",
		"while_loop":    "i = 0\nwhile i < 3:\n    i += 1\nprint(i)",
		"comprehension": "print([x * x for x in range(5)])",
	}

	for name, source := range sources {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, Validate(source, policy))
		})
	}
}

func TestValidateDisallowedImport(t *testing.T) {
	policy := testPolicy(t, nil)

	findings := Validate(`load("os", "path")`, policy)
	require.Len(t, findings, 1)
	assert.Equal(t, FindingDisallowedImport, findings[0].Kind)
	assert.Equal(t, "1:1", findings[0].Location())
	assert.Contains(t, findings[0].Detail, `"os"`)
}

func TestValidateSubmodulePrefix(t *testing.T) {
	policy := testPolicy(t, nil)

	t.Run("DeclaredSubmoduleAllowed", func(t *testing.T) {
		assert.True(t, policy.ModuleAllowed("math/bits"))
		assert.True(t, policy.ModuleAllowed("math.bits"))
	})

	t.Run("PrefixWithoutSeparatorRejected", func(t *testing.T) {
		assert.False(t, policy.ModuleAllowed("mathx"))
		findings := Validate(`load("mathx", "sqrt")`, policy)
		require.Len(t, findings, 1)
		assert.Equal(t, FindingDisallowedImport, findings[0].Kind)
	})
}

func TestValidateDynamicEvaluation(t *testing.T) {
	policy := testPolicy(t, nil)

	t.Run("GetattrCall", func(t *testing.T) {
		findings := Validate(`getattr(stats, "mean")`, policy)
		require.NotEmpty(t, findings)
		assert.Equal(t, FindingForbiddenSyntax, findings[0].Kind)
		assert.Contains(t, findings[0].Detail, "getattr")
	})

	t.Run("BareReferenceCapturedByClosure", func(t *testing.T) {
		// A closure capturing the builtin is as dangerous as a call.
		findings := Validate("g = getattr\ndef sneak(obj, name):\n    return g(obj, name)", policy)
		require.NotEmpty(t, findings)
		assert.Equal(t, FindingForbiddenSyntax, findings[0].Kind)
	})

	t.Run("Hasattr", func(t *testing.T) {
		assert.NotEmpty(t, Validate(`hasattr(stats, "mean")`, policy))
	})

	t.Run("Dir", func(t *testing.T) {
		assert.NotEmpty(t, Validate(`print(dir(stats))`, policy))
	})
}

func TestValidatePrivateAttribute(t *testing.T) {
	policy := testPolicy(t, nil)

	t.Run("Underscore", func(t *testing.T) {
		findings := Validate("x = [1, 2]\nx._secret", policy)
		require.Len(t, findings, 1)
		assert.Equal(t, FindingDisallowedAttribute, findings[0].Kind)
		assert.Equal(t, int32(2), findings[0].Line)
	})

	t.Run("Dunder", func(t *testing.T) {
		findings := Validate("stats.__class__", policy)
		require.Len(t, findings, 1)
		assert.Equal(t, FindingDisallowedAttribute, findings[0].Kind)
	})

	t.Run("PrivateLoadSymbol", func(t *testing.T) {
		findings := Validate(`load("math", "_internal")`, policy)
		require.NotEmpty(t, findings)
		hasAttrFinding := false
		for _, finding := range findings {
			if finding.Kind == FindingDisallowedAttribute {
				hasAttrFinding = true
			}
		}
		assert.True(t, hasAttrFinding)
	})

	t.Run("PlainUnderscoreVariableAllowed", func(t *testing.T) {
		assert.Empty(t, Validate("_tmp = 1\nprint(_tmp)", policy))
	})
}

func TestValidateCapabilityNames(t *testing.T) {
	policy := testPolicy(t, nil)

	for _, name := range []string{"os", "sys", "open", "socket", "subprocess"} {
		t.Run(name, func(t *testing.T) {
			findings := Validate("x = "+name, policy)
			require.NotEmpty(t, findings)
			assert.Equal(t, FindingForbiddenSyntax, findings[0].Kind)
			assert.Contains(t, findings[0].Detail, name)
		})
	}
}

func TestValidateWhileLoopBody(t *testing.T) {
	policy := testPolicy(t, nil)

	t.Run("CleanWhileAccepted", func(t *testing.T) {
		source := "n = 0\nwhile n < 10:\n    if n % 2 == 0:\n        n += 2\n    else:\n        n += 1\nprint(n)"
		assert.Empty(t, Validate(source, policy))
	})

	t.Run("ViolationInsideWhileIsFound", func(t *testing.T) {
		findings := Validate("while True:\n    x = open", policy)
		require.Len(t, findings, 1)
		assert.Equal(t, FindingForbiddenSyntax, findings[0].Kind)
		assert.Equal(t, int32(2), findings[0].Line)
	})

	t.Run("ViolationInWhileCondition", func(t *testing.T) {
		findings := Validate("while hasattr(stats, \"mean\"):\n    pass", policy)
		require.NotEmpty(t, findings)
		assert.Equal(t, FindingForbiddenSyntax, findings[0].Kind)
	})
}

func TestValidateNestedConstructs(t *testing.T) {
	policy := testPolicy(t, nil)

	t.Run("CleanNesting", func(t *testing.T) {
		sources := map[string]string{
			"dict_comprehension": `print({x: x * x for x in range(3) if x > 0})`,
			"lambda":             "f = lambda x: x + 1\nprint(f(1))",
			"slice":              "xs = [1, 2, 3, 4]\nprint(xs[1:3])",
			"conditional":        "x = 1 if len([1]) > 0 else 2",
			"nested_def":         "def outer(x):\n    def inner(y):\n        return y * 2\n    return inner(x)\nprint(outer(3))",
		}
		for name, source := range sources {
			t.Run(name, func(t *testing.T) {
				assert.Empty(t, Validate(source, policy))
			})
		}
	})

	t.Run("ViolationsInsideNesting", func(t *testing.T) {
		sources := map[string]string{
			"in_comprehension": `print([getattr(x, "y") for x in [1]])`,
			"in_lambda":        "f = lambda x: dir(x)",
			"in_dict_value":    `d = {"k": stats._hidden}`,
			"in_slice_bound":   "xs = [1]\nprint(xs[eval:1])",
			"in_return":        "def f():\n    return __import__",
		}
		for name, source := range sources {
			t.Run(name, func(t *testing.T) {
				assert.NotEmpty(t, Validate(source, policy), "source: %s", source)
			})
		}
	})
}

func TestValidateSyntaxError(t *testing.T) {
	policy := testPolicy(t, nil)

	findings := Validate("def broken(:\n", policy)
	require.Len(t, findings, 1)
	assert.Equal(t, FindingForbiddenSyntax, findings[0].Kind)
	assert.Contains(t, findings[0].Detail, "syntax error")
	assert.NotZero(t, findings[0].Line)
}

func TestValidateReportsAllFindings(t *testing.T) {
	policy := testPolicy(t, nil)

	source := "load(\"os\", \"path\")\nx = open\ny = stats.__dict__"
	findings := Validate(source, policy)
	require.Len(t, findings, 3)

	kinds := map[FindingKind]int{}
	for _, finding := range findings {
		kinds[finding.Kind]++
	}
	assert.Equal(t, 1, kinds[FindingDisallowedImport])
	assert.Equal(t, 1, kinds[FindingForbiddenSyntax])
	assert.Equal(t, 1, kinds[FindingDisallowedAttribute])
}
