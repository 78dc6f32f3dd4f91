package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/starbox/config"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func testEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	return NewEngine(zaptest.NewLogger(t), testPolicy(t, mutate))
}

func TestExecuteCompleted(t *testing.T) {
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{Source: `print("hello")`})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "hello\n", outcome.Stdout)
	assert.Empty(t, outcome.Stderr)
	assert.Empty(t, outcome.Figures)
	assert.Empty(t, outcome.Findings)
	assert.Empty(t, outcome.Message)
}

func TestExecuteEmptySource(t *testing.T) {
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{Source: ""})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Empty(t, outcome.Stdout)
	assert.Empty(t, outcome.Figures)
}

func TestExecuteRejectedNeverRuns(t *testing.T) {
	engine := testEngine(t, nil)

	// The print would be observable if execution happened anyway.
	outcome, err := engine.Execute(context.Background(), Request{
		Source: "print(\"leak\")\nload(\"os\", \"path\")",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, outcome.Status)
	require.NotEmpty(t, outcome.Findings)
	assert.Empty(t, outcome.Stdout)
	assert.Zero(t, outcome.Duration)
}

func TestExecuteLoadWhitelistedModule(t *testing.T) {
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "load(\"math\", \"sqrt\")\nprint(sqrt(9.0))",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "3.0\n", outcome.Stdout)
}

func TestExecuteStatsModule(t *testing.T) {
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "print(stats.mean([1.0, 2.0, 3.0, 4.0]))\nprint(stats.median([3.0, 1.0, 2.0]))",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "2.5\n2.0\n", outcome.Stdout)
}

func TestExecuteTimedOut(t *testing.T) {
	engine := testEngine(t, func(cfg *config.Config) {
		cfg.Sandbox.TimeoutSec = 1
	})

	start := time.Now()
	outcome, err := engine.Execute(context.Background(), Request{
		Source: "while True:\n    pass",
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, outcome.Status)
	assert.Less(t, elapsed, 5*time.Second)
	assert.NotEmpty(t, outcome.Message)
}

func TestExecuteTimeoutOverride(t *testing.T) {
	t.Run("SmallerOverrideApplies", func(t *testing.T) {
		engine := testEngine(t, nil) // policy budget is 5s

		start := time.Now()
		outcome, err := engine.Execute(context.Background(), Request{
			Source:  "while True:\n    pass",
			Timeout: 300 * time.Millisecond,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, outcome.Status)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("LargerOverrideIsClamped", func(t *testing.T) {
		engine := testEngine(t, func(cfg *config.Config) {
			cfg.Sandbox.TimeoutSec = 1
		})

		start := time.Now()
		outcome, err := engine.Execute(context.Background(), Request{
			Source:  "while True:\n    pass",
			Timeout: 30 * time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, outcome.Status)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestExecuteContextCancellation(t *testing.T) {
	engine := testEngine(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	outcome, err := engine.Execute(ctx, Request{Source: "while True:\n    pass"})
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, outcome.Status)
}

func TestExecuteMemoryCeiling(t *testing.T) {
	engine := testEngine(t, func(cfg *config.Config) {
		cfg.Sandbox.MemoryMB = 32
		cfg.Sandbox.TimeoutSec = 20
	})

	// Retains every chunk so the heap growth is real, not transient.
	outcome, err := engine.Execute(context.Background(), Request{
		Source: "chunks = []\nfor i in range(4096):\n    chunks.append(\"x\" * (1 << 20))",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResourceExceeded, outcome.Status)
	assert.Equal(t, LimitMemory, outcome.Limit)
	assert.Contains(t, outcome.Message, "memory")
}

func TestExecuteStepBudget(t *testing.T) {
	engine := testEngine(t, func(cfg *config.Config) {
		cfg.Sandbox.MaxSteps = 10_000
	})

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "i = 0\nwhile i < 10000000:\n    i += 1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResourceExceeded, outcome.Status)
	assert.Equal(t, LimitSteps, outcome.Limit)
	assert.Contains(t, outcome.Message, "steps")
}

func TestExecuteRuntimeFailure(t *testing.T) {
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "def divide(a, b):\n    return a // b\nprint(divide(1, 0))",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRuntimeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "division by zero")
	assert.Contains(t, outcome.Trace, "snippet.star")
	assert.Contains(t, outcome.Trace, "in divide")
	// No interpreter internals leak into the traceback.
	assert.NotContains(t, outcome.Trace, ".go")
}

func TestExecuteRuntimeFailureKeepsOutput(t *testing.T) {
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "print(\"before\")\nfail(\"boom\")",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRuntimeFailure, outcome.Status)
	assert.Equal(t, "before\n", outcome.Stdout)
	assert.Contains(t, outcome.Message, "boom")
}

func TestExecuteFigures(t *testing.T) {
	engine := testEngine(t, nil)

	source := strings.Join([]string{
		`f1 = plot.figure(title = "lines", xlabel = "x", ylabel = "y")`,
		`f1.line([1.0, 2.0, 3.0], [1.0, 4.0, 9.0], label = "sq")`,
		`f2 = plot.figure()`,
		`f2.scatter([1.0, 2.0], [2.0, 1.0])`,
		`f3 = plot.figure(title = "bars")`,
		`f3.bar([3.0, 1.0, 2.0], ["a", "b", "c"])`,
	}, "\n")

	outcome, err := engine.Execute(context.Background(), Request{Source: source})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status, "stderr: %s", outcome.Stderr)
	require.Len(t, outcome.Figures, 3)
	for i, figure := range outcome.Figures {
		assert.Equal(t, i, figure.SequenceIndex)
		assert.Equal(t, "png", figure.Encoding)
		assert.True(t, bytes.HasPrefix(figure.PNG, pngMagic), "figure %d is not a PNG", i)
	}
}

func TestExecuteHistogram(t *testing.T) {
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "f = plot.figure(title = \"dist\")\nf.hist([1.0, 1.0, 2.0, 3.0, 3.0, 3.0], bins = 3)",
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Len(t, outcome.Figures, 1)
	assert.True(t, bytes.HasPrefix(outcome.Figures[0].PNG, pngMagic))
}

func TestExecuteFigureLimit(t *testing.T) {
	engine := testEngine(t, func(cfg *config.Config) {
		cfg.Sandbox.MaxFigures = 1
	})

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "plot.figure()\nplot.figure()",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRuntimeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "figure limit")
}

func TestExecuteTimedOutHasNoFigures(t *testing.T) {
	engine := testEngine(t, func(cfg *config.Config) {
		cfg.Sandbox.TimeoutSec = 1
	})

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "plot.figure(title = \"never rendered\")\nwhile True:\n    pass",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, outcome.Status)
	assert.Empty(t, outcome.Figures)
}

func TestExecuteOutputTruncation(t *testing.T) {
	engine := testEngine(t, func(cfg *config.Config) {
		cfg.Sandbox.MaxOutputKB = 1
	})

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "for i in range(1000):\n    print(\"0123456789\" * 10)",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.True(t, strings.HasSuffix(outcome.Stdout, truncationMarker))
	assert.LessOrEqual(t, len(outcome.Stdout), 1024+len(truncationMarker))
}

func TestExecuteDeterministic(t *testing.T) {
	engine := testEngine(t, nil)

	source := strings.Join([]string{
		`print(stats.linreg([1.0, 2.0, 3.0], [2.0, 4.0, 6.0]))`,
		`f = plot.figure(title = "repeatable")`,
		`f.line([0.0, 1.0], [0.0, 1.0])`,
	}, "\n")

	first, err := engine.Execute(context.Background(), Request{Source: source})
	require.NoError(t, err)
	second, err := engine.Execute(context.Background(), Request{Source: source})
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, first.Stdout, second.Stdout)
	require.Len(t, first.Figures, 1)
	require.Len(t, second.Figures, 1)
	assert.Equal(t, first.Figures[0].PNG, second.Figures[0].PNG)
}

func TestExecuteConcurrentIsolation(t *testing.T) {
	engine := testEngine(t, nil)

	const workers = 4
	outcomes := make([]Outcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = engine.Execute(context.Background(), Request{
				Source: fmt.Sprintf(`print("worker-%d")`, i),
			})
		}(i)
	}
	wg.Wait()

	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		assert.Equal(t, StatusCompleted, outcome.Status)
		assert.Equal(t, fmt.Sprintf("worker-%d\n", i), outcome.Stdout)
	}
}

func TestExecuteBlockedModuleAtRuntime(t *testing.T) {
	// The time module is known to the binder but absent from this policy's
	// whitelist, so it must be invisible both to load and as a bare name.
	engine := testEngine(t, nil)

	outcome, err := engine.Execute(context.Background(), Request{
		Source: "load(\"time\", \"now\")",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, outcome.Status)

	outcome, err = engine.Execute(context.Background(), Request{
		Source: "print(time)",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRuntimeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "time")
}
