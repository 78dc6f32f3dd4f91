package sandbox

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// newStatsModule builds the stats module: descriptive statistics over
// numeric sequences, backed by gonum. The module is stateless, but a fresh
// value is built per execution like every other namespace entry.
func newStatsModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "stats",
		Members: starlark.StringDict{
			"mean":        starlark.NewBuiltin("stats.mean", statsUnary(stat.Mean)),
			"stdev":       starlark.NewBuiltin("stats.stdev", statsUnary(stat.StdDev)),
			"variance":    starlark.NewBuiltin("stats.variance", statsUnary(stat.Variance)),
			"median":      starlark.NewBuiltin("stats.median", statsMedian),
			"sum":         starlark.NewBuiltin("stats.sum", statsSum),
			"min":         starlark.NewBuiltin("stats.min", statsMin),
			"max":         starlark.NewBuiltin("stats.max", statsMax),
			"correlation": starlark.NewBuiltin("stats.correlation", statsCorrelation),
			"linreg":      starlark.NewBuiltin("stats.linreg", statsLinreg),
		},
	}
}

// statsUnary adapts a gonum one-sample statistic to a Starlark builtin.
func statsUnary(fn func(xs, weights []float64) float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		xs, err := unaryFloats(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		return starlark.Float(fn(xs, nil)), nil
	}
}

func statsMedian(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := unaryFloats(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return starlark.Float(stat.Quantile(0.5, stat.Empirical, sorted, nil)), nil
}

func statsSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xsv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &xsv); err != nil {
		return nil, err
	}
	xs, err := floatSlice(xsv)
	if err != nil {
		return nil, err
	}
	return starlark.Float(floats.Sum(xs)), nil
}

func statsMin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := unaryFloats(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Float(floats.Min(xs)), nil
}

func statsMax(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := unaryFloats(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Float(floats.Max(xs)), nil
}

func statsCorrelation(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, ys, err := binaryFloats(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Float(stat.Correlation(xs, ys, nil)), nil
}

// statsLinreg returns (intercept, slope) of an ordinary least squares fit.
func statsLinreg(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, ys, err := binaryFloats(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	return starlark.Tuple{starlark.Float(alpha), starlark.Float(beta)}, nil
}

func unaryFloats(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) ([]float64, error) {
	var xsv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &xsv); err != nil {
		return nil, err
	}
	xs, err := floatSlice(xsv)
	if err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("%s: empty sequence", b.Name())
	}
	return xs, nil
}

func binaryFloats(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (xs, ys []float64, err error) {
	var xsv, ysv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &xsv, &ysv); err != nil {
		return nil, nil, err
	}
	if xs, err = floatSlice(xsv); err != nil {
		return nil, nil, err
	}
	if ys, err = floatSlice(ysv); err != nil {
		return nil, nil, err
	}
	if len(xs) == 0 {
		return nil, nil, fmt.Errorf("%s: empty sequence", b.Name())
	}
	if len(xs) != len(ys) {
		return nil, nil, fmt.Errorf("%s: sequences have different lengths: %d vs %d", b.Name(), len(xs), len(ys))
	}
	return xs, ys, nil
}

// floatSlice converts any iterable of numbers to []float64.
func floatSlice(v starlark.Value) ([]float64, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("expected an iterable of numbers, got %s", v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var out []float64
	var elem starlark.Value
	for iter.Next(&elem) {
		f, ok := starlark.AsFloat(elem)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %s", elem.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

// stringSlice converts any iterable of strings to []string.
func stringSlice(v starlark.Value) ([]string, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("expected an iterable of strings, got %s", v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var out []string
	var elem starlark.Value
	for iter.Next(&elem) {
		s, ok := starlark.AsString(elem)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %s", elem.Type())
		}
		out = append(out, s)
	}
	return out, nil
}
