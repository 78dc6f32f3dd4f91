package sandbox

import (
	"bytes"
	"fmt"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Figure is one rendered chart, immutable once captured. SequenceIndex is
// the creation order within the execution, starting at zero.
type Figure struct {
	SequenceIndex int    `json:"sequence_index"`
	Encoding      string `json:"encoding"`
	PNG           []byte `json:"png"`
}

// Rendered figure dimensions. The backend is entirely off-screen: figures
// only ever exist as PNG bytes, there is no display to block on.
const (
	figureWidth  = 6 * vg.Inch
	figureHeight = 4 * vg.Inch
)

// figureRecorder collects the figures one execution creates, in creation
// order. It is request-scoped and owned by the worker; nothing is shared
// across executions.
type figureRecorder struct {
	mu     sync.Mutex
	figs   []*figureValue
	max    int
	stderr *boundedBuffer
}

func newFigureRecorder(max int, stderr *boundedBuffer) *figureRecorder {
	return &figureRecorder{max: max, stderr: stderr}
}

// newPlotModule builds the plot module bound to this recorder. plot.figure
// is the only constructor; everything else hangs off the figure value.
func newPlotModule(rec *figureRecorder) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "plot",
		Members: starlark.StringDict{
			"figure": starlark.NewBuiltin("plot.figure", rec.newFigure),
		},
	}
}

func (r *figureRecorder) newFigure(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var title, xlabel, ylabel string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"title?", &title, "xlabel?", &xlabel, "ylabel?", &ylabel); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.figs) >= r.max {
		return nil, fmt.Errorf("figure limit of %d exceeded", r.max)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel

	fig := &figureValue{plot: p, index: len(r.figs)}
	r.figs = append(r.figs, fig)
	return fig, nil
}

// render rasterizes every recorded figure to PNG, in creation order. A
// figure that fails to render is reported on the stderr stream and skipped;
// indices keep their creation-order values.
func (r *figureRecorder) render() []Figure {
	r.mu.Lock()
	defer r.mu.Unlock()

	figures := make([]Figure, 0, len(r.figs))
	for _, fig := range r.figs {
		png, err := fig.renderPNG()
		if err != nil {
			r.stderr.WriteString(fmt.Sprintf("warning: figure %d failed to render: %v\n", fig.index, err))
			continue
		}
		figures = append(figures, Figure{
			SequenceIndex: fig.index,
			Encoding:      "png",
			PNG:           png,
		})
	}
	return figures
}

// figureValue is the Starlark-visible chart handle. Its methods add series
// to the underlying gonum plot; rasterization happens only after the run
// completes.
type figureValue struct {
	mu     sync.Mutex
	plot   *plot.Plot
	index  int
	frozen bool
}

var (
	_ starlark.Value    = (*figureValue)(nil)
	_ starlark.HasAttrs = (*figureValue)(nil)
)

func (f *figureValue) String() string        { return fmt.Sprintf("<figure %d>", f.index) }
func (f *figureValue) Type() string          { return "figure" }
func (f *figureValue) Freeze()               { f.frozen = true }
func (f *figureValue) Truth() starlark.Bool  { return starlark.True }
func (f *figureValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: figure") }

func (f *figureValue) AttrNames() []string {
	return []string{"bar", "hist", "line", "scatter"}
}

func (f *figureValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "line":
		return starlark.NewBuiltin("figure.line", f.line), nil
	case "scatter":
		return starlark.NewBuiltin("figure.scatter", f.scatter), nil
	case "bar":
		return starlark.NewBuiltin("figure.bar", f.bar), nil
	case "hist":
		return starlark.NewBuiltin("figure.hist", f.hist), nil
	}
	return nil, nil // no such attribute
}

func (f *figureValue) checkMutable(op string) error {
	if f.frozen {
		return fmt.Errorf("cannot %s on frozen figure", op)
	}
	return nil
}

func (f *figureValue) line(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xsv, ysv starlark.Value
	var label string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"xs", &xsv, "ys", &ysv, "label?", &label); err != nil {
		return nil, err
	}
	xys, err := xyPairs(xsv, ysv)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkMutable("line"); err != nil {
		return nil, err
	}

	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, fmt.Errorf("line: %w", err)
	}
	f.plot.Add(line)
	if label != "" {
		f.plot.Legend.Add(label, line)
	}
	return starlark.None, nil
}

func (f *figureValue) scatter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xsv, ysv starlark.Value
	var label string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"xs", &xsv, "ys", &ysv, "label?", &label); err != nil {
		return nil, err
	}
	xys, err := xyPairs(xsv, ysv)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkMutable("scatter"); err != nil {
		return nil, err
	}

	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("scatter: %w", err)
	}
	f.plot.Add(scatter)
	if label != "" {
		f.plot.Legend.Add(label, scatter)
	}
	return starlark.None, nil
}

func (f *figureValue) bar(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var valuesV starlark.Value
	var labelsV starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"values", &valuesV, "labels?", &labelsV); err != nil {
		return nil, err
	}
	values, err := floatSlice(valuesV)
	if err != nil {
		return nil, err
	}

	var labels []string
	if labelsV != nil && labelsV != starlark.None {
		labels, err = stringSlice(labelsV)
		if err != nil {
			return nil, err
		}
		if len(labels) != len(values) {
			return nil, fmt.Errorf("bar: %d labels for %d values", len(labels), len(values))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkMutable("bar"); err != nil {
		return nil, err
	}

	bars, err := plotter.NewBarChart(plotter.Values(values), vg.Points(20))
	if err != nil {
		return nil, fmt.Errorf("bar: %w", err)
	}
	f.plot.Add(bars)
	if labels != nil {
		f.plot.NominalX(labels...)
	}
	return starlark.None, nil
}

func (f *figureValue) hist(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var valuesV starlark.Value
	bins := 10
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"values", &valuesV, "bins?", &bins); err != nil {
		return nil, err
	}
	if bins <= 0 {
		return nil, fmt.Errorf("hist: bins must be positive, got %d", bins)
	}
	values, err := floatSlice(valuesV)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("hist: empty values")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkMutable("hist"); err != nil {
		return nil, err
	}

	hist, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return nil, fmt.Errorf("hist: %w", err)
	}
	f.plot.Add(hist)
	return starlark.None, nil
}

func (f *figureValue) renderPNG() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	writer, err := f.plot.WriterTo(figureWidth, figureHeight, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func xyPairs(xsv, ysv starlark.Value) (plotter.XYs, error) {
	xs, err := floatSlice(xsv)
	if err != nil {
		return nil, err
	}
	ys, err := floatSlice(ysv)
	if err != nil {
		return nil, err
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("xs and ys have different lengths: %d vs %d", len(xs), len(ys))
	}
	xys := make(plotter.XYs, len(xs))
	for i := range xs {
		xys[i].X = xs[i]
		xys[i].Y = ys[i]
	}
	return xys, nil
}
