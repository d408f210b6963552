// Package report computes overlap reports: how many regions of a signal
// selection fall into each of a set of annotations.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	chart "github.com/wcharczuk/go-chart"
	"github.com/wcharczuk/go-chart/drawing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wiggledb/pkg/domain"
)

// ChartSuffix is appended to a report location to name its chart.
const ChartSuffix = ".png"

const defaultParallelism = 4

// Counter counts regions through the merge tool.
type Counter interface {
	CountSignal(ctx context.Context, operand []string) (int64, error)
	CountOverlaps(ctx context.Context, annotation domain.Location, operand []string) (int64, error)
}

// Target is one annotation the selection is compared against. Total is the
// region count of the annotation itself.
type Target struct {
	Name     string
	Location domain.Location
	Total    int64
}

// Tally is the overlap count of one target.
type Tally struct {
	Target
	Count int64
}

// Specificity is the share of selected regions that overlap the target.
func (t Tally) Specificity(total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(t.Count) / float64(total)
}

// Sensitivity is the share of target regions hit by the selection.
func (t Tally) Sensitivity() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Count) / float64(t.Total)
}

// Result holds the selection total and one tally per target, in target order.
type Result struct {
	Total   int64
	Tallies []Tally
}

// Builder runs the counts.
type Builder struct {
	counter     Counter
	parallelism int
	logger      *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithParallelism bounds the number of concurrent overlap counts.
func WithParallelism(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.parallelism = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder returns a Builder counting through c.
func NewBuilder(c Counter, opts ...Option) *Builder {
	b := &Builder{counter: c, parallelism: defaultParallelism, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build counts the selection and, when it is not empty, its overlap with
// every target.
func (b *Builder) Build(ctx context.Context, operand []string, targets []Target) (Result, error) {
	total, err := b.counter.CountSignal(ctx, operand)
	if err != nil {
		return Result{}, errors.Wrap(err, "count selection")
	}
	if total == 0 {
		return Result{}, nil
	}
	tallies := make([]Tally, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for i, target := range targets {
		g.Go(func() error {
			n, err := b.counter.CountOverlaps(gctx, target.Location, operand)
			if err != nil {
				return errors.Wrapf(err, "count overlaps with %s", target.Name)
			}
			tallies[i] = Tally{Target: target, Count: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return Result{Total: total, Tallies: tallies}, nil
}

// Write builds the report into dest and its chart into dest+ChartSuffix. An
// empty selection leaves dest empty and writes no chart.
func (b *Builder) Write(ctx context.Context, dest string, operand []string, targets []Target) error {
	res, err := b.Build(ctx, operand, targets)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", dest)
	}
	if res.Total > 0 {
		if err := WriteTSV(f, res); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", dest)
	}
	if res.Total == 0 || len(res.Tallies) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := RenderChart(&buf, res); err != nil {
		b.logger.Warn("report chart not rendered", zap.String("location", dest), zap.Error(err))
		return nil
	}
	return errors.Wrap(os.WriteFile(dest+ChartSuffix, buf.Bytes(), 0o644), "write chart")
}

// WriteTSV writes one "name\tcount\ttotal" line per tally and a closing
// "ALL\ttotal" line.
func WriteTSV(w io.Writer, r Result) error {
	for _, t := range r.Tallies {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%d\n", t.Name, t.Count, t.Total); err != nil {
			return errors.Wrap(err, "write report")
		}
	}
	_, err := fmt.Fprintf(w, "ALL\t%d\n", r.Total)
	return errors.Wrap(err, "write report")
}

// StdErr is the binomial standard error of the difference between two
// proportions x measured over n regions.
func StdErr(x float64, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Sqrt(2 * x * (1 - x) / float64(n))
}

// RenderChart draws specificity (blue) and sensitivity (red) bars per tally
// as a PNG. The standard error of each bar is printed in its label.
func RenderChart(w io.Writer, r Result) error {
	specificity := chart.Style{FillColor: drawing.ColorBlue, StrokeColor: drawing.ColorBlue}
	sensitivity := chart.Style{FillColor: drawing.ColorRed, StrokeColor: drawing.ColorRed}
	bars := make([]chart.Value, 0, 2*len(r.Tallies))
	for _, t := range r.Tallies {
		spec, sens := t.Specificity(r.Total), t.Sensitivity()
		bars = append(bars,
			chart.Value{Label: barLabel(t.Name, "spec", spec, r.Total), Value: spec, Style: specificity},
			chart.Value{Label: barLabel(t.Name, "sens", sens, t.Total), Value: sens, Style: sensitivity},
		)
	}
	graph := chart.BarChart{
		Title:      "Overlap",
		TitleStyle: chart.StyleShow(),
		Width:      200 + 80*len(bars),
		Height:     400,
		BarWidth:   30,
		XAxis:      chart.StyleShow(),
		YAxis: chart.YAxis{
			Style: chart.StyleShow(),
			Range: &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Bars: bars,
	}
	return errors.Wrap(graph.Render(chart.PNG, w), "render chart")
}

func barLabel(name, kind string, x float64, n int64) string {
	return fmt.Sprintf("%s %s ±%.3f", name, kind, StdErr(x, n))
}
