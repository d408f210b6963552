package tool

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wiggledb/pkg/domain"
)

const (
	defaultBinary      = "wiggletools"
	defaultBigBedToBed = "bigBedToBed"
	groupTerminator    = ":"
)

// Toolkit builds and runs the command lines understood by the merge tool.
type Toolkit struct {
	runner      Runner
	binary      string
	bigBedToBed string
	logger      *zap.Logger
}

// Option configures a Toolkit.
type Option func(*Toolkit)

// WithBinary overrides the merge tool executable.
func WithBinary(path string) Option {
	return func(t *Toolkit) {
		if path != "" {
			t.binary = path
		}
	}
}

// WithBigBedToBed overrides the bigBed converter executable.
func WithBigBedToBed(path string) Option {
	return func(t *Toolkit) {
		if path != "" {
			t.bigBedToBed = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Toolkit) {
		if l != nil {
			t.logger = l
		}
	}
}

// New returns a Toolkit running commands through r.
func New(r Runner, opts ...Option) *Toolkit {
	t := &Toolkit{runner: r, binary: defaultBinary, bigBedToBed: defaultBigBedToBed, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Binary returns the merge tool executable.
func (t *Toolkit) Binary() string { return t.binary }

// Group renders one operand group as "<operator words> <locations> :".
func Group(operator string, locs []domain.Location) []string {
	out := strings.Fields(operator)
	for _, l := range locs {
		out = append(out, string(l))
	}
	return append(out, groupTerminator)
}

// Operands renders the operand part of a key. A B group without operator is
// passed as bare locations.
func Operands(key domain.Key) []string {
	args := Group(key.OperatorA, key.LocationsA)
	if !key.HasB() {
		return args
	}
	if strings.TrimSpace(key.OperatorB) == "" {
		for _, l := range key.LocationsB {
			args = append(args, string(l))
		}
		return args
	}
	return append(args, Group(key.OperatorB, key.LocationsB)...)
}

// WriteArgs is the full command line writing the result of key to dest.
// Single operand requests skip the merge operator.
func (t *Toolkit) WriteArgs(key domain.Key, dest string) []string {
	args := []string{t.binary, "write", dest}
	if key.HasB() {
		args = append(args, strings.Fields(key.MergeOperator)...)
	}
	return append(args, Operands(key)...)
}

// Write computes key into dest.
func (t *Toolkit) Write(ctx context.Context, key domain.Key, dest string) error {
	_, err := t.run(ctx, t.WriteArgs(key, dest))
	return err
}

// Index writes the bigWig rendition of src to dest.
func (t *Toolkit) Index(ctx context.Context, src, dest string) error {
	_, err := t.run(ctx, []string{t.binary, "write", dest, src})
	return err
}

// CountSignal counts the regions emitted by the operand tokens as bedGraph.
func (t *Toolkit) CountSignal(ctx context.Context, operand []string) (int64, error) {
	args := append([]string{t.binary, "write_bg", "-"}, operand...)
	out, err := t.run(ctx, args)
	if err != nil {
		return 0, err
	}
	return countLines(out.Stdout), nil
}

// CountOverlaps counts the regions of operand overlapping annotation.
func (t *Toolkit) CountOverlaps(ctx context.Context, annotation domain.Location, operand []string) (int64, error) {
	return t.CountSignal(ctx, append([]string{"overlaps", string(annotation)}, operand...))
}

// CountRegions counts the regions of a region file: line count for .bed and
// .txt files, converted line count for .bb files.
func (t *Toolkit) CountRegions(ctx context.Context, loc domain.Location) (int64, error) {
	switch strings.ToLower(filepath.Ext(string(loc))) {
	case ".bed", ".txt":
		data, err := os.ReadFile(string(loc))
		if err != nil {
			return 0, errors.Wrapf(err, "read %s", loc)
		}
		return countLines(data), nil
	case ".bb":
		out, err := t.run(ctx, []string{t.bigBedToBed, string(loc), "stdout"})
		if err != nil {
			return 0, err
		}
		return countLines(out.Stdout), nil
	default:
		return 0, errors.Errorf("cannot count regions of %s: unsupported format", loc)
	}
}

// Chromosomes lists the distinct sequence names covered by loc in order of
// first appearance.
func (t *Toolkit) Chromosomes(ctx context.Context, loc domain.Location) ([]string, error) {
	out, err := t.run(ctx, []string{t.binary, "write_bg", "-", string(loc)})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out.Stdout))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		name, _, _ := strings.Cut(sc.Text(), "\t")
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, errors.Wrap(sc.Err(), "scan chromosomes")
}

func (t *Toolkit) run(ctx context.Context, argv []string) (Output, error) {
	out, err := t.runner.Run(ctx, argv)
	if err != nil {
		t.logger.Warn("tool failed", zap.Strings("argv", argv), zap.Error(err))
	}
	return out, err
}

// countLines counts the non-empty lines that are not comments.
func countLines(data []byte) int64 {
	var n int64
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		n++
	}
	return n
}
