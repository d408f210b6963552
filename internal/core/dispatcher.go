package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wiggledb/internal/report"
	"wiggledb/internal/tool"
	"wiggledb/pkg/domain"
)

// Suffixes of the artifacts the dispatcher produces.
const (
	RegionSuffix = ".bed"
	ReportSuffix = ".txt"
	IndexSuffix  = ".bw"
)

const overlapsOperator = "overlaps"

// Outcome describes how a request was served.
type Outcome struct {
	Location domain.Location `json:"location,omitempty"`
	// Hit is set when the location came from the cache, including a
	// lost insert race resolved to the winner's artifact.
	Hit bool `json:"hit"`
	// Command is the planned tool command of a dry run.
	Command []string `json:"command,omitempty"`
}

// Dispatcher serves requests from the cache and computes misses.
type Dispatcher struct {
	cache     domain.CacheStore
	tools     *tool.Toolkit
	reports   *report.Builder
	publisher *Publisher
	workdir   string
	logger    *zap.Logger
	metrics   *Metrics
	newName   func() string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherMetrics records lookups and tool runs on m.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPublisher publishes produced artifacts through p.
func WithPublisher(p *Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithReportBuilder overrides the overlap report builder.
func WithReportBuilder(b *report.Builder) DispatcherOption {
	return func(d *Dispatcher) {
		if b != nil {
			d.reports = b
		}
	}
}

// withNameGenerator overrides artifact naming in tests.
func withNameGenerator(fn func() string) DispatcherOption {
	return func(d *Dispatcher) { d.newName = fn }
}

// NewDispatcher writes artifacts into workdir using tools.
func NewDispatcher(cache domain.CacheStore, tools *tool.Toolkit, workdir string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		cache:   cache,
		tools:   tools,
		workdir: workdir,
		logger:  zap.NewNop(),
		newName: uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.reports == nil {
		d.reports = report.NewBuilder(tools, report.WithLogger(d.logger))
	}
	if d.publisher == nil {
		d.publisher = NewPublisher(nil, workdir, d.logger)
	}
	return d
}

// Compute returns the artifact of req, computing and caching it on a miss.
// targets name the B locations of an overlap report.
func (d *Dispatcher) Compute(ctx context.Context, req domain.Request, targets []report.Target) (Outcome, error) {
	key, err := validate(req)
	if err != nil {
		return Outcome{}, err
	}
	if loc, ok, err := d.lookup(ctx, key); err != nil || ok {
		return Outcome{Location: loc, Hit: ok}, err
	}

	loc, secondary, err := d.produce(ctx, key, targets)
	if err != nil {
		return Outcome{}, err
	}

	produced := append([]domain.Location{loc}, secondary...)
	d.publisher.PublishAll(ctx, produced...)

	entry := domain.CacheEntry{Key: key, Location: loc, UserID: req.UserID}
	if err := d.cache.Insert(ctx, entry); err != nil {
		d.discard(loc, secondary)
		d.publisher.Unpublish(ctx, produced...)
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return Outcome{}, errors.Wrap(err, "insert cache entry")
		}
		winner, ok, lerr := d.cache.Lookup(ctx, key)
		if lerr != nil || !ok {
			d.logger.Warn("lost insert race and winner is gone", zap.String("location", string(loc)), zap.Error(lerr))
			return Outcome{}, errors.Wrap(err, "insert cache entry")
		}
		d.logger.Info("lost insert race", zap.String("winner", string(winner)))
		return Outcome{Location: winner, Hit: true}, nil
	}
	return Outcome{Location: loc}, nil
}

// Plan reports the cached location of req, or the command a miss would run,
// without running anything.
func (d *Dispatcher) Plan(ctx context.Context, req domain.Request) (Outcome, error) {
	key, err := validate(req)
	if err != nil {
		return Outcome{}, err
	}
	if loc, ok, err := d.lookup(ctx, key); err != nil || ok {
		return Outcome{Location: loc, Hit: ok}, err
	}
	if isOverlaps(key) {
		argv := append([]string{d.tools.Binary(), "write_bg", "-"}, tool.Group(key.OperatorA, key.LocationsA)...)
		return Outcome{Command: argv}, nil
	}
	dest := filepath.Join(d.workdir, "<output>"+RegionSuffix)
	return Outcome{Command: d.tools.WriteArgs(key, dest)}, nil
}

func validate(req domain.Request) (domain.Key, error) {
	if len(req.A.Locations) == 0 {
		return domain.Key{}, errors.Wrap(domain.ErrInvalidSelection, "operand A selected no locations")
	}
	if req.B != nil && len(req.B.Locations) == 0 {
		return domain.Key{}, errors.Wrap(domain.ErrInvalidSelection, "operand B selected no locations")
	}
	key := Normalize(req)
	if key.HasB() && key.MergeOperator == "" {
		return domain.Key{}, errors.Wrap(domain.ErrInvalidSelection, "two operands need a merge operator")
	}
	return key, nil
}

func (d *Dispatcher) lookup(ctx context.Context, key domain.Key) (domain.Location, bool, error) {
	loc, ok, err := d.cache.Lookup(ctx, key)
	if err != nil {
		return "", false, errors.Wrap(err, "cache lookup")
	}
	d.metrics.cacheLookup(ok)
	if ok {
		d.logger.Debug("cache hit", zap.String("location", string(loc)))
	}
	return loc, ok, nil
}

// produce runs the tool into a fresh artifact and returns its location with
// its secondary artifacts. Nothing is left on disk when it fails.
func (d *Dispatcher) produce(ctx context.Context, key domain.Key, targets []report.Target) (domain.Location, []domain.Location, error) {
	overlaps := isOverlaps(key)
	suffix := RegionSuffix
	if overlaps {
		if len(targets) == 0 {
			return "", nil, errors.Wrap(domain.ErrInvalidSelection, "overlap report needs annotation operands")
		}
		suffix = ReportSuffix
	}
	dest, err := d.reserve(suffix)
	if err != nil {
		return "", nil, err
	}
	loc := domain.Location(dest)

	var secondary []domain.Location
	if overlaps {
		secondary = []domain.Location{domain.Location(dest + report.ChartSuffix)}
		err = d.reports.Write(ctx, dest, tool.Group(key.OperatorA, key.LocationsA), targets)
	} else {
		err = d.tools.Write(ctx, key, dest)
	}
	if err != nil {
		d.metrics.toolRun("failed")
		d.discard(loc, secondary)
		return "", nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		d.discard(loc, secondary)
		return "", nil, errors.Wrapf(err, "stat %s", dest)
	}
	if info.Size() == 0 {
		d.metrics.toolRun("empty")
		d.discard(loc, secondary)
		return "", nil, errors.Wrapf(domain.ErrEmptyResult, "%s", dest)
	}

	if !overlaps {
		index := dest + IndexSuffix
		secondary = []domain.Location{domain.Location(index)}
		if err := d.tools.Index(ctx, dest, index); err != nil {
			d.metrics.toolRun("failed")
			d.discard(loc, secondary)
			return "", nil, err
		}
	} else if _, err := os.Stat(dest + report.ChartSuffix); err != nil {
		secondary = nil
	}
	d.metrics.toolRun("done")
	d.logger.Info("computed artifact", zap.String("location", dest))
	return loc, secondary, nil
}

// reserve creates an empty, uniquely named file in the working directory.
func (d *Dispatcher) reserve(suffix string) (string, error) {
	if err := os.MkdirAll(d.workdir, 0o755); err != nil {
		return "", errors.Wrap(err, "create working directory")
	}
	for attempt := 0; attempt < 3; attempt++ {
		path := filepath.Join(d.workdir, d.newName()+suffix)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", errors.Wrap(err, "reserve output")
		}
		return path, f.Close()
	}
	return "", errors.New("reserve output: name collision")
}

// discard removes a failed or losing artifact and its secondaries.
func (d *Dispatcher) discard(loc domain.Location, secondary []domain.Location) {
	for _, l := range append([]domain.Location{loc}, secondary...) {
		if err := os.Remove(string(l)); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("could not remove artifact", zap.String("location", string(l)), zap.Error(err))
		}
	}
}

func isOverlaps(key domain.Key) bool {
	if !key.HasB() {
		return false
	}
	first, _, _ := strings.Cut(key.MergeOperator, " ")
	return first == overlapsOperator
}
