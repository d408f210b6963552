package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wiggledb/internal/blob"
	"wiggledb/internal/report"
	"wiggledb/internal/tool"
	"wiggledb/pkg/domain"
)

// StatusCode is the outward result kind of a service call.
type StatusCode string

// Status codes.
const (
	StatusDone     StatusCode = "DONE"
	StatusInvalid  StatusCode = "INVALID"
	StatusEmpty    StatusCode = "EMPTY"
	StatusFailed   StatusCode = "FAILED"
	StatusError    StatusCode = "ERROR"
	StatusNameUsed StatusCode = "NAME_USED"
	StatusUploaded StatusCode = "UPLOADED"
	StatusRemoved  StatusCode = "REMOVED"
	StatusSuccess  StatusCode = "SUCCESS"
)

func (c StatusCode) ok() bool {
	switch c {
	case StatusDone, StatusUploaded, StatusRemoved, StatusSuccess:
		return true
	}
	return false
}

// Status is the structured result of a service call.
type Status struct {
	Status      StatusCode              `json:"status"`
	Location    domain.Location         `json:"location,omitempty"`
	URL         string                  `json:"url,omitempty"`
	View        string                  `json:"view,omitempty"`
	Cached      bool                    `json:"cached,omitempty"`
	Command     []string                `json:"command,omitempty"`
	Provenance  domain.Expression       `json:"provenance,omitempty"`
	Expression  string                  `json:"expression,omitempty"`
	Annotation  *domain.AnnotationEntry `json:"annotation,omitempty"`
	Name        string                  `json:"name,omitempty"`
	Count       *int                    `json:"count,omitempty"`
	Evicted     int                     `json:"evicted,omitempty"`
	Message     string                  `json:"message,omitempty"`
	Diagnostics string                  `json:"diagnostics,omitempty"`
}

// ComputeRequest asks for the merge of one or two operand selections.
type ComputeRequest struct {
	MergeOperator string     `json:"merge_operator"`
	A             Selection  `json:"a"`
	B             *Selection `json:"b,omitempty"`
	UserID        string     `json:"userid,omitempty"`
	DryRun        bool       `json:"dry_run,omitempty"`
}

// Links renders genome browser links for published artifacts.
type Links struct {
	Server  string
	Species string
	Gene    string
}

// View is the link showing an artifact: a browser track for signal and
// region files, the chart for reports.
func (l Links) View(loc domain.Location, url string) string {
	track := url
	switch {
	case strings.HasSuffix(string(loc), ".bw"), strings.HasSuffix(string(loc), ".bb"):
	case strings.HasSuffix(string(loc), RegionSuffix):
		track = url + IndexSuffix
	default:
		return url + report.ChartSuffix
	}
	if l.Server == "" {
		return track
	}
	return fmt.Sprintf("http://%s/%s/Location/View?g=%s;contigviewbottom=url:%s", l.Server, l.Species, l.Gene, track)
}

// Service is the entry point of every wiggledb operation. Operations map
// their outcomes, including unexpected faults, to a Status. Listings
// return an error instead; a panic in one is returned as an error too.
type Service struct {
	store      domain.PersistentStore
	tools      *tool.Toolkit
	selector   *Selector
	dispatcher *Dispatcher
	resolver   *Resolver
	sweeper    *Sweeper
	publisher  *Publisher
	links      Links
	logger     *zap.Logger
	metrics    MetricsRecorder
}

type serviceConfig struct {
	logger      *zap.Logger
	metrics     *Metrics
	recorders   recorders
	workdir     string
	blobs       blob.Store
	links       Links
	parallelism int
	leafCache   int
	dispatchOpt []DispatcherOption
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

// WithLogger sets the logger of the service and its components.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(c *serviceConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics instruments the service and its components.
func WithMetrics(m *Metrics) ServiceOption {
	return func(c *serviceConfig) {
		c.metrics = m
		if m != nil {
			c.recorders = append(c.recorders, m)
		}
	}
}

// WithMetricsRecorder also observes operation outcomes on r.
func WithMetricsRecorder(r MetricsRecorder) ServiceOption {
	return func(c *serviceConfig) {
		if r != nil {
			c.recorders = append(c.recorders, r)
		}
	}
}

// WithWorkingDirectory sets where computed artifacts are written.
func WithWorkingDirectory(dir string) ServiceOption {
	return func(c *serviceConfig) { c.workdir = dir }
}

// WithBlobStore publishes artifacts to store.
func WithBlobStore(store blob.Store) ServiceOption {
	return func(c *serviceConfig) { c.blobs = store }
}

// WithLinks sets the genome browser used for view links.
func WithLinks(l Links) ServiceOption {
	return func(c *serviceConfig) { c.links = l }
}

// WithReportParallelism bounds concurrent overlap counts.
func WithReportParallelism(n int) ServiceOption {
	return func(c *serviceConfig) { c.parallelism = n }
}

// WithLeafCacheSize sizes the resolver's dataset memo.
func WithLeafCacheSize(n int) ServiceOption {
	return func(c *serviceConfig) { c.leafCache = n }
}

func withDispatcherOptions(opts ...DispatcherOption) ServiceOption {
	return func(c *serviceConfig) { c.dispatchOpt = append(c.dispatchOpt, opts...) }
}

// NewService wires the components over store, running tools through tools.
func NewService(store domain.PersistentStore, tools *tool.Toolkit, opts ...ServiceOption) (*Service, error) {
	cfg := serviceConfig{logger: zap.NewNop(), workdir: "."}
	for _, opt := range opts {
		opt(&cfg)
	}
	publisher := NewPublisher(cfg.blobs, cfg.workdir, cfg.logger.Named("publisher"))
	resolver, err := NewResolver(store, store, cfg.leafCache, cfg.logger.Named("resolver"))
	if err != nil {
		return nil, err
	}
	dispatchOpts := append([]DispatcherOption{
		WithDispatcherLogger(cfg.logger.Named("dispatcher")),
		WithDispatcherMetrics(cfg.metrics),
		WithPublisher(publisher),
		WithReportBuilder(report.NewBuilder(tools,
			report.WithParallelism(cfg.parallelism),
			report.WithLogger(cfg.logger.Named("report")))),
	}, cfg.dispatchOpt...)
	return &Service{
		store:      store,
		tools:      tools,
		selector:   NewSelector(store),
		dispatcher: NewDispatcher(store, tools, cfg.workdir, dispatchOpts...),
		resolver:   resolver,
		sweeper: NewSweeper(store,
			WithSweeperLogger(cfg.logger.Named("sweeper")),
			WithSweeperMetrics(cfg.metrics),
			WithSweeperPublisher(publisher)),
		publisher: publisher,
		links:     cfg.links,
		logger:    cfg.logger,
		metrics:   cfg.recorders,
	}, nil
}

// Sweeper returns the retention sweeper, for scheduling.
func (s *Service) Sweeper() *Sweeper { return s.sweeper }

// Compute serves a merge request.
func (s *Service) Compute(ctx context.Context, req ComputeRequest) (st Status) {
	defer s.observe(ctx, "compute", time.Now(), &st)

	a, err := s.selector.Select(ctx, req.A, req.UserID)
	if err != nil {
		return s.fail("compute", err)
	}
	dreq := domain.Request{MergeOperator: req.MergeOperator, A: a.Operand, UserID: req.UserID}
	var targets []report.Target
	if req.B != nil {
		b, err := s.selector.Select(ctx, *req.B, req.UserID)
		if err != nil {
			return s.fail("compute", err)
		}
		dreq.B = &b.Operand
		targets = b.Targets
	}

	if req.DryRun {
		out, err := s.dispatcher.Plan(ctx, dreq)
		if err != nil {
			return s.fail("compute", err)
		}
		if out.Hit {
			return s.located(out.Location, true)
		}
		return Status{Status: StatusDone, Command: out.Command}
	}

	out, err := s.dispatcher.Compute(ctx, dreq, targets)
	if err != nil {
		return s.fail("compute", err)
	}
	return s.located(out.Location, out.Hit)
}

// Provenance resolves the lineage of loc.
func (s *Service) Provenance(ctx context.Context, loc domain.Location) (st Status) {
	defer s.observe(ctx, "provenance", time.Now(), &st)
	expr, err := s.resolver.Resolve(ctx, loc)
	if err != nil {
		return s.fail("provenance", err)
	}
	return Status{Status: StatusSuccess, Location: loc, Provenance: expr, Expression: expr.String()}
}

// Describe returns the annotation registered under name.
func (s *Service) Describe(ctx context.Context, name string) (st Status) {
	defer s.observe(ctx, "describe", time.Now(), &st)
	ann, err := s.resolver.Describe(ctx, name)
	if err != nil {
		return s.fail("describe", err)
	}
	return Status{Status: StatusSuccess, Name: name, Annotation: &ann}
}

// Sweep evicts cache entries not accessed within age.
func (s *Service) Sweep(ctx context.Context, age time.Duration) (st Status) {
	defer s.observe(ctx, "sweep", time.Now(), &st)
	evicted, err := s.sweeper.Sweep(ctx, age)
	if err != nil {
		st = s.fail("sweep", err)
		st.Evicted = len(evicted)
		return st
	}
	return Status{Status: StatusDone, Evicted: len(evicted)}
}

// ClearCache evicts every cache entry.
func (s *Service) ClearCache(ctx context.Context) (st Status) {
	defer s.observe(ctx, "clear_cache", time.Now(), &st)
	evicted, err := s.sweeper.Clear(ctx)
	if err != nil {
		st = s.fail("clear_cache", err)
		st.Evicted = len(evicted)
		return st
	}
	return Status{Status: StatusDone, Evicted: len(evicted)}
}

// CountSelection counts the locations sel resolves to.
func (s *Service) CountSelection(ctx context.Context, sel Selection, userID string) (st Status) {
	defer s.observe(ctx, "count", time.Now(), &st)
	n, err := s.selector.Count(ctx, sel, userID)
	if err != nil {
		return s.fail("count", err)
	}
	return Status{Status: StatusSuccess, Count: &n}
}

// RegisterUserDataset registers an already validated file under name for
// userID. Locations that are cache entries are registered with history.
func (s *Service) RegisterUserDataset(ctx context.Context, name string, loc domain.Location, userID string) (st Status) {
	defer s.observe(ctx, "register_user_dataset", time.Now(), &st)
	if used, err := s.nameUsed(ctx, name, userID); err != nil {
		return s.fail("register_user_dataset", err)
	} else if used {
		return Status{Status: StatusNameUsed, Name: name}
	}
	tracked, err := s.store.IsTracked(ctx, loc)
	if err != nil {
		return s.fail("register_user_dataset", err)
	}
	count, err := s.tools.CountRegions(ctx, loc)
	if err != nil {
		return s.fail("register_user_dataset", err)
	}
	err = s.store.AddUserDataset(ctx, domain.UserDatasetEntry{
		Name:        name,
		Location:    loc,
		UserID:      userID,
		RegionCount: count,
		HasHistory:  tracked,
	})
	if err != nil {
		return s.fail("register_user_dataset", err)
	}
	return Status{Status: StatusUploaded, Name: name, Location: loc}
}

// RemoveUserDataset deletes a user's dataset registration.
func (s *Service) RemoveUserDataset(ctx context.Context, name, userID string) (st Status) {
	defer s.observe(ctx, "remove_user_dataset", time.Now(), &st)
	removed, err := s.store.RemoveUserDataset(ctx, name, userID)
	if err != nil {
		return s.fail("remove_user_dataset", err)
	}
	if !removed {
		return s.fail("remove_user_dataset", errors.Wrapf(domain.ErrNotFound, "user dataset %q", name))
	}
	return Status{Status: StatusRemoved, Name: name}
}

// ShareUserDataset returns the public URL of a user's dataset.
func (s *Service) ShareUserDataset(ctx context.Context, name, userID string) (st Status) {
	defer s.observe(ctx, "share_user_dataset", time.Now(), &st)
	ud, ok, err := s.store.FindUserDataset(ctx, name, userID)
	if err != nil {
		return s.fail("share_user_dataset", err)
	}
	if !ok {
		return s.fail("share_user_dataset", errors.Wrapf(domain.ErrNotFound, "user dataset %q", name))
	}
	return Status{Status: StatusSuccess, Name: name, URL: s.publisher.URL(ud.Location)}
}

// Attributes maps every dataset attribute to its distinct values.
func (s *Service) Attributes(ctx context.Context) (map[string][]string, error) {
	return observeList(ctx, s, "attributes", func() (map[string][]string, error) {
		return s.store.DatasetAttributes(ctx)
	})
}

// Datasets lists the raw datasets.
func (s *Service) Datasets(ctx context.Context) ([]domain.DatasetEntry, error) {
	return observeList(ctx, s, "datasets", func() ([]domain.DatasetEntry, error) {
		return s.store.ListDatasets(ctx)
	})
}

// Annotations lists the annotations.
func (s *Service) Annotations(ctx context.Context) ([]domain.AnnotationEntry, error) {
	return observeList(ctx, s, "annotations", func() ([]domain.AnnotationEntry, error) {
		return s.store.ListAnnotations(ctx)
	})
}

// UserDatasets lists the datasets of userID, or of everyone when empty.
func (s *Service) UserDatasets(ctx context.Context, userID string) ([]domain.UserDatasetEntry, error) {
	return observeList(ctx, s, "user_datasets", func() ([]domain.UserDatasetEntry, error) {
		return s.store.ListUserDatasets(ctx, userID)
	})
}

// CacheEntries lists the cache, most recently used first.
func (s *Service) CacheEntries(ctx context.Context) ([]domain.CacheEntry, error) {
	return observeList(ctx, s, "cache_entries", func() ([]domain.CacheEntry, error) {
		return s.store.ListEntries(ctx)
	})
}

// observeList runs a listing, turning a panic into an error, and records
// the outcome.
func observeList[T any](ctx context.Context, s *Service, op string, list func() (T, error)) (out T, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("operation panicked", zap.String("operation", op), zap.Any("panic", r), zap.Stack("stack"))
			var zero T
			out, err = zero, errors.Errorf("internal error: %v", r)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("listing failed", zap.String("operation", op), zap.Error(err))
		}
		s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	}()
	return list()
}

func (s *Service) nameUsed(ctx context.Context, name, userID string) (bool, error) {
	if _, ok, err := s.store.FindAnnotation(ctx, name); err != nil || ok {
		return ok, err
	}
	_, ok, err := s.store.FindUserDataset(ctx, name, userID)
	return ok, err
}

func (s *Service) located(loc domain.Location, cached bool) Status {
	url := s.publisher.URL(loc)
	return Status{
		Status:   StatusDone,
		Location: loc,
		URL:      url,
		View:     s.links.View(loc, url),
		Cached:   cached,
	}
}

// fail maps err to its status.
func (s *Service) fail(op string, err error) Status {
	var toolErr *domain.ToolError
	switch {
	case errors.Is(err, domain.ErrInvalidSelection),
		errors.Is(err, domain.ErrUnknownAttribute),
		errors.Is(err, domain.ErrNotFound) && op == "compute":
		s.logger.Info("invalid request", zap.String("operation", op), zap.Error(err))
		return Status{Status: StatusInvalid, Message: err.Error()}
	case errors.Is(err, domain.ErrEmptyResult):
		return Status{Status: StatusEmpty}
	case errors.As(err, &toolErr):
		s.logger.Warn("tool failed", zap.String("operation", op), zap.Error(err))
		return Status{Status: StatusFailed, Message: err.Error(), Diagnostics: toolErr.Diagnostics()}
	case errors.Is(err, domain.ErrNameUsed):
		return Status{Status: StatusNameUsed, Message: err.Error()}
	default:
		s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
		return Status{Status: StatusError, Message: err.Error()}
	}
}

// observe turns a panic into an ERROR status and records the outcome.
func (s *Service) observe(ctx context.Context, op string, start time.Time, st *Status) {
	if r := recover(); r != nil {
		s.logger.Error("operation panicked", zap.String("operation", op), zap.Any("panic", r), zap.Stack("stack"))
		*st = Status{Status: StatusError, Message: fmt.Sprintf("internal error: %v", r)}
	}
	s.metrics.Observe(ctx, op, st.Status.ok(), time.Since(start))
}

// recorders fans an observation out to every recorder.
type recorders []MetricsRecorder

func (rs recorders) Observe(ctx context.Context, op string, success bool, duration time.Duration) {
	for _, r := range rs {
		r.Observe(ctx, op, success, duration)
	}
}
