package core

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"go.uber.org/zap"

	"wiggledb/internal/report"
	"wiggledb/pkg/domain"
)

// Sweeper evicts stale cache entries together with their artifacts.
type Sweeper struct {
	cache     domain.CacheStore
	publisher *Publisher
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the logger.
func WithSweeperLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweeperMetrics counts evictions on m.
func WithSweeperMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweeperPublisher also deletes the published copies of evicted artifacts.
func WithSweeperPublisher(p *Publisher) SweeperOption {
	return func(s *Sweeper) { s.publisher = p }
}

// NewSweeper evicts from cache.
func NewSweeper(cache domain.CacheStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{cache: cache, logger: zap.NewNop(), now: time.Now, after: time.After}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep evicts the entries not accessed within age. Entries whose files
// could not be removed are kept and reported in the returned error.
func (s *Sweeper) Sweep(ctx context.Context, age time.Duration) ([]domain.CacheEntry, error) {
	st := s.newStaging()
	evicted, err := s.cache.EvictOlderThan(ctx, age, st.stage)
	st.settle(evicted)
	return s.finish(ctx, "sweep", evicted, err)
}

// Clear evicts every entry regardless of age.
func (s *Sweeper) Clear(ctx context.Context) ([]domain.CacheEntry, error) {
	st := s.newStaging()
	evicted, err := s.cache.Clear(ctx, st.stage)
	st.settle(evicted)
	return s.finish(ctx, "clear", evicted, err)
}

func (s *Sweeper) finish(ctx context.Context, op string, evicted []domain.CacheEntry, err error) ([]domain.CacheEntry, error) {
	s.metrics.evicted(len(evicted))
	if s.publisher != nil {
		for _, e := range evicted {
			s.publisher.Unpublish(ctx, artifacts(e.Location)...)
		}
	}
	s.logger.Info(op+" finished", zap.Int("evicted", len(evicted)), zap.Error(err))
	return evicted, err
}

// Schedule sweeps on every tick of the standard cron expression spec until
// ctx is done. Sweep failures are logged and do not stop the schedule.
func (s *Sweeper) Schedule(ctx context.Context, spec string, age time.Duration) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return errors.Wrapf(err, "parse schedule %q", spec)
	}
	last := s.now()
	for {
		next := schedule.Next(last)
		select {
		case <-s.after(next.Sub(s.now())):
		case <-ctx.Done():
			return nil
		}
		if _, err := s.Sweep(ctx, age); err != nil {
			s.logger.Warn("scheduled sweep failed", zap.Error(err))
		}
		last = next
	}
}

// evictingSuffix marks an artifact moved aside while its row is deleted.
const evictingSuffix = ".evicting"

// staging moves artifacts aside inside the eviction transaction of their
// entry. Once the store reports which deletions committed, staged files of
// evicted entries are unlinked and the others are put back, so a row never
// outlives its file.
type staging struct {
	logger *zap.Logger
	mu     sync.Mutex
	staged map[domain.Location][]domain.Location
}

func (s *Sweeper) newStaging() *staging {
	return &staging{logger: s.logger, staged: make(map[domain.Location][]domain.Location)}
}

// stage is the domain.RemoveFunc of a sweep. Missing files are skipped.
func (st *staging) stage(entry domain.CacheEntry) error {
	var moved []domain.Location
	for _, loc := range artifacts(entry.Location) {
		info, err := os.Lstat(string(loc))
		if os.IsNotExist(err) {
			st.logger.Debug("artifact already gone", zap.String("location", string(loc)))
			continue
		}
		if err == nil && info.IsDir() {
			err = errors.Errorf("%s is a directory", loc)
		}
		if err == nil {
			err = os.Rename(string(loc), string(loc)+evictingSuffix)
		}
		if err != nil {
			st.restore(moved)
			return errors.Wrapf(err, "remove %s", loc)
		}
		moved = append(moved, loc)
	}
	st.mu.Lock()
	st.staged[entry.Location] = moved
	st.mu.Unlock()
	return nil
}

// settle unlinks the staged artifacts of evicted and restores the rest.
func (st *staging) settle(evicted []domain.CacheEntry) {
	done := make(map[domain.Location]bool, len(evicted))
	for _, e := range evicted {
		done[e.Location] = true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for entry, moved := range st.staged {
		if !done[entry] {
			st.logger.Warn("eviction did not commit, restoring artifacts", zap.String("location", string(entry)))
			st.restore(moved)
			continue
		}
		for _, loc := range moved {
			if err := os.Remove(string(loc) + evictingSuffix); err != nil && !os.IsNotExist(err) {
				st.logger.Warn("could not remove evicted artifact", zap.String("location", string(loc)), zap.Error(err))
				continue
			}
			st.logger.Debug("removed artifact", zap.String("location", string(loc)))
		}
	}
	st.staged = make(map[domain.Location][]domain.Location)
}

func (st *staging) restore(moved []domain.Location) {
	for _, loc := range moved {
		if err := os.Rename(string(loc)+evictingSuffix, string(loc)); err != nil {
			st.logger.Error("could not restore artifact", zap.String("location", string(loc)), zap.Error(err))
		}
	}
}

// artifacts lists the secondary artifacts derived from loc, then loc. The
// primary goes last so a failed removal never leaves a row without its file.
func artifacts(loc domain.Location) []domain.Location {
	return []domain.Location{loc + IndexSuffix, loc + report.ChartSuffix, loc}
}
