// Package memory provides an in-memory implementation of the persistent store
// used for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"wiggledb/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

type userKey struct{ name, userID string }

type cacheRecord struct {
	entry  domain.CacheEntry
	digest string
}

// Store keeps every registry in maps guarded by one mutex.
type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	datasets    map[domain.Location]domain.DatasetEntry
	annotations map[string]domain.AnnotationEntry
	users       map[userKey]domain.UserDatasetEntry
	chromosomes map[string]map[string]struct{}
	cache       map[domain.Location]cacheRecord
	byDigest    map[string]domain.Location
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for last-access stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		datasets:    make(map[domain.Location]domain.DatasetEntry),
		annotations: make(map[string]domain.AnnotationEntry),
		users:       make(map[userKey]domain.UserDatasetEntry),
		chromosomes: make(map[string]map[string]struct{}),
		cache:       make(map[domain.Location]cacheRecord),
		byDigest:    make(map[string]domain.Location),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneDataset(e domain.DatasetEntry) domain.DatasetEntry {
	if e.Attributes != nil {
		attrs := make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		e.Attributes = attrs
	}
	return e
}

func cloneKey(k domain.Key) domain.Key {
	k.LocationsA = append([]domain.Location{}, k.LocationsA...)
	k.LocationsB = append([]domain.Location{}, k.LocationsB...)
	return k
}

func cloneEntry(e domain.CacheEntry) domain.CacheEntry {
	e.Key = cloneKey(e.Key)
	return e
}

func (s *Store) FindDataset(_ context.Context, loc domain.Location) (domain.DatasetEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.datasets[loc]
	return cloneDataset(e), ok, nil
}

func (s *Store) FindAnnotation(_ context.Context, name string) (domain.AnnotationEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.annotations[name]
	return e, ok, nil
}

func (s *Store) FindUserDataset(_ context.Context, name, userID string) (domain.UserDatasetEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[userKey{name, userID}]
	return e, ok, nil
}

// FindUserDatasetByLocation prefers raw uploads over entries with history.
func (s *Store) FindUserDatasetByLocation(_ context.Context, loc domain.Location) (domain.UserDatasetEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []domain.UserDatasetEntry
	for _, e := range s.users {
		if e.Location == loc {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return domain.UserDatasetEntry{}, false, nil
	}
	sortUserDatasets(matches)
	sort.SliceStable(matches, func(i, j int) bool { return !matches[i].HasHistory && matches[j].HasHistory })
	return matches[0], true, nil
}

func sortUserDatasets(list []domain.UserDatasetEntry) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].UserID != list[j].UserID {
			return list[i].UserID < list[j].UserID
		}
		return list[i].Name < list[j].Name
	})
}

func (s *Store) SelectDatasets(_ context.Context, constraints map[string][]string) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Location
	for loc, e := range s.datasets {
		if matches(e, constraints) {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func matches(e domain.DatasetEntry, constraints map[string][]string) bool {
	for name, values := range constraints {
		if len(values) == 0 {
			continue
		}
		got, ok := e.Attributes[name]
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if v == got {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) DatasetAttributes(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]map[string]struct{})
	for _, e := range s.datasets {
		for k, v := range e.Attributes {
			if seen[k] == nil {
				seen[k] = make(map[string]struct{})
			}
			seen[k][v] = struct{}{}
		}
	}
	out := make(map[string][]string, len(seen))
	for k, vals := range seen {
		list := make([]string, 0, len(vals))
		for v := range vals {
			list = append(list, v)
		}
		sort.Strings(list)
		out[k] = list
	}
	return out, nil
}

func (s *Store) ListDatasets(_ context.Context) ([]domain.DatasetEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DatasetEntry, 0, len(s.datasets))
	for _, e := range s.datasets {
		out = append(out, cloneDataset(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

func (s *Store) ListAnnotations(_ context.Context) ([]domain.AnnotationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AnnotationEntry, 0, len(s.annotations))
	for _, e := range s.annotations {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListUserDatasets(_ context.Context, userID string) ([]domain.UserDatasetEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UserDatasetEntry
	for k, e := range s.users {
		if userID == "" || k.userID == userID {
			out = append(out, e)
		}
	}
	sortUserDatasets(out)
	return out, nil
}

func (s *Store) Chromosomes(_ context.Context, assembly string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.chromosomes[assembly]))
	for name := range s.chromosomes[assembly] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) LoadDatasets(_ context.Context, entries []domain.DatasetEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := make(map[domain.Location]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := s.datasets[e.Location]; ok {
			return errors.Errorf("dataset %s already loaded", e.Location)
		}
		if _, ok := staged[e.Location]; ok {
			return errors.Errorf("dataset %s listed twice", e.Location)
		}
		staged[e.Location] = struct{}{}
	}
	for _, e := range entries {
		s.datasets[e.Location] = cloneDataset(e)
	}
	return nil
}

func (s *Store) AddAnnotation(_ context.Context, entry domain.AnnotationEntry, chromosomes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.annotations[entry.Name]; ok {
		return errors.Wrapf(domain.ErrNameUsed, "annotation %s", entry.Name)
	}
	s.annotations[entry.Name] = entry
	if len(chromosomes) > 0 && s.chromosomes[entry.Assembly] == nil {
		s.chromosomes[entry.Assembly] = make(map[string]struct{})
	}
	for _, c := range chromosomes {
		s.chromosomes[entry.Assembly][c] = struct{}{}
	}
	return nil
}

func (s *Store) AddUserDataset(_ context.Context, entry domain.UserDatasetEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{entry.Name, entry.UserID}
	if _, ok := s.users[k]; ok {
		return errors.Wrapf(domain.ErrNameUsed, "user dataset %s", entry.Name)
	}
	s.users[k] = entry
	return nil
}

func (s *Store) RemoveUserDataset(_ context.Context, name, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{name, userID}
	_, ok := s.users[k]
	delete(s.users, k)
	return ok, nil
}

func (s *Store) Lookup(_ context.Context, key domain.Key) (domain.Location, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.byDigest[key.Digest()]
	if !ok {
		return "", false, nil
	}
	rec := s.cache[loc]
	if !rec.entry.Key.Equal(key) {
		return "", false, nil
	}
	rec.entry.LastAccess = s.now()
	s.cache[loc] = rec
	return loc, true, nil
}

func (s *Store) Insert(_ context.Context, entry domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest := entry.Key.Digest()
	if _, ok := s.byDigest[digest]; ok {
		return errors.Wrapf(domain.ErrDuplicateKey, "insert %s", entry.Location)
	}
	if _, ok := s.cache[entry.Location]; ok {
		return errors.Wrapf(domain.ErrDuplicateKey, "insert %s", entry.Location)
	}
	entry = cloneEntry(entry)
	entry.LastAccess = s.now()
	s.cache[entry.Location] = cacheRecord{entry: entry, digest: digest}
	s.byDigest[digest] = entry.Location
	return nil
}

func (s *Store) Touch(_ context.Context, loc domain.Location) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[loc]
	if ok {
		rec.entry.LastAccess = s.now()
		s.cache[loc] = rec
	}
	return ok, nil
}

func (s *Store) IsTracked(_ context.Context, loc domain.Location) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[loc]
	return ok, nil
}

func (s *Store) Entry(_ context.Context, loc domain.Location) (domain.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cache[loc]
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	return cloneEntry(rec.entry), true, nil
}

func (s *Store) ListEntries(_ context.Context) ([]domain.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CacheEntry, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, cloneEntry(rec.entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccess.Equal(out[j].LastAccess) {
			return out[i].LastAccess.After(out[j].LastAccess)
		}
		return out[i].Location < out[j].Location
	})
	return out, nil
}

func (s *Store) EvictOlderThan(ctx context.Context, age time.Duration, remove domain.RemoveFunc) ([]domain.CacheEntry, error) {
	s.mu.RLock()
	cutoff := s.now().Add(-age)
	s.mu.RUnlock()
	return s.evict(ctx, &cutoff, remove)
}

func (s *Store) Clear(ctx context.Context, remove domain.RemoveFunc) ([]domain.CacheEntry, error) {
	return s.evict(ctx, nil, remove)
}

// evict mirrors the relational store: candidates are chosen first, then each
// one is re-checked, removed, and deleted under the write lock.
func (s *Store) evict(ctx context.Context, cutoff *time.Time, remove domain.RemoveFunc) ([]domain.CacheEntry, error) {
	s.mu.RLock()
	var candidates []domain.Location
	for loc, rec := range s.cache {
		if cutoff == nil || rec.entry.LastAccess.Before(*cutoff) {
			candidates = append(candidates, loc)
		}
	}
	s.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var (
		evicted  []domain.CacheEntry
		firstErr error
		failed   int
	)
	for _, loc := range candidates {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		entry, ok, err := s.evictOne(loc, cutoff, remove)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			evicted = append(evicted, entry)
		}
	}
	if firstErr != nil {
		return evicted, errors.Wrapf(firstErr, "%d cache entries kept after removal failures", failed)
	}
	return evicted, nil
}

func (s *Store) evictOne(loc domain.Location, cutoff *time.Time, remove domain.RemoveFunc) (domain.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[loc]
	if !ok || (cutoff != nil && !rec.entry.LastAccess.Before(*cutoff)) {
		return domain.CacheEntry{}, false, nil
	}
	if remove != nil {
		if err := remove(cloneEntry(rec.entry)); err != nil {
			return domain.CacheEntry{}, false, errors.Wrapf(err, "remove %s", loc)
		}
	}
	delete(s.cache, loc)
	delete(s.byDigest, rec.digest)
	return rec.entry, true, nil
}
