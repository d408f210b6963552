package core

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wiggledb/pkg/domain"
)

const defaultLeafCacheSize = 4096

// Resolver reconstructs the lineage of artifacts.
type Resolver struct {
	store  domain.LocationStore
	cache  domain.CacheStore
	leaves *lru.Cache[domain.Location, domain.RawDataset]
	logger *zap.Logger
}

// NewResolver resolves against the registries in store and the entries in
// cache. Dataset leaves are memoized in an LRU of leafCacheSize entries
// (a default size when not positive).
func NewResolver(store domain.LocationStore, cache domain.CacheStore, leafCacheSize int, logger *zap.Logger) (*Resolver, error) {
	if leafCacheSize <= 0 {
		leafCacheSize = defaultLeafCacheSize
	}
	leaves, err := lru.New[domain.Location, domain.RawDataset](leafCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "leaf cache")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, cache: cache, leaves: leaves, logger: logger}, nil
}

// Resolve expands loc into its full lineage. Locations matching no registry
// become Unresolved leaves; a location reappearing on its own resolution
// path becomes a Cyclic leaf.
func (r *Resolver) Resolve(ctx context.Context, loc domain.Location) (domain.Expression, error) {
	return r.resolve(ctx, loc, make(map[domain.Location]struct{}))
}

func (r *Resolver) resolve(ctx context.Context, loc domain.Location, path map[domain.Location]struct{}) (domain.Expression, error) {
	if _, ok := path[loc]; ok {
		return domain.Cyclic{Location: loc}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	if leaf, ok, err := r.dataset(ctx, loc); err != nil || ok {
		return leaf, err
	}

	entry, ok, err := r.cache.Entry(ctx, loc)
	if err != nil {
		return nil, errors.Wrapf(err, "cache entry %s", loc)
	}
	if ok {
		path[loc] = struct{}{}
		defer delete(path, loc)
		return r.derived(ctx, entry, path)
	}

	ud, ok, err := r.store.FindUserDatasetByLocation(ctx, loc)
	if err != nil {
		return nil, errors.Wrapf(err, "user dataset %s", loc)
	}
	if ok && !ud.HasHistory {
		return domain.UserUpload{Name: ud.Name}, nil
	}
	if ok {
		// computed output whose cache entry was evicted
		r.logger.Debug("user dataset lost its history", zap.String("location", string(loc)))
	}
	return domain.Unresolved{Location: loc}, nil
}

func (r *Resolver) dataset(ctx context.Context, loc domain.Location) (domain.Expression, bool, error) {
	if leaf, ok := r.leaves.Get(loc); ok {
		return leaf, true, nil
	}
	ds, ok, err := r.store.FindDataset(ctx, loc)
	if err != nil {
		return nil, false, errors.Wrapf(err, "dataset %s", loc)
	}
	if !ok {
		return nil, false, nil
	}
	leaf := domain.RawDataset{ID: ds.ID}
	r.leaves.Add(loc, leaf)
	return leaf, true, nil
}

func (r *Resolver) derived(ctx context.Context, entry domain.CacheEntry, path map[domain.Location]struct{}) (domain.Expression, error) {
	operandsA, err := r.operands(ctx, entry.Key.LocationsA, path)
	if err != nil {
		return nil, err
	}
	operandsB, err := r.operands(ctx, entry.Key.LocationsB, path)
	if err != nil {
		return nil, err
	}
	return domain.Derived{
		Location:      entry.Location,
		MergeOperator: entry.Key.MergeOperator,
		OperatorA:     entry.Key.OperatorA,
		OperandsA:     operandsA,
		OperatorB:     entry.Key.OperatorB,
		OperandsB:     operandsB,
	}, nil
}

func (r *Resolver) operands(ctx context.Context, locs []domain.Location, path map[domain.Location]struct{}) ([]domain.Expression, error) {
	out := make([]domain.Expression, 0, len(locs))
	for _, loc := range locs {
		e, err := r.resolve(ctx, loc, path)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Describe returns the annotation registered under name.
func (r *Resolver) Describe(ctx context.Context, name string) (domain.AnnotationEntry, error) {
	ann, ok, err := r.store.FindAnnotation(ctx, name)
	if err != nil {
		return domain.AnnotationEntry{}, errors.Wrapf(err, "annotation %s", name)
	}
	if !ok {
		return domain.AnnotationEntry{}, errors.Wrapf(domain.ErrNotFound, "annotation %q", name)
	}
	return ann, nil
}
