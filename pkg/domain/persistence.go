package domain

import (
	"context"
	"time"
)

// LocationStore exposes the append-only registries. The request path only
// reads from it.
type LocationStore interface {
	FindDataset(ctx context.Context, loc Location) (DatasetEntry, bool, error)
	FindAnnotation(ctx context.Context, name string) (AnnotationEntry, bool, error)
	FindUserDataset(ctx context.Context, name, userID string) (UserDatasetEntry, bool, error)
	// FindUserDatasetByLocation returns any user dataset registered at loc.
	FindUserDatasetByLocation(ctx context.Context, loc Location) (UserDatasetEntry, bool, error)
	// SelectDatasets returns sorted dataset locations matching every attribute
	// (AND) with any of its listed values (OR).
	SelectDatasets(ctx context.Context, constraints map[string][]string) ([]Location, error)
	// DatasetAttributes maps every loaded attribute name to its distinct values.
	DatasetAttributes(ctx context.Context) (map[string][]string, error)
	ListDatasets(ctx context.Context) ([]DatasetEntry, error)
	ListAnnotations(ctx context.Context) ([]AnnotationEntry, error)
	// ListUserDatasets lists the datasets of userID, or of every user when empty.
	ListUserDatasets(ctx context.Context, userID string) ([]UserDatasetEntry, error)
	Chromosomes(ctx context.Context, assembly string) ([]string, error)
}

// RegistryWriter covers the bulk-load and admin mutations of the registries.
type RegistryWriter interface {
	// LoadDatasets inserts all entries or none.
	LoadDatasets(ctx context.Context, entries []DatasetEntry) error
	// AddAnnotation registers an annotation and any new chromosome names.
	AddAnnotation(ctx context.Context, entry AnnotationEntry, chromosomes []string) error
	// AddUserDataset fails with ErrNameUsed when (name, userid) exists.
	AddUserDataset(ctx context.Context, entry UserDatasetEntry) error
	RemoveUserDataset(ctx context.Context, name, userID string) (bool, error)
}

// RemoveFunc releases the backing files of a cache entry. It runs inside the
// write transaction that deletes the entry; returning an error keeps the row.
// Entries absent from the evicted result were not deleted even if remove
// succeeded.
type RemoveFunc func(CacheEntry) error

// CacheStore persists cache entries keyed by normalized request.
type CacheStore interface {
	// Lookup matches all five key fields exactly and touches the entry on a
	// hit. The match and the touch are atomic with respect to eviction.
	Lookup(ctx context.Context, key Key) (Location, bool, error)
	// Insert fails with ErrDuplicateKey when the key or location is taken.
	Insert(ctx context.Context, entry CacheEntry) error
	// Touch refreshes the last access of loc and reports whether it is tracked.
	Touch(ctx context.Context, loc Location) (bool, error)
	IsTracked(ctx context.Context, loc Location) (bool, error)
	Entry(ctx context.Context, loc Location) (CacheEntry, bool, error)
	// EvictOlderThan deletes entries whose last access is more than age ago,
	// one write transaction per entry, and returns the evicted entries.
	EvictOlderThan(ctx context.Context, age time.Duration, remove RemoveFunc) ([]CacheEntry, error)
	ListEntries(ctx context.Context) ([]CacheEntry, error)
	// Clear evicts every entry regardless of age.
	Clear(ctx context.Context, remove RemoveFunc) ([]CacheEntry, error)
}

// PersistentStore is the full storage surface opened by a driver.
type PersistentStore interface {
	LocationStore
	RegistryWriter
	CacheStore
	Close() error
}
