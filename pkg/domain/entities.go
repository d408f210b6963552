// Package domain defines the persistent entities, request keys, lineage
// expressions, and storage contracts used by wiggledb.
package domain

import "time"

// Location names a filesystem artifact: a dataset file, an annotation file, or
// a previously computed output. The same location may appear in several
// registries at once.
type Location string

// String returns the raw location.
func (l Location) String() string { return string(l) }

// Locations converts raw strings into locations preserving order.
func Locations(raw ...string) []Location {
	out := make([]Location, len(raw))
	for i, r := range raw {
		out[i] = Location(r)
	}
	return out
}

// DatasetEntry is a raw dataset registered by bulk load. Attributes are only
// used for selection filtering.
type DatasetEntry struct {
	Location   Location          `json:"location"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AnnotationEntry is a named reference region set.
type AnnotationEntry struct {
	Name        string   `json:"name"`
	Location    Location `json:"location"`
	Description string   `json:"description"`
	RegionCount int64    `json:"count"`
	Assembly    string   `json:"assembly,omitempty"`
}

// UserDatasetEntry is a dataset owned by a user. HasHistory marks locations
// that are themselves computed outputs (and therefore also cache entries)
// rather than raw uploads.
type UserDatasetEntry struct {
	Name        string   `json:"name"`
	Location    Location `json:"location"`
	UserID      string   `json:"userid"`
	RegionCount int64    `json:"count"`
	HasHistory  bool     `json:"has_history"`
}

// CacheEntry records one produced artifact together with the normalized
// request that produced it.
type CacheEntry struct {
	Key        Key       `json:"key"`
	Location   Location  `json:"location"`
	UserID     string    `json:"userid,omitempty"`
	LastAccess time.Time `json:"last_access"`
}

// Chromosome is a valid sequence name for a genome assembly.
type Chromosome struct {
	Assembly string `json:"assembly"`
	Name     string `json:"name"`
}
