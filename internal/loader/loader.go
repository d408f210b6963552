// Package loader bulk loads the dataset and annotation registries from
// tab-separated files.
package loader

import (
	"context"
	"encoding/csv"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wiggledb/pkg/domain"
)

// Tools measures annotation files on load.
type Tools interface {
	CountRegions(ctx context.Context, loc domain.Location) (int64, error)
	Chromosomes(ctx context.Context, loc domain.Location) ([]string, error)
}

// Loader writes parsed tables into a registry.
type Loader struct {
	registry domain.RegistryWriter
	tools    Tools
	assembly string
	logger   *zap.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithAssembly sets the genome assembly annotation chromosomes are
// registered under.
func WithAssembly(name string) Option {
	return func(l *Loader) { l.assembly = name }
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Loader) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New returns a Loader writing into registry.
func New(registry domain.RegistryWriter, tools Tools, opts ...Option) *Loader {
	l := &Loader{registry: registry, tools: tools, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadDatasets registers every row of a dataset table in one transaction
// and returns the number of rows loaded.
func (l *Loader) LoadDatasets(ctx context.Context, r io.Reader) (int, error) {
	entries, err := ParseDatasets(r)
	if err != nil {
		return 0, err
	}
	if err := l.registry.LoadDatasets(ctx, entries); err != nil {
		return 0, errors.Wrap(err, "load datasets")
	}
	l.logger.Info("datasets loaded", zap.Int("count", len(entries)))
	return len(entries), nil
}

// LoadAnnotations registers every line of an annotation table, counting
// its regions and recording its chromosomes. Loading stops at the first
// failure; earlier annotations stay registered.
func (l *Loader) LoadAnnotations(ctx context.Context, r io.Reader) ([]domain.AnnotationEntry, error) {
	rows, err := ParseAnnotations(r)
	if err != nil {
		return nil, err
	}
	loaded := make([]domain.AnnotationEntry, 0, len(rows))
	for _, entry := range rows {
		entry.Assembly = l.assembly
		entry.RegionCount, err = l.tools.CountRegions(ctx, entry.Location)
		if err != nil {
			return loaded, errors.Wrapf(err, "count regions of %s", entry.Name)
		}
		chroms, err := l.tools.Chromosomes(ctx, entry.Location)
		if err != nil {
			return loaded, errors.Wrapf(err, "list chromosomes of %s", entry.Name)
		}
		if err := l.registry.AddAnnotation(ctx, entry, chroms); err != nil {
			return loaded, errors.Wrapf(err, "add annotation %s", entry.Name)
		}
		l.logger.Info("annotation loaded",
			zap.String("name", entry.Name),
			zap.String("location", string(entry.Location)),
			zap.Int64("regions", entry.RegionCount),
			zap.Int("chromosomes", len(chroms)))
		loaded = append(loaded, entry)
	}
	return loaded, nil
}

// ParseDatasets reads a dataset table. The header names the columns and
// must start with "location". An "id" column sets the dataset identifier,
// otherwise it is the file name without extension; every other column is
// an attribute.
func ParseDatasets(r io.Reader) ([]domain.DatasetEntry, error) {
	cr := newReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("dataset table is empty")
	}
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if header[0] != "location" {
		return nil, errors.Errorf("dataset table must start with a location column, got %q", header[0])
	}
	idCol := -1
	seen := map[string]bool{}
	for i, name := range header[1:] {
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, errors.Errorf("invalid column name %q", name)
		}
		if seen[name] || name == "location" {
			return nil, errors.Errorf("duplicate column %q", name)
		}
		seen[name] = true
		if name == "id" {
			idCol = i + 1
		}
	}

	var entries []domain.DatasetEntry
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read dataset row")
		}
		line, _ := cr.FieldPos(0)
		loc := strings.TrimSpace(rec[0])
		if loc == "" {
			return nil, errors.Errorf("line %d: empty location", line)
		}
		entry := domain.DatasetEntry{
			Location:   domain.Location(loc),
			ID:         defaultID(loc),
			Attributes: make(map[string]string, len(header)-1),
		}
		for i := 1; i < len(header); i++ {
			v := strings.TrimSpace(rec[i])
			if i == idCol {
				if v != "" {
					entry.ID = v
				}
				continue
			}
			entry.Attributes[header[i]] = v
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ParseAnnotations reads an annotation table of location, name and
// description lines.
func ParseAnnotations(r io.Reader) ([]domain.AnnotationEntry, error) {
	cr := newReader(r)
	cr.FieldsPerRecord = 3
	var out []domain.AnnotationEntry
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read annotation row")
		}
		entry := domain.AnnotationEntry{
			Location:    domain.Location(strings.TrimSpace(rec[0])),
			Name:        strings.TrimSpace(rec[1]),
			Description: strings.TrimSpace(rec[2]),
		}
		if entry.Location == "" || entry.Name == "" {
			line, _ := cr.FieldPos(0)
			return nil, errors.Errorf("line %d: location and name are required", line)
		}
		out = append(out, entry)
	}
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.LazyQuotes = true
	return cr
}

func defaultID(loc string) string {
	base := filepath.Base(loc)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
