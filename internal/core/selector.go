package core

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"wiggledb/internal/report"
	"wiggledb/pkg/domain"
)

// Filter restricts an operand to the regions of an annotation, optionally
// extended by Extend bases on each side.
type Filter struct {
	Operator   string `json:"operator"`
	Extend     int    `json:"extend,omitempty"`
	Annotation string `json:"annotation"`
}

// Selection picks the locations of one operand group. Annotations take
// precedence over user datasets, which take precedence over attributes.
type Selection struct {
	Attributes   map[string][]string `json:"attributes,omitempty"`
	Annotations  []string            `json:"annotations,omitempty"`
	UserDatasets []string            `json:"user_datasets,omitempty"`
	Filters      []Filter            `json:"filters,omitempty"`
	Operator     string              `json:"operator"`
}

// Selected is a resolved operand group. Targets is set when the selection
// named annotations, for overlap reports.
type Selected struct {
	Operand domain.Operand
	Targets []report.Target
}

// Selector resolves selections against the registries.
type Selector struct {
	store domain.LocationStore
}

// NewSelector returns a Selector reading from store.
func NewSelector(store domain.LocationStore) *Selector {
	return &Selector{store: store}
}

// Select resolves sel for userID. An empty location list is not an error
// here; the dispatcher rejects it.
func (s *Selector) Select(ctx context.Context, sel Selection, userID string) (Selected, error) {
	filters, err := s.renderFilters(ctx, sel.Filters, userID)
	if err != nil {
		return Selected{}, err
	}
	op := strings.TrimSpace(filters + " " + sel.Operator)
	out := Selected{Operand: domain.Operand{Operator: op}}
	switch {
	case len(sel.Annotations) > 0:
		for _, name := range sel.Annotations {
			loc, total, ok, err := s.named(ctx, name, userID)
			if err != nil {
				return Selected{}, err
			}
			if !ok {
				continue
			}
			out.Operand.Locations = append(out.Operand.Locations, loc)
			out.Targets = append(out.Targets, report.Target{Name: name, Location: loc, Total: total})
		}
	case len(sel.UserDatasets) > 0:
		for _, name := range sel.UserDatasets {
			ud, ok, err := s.store.FindUserDataset(ctx, name, userID)
			if err != nil {
				return Selected{}, errors.Wrapf(err, "find user dataset %s", name)
			}
			if !ok {
				// all names must resolve
				return Selected{Operand: domain.Operand{Operator: op}}, nil
			}
			out.Operand.Locations = append(out.Operand.Locations, ud.Location)
		}
	default:
		locs, err := s.attributes(ctx, sel.Attributes)
		if err != nil {
			return Selected{}, err
		}
		out.Operand.Locations = locs
	}
	return out, nil
}

// Count returns the number of locations sel resolves to.
func (s *Selector) Count(ctx context.Context, sel Selection, userID string) (int, error) {
	res, err := s.Select(ctx, sel, userID)
	if err != nil {
		return 0, err
	}
	return len(res.Operand.Locations), nil
}

func (s *Selector) attributes(ctx context.Context, constraints map[string][]string) ([]domain.Location, error) {
	if len(constraints) > 0 {
		known, err := s.store.DatasetAttributes(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list attributes")
		}
		for name := range constraints {
			if _, ok := known[name]; !ok {
				return nil, errors.Wrapf(domain.ErrUnknownAttribute, "%q", name)
			}
		}
	}
	locs, err := s.store.SelectDatasets(ctx, constraints)
	return locs, errors.Wrap(err, "select datasets")
}

// named looks a name up among annotations, then among the user's datasets.
func (s *Selector) named(ctx context.Context, name, userID string) (domain.Location, int64, bool, error) {
	ann, ok, err := s.store.FindAnnotation(ctx, name)
	if err != nil {
		return "", 0, false, errors.Wrapf(err, "find annotation %s", name)
	}
	if ok {
		return ann.Location, ann.RegionCount, true, nil
	}
	if userID == "" {
		return "", 0, false, nil
	}
	ud, ok, err := s.store.FindUserDataset(ctx, name, userID)
	if err != nil {
		return "", 0, false, errors.Wrapf(err, "find user dataset %s", name)
	}
	return ud.Location, ud.RegionCount, ok, nil
}

func (s *Selector) renderFilters(ctx context.Context, filters []Filter, userID string) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		loc, _, ok, err := s.named(ctx, f.Annotation, userID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errors.Wrapf(domain.ErrNotFound, "filter annotation %q", f.Annotation)
		}
		if f.Extend == 0 {
			parts = append(parts, f.Operator+" "+string(loc))
			continue
		}
		parts = append(parts, strings.Join([]string{f.Operator, "extend", strconv.Itoa(f.Extend), string(loc)}, " "))
	}
	return strings.Join(parts, " "), nil
}
