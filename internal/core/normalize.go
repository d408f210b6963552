package core

import (
	"strings"

	"wiggledb/pkg/domain"
)

// Normalize turns a request into its cache key. Operator strings are
// whitespace normalized, location order is kept as given, and an absent
// operand B becomes an empty operator with an empty location list. The
// merge operator only combines A with B, so it is dropped when B has no
// locations.
func Normalize(req domain.Request) domain.Key {
	key := domain.Key{
		OperatorA:  normalizeSpaces(req.A.Operator),
		LocationsA: copyLocations(req.A.Locations),
		LocationsB: []domain.Location{},
	}
	if req.B != nil {
		key.OperatorB = normalizeSpaces(req.B.Operator)
		key.LocationsB = copyLocations(req.B.Locations)
	}
	if key.HasB() {
		key.MergeOperator = normalizeSpaces(req.MergeOperator)
	}
	return key
}

func normalizeSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func copyLocations(in []domain.Location) []domain.Location {
	out := make([]domain.Location, len(in))
	copy(out, in)
	return out
}
