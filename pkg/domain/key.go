package domain

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Operand is one side of a merge request: a selection operator applied to an
// ordered list of source locations.
type Operand struct {
	Operator  string     `json:"operator"`
	Locations []Location `json:"locations"`
}

// Request is a merge request before normalization. B is nil for single
// operand requests.
type Request struct {
	MergeOperator string   `json:"merge_operator"`
	A             Operand  `json:"a"`
	B             *Operand `json:"b,omitempty"`
	UserID        string   `json:"userid,omitempty"`
}

// Key is the normalized form of a request. An absent operand B is stored as
// an empty operator and an empty location list, never as a null.
type Key struct {
	MergeOperator string     `json:"merge_operator"`
	OperatorA     string     `json:"operator_a"`
	LocationsA    []Location `json:"locations_a"`
	OperatorB     string     `json:"operator_b"`
	LocationsB    []Location `json:"locations_b"`
}

// HasB reports whether the key carries a second operand group.
func (k Key) HasB() bool { return len(k.LocationsB) > 0 }

// Canonical serializes the key in a fixed field order: operator A, locations
// A, operator B, locations B, merge operator. Every string is length
// prefixed and every list is count prefixed, so distinct keys never share a
// serialization.
func (k Key) Canonical() string {
	var b strings.Builder
	writeField(&b, k.OperatorA)
	writeList(&b, k.LocationsA)
	writeField(&b, k.OperatorB)
	writeList(&b, k.LocationsB)
	writeField(&b, k.MergeOperator)
	return b.String()
}

// Digest is a fixed-width fingerprint of Canonical, used as the unique index
// column of the cache table.
func (k Key) Digest() string {
	sum := blake3.Sum256([]byte(k.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Equal reports field-wise equality, including location order.
func (k Key) Equal(o Key) bool {
	if k.MergeOperator != o.MergeOperator || k.OperatorA != o.OperatorA || k.OperatorB != o.OperatorB {
		return false
	}
	return equalLocations(k.LocationsA, o.LocationsA) && equalLocations(k.LocationsB, o.LocationsB)
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
	b.WriteByte(';')
}

func writeList(b *strings.Builder, locs []Location) {
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(len(locs)))
	b.WriteByte('|')
	for _, l := range locs {
		writeField(b, string(l))
	}
	b.WriteByte(']')
}

func equalLocations(a, b []Location) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
