package domain

import (
	"encoding/json"
	"strings"
)

// ExpressionKind tags the variants of a lineage expression.
type ExpressionKind string

// Lineage expression variants.
const (
	KindRawDataset ExpressionKind = "dataset"
	KindUserUpload ExpressionKind = "user_upload"
	KindDerived    ExpressionKind = "derived"
	KindUnresolved ExpressionKind = "unresolved"
	KindCyclic     ExpressionKind = "cyclic"
)

// Expression is the symbolic lineage of an artifact. The concrete variants
// are RawDataset, UserUpload, Derived, Unresolved and Cyclic.
type Expression interface {
	Kind() ExpressionKind
	String() string
	isExpression()
}

// RawDataset is a leaf naming a registered dataset by id.
type RawDataset struct {
	ID string
}

// UserUpload is a leaf naming a raw user upload.
type UserUpload struct {
	Name string
}

// Unresolved is a leaf for a location no registry knows about.
type Unresolved struct {
	Location Location
}

// Cyclic is a leaf emitted when a location reappears on its own resolution path.
type Cyclic struct {
	Location Location
}

// Derived is a cached artifact expanded into its operands.
type Derived struct {
	Location      Location
	MergeOperator string
	OperatorA     string
	OperandsA     []Expression
	OperatorB     string
	OperandsB     []Expression
}

func (RawDataset) Kind() ExpressionKind { return KindRawDataset }
func (UserUpload) Kind() ExpressionKind { return KindUserUpload }
func (Unresolved) Kind() ExpressionKind { return KindUnresolved }
func (Cyclic) Kind() ExpressionKind     { return KindCyclic }
func (Derived) Kind() ExpressionKind    { return KindDerived }

func (RawDataset) isExpression() {}
func (UserUpload) isExpression() {}
func (Unresolved) isExpression() {}
func (Cyclic) isExpression()     {}
func (Derived) isExpression()    {}

func (e RawDataset) String() string { return e.ID }
func (e UserUpload) String() string { return "user:" + e.Name }
func (e Unresolved) String() string { return "unknown:" + string(e.Location) }
func (e Cyclic) String() string     { return "cyclic:" + string(e.Location) }

// String renders "<merge> <opA> <A...> : <opB> <B...>". Empty operators are
// omitted and the B half is dropped for single operand requests.
func (e Derived) String() string {
	var parts []string
	if e.MergeOperator != "" {
		parts = append(parts, e.MergeOperator)
	}
	if e.OperatorA != "" {
		parts = append(parts, e.OperatorA)
	}
	parts = appendOperands(parts, e.OperandsA)
	if len(e.OperandsB) > 0 {
		parts = append(parts, ":")
		if e.OperatorB != "" {
			parts = append(parts, e.OperatorB)
		}
		parts = appendOperands(parts, e.OperandsB)
	}
	return strings.Join(parts, " ")
}

func appendOperands(parts []string, ops []Expression) []string {
	for _, op := range ops {
		if op.Kind() == KindDerived {
			parts = append(parts, "("+op.String()+")")
			continue
		}
		parts = append(parts, op.String())
	}
	return parts
}

// Leaves returns the leaf expressions in depth-first order.
func Leaves(e Expression) []Expression {
	d, ok := e.(Derived)
	if !ok {
		return []Expression{e}
	}
	var out []Expression
	for _, op := range d.OperandsA {
		out = append(out, Leaves(op)...)
	}
	for _, op := range d.OperandsB {
		out = append(out, Leaves(op)...)
	}
	return out
}

type expressionJSON struct {
	Kind          ExpressionKind `json:"kind"`
	ID            string         `json:"id,omitempty"`
	Name          string         `json:"name,omitempty"`
	Location      Location       `json:"location,omitempty"`
	MergeOperator string         `json:"merge_operator,omitempty"`
	OperatorA     string         `json:"operator_a,omitempty"`
	OperandsA     []Expression   `json:"operands_a,omitempty"`
	OperatorB     string         `json:"operator_b,omitempty"`
	OperandsB     []Expression   `json:"operands_b,omitempty"`
}

func (e RawDataset) MarshalJSON() ([]byte, error) {
	return json.Marshal(expressionJSON{Kind: KindRawDataset, ID: e.ID})
}

func (e UserUpload) MarshalJSON() ([]byte, error) {
	return json.Marshal(expressionJSON{Kind: KindUserUpload, Name: e.Name})
}

func (e Unresolved) MarshalJSON() ([]byte, error) {
	return json.Marshal(expressionJSON{Kind: KindUnresolved, Location: e.Location})
}

func (e Cyclic) MarshalJSON() ([]byte, error) {
	return json.Marshal(expressionJSON{Kind: KindCyclic, Location: e.Location})
}

func (e Derived) MarshalJSON() ([]byte, error) {
	return json.Marshal(expressionJSON{
		Kind:          KindDerived,
		Location:      e.Location,
		MergeOperator: e.MergeOperator,
		OperatorA:     e.OperatorA,
		OperandsA:     e.OperandsA,
		OperatorB:     e.OperatorB,
		OperandsB:     e.OperandsB,
	})
}
