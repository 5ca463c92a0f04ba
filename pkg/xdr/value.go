// Package xdr translates values between their in-memory tagged form and
// the JSON wire form, rewriting template and index IDs through the
// per-connection translation tables and declaring newly used IDs to the
// peer before any message that refers to them.
package xdr

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the Value sum.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindOrderedSet
	KindRange
	KindAttributeValue
	KindNegation
	KindComparisonFunction
	KindSubstringQuery
	KindProjector
	KindElementReference
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindOrderedSet:
		return "orderedSet"
	case KindRange:
		return "range"
	case KindAttributeValue:
		return "attributeValue"
	case KindNegation:
		return "negation"
	case KindComparisonFunction:
		return "comparisonFunction"
	case KindSubstringQuery:
		return "subStringQuery"
	case KindProjector:
		return "projector"
	case KindElementReference:
		return "elementReference"
	case KindDelete:
		return "xdrDelete"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RangeValue is a pair of bounds with per-end open/closed flags.
type RangeValue struct {
	Low, High            Value
	ClosedLow, ClosedHigh bool
}

// Value is the payload transported end-to-end: a sum over primitives,
// ordered sequences, ranges, attribute-value maps, query atoms, element
// references and the delete marker.
type Value struct {
	Kind Kind

	Bool bool
	Num  float64
	Str  string

	// Elems holds the members of ordered sets, negations, comparison
	// function queries and substring queries.
	Elems []Value

	// Attrs holds the mapping of an attribute-value map.
	Attrs map[string]Value

	Range *RangeValue

	// Ascending is the terminal of a comparison function.
	Ascending bool

	// TemplateID and IndexID identify the area an element reference points
	// at.
	TemplateID uint32
	IndexID    uint32
}

// Constructors for the common variants.

func Undefined() Value               { return Value{Kind: KindUndefined} }
func Null() Value                    { return Value{Kind: KindNull} }
func Boolean(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Number(n float64) Value         { return Value{Kind: KindNumber, Num: n} }
func String(s string) Value          { return Value{Kind: KindString, Str: s} }
func Projector() Value               { return Value{Kind: KindProjector} }
func Delete() Value                  { return Value{Kind: KindDelete} }
func OrderedSet(elems ...Value) Value { return Value{Kind: KindOrderedSet, Elems: elems} }
func Negation(queries ...Value) Value { return Value{Kind: KindNegation, Elems: queries} }
func SubstringQuery(elems ...Value) Value {
	return Value{Kind: KindSubstringQuery, Elems: elems}
}

// AttributeValue builds an attribute-value map. Empty ordered sets are
// stripped: a map never contains the empty sequence at a normalization
// boundary.
func AttributeValue(attrs map[string]Value) Value {
	normalized := make(map[string]Value, len(attrs))
	for k, v := range attrs {
		if v.Kind == KindOrderedSet && len(v.Elems) == 0 {
			continue
		}
		normalized[k] = v
	}
	return Value{Kind: KindAttributeValue, Attrs: normalized}
}

// ComparisonFunction builds a comparison function from its ordered query
// list and ascending/descending terminal.
func ComparisonFunction(ascending bool, queries ...Value) Value {
	return Value{Kind: KindComparisonFunction, Elems: queries, Ascending: ascending}
}

// NewRange builds a range value.
func NewRange(low, high Value, closedLow, closedHigh bool) Value {
	return Value{Kind: KindRange, Range: &RangeValue{
		Low: low, High: high, ClosedLow: closedLow, ClosedHigh: closedHigh,
	}}
}

// ElementReference builds a reference to the area (templateID, indexID).
func ElementReference(templateID, indexID uint32) Value {
	return Value{Kind: KindElementReference, TemplateID: templateID, IndexID: indexID}
}

// Equal reports structural equality. NaN numbers compare equal to each
// other so that round-tripped values stay equal.
func (v Value) Equal(w Value) bool {
	if v.Kind != w.Kind {
		return false
	}
	switch v.Kind {
	case KindUndefined, KindNull, KindProjector, KindDelete:
		return true
	case KindBool:
		return v.Bool == w.Bool
	case KindNumber:
		if math.IsNaN(v.Num) && math.IsNaN(w.Num) {
			return true
		}
		return v.Num == w.Num
	case KindString:
		return v.Str == w.Str
	case KindOrderedSet, KindNegation, KindSubstringQuery:
		return equalElems(v.Elems, w.Elems)
	case KindComparisonFunction:
		return v.Ascending == w.Ascending && equalElems(v.Elems, w.Elems)
	case KindRange:
		return v.Range.ClosedLow == w.Range.ClosedLow &&
			v.Range.ClosedHigh == w.Range.ClosedHigh &&
			v.Range.Low.Equal(w.Range.Low) &&
			v.Range.High.Equal(w.Range.High)
	case KindAttributeValue:
		if len(v.Attrs) != len(w.Attrs) {
			return false
		}
		for k, ve := range v.Attrs {
			we, ok := w.Attrs[k]
			if !ok || !ve.Equal(we) {
				return false
			}
		}
		return true
	case KindElementReference:
		return v.TemplateID == w.TemplateID && v.IndexID == w.IndexID
	}
	return false
}

func equalElems(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// String renders a debug form. Attribute maps are sorted so the output is
// stable.
func (v Value) String() string {
	switch v.Kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str)
	case KindOrderedSet:
		return "o(" + joinValues(v.Elems) + ")"
	case KindNegation:
		return "n(" + joinValues(v.Elems) + ")"
	case KindSubstringQuery:
		return "s(" + joinValues(v.Elems) + ")"
	case KindComparisonFunction:
		dir := "descending"
		if v.Ascending {
			dir = "ascending"
		}
		return "c(" + joinValues(v.Elems) + ", " + dir + ")"
	case KindRange:
		lo, hi := "(", ")"
		if v.Range.ClosedLow {
			lo = "["
		}
		if v.Range.ClosedHigh {
			hi = "]"
		}
		return "r" + lo + v.Range.Low.String() + ", " + v.Range.High.String() + hi
	case KindAttributeValue:
		keys := make([]string, 0, len(v.Attrs))
		for k := range v.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+v.Attrs[k].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindProjector:
		return "_"
	case KindElementReference:
		return fmt.Sprintf("@%d:%d", v.TemplateID, v.IndexID)
	case KindDelete:
		return "<delete>"
	}
	return "<invalid>"
}

func joinValues(elems []Value) string {
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
