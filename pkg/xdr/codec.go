package xdr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// newNumberDecoder decodes with json.Number so integral and fractional
// numbers survive the probe untouched.
func newNumberDecoder(raw []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec
}

// EncodeLocal encodes a value without declaration tracking, for contexts
// where the IDs are already known to both sides (storage, tests).
func EncodeLocal(v Value) (json.RawMessage, error) {
	return encodeValue(v, func(uint32, uint32) {})
}

// DecodeLocal decodes a wire value whose IDs are already local.
func DecodeLocal(raw json.RawMessage) (Value, error) {
	return decodeValue(raw, func(templateID, indexID uint32) (uint32, uint32, error) {
		return templateID, indexID, nil
	})
}

// Wire type discriminators for non-primitive values. Primitives pass
// through as bare JSON, except numbers whose text is Infinity, -Infinity
// or NaN.
const (
	wireUndefined          = "undefined"
	wireNumber             = "number"
	wireAttributeValue     = "attributeValue"
	wireOrderedSet         = "orderedSet"
	wireRange              = "range"
	wireComparisonFunction = "comparisonFunction"
	wireNegation           = "negation"
	wireElementReference   = "elementReference"
	wireSubstringQuery     = "subStringQuery"
	wireProjector          = "projector"
	wireDelete             = "xdrDelete"
)

// wireValue is the typed-object wire form. A Value is encoded either as a
// bare JSON primitive or as one of these.
type wireValue struct {
	Type string `json:"type"`

	StringValue string                     `json:"stringValue,omitempty"`
	Elements    []json.RawMessage          `json:"elements,omitempty"`
	Attributes  map[string]json.RawMessage `json:"value,omitempty"`

	ClosedLower bool `json:"closedLower,omitempty"`
	ClosedUpper bool `json:"closedUpper,omitempty"`
	Ascending   bool `json:"ascending,omitempty"`

	TemplateID uint32 `json:"templateId,omitempty"`
	IndexID    uint32 `json:"indexId,omitempty"`
}

// encodeValue renders v into wire JSON, reporting every template and
// index ID encountered through use.
func encodeValue(v Value, use func(templateID, indexID uint32)) (json.RawMessage, error) {
	switch v.Kind {
	case KindNull:
		return json.RawMessage("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		if math.IsInf(v.Num, 0) || math.IsNaN(v.Num) {
			return json.Marshal(wireValue{Type: wireNumber, StringValue: nonFiniteText(v.Num)})
		}
		return json.Marshal(v.Num)
	case KindUndefined:
		return json.Marshal(wireValue{Type: wireUndefined})
	case KindProjector:
		return json.Marshal(wireValue{Type: wireProjector})
	case KindDelete:
		return json.Marshal(wireValue{Type: wireDelete})
	case KindElementReference:
		use(v.TemplateID, v.IndexID)
		return json.Marshal(wireValue{Type: wireElementReference, TemplateID: v.TemplateID, IndexID: v.IndexID})
	case KindOrderedSet, KindNegation, KindSubstringQuery, KindComparisonFunction:
		elems, err := encodeElems(v.Elems, use)
		if err != nil {
			return nil, err
		}
		w := wireValue{Elements: elems}
		switch v.Kind {
		case KindOrderedSet:
			w.Type = wireOrderedSet
		case KindNegation:
			w.Type = wireNegation
		case KindSubstringQuery:
			w.Type = wireSubstringQuery
		case KindComparisonFunction:
			w.Type = wireComparisonFunction
			w.Ascending = v.Ascending
		}
		return json.Marshal(w)
	case KindRange:
		elems, err := encodeElems([]Value{v.Range.Low, v.Range.High}, use)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireValue{
			Type:        wireRange,
			Elements:    elems,
			ClosedLower: v.Range.ClosedLow,
			ClosedUpper: v.Range.ClosedHigh,
		})
	case KindAttributeValue:
		attrs := make(map[string]json.RawMessage, len(v.Attrs))
		for k, av := range v.Attrs {
			raw, err := encodeValue(av, use)
			if err != nil {
				return nil, err
			}
			attrs[k] = raw
		}
		return json.Marshal(wireValue{Type: wireAttributeValue, Attributes: attrs})
	}
	return nil, fmt.Errorf("cannot encode value of kind %s", v.Kind)
}

func encodeElems(elems []Value, use func(templateID, indexID uint32)) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(elems))
	for _, e := range elems {
		raw, err := encodeValue(e, use)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func nonFiniteText(n float64) string {
	switch {
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	default:
		return "NaN"
	}
}

// decodeValue parses wire JSON, passing each element reference's IDs
// through translate.
func decodeValue(raw json.RawMessage, translate func(templateID, indexID uint32) (uint32, uint32, error)) (Value, error) {
	var probe interface{}
	dec := newNumberDecoder(raw)
	if err := dec.Decode(&probe); err != nil {
		return Value{}, fmt.Errorf("malformed wire value: %w", err)
	}
	switch p := probe.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Boolean(p), nil
	case string:
		return String(p), nil
	case json.Number:
		n, err := p.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("malformed wire number %q: %w", p, err)
		}
		return Number(n), nil
	case map[string]interface{}:
		var w wireValue
		if err := json.Unmarshal(raw, &w); err != nil {
			return Value{}, fmt.Errorf("malformed wire object: %w", err)
		}
		return decodeObject(w, translate)
	}
	return Value{}, fmt.Errorf("unexpected wire value %s", raw)
}

func decodeObject(w wireValue, translate func(templateID, indexID uint32) (uint32, uint32, error)) (Value, error) {
	switch w.Type {
	case wireUndefined:
		return Undefined(), nil
	case wireProjector:
		return Projector(), nil
	case wireDelete:
		return Delete(), nil
	case wireNumber:
		switch w.StringValue {
		case "Infinity":
			return Number(math.Inf(1)), nil
		case "-Infinity":
			return Number(math.Inf(-1)), nil
		case "NaN":
			return Number(math.NaN()), nil
		}
		n, err := strconv.ParseFloat(w.StringValue, 64)
		if err != nil {
			return Value{}, fmt.Errorf("malformed number text %q: %w", w.StringValue, err)
		}
		return Number(n), nil
	case wireElementReference:
		templateID, indexID, err := translate(w.TemplateID, w.IndexID)
		if err != nil {
			return Value{}, err
		}
		return ElementReference(templateID, indexID), nil
	case wireOrderedSet, wireNegation, wireSubstringQuery, wireComparisonFunction:
		elems, err := decodeElems(w.Elements, translate)
		if err != nil {
			return Value{}, err
		}
		switch w.Type {
		case wireOrderedSet:
			return OrderedSet(elems...), nil
		case wireNegation:
			return Negation(elems...), nil
		case wireSubstringQuery:
			return SubstringQuery(elems...), nil
		default:
			return ComparisonFunction(w.Ascending, elems...), nil
		}
	case wireRange:
		if len(w.Elements) != 2 {
			return Value{}, fmt.Errorf("range with %d bounds", len(w.Elements))
		}
		bounds, err := decodeElems(w.Elements, translate)
		if err != nil {
			return Value{}, err
		}
		return NewRange(bounds[0], bounds[1], w.ClosedLower, w.ClosedUpper), nil
	case wireAttributeValue:
		attrs := make(map[string]Value, len(w.Attributes))
		for k, raw := range w.Attributes {
			av, err := decodeValue(raw, translate)
			if err != nil {
				return Value{}, err
			}
			attrs[k] = av
		}
		return AttributeValue(attrs), nil
	}
	return Value{}, fmt.Errorf("unknown wire value type %q", w.Type)
}

func decodeElems(raws []json.RawMessage, translate func(templateID, indexID uint32) (uint32, uint32, error)) ([]Value, error) {
	elems := make([]Value, 0, len(raws))
	for _, raw := range raws {
		v, err := decodeValue(raw, translate)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	return elems, nil
}
