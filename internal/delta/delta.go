// Package delta computes and applies field-level patches between two
// versions of a record.
//
// Fields are addressed by their top-level JSON names. Values are compared by
// deep equality of their decoded JSON, so a nested change replaces the whole
// top-level field. updatedAt never appears in a patch: it travels as the
// patch stamp.
package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// Fields maps JSON field names to their new encoded values.
type Fields map[string]json.RawMessage

// Names returns the patched field names in sorted order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

const (
	fieldID      = "id"
	fieldVersion = "updatedAt"
)

// Diff returns the top-level fields whose values differ between prev and
// next. An empty result means there is nothing to send.
func Diff(prev, next schema.Record) (Fields, error) {
	if prev.Kind() != next.Kind() {
		return nil, fmt.Errorf("cannot diff %s against %s", prev.Kind(), next.Kind())
	}
	before, err := fieldsOf(prev)
	if err != nil {
		return nil, err
	}
	after, err := fieldsOf(next)
	if err != nil {
		return nil, err
	}

	out := Fields{}
	for name, raw := range after {
		if name == fieldVersion {
			continue
		}
		prev, ok := before[name]
		if ok {
			same, err := equalJSON(prev, raw)
			if err != nil {
				return nil, fmt.Errorf("failed to compare field %s: %w", name, err)
			}
			if same {
				continue
			}
		}
		out[name] = raw
	}
	for name := range before {
		if _, ok := after[name]; !ok && name != fieldVersion {
			out[name] = json.RawMessage("null")
		}
	}
	return out, nil
}

// ApplyPatch returns a copy of base with only the named fields replaced.
// Unknown field names and attempts to change id or updatedAt are
// ValidationErrors. The returned record keeps base's updatedAt; callers
// stamp it.
func ApplyPatch(base schema.Record, fields Fields) (schema.Record, error) {
	kind := base.Kind()
	known, err := schema.FieldNames(kind)
	if err != nil {
		return nil, err
	}
	merged, err := fieldsOf(base)
	if err != nil {
		return nil, err
	}
	if err := checkFields(kind, known, fields); err != nil {
		return nil, err
	}
	for name, raw := range fields {
		merged[name] = raw
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patched %s: %w", kind, err)
	}
	out, err := schema.Decode(kind, data)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CheckFields validates a wire patch for a kind without needing a base
// record. Unlike ApplyPatch it rejects an empty patch.
func CheckFields(kind schema.Kind, fields Fields) error {
	known, err := schema.FieldNames(kind)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return &schema.ValidationError{Kind: kind, Field: "fields", Reason: "patch is empty"}
	}
	return checkFields(kind, known, fields)
}

func checkFields(kind schema.Kind, known map[string]bool, fields Fields) error {
	for name, raw := range fields {
		switch {
		case name == fieldID:
			return &schema.ValidationError{Kind: kind, Field: name, Reason: "cannot be patched"}
		case name == fieldVersion:
			return &schema.ValidationError{Kind: kind, Field: name, Reason: "travels as the patch stamp"}
		case !known[name]:
			return &schema.ValidationError{Kind: kind, Field: name, Reason: "is not a field of " + string(kind)}
		case !json.Valid(raw):
			return &schema.ValidationError{Kind: kind, Field: name, Reason: "value is not valid JSON"}
		}
	}
	return nil
}

// Encode builds a Fields value from Go values, for callers that patch
// programmatically.
func Encode(values map[string]any) (Fields, error) {
	out := make(Fields, len(values))
	for name, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}

func fieldsOf(rec schema.Record) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	return m, nil
}

// equalJSON compares decoded values with numbers kept as their literal
// text, so integers beyond float64 precision still differ.
func equalJSON(a, b json.RawMessage) (bool, error) {
	if bytes.Equal(a, b) {
		return true, nil
	}
	va, err := decodeValue(a)
	if err != nil {
		return false, err
	}
	vb, err := decodeValue(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(va, vb), nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
