// Package schema defines the replicated entities (projects, tasks and
// templates), their validation rules and the task lifecycle.
//
// Every entity carries an updatedAt Stamp which acts as its LWW version.
// Field names on the wire are the JSON names declared here; the delta codec
// and the stores address fields by those names.
package schema

import (
	"encoding/json"
	"fmt"
)

// Kind names an entity collection.
type Kind string

const (
	KindProject  Kind = "project"
	KindTask     Kind = "task"
	KindTemplate Kind = "template"
)

// Kinds lists every replicated collection in snapshot order.
var Kinds = []Kind{KindProject, KindTask, KindTemplate}

// ParseKind accepts singular or plural collection names.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "project", "projects":
		return KindProject, nil
	case "task", "tasks":
		return KindTask, nil
	case "template", "templates":
		return KindTemplate, nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown entity kind %q", s)}
}

// Record is the common surface of every replicated entity.
type Record interface {
	Kind() Kind
	Key() string
	Version() Stamp
	SetVersion(Stamp)
	Validate() error
}

// New returns an empty record of the given kind.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindProject:
		return &Project{}, nil
	case KindTask:
		return &Task{}, nil
	case KindTemplate:
		return &Template{}, nil
	}
	return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown entity kind %q", kind)}
}

// Decode unmarshals data into a fresh record of the given kind. It does not
// validate; callers run Validate at the store boundary.
func Decode(kind Kind, data []byte) (Record, error) {
	rec, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, &ValidationError{Kind: kind, Reason: "malformed JSON: " + err.Error()}
	}
	return rec, nil
}

// Clone deep-copies a record through its JSON form.
func Clone(rec Record) (Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	return Decode(rec.Kind(), data)
}

// FieldNames returns the JSON field names a record of this kind carries.
func FieldNames(kind Kind) (map[string]bool, error) {
	rec, err := New(kind)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(m))
	for k := range m {
		names[k] = true
	}
	return names, nil
}
