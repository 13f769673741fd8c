package engine

import (
	"bytes"
	"encoding/json"
)

// Field is one named value of a record. A nil Value is an unmatched
// optional field.
type Field struct {
	Name  string
	Value *string
}

// Record is one extracted object. Fields keep the declaration order of the
// rule set they came from.
type Record []Field

// Get returns the value for name. ok is false when the field is absent or null.
func (r Record) Get(name string) (value string, ok bool) {
	for _, f := range r {
		if f.Name == name {
			if f.Value == nil {
				return "", false
			}
			return *f.Value, true
		}
	}
	return "", false
}

// Map converts the record to a JSON-ready map with nil for null fields.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r))
	for _, f := range r {
		if f.Value == nil {
			out[f.Name] = nil
			continue
		}
		out[f.Name] = *f.Value
	}
	return out
}

// MarshalJSON writes an object whose keys follow field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
