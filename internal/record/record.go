// Package record holds the decoded output unit: an insertion-ordered set of
// key/value pairs that encodes as a single JSON object.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is an ordered mapping. Keys keep the position of their first Set;
// setting an existing key replaces the value in place.
type Record struct {
	keys   []string
	values map[string]any
}

// New returns an empty record.
func New() *Record {
	return &Record{values: make(map[string]any)}
}

// Set stores v under k.
func (r *Record) Set(k string, v any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.values[k] = v
}

// Get returns the value stored under k.
func (r *Record) Get(k string) (any, bool) {
	v, ok := r.values[k]
	return v, ok
}

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len reports the number of keys.
func (r *Record) Len() int { return len(r.keys) }

// Merge copies every key of other into r, in other's order.
func (r *Record) Merge(other *Record) {
	for _, k := range other.keys {
		r.Set(k, other.values[k])
	}
}

// MarshalJSON encodes the record as an object with keys in insertion order.
// Values that are themselves records nest in order as well.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into r, keeping the document's key
// order. Nested objects become *Record values and numbers stay json.Number.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return errors.New("record: JSON value is not an object")
	}
	*r = Record{values: make(map[string]any)}
	return r.readObject(dec)
}

// FromJSON decodes a JSON object into a new record.
func FromJSON(data []byte) (*Record, error) {
	r := New()
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return r, nil
}

// readObject reads members up to and including the closing brace.
func (r *Record) readObject(dec *json.Decoder) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		k, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: object key %v is not a string", tok)
		}
		v, err := readValue(dec)
		if err != nil {
			return err
		}
		r.Set(k, v)
	}
	_, err := dec.Token()
	return err
}

func readValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch tok {
	case json.Delim('{'):
		sub := New()
		if err := sub.readObject(dec); err != nil {
			return nil, err
		}
		return sub, nil
	case json.Delim('['):
		list := []any{}
		for dec.More() {
			v, err := readValue(dec)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return list, nil
	}
	return tok, nil
}
