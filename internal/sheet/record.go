package sheet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Record is one row keyed by column header. Key order follows the header row.
//
// The zero value is an empty record.
type Record struct {
	keys   []string
	values map[string]string
}

// NewRecord zips headers with cells.
//
//   - Cells beyond the last header are dropped.
//   - Headers beyond the last cell are absent (not empty).
//   - A repeated header keeps its first position and its last value.
func NewRecord(headers, cells []string) Record {
	n := min(len(headers), len(cells))
	r := Record{keys: make([]string, 0, n), values: make(map[string]string, n)}
	for i := 0; i < n; i++ {
		r.Set(headers[i], cells[i])
	}
	return r
}

// RecordOf builds a record from alternating key/value pairs. Mostly for tests.
func RecordOf(kv ...string) Record {
	var r Record
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i], kv[i+1])
	}
	return r
}

// Set adds or replaces a value. New keys are appended.
func (r *Record) Set(key, value string) {
	if r.values == nil {
		r.values = map[string]string{}
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value and whether the key is present.
func (r Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Value returns the value for key, or "" when absent.
func (r Record) Value(key string) string { return r.values[key] }

// ValueOr returns the value for key, or def when the key is absent.
// An empty but present value is returned as-is.
func (r Record) ValueOr(key, def string) string {
	if v, ok := r.values[key]; ok {
		return v
	}
	return def
}

func (r Record) Keys() []string { return append([]string(nil), r.keys...) }

func (r Record) Len() int { return len(r.keys) }

// Missing returns the fields that are absent or blank, in the order given.
func (r Record) Missing(fields []string) []string {
	var out []string
	for _, f := range fields {
		if strings.TrimSpace(r.values[f]) == "" {
			out = append(out, f)
		}
	}
	return out
}

// Complete reports whether every field is present and non-blank.
func (r Record) Complete(fields []string) bool { return len(r.Missing(fields)) == 0 }

func (r Record) Equal(o Record) bool {
	if len(r.keys) != len(o.keys) {
		return false
	}
	for i, k := range r.keys {
		if o.keys[i] != k || o.values[k] != r.values[k] {
			return false
		}
	}
	return true
}

func (r Record) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, k := range r.keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %q", k, r.values[k])
	}
	b.WriteString("}")
	return b.String()
}

// MarshalJSON encodes the record as an object in header order.
func (r Record) MarshalJSON() ([]byte, error) {
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
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat object of strings, keeping key order.
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object, got %v", tok)
	}
	out := Record{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		k, _ := kt.(string)
		var v string
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("record: field %q: %w", k, err)
		}
		out.Set(k, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}
