// Package schema infers storage column types from sampled JSON records and
// merges inferences as later pages reveal new or wider-typed fields.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Type is a storage column type.
type Type string

// Column types, ordered by generality: INTEGER < REAL < TEXT.
const (
	TypeInteger Type = "INTEGER"
	TypeReal    Type = "REAL"
	TypeText    Type = "TEXT"
)

func rank(t Type) int {
	switch t {
	case TypeInteger:
		return 0
	case TypeReal:
		return 1
	default:
		return 2
	}
}

// Widen returns the more general of two types. It never narrows.
func Widen(a, b Type) Type {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Column is a single named column with its inferred type.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Map is an ordered column-name to type mapping. Columns keep their first-seen
// order; once observed a column is never removed and its type only widens.
type Map struct {
	cols []Column
	idx  map[string]int
	// nullOnly marks columns whose TEXT type is a placeholder from null-only
	// sightings; the first non-null value replaces it instead of widening.
	nullOnly map[string]bool
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{idx: make(map[string]int), nullOnly: make(map[string]bool)}
}

// Len returns the number of columns.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.cols)
}

// Columns returns the columns in insertion order.
func (m *Map) Columns() []Column {
	if m == nil {
		return nil
	}
	out := make([]Column, len(m.cols))
	copy(out, m.cols)
	return out
}

// Get returns the type for a column and whether it exists.
func (m *Map) Get(name string) (Type, bool) {
	if m == nil {
		return "", false
	}
	i, ok := m.idx[name]
	if !ok {
		return "", false
	}
	return m.cols[i].Type, true
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := NewMap()
	if m == nil {
		return out
	}
	out.cols = append(out.cols, m.cols...)
	for k, v := range m.idx {
		out.idx[k] = v
	}
	for k, v := range m.nullOnly {
		out.nullOnly[k] = v
	}
	return out
}

// observe records a sighting of name with type t. A null sighting is recorded
// as a TEXT placeholder that yields to the first concrete type.
func (m *Map) observe(name string, t Type, isNull bool) {
	i, ok := m.idx[name]
	if !ok {
		m.idx[name] = len(m.cols)
		m.cols = append(m.cols, Column{Name: name, Type: t})
		if isNull {
			m.nullOnly[name] = true
		}
		return
	}
	if isNull {
		return
	}
	if m.nullOnly[name] {
		m.cols[i].Type = t
		delete(m.nullOnly, name)
		return
	}
	m.cols[i].Type = Widen(m.cols[i].Type, t)
}

// MarshalJSON encodes the map as a JSON object preserving column order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range m.Columns() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Name)
		if err != nil {
			return nil, fmt.Errorf("marshal column name: %w", err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(`"` + string(c.Type) + `"`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into the map, preserving key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	*m = *NewMap()
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("decode schema: expected object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode schema key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode schema key: expected string")
		}
		valTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode schema value: %w", err)
		}
		val, ok := valTok.(string)
		if !ok {
			return fmt.Errorf("decode schema value for %q: expected string", key)
		}
		m.observe(key, Type(val), false)
	}
	return nil
}

// SanitizeColumn normalizes a JSON key into a safe column name.
func SanitizeColumn(name string) string {
	name = strings.ReplaceAll(name, " ", "_")
	return strings.ReplaceAll(name, "-", "_")
}

// TypeOf classifies a decoded JSON value. The second return reports whether
// the value was null.
func TypeOf(v any) (Type, bool) {
	switch val := v.(type) {
	case nil:
		return TypeText, true
	case bool:
		return TypeInteger, false
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return TypeInteger, false
		}
		return TypeReal, false
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return TypeInteger, false
		}
		return TypeReal, false
	case string:
		return TypeText, false
	default:
		// Objects and arrays are stored serialized.
		return TypeText, false
	}
}

// Infer derives a Map from the union of keys across all sampled records.
func Infer(records []map[string]any) *Map {
	m := NewMap()
	for _, rec := range records {
		// Sort keys so column order is stable regardless of map iteration.
		keys := make([]string, 0, len(rec))
		for key := range rec {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			t, isNull := TypeOf(rec[key])
			m.observe(SanitizeColumn(key), t, isNull)
		}
	}
	return m
}

// Merge unions incoming into existing, widening conflicting types along
// INTEGER < REAL < TEXT. It returns the merged map and whether any existing
// column's type changed. Neither input is modified.
func Merge(existing, incoming *Map) (*Map, bool) {
	out := existing.Clone()
	widened := false
	if incoming == nil {
		return out, false
	}
	for _, c := range incoming.cols {
		before, had := out.Get(c.Name)
		out.observe(c.Name, c.Type, incoming.nullOnly[c.Name])
		if had {
			if after, _ := out.Get(c.Name); after != before {
				widened = true
			}
		}
	}
	return out, widened
}
