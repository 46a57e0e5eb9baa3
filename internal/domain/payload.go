package domain

import (
	"encoding/json"
	"sort"

	"github.com/google/go-cmp/cmp"
)

// Payload is the JSON object carried by mutations and server changes.
type Payload map[string]interface{}

// Normalize round-trips the payload through JSON so that values compare the
// same way as payloads read back from storage (numbers become float64).
func (p Payload) Normalize() (Payload, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Patch returns a copy of p with every field of patch applied on top.
func (p Payload) Patch(patch Payload) Payload {
	out := p.Clone()
	if out == nil {
		out = make(Payload, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Has reports whether field is present, including explicit nulls.
func (p Payload) Has(field string) bool {
	_, ok := p[field]
	return ok
}

func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChangedFields lists the fields whose value differs between before and
// after, including fields present on only one side. The result is sorted.
func ChangedFields(before, after Payload) []string {
	seen := make(map[string]struct{}, len(before)+len(after))
	var changed []string
	for k, v := range after {
		seen[k] = struct{}{}
		old, ok := before[k]
		if !ok || !ValuesEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := seen[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// ValuesEqual compares two decoded JSON values, treating numeric types by value.
func ValuesEqual(a, b interface{}) bool {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return cmp.Equal(a, b)
}

// ToFloat converts JSON-ish numeric values to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Payload:
		return t.Clone()
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
