package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Fields holds the materialized state of an entity. Values are restricted to
// the canonical JSON subset: string, int64, bool, []any, and nested Fields.
// Floats and nulls are rejected at decode time - they would break the
// structural-equality contract normalization and idempotence depend on.
type Fields map[string]any

// DecodeFields parses JSON bytes into Fields with strict validation.
// Numbers must be integers (json.Number is used to avoid float64 precision
// loss above 2^53); floats and nulls are rejected.
func DecodeFields(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("fields must be a JSON object, got %T", raw)
	}

	converted, err := convertFieldValue(obj)
	if err != nil {
		return nil, err
	}
	return Fields(converted.(map[string]any)), nil
}

// EncodeFields serializes f as a JSON object. Inverse of DecodeFields; the
// canonical value subset guarantees a lossless round trip.
func EncodeFields(f Fields) ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(f))
}

// convertFieldValue recursively normalizes decoded JSON into the canonical
// value subset. Rejects null and floats.
func convertFieldValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in entity fields")
	case bool, string:
		return val, nil
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden in entity fields: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return n, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			conv, err := convertFieldValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			conv, err := convertFieldValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	case Fields:
		return convertFieldValue(map[string]any(val))
	case float64, float32:
		return nil, fmt.Errorf("floats are forbidden in entity fields: %v", val)
	default:
		return nil, fmt.Errorf("unsupported field value type: %T", v)
	}
}

// Normalize returns a copy of f with every value converted to the canonical
// subset, or an error if a value falls outside it. Programmatically built
// Fields (e.g. with int values) pass through this before hashing or storage.
func (f Fields) Normalize() (Fields, error) {
	conv, err := convertFieldValue(map[string]any(f))
	if err != nil {
		return nil, err
	}
	return Fields(conv.(map[string]any)), nil
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return Fields(cloneValue(map[string]any(f)).(map[string]any))
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case Fields:
		return cloneValue(map[string]any(val))
	default:
		return val
	}
}

// Equal reports deep structural equality between two Fields maps.
// This drives the Applier's no-op detection: re-applying an intent whose
// fields match current state must not bump the entity version.
func (f Fields) Equal(other Fields) bool {
	return valuesEqual(map[string]any(f), map[string]any(other))
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		bv, ok := toInt64(b)
		return ok && av == bv
	case int:
		bv, ok := toInt64(b)
		return ok && int64(av) == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := asMap(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, elem := range av {
			belem, present := bv[k]
			if !present || !valuesEqual(elem, belem) {
				return false
			}
		}
		return true
	case Fields:
		return valuesEqual(map[string]any(av), b)
	default:
		return false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return map[string]any(m), true
	}
	return nil, false
}

// ChangedKeys returns the sorted set of keys whose values differ between
// prev and next, including keys present in only one of the two.
func ChangedKeys(prev, next Fields) []string {
	seen := make(map[string]bool, len(prev)+len(next))
	var changed []string
	for k, v := range next {
		seen[k] = true
		pv, ok := prev[k]
		if !ok || !valuesEqual(v, pv) {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if !seen[k] {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order which differs for some inputs.
func (f Fields) SortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units as required by
// RFC 8785. Surrogate pairs make this differ from plain string comparison.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := len(a16)
	if len(b16) < minLen {
		minLen = len(b16)
	}
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}
