package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Timestamp is the store's logical write time: a monotonic int64 sequence
// assigned at commit, persisted across restarts. It is not a wall clock.
type Timestamp int64

// serverTimeSentinel marks a field to be replaced with the commit's
// Timestamp at write time.
type serverTimeSentinel struct{}

// ServerTime is the sentinel callers place in Fields where the store should
// assign its own write time, mirroring serverTimestamp() in the external
// interface.
var ServerTime = serverTimeSentinel{}

// Fields is a record's document body. Values are JSON-shaped: string, bool,
// int64, float64, []any, map[string]any, plus the ServerTime sentinel on
// the way in. Keys in write patches may use dotted paths ("editorMap.u1")
// to address nested fields, Firestore-style.
type Fields map[string]any

// String returns the string value at key, or "" if absent or not a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Int64 returns the integer value at key, tolerating float64 from JSON
// decoding. Returns 0 if absent or non-numeric.
func (f Fields) Int64(key string) int64 {
	switch v := f[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case Timestamp:
		return int64(v)
	default:
		return 0
	}
}

// Bool returns the boolean value at key, or false.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Strings returns the value at key as a string slice. Non-string elements
// are skipped.
func (f Fields) Strings(key string) []string {
	raw, ok := f[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// BoolMap returns the value at key as a map of string to bool.
func (f Fields) BoolMap(key string) map[string]bool {
	raw, ok := f[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out
}

// Timestamp returns the Timestamp value at key, or 0.
func (f Fields) Timestamp(key string) Timestamp {
	return Timestamp(f.Int64(key))
}

// lookupPath resolves a dotted path against nested field maps.
func lookupPath(f Fields, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(f)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// expandDots converts a flat patch with dotted keys into a nested map:
// {"editorMap.u1": true} becomes {"editorMap": {"u1": true}}.
func expandDots(patch Fields) map[string]any {
	out := make(map[string]any, len(patch))
	for key, val := range patch {
		parts := strings.Split(key, ".")
		node := out
		for i, p := range parts {
			if i == len(parts)-1 {
				node[p] = val
				break
			}
			next, ok := node[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[p] = next
			}
			node = next
		}
	}
	return out
}

// touchedPaths returns the sorted raw patch keys (dotted form preserved)
// for rule evaluation.
func touchedPaths(patch Fields) []string {
	paths := make([]string, 0, len(patch))
	for k := range patch {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

// deepClone copies a nested field map.
func deepClone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepClone(t)
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// deepMerge merges src into dst, recursing where both sides are maps.
// dst is mutated and returned.
func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// resolveServerTime replaces ServerTime sentinels with the commit time.
func resolveServerTime(m map[string]any, now Timestamp) {
	for k, v := range m {
		switch t := v.(type) {
		case serverTimeSentinel:
			m[k] = int64(now)
		case map[string]any:
			resolveServerTime(t, now)
		}
	}
}

// encodeFields serializes a field map to JSON for storage.
func encodeFields(m map[string]any) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(raw), nil
}

// decodeFields parses stored JSON into a field map, preserving integer
// precision via json.Number before normalizing.
func decodeFields(raw string) (Fields, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return Fields(normalizeMap(m)), nil
}

func normalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return normalizeMap(t)
	case []any:
		for i, e := range t {
			t[i] = normalizeValue(e)
		}
		return t
	default:
		return v
	}
}

// valuesEqual compares two field values loosely across numeric types, the
// way query predicates need it (an int64 written equals a float64 decoded).
func valuesEqual(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case Timestamp:
		return float64(t), true
	default:
		return 0, false
	}
}
