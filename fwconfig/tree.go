package fwconfig

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Tree is a framework configuration: nested string-keyed maps, lists and
// scalars addressed by dotted paths such as "train_dataloader.dataset.ann_file".
// A numeric segment indexes into a list ("model.bbox_head.0.num_classes").
type Tree map[string]any

func New() Tree {
	return Tree{}
}

// FromMap normalizes a decoded document into a Tree. Maps with non-string
// keys are converted; the input is deep-copied.
func FromMap(m map[string]any) Tree {
	if m == nil {
		return Tree{}
	}
	return Tree(normalize(m).(map[string]any))
}

func normalize(v any) any {
	switch x := v.(type) {
	case Tree:
		return normalize(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = val
		}
		return out
	}
	return v
}

// Clone returns a deep copy.
func (t Tree) Clone() Tree {
	return FromMap(t)
}

func split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func child(node any, key string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n) {
			return nil, false
		}
		return n[i], true
	}
	return nil, false
}

// Get returns the value at path.
func (t Tree) Get(path string) (any, bool) {
	var node any = map[string]any(t)
	for _, key := range split(path) {
		next, ok := child(node, key)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

// Has reports whether path exists, even when its value is nil.
func (t Tree) Has(path string) bool {
	_, ok := t.Get(path)
	return ok
}

// Map returns the mapping at path; ok is false when absent or not a mapping.
func (t Tree) Map(path string) (map[string]any, bool) {
	v, ok := t.Get(path)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// List returns the list at path; ok is false when absent or not a list.
func (t Tree) List(path string) ([]any, bool) {
	v, ok := t.Get(path)
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}

// String returns the string at path.
func (t Tree) String(path string) (string, bool) {
	v, ok := t.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the integer at path. Whole floats decoded from JSON count.
func (t Tree) Int(path string) (int, bool) {
	v, ok := t.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// Set stores value at path, creating intermediate mappings as needed. It
// fails when an intermediate node exists but is not a mapping or list.
func (t Tree) Set(path string, value any) error {
	keys := split(path)
	if len(keys) == 0 {
		return fmt.Errorf("empty config path")
	}
	var node any = map[string]any(t)
	for i, key := range keys[:len(keys)-1] {
		next, ok := child(node, key)
		if !ok || next == nil {
			m, isMap := node.(map[string]any)
			if !isMap {
				return fmt.Errorf("cannot set %s: %s is not a mapping", path, strings.Join(keys[:i+1], "."))
			}
			created := map[string]any{}
			m[key] = created
			next = created
		}
		switch next.(type) {
		case map[string]any, []any:
		default:
			return fmt.Errorf("cannot set %s: %s is a %T, not a mapping", path, strings.Join(keys[:i+1], "."), next)
		}
		node = next
	}
	last := keys[len(keys)-1]
	switch n := node.(type) {
	case map[string]any:
		n[last] = normalize(value)
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(n) {
			return fmt.Errorf("cannot set %s: index %q out of range", path, last)
		}
		n[idx] = normalize(value)
	}
	return nil
}

// Delete removes the key at path. Missing paths are ignored.
func (t Tree) Delete(path string) {
	keys := split(path)
	if len(keys) == 0 {
		return
	}
	parent := strings.Join(keys[:len(keys)-1], ".")
	var node any = map[string]any(t)
	if parent != "" {
		var ok bool
		if node, ok = t.Get(parent); !ok {
			return
		}
	}
	if m, ok := node.(map[string]any); ok {
		delete(m, keys[len(keys)-1])
	}
}

// Merge copies the keys of values into the mapping at path, creating it when
// absent. Existing keys are overwritten.
func (t Tree) Merge(path string, values map[string]any) error {
	if m, ok := t.Map(path); ok {
		maps.Copy(m, normalize(values).(map[string]any))
		return nil
	}
	return t.Set(path, values)
}
