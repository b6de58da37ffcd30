package engine

import (
	"fmt"
	"strings"
)

// KeyPath names the value fields a key is read from. Each element is a
// dotted path into nested maps; the empty path is the value itself. More than
// one element makes a compound (array) key.
type KeyPath []string

// IsZero reports whether no key path is set.
func (p KeyPath) IsZero() bool {
	return len(p) == 0
}

func (p KeyPath) String() string {
	if len(p) == 1 {
		return p[0]
	}
	return "[" + strings.Join(p, ",") + "]"
}

func (p KeyPath) compound() bool {
	return len(p) > 1
}

func (p KeyPath) equal(q KeyPath) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// extract reads the key at the key path. ok is false when a field along the
// path is missing; err is set when the value found is not a valid key.
func (p KeyPath) extract(value any) (key Key, ok bool, err error) {
	if !p.compound() {
		raw, found := lookup(value, p[0])
		if !found {
			return nil, false, nil
		}
		k, err := NormalizeKey(raw)
		if err != nil {
			return nil, false, err
		}
		return k, true, nil
	}
	parts := make([]any, len(p))
	for i, path := range p {
		raw, found := lookup(value, path)
		if !found {
			return nil, false, nil
		}
		k, err := NormalizeKey(raw)
		if err != nil {
			return nil, false, err
		}
		parts[i] = k
	}
	return parts, true, nil
}

func lookup(value any, path string) (any, bool) {
	if path == "" {
		return value, value != nil
	}
	cur := value
	for _, field := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[field]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// inject stores key at a single, non-empty key path, creating intermediate
// maps as needed.
func (p KeyPath) inject(value any, key Key) error {
	if p.compound() || p[0] == "" {
		return fmt.Errorf("%w: cannot inject a key at %s", ErrData, p)
	}
	fields := strings.Split(p[0], ".")
	cur, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: cannot inject a key into %T", ErrData, value)
	}
	for _, field := range fields[:len(fields)-1] {
		next, exists := cur[field]
		if !exists {
			m := map[string]any{}
			cur[field] = m
			cur = m
			continue
		}
		if cur, ok = next.(map[string]any); !ok {
			return fmt.Errorf("%w: %s is not an object", ErrData, field)
		}
	}
	cur[fields[len(fields)-1]] = key
	return nil
}
