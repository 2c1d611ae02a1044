package cache

import (
	"sort"
	"strings"
)

// Key identifies a cached resource: its kind plus the parameters that
// discriminate one instance from another. Keys are comparable, so two keys
// with the same kind and parameters address the same entry.
type Key struct {
	Kind   string
	Params string
}

// KeyFor builds a stable key from a kind and its parameters. Parameters are
// sorted so map iteration order never produces two keys for one resource.
func KeyFor(kind string, params map[string]string) Key {
	if len(params) == 0 {
		return Key{Kind: kind}
	}
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return Key{Kind: kind, Params: strings.Join(parts, "&")}
}

// Param returns the value of a single parameter encoded in the key.
func (k Key) Param(name string) string {
	if k.Params == "" {
		return ""
	}
	for _, part := range strings.Split(k.Params, "&") {
		if v, ok := strings.CutPrefix(part, name+"="); ok {
			return v
		}
	}
	return ""
}

func (k Key) String() string {
	if k.Params == "" {
		return k.Kind
	}
	return k.Kind + "?" + k.Params
}

// Pattern selects keys for invalidation: either one exact key or every key
// of a kind.
type Pattern struct {
	kind  string
	key   Key
	exact bool
}

// Exact matches a single key.
func Exact(k Key) Pattern {
	return Pattern{kind: k.Kind, key: k, exact: true}
}

// AllOf matches every key of the given kind, whatever its parameters.
func AllOf(kind string) Pattern {
	return Pattern{kind: kind}
}

// Match reports whether k is selected by the pattern.
func (p Pattern) Match(k Key) bool {
	if p.exact {
		return p.key == k
	}
	return p.kind == k.Kind
}

func (p Pattern) String() string {
	if p.exact {
		return p.key.String()
	}
	return p.kind + "?*"
}
