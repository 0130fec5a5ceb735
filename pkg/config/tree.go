package config

import (
	"fmt"
	"maps"
	"strings"
)

// Clone returns a copy that can select another board or lab without
// affecting c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.tree = normalize(c.tree).(map[string]any)
	cp.Boards = maps.Clone(c.Boards)
	cp.Toolchains = maps.Clone(c.Toolchains)
	return &cp
}

// Get looks up a dotted key such as "toolchains.armv7.env_setup_script".
// Keys starting with "board." resolve against the selected board.
func (c *Config) Get(key string) (any, bool) {
	var cur any = c.tree
	for _, part := range c.path(key) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether key is set.
func (c *Config) Has(key string) bool {
	v, ok := c.Get(key)
	return ok && v != nil
}

// GetString returns key as a string, or def when it is unset.
func (c *Config) GetString(key, def string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// MustString returns key as a string or an error naming the missing key.
func (c *Config) MustString(key string) (string, error) {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return "", fmt.Errorf("config: %q is not set", key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// Set stores value at key, creating intermediate maps, and refreshes the
// typed view.
func (c *Config) Set(key string, value any) error {
	parts := c.path(key)
	if len(parts) == 0 {
		return fmt.Errorf("config: empty key")
	}
	cur := c.tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = normalize(value)
	return c.decode()
}

func (c *Config) path(key string) []string {
	key = strings.Trim(key, ".")
	if key == "" {
		return nil
	}
	parts := strings.Split(key, ".")
	if parts[0] == "board" && c.BoardName != "" {
		parts = append([]string{"boards", c.BoardName}, parts[1:]...)
	}
	return parts
}

// merge copies src into dst, descending into maps present in both.
func merge(dst, src map[string]any) {
	for k, v := range src {
		sm, sok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			merge(dm, sm)
			continue
		}
		dst[k] = v
	}
}

// normalize turns map[any]any and friends into map[string]any so that trees
// coming from different decoders compare and merge the same way.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprint(k)] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	default:
		return v
	}
}
