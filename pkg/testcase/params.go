package testcase

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Params are the named parameters of a testcase call.
type Params map[string]any

// Has reports whether key is set.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns key as a string, or def if unset or nil.
func (p Params) String(key, def string) string {
	switch v := p[key].(type) {
	case nil:
		return def
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns key as a bool, or def if unset or not a bool.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns key as an int, or def if unset or not a number.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// Map returns key as a nested parameter set, or nil.
func (p Params) Map(key string) Params {
	switch v := p[key].(type) {
	case Params:
		return v
	case map[string]any:
		return Params(v)
	}
	return nil
}

// ParseParam splits "name=value" and converts value with ParseLiteral.
func ParseParam(s string) (string, any, error) {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("parameter %q is not of the form name=value", s)
	}
	v, err := ParseLiteral(value)
	if err != nil {
		return "", nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	return name, v, nil
}

// floatLiteral only admits decimal notation, not inf, nan or hex floats.
var floatLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// leadingZero reports decimal integers like 010, which are not literals.
func leadingZero(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9'
}

// ParseLiteral converts a literal: True/False, None, integers (also 0x, 0o
// and 0b prefixed), decimal floats and quoted strings.  Anything else is taken as a plain string.
func ParseLiteral(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	case "None", "":
		return nil, nil
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil && !leadingZero(s) {
		return int(i), nil
	}
	if floatLiteral.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	}
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			u, err := strconv.Unquote(s)
			if err != nil {
				return nil, fmt.Errorf("bad string literal %s: %w", s, err)
			}
			return u, nil
		case s[0] == '\'' && s[len(s)-1] == '\'':
			return strings.ReplaceAll(s[1:len(s)-1], `\'`, `'`), nil
		}
	}
	return s, nil
}
