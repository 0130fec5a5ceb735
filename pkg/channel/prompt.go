package channel

import (
	"bytes"
	"fmt"
	"regexp"
)

// Prompt locates the end of a piece of output in the receive buffer.
type Prompt interface {
	// find returns the start and end offsets of the first match in b.
	find(b []byte) (start, end int, ok bool)
	fmt.Stringer
}

type literal string

// Literal matches the exact string s.
func Literal(s string) Prompt {
	return literal(s)
}

func (l literal) find(b []byte) (int, int, bool) {
	i := bytes.Index(b, []byte(l))
	if i < 0 {
		return 0, 0, false
	}
	return i, i + len(l), true
}

func (l literal) String() string {
	return fmt.Sprintf("%q", string(l))
}

type regex struct {
	re *regexp.Regexp
}

// Re matches a regular expression.  It panics if pattern does not compile,
// like regexp.MustCompile.
func Re(pattern string) Prompt {
	return regex{re: regexp.MustCompile(pattern)}
}

// Regexp matches an already compiled regular expression.
func Regexp(re *regexp.Regexp) Prompt {
	return regex{re: re}
}

func (r regex) find(b []byte) (int, int, bool) {
	loc := r.re.FindIndex(b)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

func (r regex) String() string {
	return fmt.Sprintf("/%s/", r.re.String())
}
