package testcase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCtx(reg *Registry) *Context {
	return NewContext(context.Background(), nil, nil, reg)
}

func TestRegistryListAndInfo(t *testing.T) {
	reg := NewRegistry()
	noop := func(*Context, Params) (any, error) { return nil, nil }
	reg.Register(Info{Name: "zeta", Description: "last"}, noop)
	reg.Register(Info{Name: "alpha", Description: "first"}, noop)

	assert.Equal(t, []string{"alpha", "zeta"}, reg.List())
	infos := reg.Info()
	require.Len(t, infos, 2)
	assert.Equal(t, "first", infos[0].Description)

	_, ok := reg.Get("alpha")
	assert.True(t, ok)
	_, ok = reg.Get("beta")
	assert.False(t, ok)
}

func TestCallNested(t *testing.T) {
	reg := NewRegistry()
	var depths []int
	reg.Register(Info{Name: "inner"}, func(tc *Context, p Params) (any, error) {
		depths = append(depths, tc.depth)
		return p.Int("n", 0) * 2, nil
	})
	reg.Register(Info{Name: "outer"}, func(tc *Context, p Params) (any, error) {
		depths = append(depths, tc.depth)
		return tc.Call("inner", Params{"n": 21})
	})

	tc := newCtx(reg)
	v, err := reg.Call(tc, "outer", nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []int{1, 2}, depths)
	assert.Equal(t, 0, tc.depth)
}

func TestCallErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Info{Name: "boom"}, func(*Context, Params) (any, error) {
		panic("exploded")
	})
	reg.Register(Info{Name: "fails"}, func(*Context, Params) (any, error) {
		return nil, errors.New("assertion failed")
	})
	reg.Register(Info{Name: "skips"}, func(*Context, Params) (any, error) {
		return nil, Skip("no board")
	})
	tc := newCtx(reg)

	_, err := reg.Call(tc, "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exploded")
	assert.Equal(t, 0, tc.depth)

	_, err = reg.Call(tc, "fails", nil)
	require.EqualError(t, err, "assertion failed")
	assert.False(t, IsSkip(err))

	_, err = reg.Call(tc, "skips", nil)
	require.Error(t, err)
	assert.True(t, IsSkip(err))
	assert.Equal(t, "skipped: no board", err.Error())

	_, err = reg.Call(tc, "missing", nil)
	require.ErrorIs(t, err, ErrUnknownTestcase)
}

func TestParseParam(t *testing.T) {
	tests := []struct {
		in    string
		name  string
		value any
	}{
		{"foo=True", "foo", true},
		{"foo=False", "foo", false},
		{"n=42", "n", 42},
		{"f=1.5", "f", 1.5},
		{"s='hello world'", "s", "hello world"},
		{`s="tab\tstop"`, "s", "tab\tstop"},
		{"x=None", "x", nil},
		{"board=bbb", "board", "bbb"},
		{"expr=a=b", "expr", "a=b"},
		{"addr=0x82000000", "addr", 0x82000000},
		{"neg=-7", "neg", -7},
		{"e=1e3", "e", 1000.0},
		{"x=inf", "x", "inf"},
		{"x=nan", "x", "nan"},
		{"x=010", "x", "010"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, v, err := ParseParam(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.value, v)
		})
	}

	_, _, err := ParseParam("novalue")
	require.Error(t, err)
	_, _, err = ParseParam("=1")
	require.Error(t, err)
	_, _, err = ParseParam(`s="unterminated\"`)
	require.Error(t, err)
}

func TestParams(t *testing.T) {
	p := Params{
		"name":  "bbb",
		"count": 3.0,
		"flag":  "true",
		"sub":   map[string]any{"k": "v"},
	}
	assert.Equal(t, "bbb", p.String("name", ""))
	assert.Equal(t, "def", p.String("nope", "def"))
	assert.Equal(t, 3, p.Int("count", 0))
	assert.Equal(t, 7, p.Int("name", 7))
	assert.True(t, p.Bool("flag", false))
	assert.True(t, p.Bool("nope", true))
	assert.Equal(t, "v", p.Map("sub").String("k", ""))
	assert.Nil(t, p.Map("name"))
	assert.True(t, p.Has("name"))
}

type recordCloser struct {
	name  string
	order *[]string
	err   error
}

func (c recordCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestCloseReverseOrder(t *testing.T) {
	tc := newCtx(nil)
	var order []string
	tc.track(recordCloser{name: "lab", order: &order})
	tc.track(recordCloser{name: "board", order: &order, err: errors.New("power off failed")})
	tc.track(recordCloser{name: "linux", order: &order})

	err := tc.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power off failed")
	assert.Equal(t, []string{"linux", "board", "lab"}, order)
	require.NoError(t, tc.Close())
}

func TestAcquireWithoutSelectables(t *testing.T) {
	tc := newCtx(nil)
	_, err := tc.AcquireLab()
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = tc.AcquireBoard(nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}
