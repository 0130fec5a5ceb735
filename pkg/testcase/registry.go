// Package testcase runs named testcases: registration, nested calls with
// timing and logging, skipping, parameters, and machine acquisition.
package testcase

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/zkrx/tbot/pkg/log"
)

// Func is a testcase.  The returned value is handed to callers of nested
// testcases.
type Func func(tc *Context, params Params) (any, error)

// Info describes a testcase.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
}

type entry struct {
	info Info
	fn   Func
}

// Registry maps names to testcases.
type Registry struct {
	mu    sync.RWMutex
	cases map[string]entry
}

// ErrUnknownTestcase is returned for names that are not registered.
var ErrUnknownTestcase = errors.New("unknown testcase")

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{cases: make(map[string]entry)}
}

// Default holds the builtin testcases.
var Default = NewRegistry()

// Register adds fn to the default registry.
func Register(info Info, fn Func) {
	Default.Register(info, fn)
}

// Register adds fn under info.Name, replacing an earlier registration.
func (r *Registry) Register(info Info, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases[info.Name] = entry{info: info, fn: fn}
}

// Get looks up a testcase.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cases[name]
	return e.fn, ok
}

// List returns all testcase names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cases))
	for name := range r.cases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the descriptions of all testcases, sorted by name.
func (r *Registry) Info() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.cases))
	for _, e := range r.cases {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Call runs the testcase name in tc.  A skipped testcase returns a SkipError
// which callers should not treat as a failure.
func (r *Registry) Call(tc *Context, name string, params Params) (any, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTestcase, name)
	}
	return tc.run(name, fn, params)
}

func (tc *Context) run(name string, fn Func, params Params) (result any, err error) {
	if params == nil {
		params = Params{}
	}
	depth := tc.enter()
	defer tc.leave()

	log.TestcaseBegin(name, depth)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			tc.log.Debug().Str("testcase", name).Bytes("stack", debug.Stack()).Msg("panic")
			result, err = nil, fmt.Errorf("testcase %s panicked: %v", name, r)
		}
		log.TestcaseEnd(name, depth, time.Since(start), IsSkip(err), err)
	}()

	return fn(tc, params)
}
