package testcase

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/machine/board"
	"github.com/zkrx/tbot/pkg/machine/connector"
	"github.com/zkrx/tbot/pkg/machine/linux"
)

// ErrNotConfigured is returned when a machine is requested that the
// configuration does not describe, e.g. a board when none is selected.
var ErrNotConfigured = errors.New("not configured")

// Selectables creates the machines testcases work with.
type Selectables interface {
	Lab(ctx context.Context, cfg *config.Config) (*connector.Lab, error)
	Board(ctx context.Context, cfg *config.Config, lab *connector.Lab) (*board.Board, error)
	UBoot(ctx context.Context, cfg *config.Config, b *board.Board) (*board.UBoot, error)
	Linux(ctx context.Context, cfg *config.Config, from board.Source) (*linux.Machine, error)
}

type closer interface {
	Close() error
}

// Context is what a testcase runs in.
type Context struct {
	context.Context
	Config      *config.Config
	Selectables Selectables
	Registry    *Registry

	log zerolog.Logger

	mu      sync.Mutex
	depth   int
	lab     *connector.Lab
	closers []closer
}

// NewContext returns a Context using reg for nested calls.  A nil reg means
// Default.
func NewContext(ctx context.Context, cfg *config.Config, sel Selectables, reg *Registry) *Context {
	if reg == nil {
		reg = Default
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Context{
		Context:     ctx,
		Config:      cfg,
		Selectables: sel,
		Registry:    reg,
		log:         log.WithComponent("testcase"),
	}
}

// Logger returns the testcase logger.
func (tc *Context) Logger() *zerolog.Logger {
	return &tc.log
}

func (tc *Context) enter() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	d := tc.depth
	tc.depth++
	return d
}

func (tc *Context) leave() {
	tc.mu.Lock()
	tc.depth--
	tc.mu.Unlock()
}

// WithValue attaches a value to the context until the returned function
// is called, for state shared with nested testcases.
func (tc *Context) WithValue(key, val any) (restore func()) {
	prev := tc.Context
	tc.Context = context.WithValue(prev, key, val)
	return func() { tc.Context = prev }
}

// Call runs another testcase by name.
func (tc *Context) Call(name string, params Params) (any, error) {
	return tc.Registry.Call(tc, name, params)
}

// CallFunc runs fn as a testcase named name.
func (tc *Context) CallFunc(name string, fn Func, params Params) (any, error) {
	return tc.run(name, fn, params)
}

func (tc *Context) track(c closer) {
	tc.mu.Lock()
	tc.closers = append(tc.closers, c)
	tc.mu.Unlock()
}

func (tc *Context) selectables() (Selectables, error) {
	if tc.Selectables == nil {
		return nil, ErrNotConfigured
	}
	return tc.Selectables, nil
}

// AcquireLab returns the lab host.  It is created once per Context.
func (tc *Context) AcquireLab() (*connector.Lab, error) {
	tc.mu.Lock()
	lab := tc.lab
	tc.mu.Unlock()
	if lab != nil {
		return lab, nil
	}
	sel, err := tc.selectables()
	if err != nil {
		return nil, err
	}
	lab, err = sel.Lab(tc, tc.Config)
	if err != nil {
		return nil, err
	}
	tc.mu.Lock()
	tc.lab = lab
	tc.mu.Unlock()
	tc.track(lab)
	return lab, nil
}

// AcquireBoard opens the selected board on lab.
func (tc *Context) AcquireBoard(lab *connector.Lab) (*board.Board, error) {
	sel, err := tc.selectables()
	if err != nil {
		return nil, err
	}
	b, err := sel.Board(tc, tc.Config, lab)
	if err != nil {
		return nil, err
	}
	tc.track(b)
	return b, nil
}

// AcquireUBoot waits for U-Boot on b.
func (tc *Context) AcquireUBoot(b *board.Board) (*board.UBoot, error) {
	sel, err := tc.selectables()
	if err != nil {
		return nil, err
	}
	ub, err := sel.UBoot(tc, tc.Config, b)
	if err != nil {
		return nil, err
	}
	tc.track(ub)
	return ub, nil
}

// AcquireLinux brings up Linux from a board or its U-Boot.
func (tc *Context) AcquireLinux(from board.Source) (*linux.Machine, error) {
	sel, err := tc.selectables()
	if err != nil {
		return nil, err
	}
	m, err := sel.Linux(tc, tc.Config, from)
	if err != nil {
		return nil, err
	}
	tc.track(m)
	return m, nil
}

// Close releases all acquired machines, newest first.
func (tc *Context) Close() error {
	tc.mu.Lock()
	closers := tc.closers
	tc.closers = nil
	tc.lab = nil
	tc.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
