// Package engine runs testcases asynchronously for the manager and keeps
// their execution records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/models"
	"github.com/zkrx/tbot/pkg/testcase"
)

// Status of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound    = errors.New("execution not found")
	ErrFinished    = errors.New("execution already finished")
	ErrBoardBusy   = errors.New("board is busy")
	ErrInteractive = errors.New("interactive testcases cannot run in the manager")
)

// Execution is the record of one testcase run.
type Execution struct {
	ID        string         `json:"id"`
	Testcase  string         `json:"testcase"`
	Board     string         `json:"board,omitempty"`
	Lab       string         `json:"lab,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Status    Status         `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	// Duration is in milliseconds, up to now for running executions.
	Duration int64 `json:"duration"`
}

// Finished reports whether the execution has ended.
func (e *Execution) Finished() bool {
	return e.Status != StatusRunning
}

type run struct {
	exec      Execution
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func (r *run) snapshot() Execution {
	e := r.exec
	end := time.Now()
	if e.EndTime != nil {
		end = *e.EndTime
	}
	e.Duration = end.Sub(e.StartTime).Milliseconds()
	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegisterer registers the metrics with reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// Engine runs testcases in the background.  At most one execution uses a
// board at a time.
type Engine struct {
	cfg *config.Config
	sel testcase.Selectables
	reg *testcase.Registry
	log zerolog.Logger

	registerer prometheus.Registerer
	metrics    *Metrics

	mu     sync.Mutex
	runs   map[string]*run
	boards map[string]string
	wg     sync.WaitGroup
}

// New returns an engine running testcases from reg against cfg.
func New(cfg *config.Config, sel testcase.Selectables, reg *testcase.Registry, opts ...Option) *Engine {
	if reg == nil {
		reg = testcase.Default
	}
	e := &Engine{
		cfg:        cfg,
		sel:        sel,
		reg:        reg,
		log:        log.WithComponent("engine"),
		registerer: prometheus.DefaultRegisterer,
		runs:       map[string]*run{},
		boards:     map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = NewMetrics(e.registerer)
	return e
}

// Registry returns the testcases the engine can run.
func (e *Engine) Registry() *testcase.Registry { return e.reg }

// Run starts a testcase and returns its execution record.
func (e *Engine) Run(req models.ExecutionRequest) (Execution, error) {
	if strings.HasPrefix(req.Testcase, "interactive_") {
		return Execution{}, fmt.Errorf("%s: %w", req.Testcase, ErrInteractive)
	}
	if _, ok := e.reg.Get(req.Testcase); !ok {
		return Execution{}, fmt.Errorf("%w: %s", testcase.ErrUnknownTestcase, req.Testcase)
	}

	cfg := e.cfg.Clone()
	if req.Board != "" {
		if _, ok := cfg.Boards[req.Board]; !ok {
			return Execution{}, fmt.Errorf("board %s: %w", req.Board, testcase.ErrNotConfigured)
		}
		cfg.SelectBoard(req.Board)
	}
	if req.Lab != "" {
		if err := cfg.SelectLab(req.Lab); err != nil {
			return Execution{}, fmt.Errorf("lab %s: %w", req.Lab, testcase.ErrNotConfigured)
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(req.Timeout)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	r := &run{
		exec: Execution{
			ID:        uuid.NewString(),
			Testcase:  req.Testcase,
			Board:     cfg.BoardName,
			Lab:       cfg.Lab.Name,
			Params:    req.Params,
			Status:    StatusRunning,
			StartTime: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if b := r.exec.Board; b != "" {
		if other, busy := e.boards[b]; busy {
			e.mu.Unlock()
			cancel()
			return Execution{}, fmt.Errorf("%s: %w (execution %s)", b, ErrBoardBusy, other)
		}
		e.boards[b] = r.exec.ID
	}
	e.runs[r.exec.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.started()
	e.log.Info().Str("id", r.exec.ID).Str("testcase", req.Testcase).Str("board", r.exec.Board).Msg("execution started")
	go e.execute(ctx, r, cfg)

	return e.snapshot(r), nil
}

func (e *Engine) execute(ctx context.Context, r *run, cfg *config.Config) {
	defer e.wg.Done()
	defer r.cancel()

	tc := testcase.NewContext(ctx, cfg, e.sel, e.reg)
	result, err := tc.Call(r.exec.Testcase, testcase.Params(r.exec.Params))
	if cerr := tc.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("releasing machines: %w", cerr)
	}

	e.mu.Lock()
	now := time.Now()
	r.exec.EndTime = &now
	switch {
	case r.cancelled:
		r.exec.Status = StatusCancelled
	case err == nil:
		r.exec.Status = StatusCompleted
		r.exec.Result = result
	case testcase.IsSkip(err):
		r.exec.Status = StatusSkipped
	default:
		r.exec.Status = StatusFailed
	}
	if err != nil {
		r.exec.Error = err.Error()
	}
	if b := r.exec.Board; b != "" && e.boards[b] == r.exec.ID {
		delete(e.boards, b)
	}
	final := r.snapshot()
	e.mu.Unlock()
	close(r.done)

	e.metrics.finished(&final)
	ev := e.log.Info()
	if final.Status == StatusFailed {
		ev = e.log.Warn()
	}
	ev.Str("id", final.ID).Str("testcase", final.Testcase).Str("status", string(final.Status)).
		Int64("duration_ms", final.Duration).Str("error", final.Error).Msg("execution finished")
}

func (e *Engine) snapshot(r *run) Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.snapshot()
}

// Get returns the execution with the given ID.
func (e *Engine) Get(id string) (Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return Execution{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r.snapshot(), nil
}

// Wait blocks until the execution finished or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (Execution, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	select {
	case <-r.done:
		return e.snapshot(r), nil
	case <-ctx.Done():
		return e.snapshot(r), ctx.Err()
	}
}

// List returns all executions, newest first.
func (e *Engine) List() []Execution {
	return e.History(0)
}

// History returns up to limit executions, newest first.  A limit of 0
// returns all of them.
func (e *Engine) History(limit int) []Execution {
	e.mu.Lock()
	out := make([]Execution, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel stops a running execution.  Its status changes once the testcase
// returned.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if r.exec.Finished() {
		return fmt.Errorf("%s: %w", id, ErrFinished)
	}
	r.cancelled = true
	r.cancel()
	e.log.Info().Str("id", id).Msg("execution cancelled")
	return nil
}

// Cleanup forgets finished executions that started more than maxAge ago and
// returns how many were removed.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, r := range e.runs {
		if r.exec.Finished() && r.exec.StartTime.Before(cutoff) {
			delete(e.runs, id)
			n++
		}
	}
	return n
}

// Stats counts the known and running executions.
func (e *Engine) Stats() (total, running int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.runs {
		if !r.exec.Finished() {
			running++
		}
	}
	return len(e.runs), running
}

// Close cancels all running executions and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, r := range e.runs {
		if !r.exec.Finished() {
			r.cancelled = true
			r.cancel()
		}
	}
	e.mu.Unlock()
	e.wg.Wait()
}
