// Package linux drives a Linux shell over a channel: lab hosts and the
// Linux running on boards.
package linux

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/machine"
)

// Prompt is the prompt tbot sets on every Linux shell it drives.
const Prompt = "TBOT-VEJPVC1QUk9NUFQK> "

const interruptTimeout = 5 * time.Second

// WorkdirFunc computes the workdir of a machine the first time it is needed.
type WorkdirFunc func(ctx context.Context, m *Machine) (Path, error)

// Option configures a Machine.
type Option func(*Machine)

// WithWorkdir sets how the workdir of the machine is determined.
func WithWorkdir(fn WorkdirFunc) Option {
	return func(m *Machine) { m.workdirFn = fn }
}

// OwnChannel makes Close close the channel.
func OwnChannel() Option {
	return func(m *Machine) { m.ownsChannel = true }
}

// WithCloser registers a function run after the channel is released on Close.
func WithCloser(fn func() error) Option {
	return func(m *Machine) { m.closers = append(m.closers, fn) }
}

// Machine is an initialised Linux shell.
type Machine struct {
	name   string
	ch     *channel.Channel
	shell  Shell
	prompt channel.Prompt
	// root is the machine that owns paths; subshells share it.
	root *Machine

	ownsChannel bool
	closers     []func() error

	workdirFn WorkdirFunc
	wdMu      sync.Mutex
	workdir   *Path
}

// New initialises the shell on ch: sets the tbot prompt, turns off history,
// line editing and echo.
func New(ctx context.Context, name string, ch *channel.Channel, shell Shell, opts ...Option) (*Machine, error) {
	m := &Machine{
		name:   name,
		ch:     ch,
		shell:  shell,
		prompt: channel.Literal(Prompt),
	}
	m.root = m
	for _, opt := range opts {
		opt(m)
	}
	if err := m.init(ctx); err != nil {
		return nil, fmt.Errorf("%s: initialising shell: %w", name, err)
	}
	return m, nil
}

func (m *Machine) init(ctx context.Context) error {
	if err := m.ch.SendLine(ctx, m.shell.InitLine(Prompt), false); err != nil {
		return err
	}
	if _, err := m.ch.ReadUntilPrompt(ctx, m.prompt); err != nil {
		return err
	}
	_, err := m.ch.RawCommand(ctx, "stty -echo", m.prompt)
	return err
}

// Name returns the machine name used in logs.
func (m *Machine) Name() string { return m.name }

// Shell returns the dialect of the machine's shell.
func (m *Machine) Shell() Shell { return m.shell }

// Channel exposes the underlying channel.
func (m *Machine) Channel() *channel.Channel { return m.ch }

// Close releases the machine.  The channel is only closed when the machine
// owns it.
func (m *Machine) Close() error {
	var err error
	if m.ownsChannel {
		err = m.ch.Close()
	}
	for _, fn := range m.closers {
		if cerr := fn(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *Machine) pathArg(p Path) (string, error) {
	if p.host == nil || p.host.root != m.root {
		host := "<nil>"
		if p.host != nil {
			host = p.host.name
		}
		return "", &machine.WrongHostError{Machine: m.name, Path: p.p, Host: host}
	}
	return shellescape.Quote(p.p), nil
}

// BuildCommand renders args into a command line.  Strings are quoted so each
// one stays a single argument, Specials are inserted as they are and Paths
// must belong to this machine.
func (m *Machine) BuildCommand(args ...any) (string, error) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			parts = append(parts, shellescape.Quote(a))
		case Path:
			s, err := m.pathArg(a)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		case Special:
			s, err := a.resolve(m)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		case fmt.Stringer:
			parts = append(parts, shellescape.Quote(a.String()))
		case int, int64, uint, uint64:
			parts = append(parts, fmt.Sprint(a))
		default:
			return "", fmt.Errorf("%s: unsupported command argument %T", m.name, arg)
		}
	}
	return strings.Join(parts, " "), nil
}

func normalizeOutput(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// ExecContext runs a command and returns its exit code and combined output.
func (m *Machine) ExecContext(ctx context.Context, args ...any) (int, string, error) {
	cmd, err := m.BuildCommand(args...)
	if err != nil {
		return 0, "", err
	}
	return m.execRaw(ctx, cmd)
}

func (m *Machine) execRaw(ctx context.Context, cmd string) (int, string, error) {
	log.Command(m.name, cmd)

	w := log.NewOutputWriter(m.name)
	prev := m.ch.SetStream(w)
	out, err := m.ch.RawCommand(ctx, cmd, m.prompt)
	m.ch.SetStream(prev)
	w.Flush()
	if err != nil {
		if ctx.Err() != nil {
			m.interrupt()
		}
		return 0, "", err
	}
	out = normalizeOutput(out)

	rv, err := m.ch.RawCommand(ctx, "echo $?", m.prompt)
	if err != nil {
		return 0, "", err
	}
	code, err := strconv.Atoi(strings.TrimSpace(normalizeOutput(rv)))
	if err != nil {
		return 0, "", fmt.Errorf("%s: cannot parse exit code %q: %w", m.name, rv, err)
	}
	return code, out, nil
}

// interrupt stops a command that outlived its context and waits for the
// prompt, so the shell is usable for the next command.
func (m *Machine) interrupt() {
	l := log.WithComponent("linux")
	if err := m.ch.SendIntr(); err != nil {
		l.Warn().Err(err).Str("machine", m.name).Msg("cannot interrupt command")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	if _, err := m.ch.ReadUntilPrompt(ctx, m.prompt); err != nil {
		l.Warn().Err(err).Str("machine", m.name).Msg("no prompt after interrupt")
	}
}

// Exec is ExecContext without a deadline.
func (m *Machine) Exec(args ...any) (int, string, error) {
	return m.ExecContext(context.Background(), args...)
}

// Exec0Context runs a command and fails with a CommandFailedError if it
// exits non-zero.
func (m *Machine) Exec0Context(ctx context.Context, args ...any) (string, error) {
	cmd, err := m.BuildCommand(args...)
	if err != nil {
		return "", err
	}
	code, out, err := m.execRaw(ctx, cmd)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return out, &machine.CommandFailedError{Machine: m.name, Command: cmd, Output: out, Code: code}
	}
	return out, nil
}

// Exec0 is Exec0Context without a deadline.
func (m *Machine) Exec0(args ...any) (string, error) {
	return m.Exec0Context(context.Background(), args...)
}

// TestContext runs a command and reports whether it exited with 0.
func (m *Machine) TestContext(ctx context.Context, args ...any) (bool, error) {
	code, _, err := m.ExecContext(ctx, args...)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Test is TestContext without a deadline.
func (m *Machine) Test(args ...any) (bool, error) {
	return m.TestContext(context.Background(), args...)
}

// Env returns the value of an environment variable.
func (m *Machine) Env(ctx context.Context, name string) (string, error) {
	out, err := m.Exec0Context(ctx, "echo", EnvVar(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(out, "\n"), nil
}

// SetEnv exports an environment variable.
func (m *Machine) SetEnv(ctx context.Context, name, value string) error {
	_, err := m.Exec0Context(ctx, "export", Raw(name+"="+shellescape.Quote(value)))
	return err
}

// Workdir returns the directory where testcases can keep data on this
// machine.  It is created on first use.
func (m *Machine) Workdir(ctx context.Context) (Path, error) {
	m.root.wdMu.Lock()
	defer m.root.wdMu.Unlock()
	if m.root.workdir != nil {
		return *m.root.workdir, nil
	}
	if m.root.workdirFn == nil {
		return Path{}, fmt.Errorf("%s: no workdir configured", m.name)
	}
	p, err := m.root.workdirFn(ctx, m)
	if err != nil {
		return Path{}, err
	}
	m.root.workdir = &p
	return p, nil
}

// Subshell starts a nested shell, runs fn in it and leaves it again, so
// environment changes made by fn do not leak.
func (m *Machine) Subshell(ctx context.Context, fn func(sub *Machine) error) error {
	sub := &Machine{
		name:   m.name,
		ch:     m.ch,
		shell:  m.shell,
		prompt: m.prompt,
		root:   m.root,
	}
	log.Command(m.name, m.shell.Name())
	if err := m.ch.SendLine(ctx, m.shell.Name(), false); err != nil {
		return err
	}
	if err := sub.init(ctx); err != nil {
		return fmt.Errorf("%s: entering subshell: %w", m.name, err)
	}

	fnErr := fn(sub)

	log.Command(m.name, "exit")
	if _, err := m.ch.RawCommand(ctx, "exit", m.prompt); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return fmt.Errorf("%s: leaving subshell: %w", m.name, err)
	}
	return fnErr
}
