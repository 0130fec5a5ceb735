package board

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
	"github.com/zkrx/tbot/pkg/machine/linux"
)

// DefaultUBootPrompt is the prompt of a stock U-Boot.
const DefaultUBootPrompt = "=> "

// UBootConfig describes the U-Boot shell of a board.
type UBootConfig struct {
	Name   string
	Prompt string
	// AutobootPrompt enables autoboot interception when set.
	AutobootPrompt channel.Prompt
	AutobootKeys   string
	// BootTimeout bounds the wait for the autoboot and shell prompts.
	BootTimeout time.Duration
}

// DefaultAutobootPrompt matches the countdown of a stock U-Boot.
func DefaultAutobootPrompt() channel.Prompt {
	return channel.Re(`autoboot:\s{0,5}\d{0,3}\s{0,3}.{0,80}`)
}

// UBoot is a U-Boot shell on a board console.
type UBoot struct {
	name   string
	b      *Board
	ch     *channel.Channel
	prompt channel.Prompt

	mu       sync.Mutex
	consumed bool
	closed   bool
}

// NewUBoot waits for U-Boot on the board console, intercepting autoboot if
// configured.
func NewUBoot(ctx context.Context, b *Board, cfg UBootConfig) (*UBoot, error) {
	name := cfg.Name
	if name == "" {
		name = b.name + "-uboot"
	}
	if err := b.claim(name); err != nil {
		return nil, err
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultUBootPrompt
	}
	ub := &UBoot{name: name, b: b, ch: b.ch, prompt: channel.Literal(prompt)}
	if err := ub.init(ctx, cfg); err != nil {
		b.release()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return ub, nil
}

func (ub *UBoot) init(ctx context.Context, cfg UBootConfig) error {
	if cfg.BootTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BootTimeout)
		defer cancel()
	}
	if cfg.AutobootPrompt != nil {
		if _, err := ub.ch.ReadUntilPrompt(ctx, cfg.AutobootPrompt); err != nil {
			return fmt.Errorf("intercepting autoboot: %w", err)
		}
		keys := cfg.AutobootKeys
		if keys == "" {
			keys = "\r"
		}
		if err := ub.ch.Send(keys); err != nil {
			return err
		}
	}
	if _, err := ub.ch.ReadUntilPrompt(ctx, ub.prompt); err != nil {
		return fmt.Errorf("waiting for prompt: %w", err)
	}
	return nil
}

// Name returns the machine name.
func (ub *UBoot) Name() string { return ub.name }

func (ub *UBoot) board() *Board { return ub.b }

// Channel returns the board console.
func (ub *UBoot) Channel() *channel.Channel { return ub.ch }

func (ub *UBoot) usable() error {
	ub.mu.Lock()
	defer ub.mu.Unlock()
	if ub.consumed || ub.closed {
		return fmt.Errorf("%s: %w", ub.name, ErrMachineConsumed)
	}
	return nil
}

// BuildCommand renders args into a U-Boot command line.  Strings are quoted,
// linux.Raw values are inserted as they are.
func (ub *UBoot) BuildCommand(args ...any) (string, error) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			parts = append(parts, shellescape.Quote(a))
		case linux.Raw:
			parts = append(parts, string(a))
		case int, int64, uint, uint64:
			parts = append(parts, fmt.Sprint(a))
		case fmt.Stringer:
			parts = append(parts, shellescape.Quote(a.String()))
		default:
			return "", fmt.Errorf("%s: unsupported command argument %T", ub.name, arg)
		}
	}
	return strings.Join(parts, " "), nil
}

// U-Boot echoes everything, so the echo is read back before collecting the
// output.
// With stream set the output is logged while it arrives.
func (ub *UBoot) command(ctx context.Context, cmd string, stream bool) (string, error) {
	if err := ub.ch.SendLine(ctx, cmd, true); err != nil {
		return "", err
	}
	if stream {
		w := log.NewOutputWriter(ub.name)
		prev := ub.ch.SetStream(w)
		defer w.Flush()
		defer ub.ch.SetStream(prev)
	}
	out, err := ub.ch.ReadUntilPrompt(ctx, ub.prompt)
	return strings.ReplaceAll(out, "\r\n", "\n"), err
}

// ExecContext runs a command and returns its exit code and output.
func (ub *UBoot) ExecContext(ctx context.Context, args ...any) (int, string, error) {
	if err := ub.usable(); err != nil {
		return 0, "", err
	}
	cmd, err := ub.BuildCommand(args...)
	if err != nil {
		return 0, "", err
	}
	log.Command(ub.name, cmd)
	out, err := ub.command(ctx, cmd, true)
	if err != nil {
		return 0, "", err
	}

	rv, err := ub.command(ctx, "echo $?", false)
	if err != nil {
		return 0, "", err
	}
	code, err := strconv.Atoi(strings.TrimSpace(rv))
	if err != nil {
		return 0, "", fmt.Errorf("%s: cannot parse exit code %q: %w", ub.name, rv, err)
	}
	return code, out, nil
}

// Exec is ExecContext without a deadline.
func (ub *UBoot) Exec(args ...any) (int, string, error) {
	return ub.ExecContext(context.Background(), args...)
}

// Exec0Context runs a command and fails with a CommandFailedError if it
// exits non-zero.
func (ub *UBoot) Exec0Context(ctx context.Context, args ...any) (string, error) {
	code, out, err := ub.ExecContext(ctx, args...)
	if err != nil {
		return "", err
	}
	if code != 0 {
		cmd, _ := ub.BuildCommand(args...)
		return out, &machine.CommandFailedError{Machine: ub.name, Command: cmd, Output: out, Code: code}
	}
	return out, nil
}

// Exec0 is Exec0Context without a deadline.
func (ub *UBoot) Exec0(args ...any) (string, error) {
	return ub.Exec0Context(context.Background(), args...)
}

// TestContext reports whether a command exits with 0.
func (ub *UBoot) TestContext(ctx context.Context, args ...any) (bool, error) {
	code, _, err := ub.ExecContext(ctx, args...)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Env returns the value of a U-Boot environment variable.
func (ub *UBoot) Env(ctx context.Context, name string) (string, error) {
	out, err := ub.Exec0Context(ctx, "echo", linux.Raw("${"+name+"}"))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(out, "\n"), nil
}

// SetEnv sets a U-Boot environment variable.
func (ub *UBoot) SetEnv(ctx context.Context, name, value string) error {
	_, err := ub.Exec0Context(ctx, "setenv", name, value)
	return err
}

// Boot runs the boot command and hands the console on.  The U-Boot machine
// is unusable afterwards.
func (ub *UBoot) Boot(ctx context.Context, args ...any) error {
	if err := ub.usable(); err != nil {
		return err
	}
	cmd, err := ub.BuildCommand(args...)
	if err != nil {
		return err
	}
	log.Command(ub.name, cmd)
	if err := ub.ch.SendLine(ctx, cmd, true); err != nil {
		return err
	}
	ub.mu.Lock()
	ub.consumed = true
	ub.mu.Unlock()
	ub.b.handover(ub.name + " (booted)")
	return nil
}

// Consumed reports whether Boot was called.
func (ub *UBoot) Consumed() bool {
	ub.mu.Lock()
	defer ub.mu.Unlock()
	return ub.consumed
}

// Close releases the console unless it was handed on by Boot.
func (ub *UBoot) Close() error {
	ub.mu.Lock()
	defer ub.mu.Unlock()
	if ub.closed {
		return nil
	}
	ub.closed = true
	if !ub.consumed {
		ub.b.release()
	}
	return nil
}
