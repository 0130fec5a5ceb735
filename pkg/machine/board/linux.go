package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/machine/linux"
)

// BootFunc boots Linux from U-Boot.  It must end with ub.Boot.
type BootFunc func(ctx context.Context, ub *UBoot) error

// BootCommand returns a BootFunc running a raw U-Boot command.  An empty
// command runs bootcmd.
func BootCommand(cmd string) BootFunc {
	return func(ctx context.Context, ub *UBoot) error {
		if cmd == "" {
			return ub.Boot(ctx, "run", "bootcmd")
		}
		return ub.Boot(ctx, linux.Raw(cmd))
	}
}

// LinuxConfig describes how Linux comes up on a board and how to log in.
type LinuxConfig struct {
	Name string
	// Boot is nil for boards that boot Linux on their own.
	Boot  BootFunc
	UBoot UBootConfig

	LoginPrompt string
	// LoginDelay is waited after the first login prompt, for boards that
	// still print kernel messages at that point.
	LoginDelay  time.Duration
	Username    string
	Password    string
	BootTimeout time.Duration

	Shell   linux.Shell
	Workdir linux.WorkdirFunc
}

// DefaultLoginPrompt is what getty prints.
const DefaultLoginPrompt = "login: "

// NewLinux brings up Linux on a board and logs in.
//
// Without cfg.Boot, from must be the *Board itself.  With cfg.Boot, from can
// be the *Board, in which case U-Boot is acquired first, or a *UBoot.
func NewLinux(ctx context.Context, from Source, cfg LinuxConfig) (*linux.Machine, error) {
	b := from.board()
	name := cfg.Name
	if name == "" {
		name = b.name + "-linux"
	}

	if cfg.Boot == nil {
		if _, ok := from.(*Board); !ok {
			return nil, fmt.Errorf("%s: standalone Linux must start from the board, not %T: %w", name, from, ErrWrongSource)
		}
		if err := b.claim(name); err != nil {
			return nil, err
		}
	} else {
		ub, ok := from.(*UBoot)
		if !ok {
			var err error
			ub, err = NewUBoot(ctx, b, cfg.UBoot)
			if err != nil {
				return nil, err
			}
			defer ub.Close()
		}
		if err := cfg.Boot(ctx, ub); err != nil {
			if ub.Consumed() {
				b.release()
			}
			return nil, fmt.Errorf("%s: booting: %w", name, err)
		}
		if !ub.Consumed() {
			return nil, fmt.Errorf("%s: boot function did not call Boot", name)
		}
		b.handover(name)
	}

	if err := login(ctx, name, b.ch, cfg); err != nil {
		b.release()
		return nil, err
	}

	shell := cfg.Shell
	if shell == nil {
		shell = linux.Bash
	}
	opts := []linux.Option{linux.WithCloser(func() error {
		b.release()
		return nil
	})}
	if cfg.Workdir != nil {
		opts = append(opts, linux.WithWorkdir(cfg.Workdir))
	}
	m, err := linux.New(ctx, name, b.ch, shell, opts...)
	if err != nil {
		b.release()
		return nil, err
	}
	return m, nil
}

func login(ctx context.Context, name string, ch *channel.Channel, cfg LinuxConfig) error {
	if cfg.BootTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BootTimeout)
		defer cancel()
	}

	lp := cfg.LoginPrompt
	if lp == "" {
		lp = DefaultLoginPrompt
	}
	prompt := channel.Literal(lp)

	if _, err := ch.ReadUntilPrompt(ctx, prompt); err != nil {
		return loginErr(name, "waiting for login prompt", err)
	}
	if cfg.LoginDelay > 0 {
		// let the kernel finish printing, then ask for a fresh prompt
		if _, err := ch.ReadUntilTimeout(cfg.LoginDelay); err != nil {
			return loginErr(name, "waiting for login delay", err)
		}
		if err := ch.Send("\n"); err != nil {
			return err
		}
		if _, err := ch.ReadUntilPrompt(ctx, prompt); err != nil {
			return loginErr(name, "waiting for login prompt", err)
		}
	}

	log.Command(name, "login "+cfg.Username)
	if err := ch.SendLine(ctx, cfg.Username, false); err != nil {
		return err
	}
	if cfg.Password != "" {
		if _, err := ch.ReadUntilPrompt(ctx, channel.Literal("assword: ")); err != nil {
			return loginErr(name, "waiting for password prompt", err)
		}
		if err := ch.SendLine(ctx, cfg.Password, false); err != nil {
			return err
		}
	}
	return nil
}

func loginErr(name, what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: timed out %s: %w", name, what, err)
	}
	return fmt.Errorf("%s: %s: %w", name, what, err)
}
