// Package board drives embedded boards: power, console, U-Boot and the
// Linux they boot.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/log"
)

var (
	// ErrMachineConsumed is returned when a machine is used after it handed
	// its channel on, e.g. U-Boot after booting Linux.
	ErrMachineConsumed = errors.New("machine was consumed")
	// ErrBusy is returned when the board console is already in use by
	// another machine.
	ErrBusy = errors.New("board console in use")
	// ErrWrongSource is returned when a machine cannot be created from the
	// machine it was asked to start from.
	ErrWrongSource = errors.New("cannot start from this machine")
)

// ConnectFunc opens the console channel of a board.
type ConnectFunc func(ctx context.Context) (*channel.Channel, error)

// PowerControl switches a board on and off.
type PowerControl interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

// Config describes a board.
type Config struct {
	Name    string
	Connect ConnectFunc
	// Power is optional.
	Power PowerControl
}

// Board is a connected, powered board.  It owns the console channel which
// U-Boot and Linux borrow.
type Board struct {
	name  string
	ch    *channel.Channel
	power PowerControl
	log   zerolog.Logger

	mu     sync.Mutex
	holder string
	closed bool
}

// Open connects to the console and powers the board on.  If powering on
// fails the board is powered off again.
func Open(ctx context.Context, cfg Config) (*Board, error) {
	if cfg.Connect == nil {
		return nil, fmt.Errorf("board %s: no console connector", cfg.Name)
	}
	ch, err := cfg.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("board %s: connecting console: %w", cfg.Name, err)
	}
	b := &Board{
		name:  cfg.Name,
		ch:    ch,
		power: cfg.Power,
		log:   log.WithComponent("board").With().Str("board", cfg.Name).Logger(),
	}
	if b.power != nil {
		b.log.Info().Msg("powering on")
		if err := b.power.PowerOn(ctx); err != nil {
			return nil, multierror.Append(fmt.Errorf("board %s: power on: %w", cfg.Name, err), b.Close())
		}
	}
	return b, nil
}

// Name returns the board name.
func (b *Board) Name() string { return b.name }

// Channel returns the console channel.
func (b *Board) Channel() *channel.Channel { return b.ch }

func (b *Board) board() *Board { return b }

func (b *Board) claim(who string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("board %s: %w", b.name, channel.ErrClosed)
	}
	if b.holder != "" {
		return fmt.Errorf("board %s: %w by %s", b.name, ErrBusy, b.holder)
	}
	b.holder = who
	return nil
}

func (b *Board) handover(who string) {
	b.mu.Lock()
	b.holder = who
	b.mu.Unlock()
}

func (b *Board) release() {
	b.mu.Lock()
	b.holder = ""
	b.mu.Unlock()
}

// Close powers the board off and closes the console.  Power-off is attempted
// even if the board is in a bad state; all errors are reported.
func (b *Board) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var result *multierror.Error
	if b.power != nil {
		b.log.Info().Msg("powering off")
		if err := b.power.PowerOff(context.Background()); err != nil {
			result = multierror.Append(result, fmt.Errorf("board %s: power off: %w", b.name, err))
		}
	}
	if err := b.ch.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("board %s: closing console: %w", b.name, err))
	}
	return result.ErrorOrNil()
}

// Source is a machine a board Linux can be started from: a *Board or a
// *UBoot.
type Source interface {
	board() *Board
}
