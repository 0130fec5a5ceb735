// Package connector opens lab hosts (locally or over SSH) and board
// consoles on them.
package connector

import (
	"context"
	"fmt"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/machine/linux"
)

// Lab is a lab host: a Linux shell plus the ability to open more channels
// to the same host, e.g. for board consoles.
type Lab struct {
	*linux.Machine
	open func(name string) (*channel.Channel, error)
}

// OpenChannel opens a new raw channel to the lab host.
func (l *Lab) OpenChannel(name string) (*channel.Channel, error) {
	return l.open(name)
}

// OpenShell opens a new channel and initialises a shell on it.  The returned
// machine owns its channel.
func (l *Lab) OpenShell(ctx context.Context, name string) (*linux.Machine, error) {
	ch, err := l.open(name)
	if err != nil {
		return nil, err
	}
	m, err := linux.New(ctx, name, ch, l.Shell(), linux.OwnChannel())
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return m, nil
}

// Local starts a lab host on this machine using a bash on a pty.
func Local(ctx context.Context, name string, opts ...linux.Option) (*Lab, error) {
	open := func(n string) (*channel.Channel, error) {
		return channel.Subprocess(n)
	}
	ch, err := open(name)
	if err != nil {
		return nil, err
	}
	m, err := linux.New(ctx, name, ch, linux.Bash, append(opts, linux.OwnChannel())...)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("local lab: %w", err)
	}
	return &Lab{Machine: m, open: open}, nil
}

// Console returns a connect function for a board console: a fresh channel
// to the lab host in which command (e.g. picocom) replaces the shell.
func Console(lab *Lab, name, command string) func(ctx context.Context) (*channel.Channel, error) {
	return func(ctx context.Context) (*channel.Channel, error) {
		sh, err := lab.OpenShell(ctx, name)
		if err != nil {
			return nil, err
		}
		ch := sh.Channel()
		if err := ch.SendLine(ctx, "exec "+command, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}
}
