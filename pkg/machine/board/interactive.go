package board

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/log"
)

func attachRaw(ctx context.Context, name string, ch *channel.Channel, in io.Reader, out io.Writer) error {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("%s: raw terminal: %w", name, err)
		}
		defer func() { _ = term.Restore(fd, state) }()
	}
	log.Message("Entering interactive console (CTRL+D to exit) ...")
	err := ch.AttachInteractive(ctx, in, out, "")
	_, _ = io.WriteString(out, "\r\n")
	log.Message("Exiting interactive console ...")
	return err
}

// Interactive connects the user to the raw board console until they press
// Ctrl-D.
func (b *Board) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := b.claim(b.name + " (interactive)"); err != nil {
		return err
	}
	defer b.release()
	return attachRaw(ctx, b.name, b.ch, in, out)
}

// Interactive hands the U-Boot shell to the user until they press Ctrl-D.
// The prompt is reacquired afterwards.
func (ub *UBoot) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := ub.usable(); err != nil {
		return err
	}
	if err := ub.ch.Send("\n"); err != nil {
		return err
	}
	if err := attachRaw(ctx, ub.name, ub.ch, in, out); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := ub.ch.Send("\n"); err != nil {
		return err
	}
	if _, err := ub.ch.ReadUntilPrompt(ctx, ub.prompt); err != nil {
		return fmt.Errorf("%s: failed to reacquire U-Boot after interactive session: %w", ub.name, err)
	}
	// drop prompts caused by extra newlines typed in the session
	_, _ = ub.ch.ReadUntilTimeout(50 * time.Millisecond)
	return nil
}
