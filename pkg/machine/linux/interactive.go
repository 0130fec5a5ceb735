package linux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alessio/shellescape"
	"golang.org/x/term"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/log"
)

// endMagic is assembled at runtime so the marker never shows up in output by
// accident, e.g. when this file is printed in a session.
func endMagic() string {
	return "INTERACTIVE-END-" + fmt.Sprintf("%x", []byte("tbot-session-end"))
}

// Interactive hands the shell to the user until they exit it.  When in is a
// terminal it is put into raw mode for the duration of the session.
func (m *Machine) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	end := endMagic()

	if cmd := m.shell.EnableEditing(); cmd != "" {
		if _, err := m.ch.RawCommand(ctx, cmd, m.prompt); err != nil {
			return err
		}
	}

	cols, rows := 80, 24
	fd := -1
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}
	setup := fmt.Sprintf("stty echo; stty cols %d; stty rows %d", cols, rows)
	if t := os.Getenv("TERM"); t != "" {
		setup += "; export TERM=" + shellescape.Quote(t)
	}
	if _, err := m.ch.RawCommand(ctx, setup, m.prompt); err != nil {
		return err
	}

	// outer subshell: its prompt marks the end of the session
	if err := m.ch.Send(m.shell.Name() + "\n"); err != nil {
		return err
	}
	if cmd := m.shell.DisableHistory(); cmd != "" {
		if err := m.ch.Send(cmd + "\n"); err != nil {
			return err
		}
	}
	if err := m.ch.Send(m.shell.SetPrompt(end) + "\n"); err != nil {
		return err
	}
	if _, err := m.ch.ReadUntilPrompt(ctx, channel.Literal(end)); err != nil {
		return err
	}

	// inner subshell for the user
	if err := m.ch.Send(m.shell.Name() + "\n"); err != nil {
		return err
	}
	colored := fmt.Sprintf(`\[\033[36m\]%s: \[\033[32m\]\w\[\033[0m\]> `, m.name)
	if err := m.ch.Send(m.shell.SetPrompt(colored) + "\n"); err != nil {
		return err
	}
	if _, err := m.ch.ReadUntilPrompt(ctx, channel.Re(`> (\x1B\[.*)?`)); err != nil {
		return err
	}
	if err := m.ch.Send("\n"); err != nil {
		return err
	}

	log.Message("Entering interactive shell ...")
	if fd >= 0 {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("%s: raw terminal: %w", m.name, err)
		}
		defer func() { _ = term.Restore(fd, state) }()
	}

	attachErr := m.ch.AttachInteractive(ctx, in, out, end)
	if fd >= 0 {
		_, _ = io.WriteString(out, "\r\n")
	}
	log.Message("Exiting interactive shell ...")
	if attachErr != nil {
		return attachErr
	}

	exitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := m.ch.RawCommand(exitCtx, "exit", m.prompt); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: failed to reacquire shell after interactive session: %w", m.name, err)
		}
		return err
	}

	restore := "stty -echo"
	if cmd := m.shell.DisableEditing(); cmd != "" {
		restore = cmd + "; " + restore
	}
	_, err := m.ch.RawCommand(ctx, restore, m.prompt)
	return err
}
