// Package selftest contains testcases that check tbot itself, using dummy
// boards emulated by shells on the lab host.
package selftest

import (
	"context"
	"fmt"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/machine/board"
	"github.com/zkrx/tbot/pkg/machine/connector"
	"github.com/zkrx/tbot/pkg/machine/linux"
)

// A nested bash that behaves enough like U-Boot for the board machinery.
const ubootFunctions = `alias version="uname -a"
function printenv() {
    if [ $# = 0 ]; then
        set | grep -E '^U'
    else
        set | grep "$1" | sed "s/'//g"
    fi
}
function setenv() { local var="$1"; shift; eval "$var=\"$*\""
}`

const dummyAutoboot = `bash --norc --noprofile --noediting; exit
unset HISTFILE
PS1='Test-U-Boot> '
` + ubootFunctions + `
bash --norc --noprofile --noediting`

const dummyAutobootWait = `unset HISTFILE
set +o emacs
set +o vi
read -p 'Autoboot: '; exit`

// The prompt is quoted so its echo does not look like the prompt itself.
const dummyNoAutoboot = `bash --norc --noprofile --noediting; exit
unset HISTFILE
` + ubootFunctions + `
PS1=Test-U-Boot'> '`

// DummyConnect opens a channel to lab that emulates a board console running
// U-Boot, optionally with an autoboot countdown.
func DummyConnect(lab *connector.Lab, autoboot bool) board.ConnectFunc {
	return func(ctx context.Context) (*channel.Channel, error) {
		sh, err := lab.OpenShell(ctx, "dummy")
		if err != nil {
			return nil, err
		}
		ch := sh.Channel()
		fail := func(err error) (*channel.Channel, error) {
			_ = ch.Close()
			return nil, fmt.Errorf("dummy-connect: %w", err)
		}

		log.Command(lab.Name(), "dummy-connect")
		// real consoles echo
		if _, err := ch.RawCommand(ctx, "stty echo", channel.Literal(linux.Prompt)); err != nil {
			return fail(err)
		}
		if autoboot {
			if err := ch.SendLine(ctx, dummyAutoboot, true); err != nil {
				return fail(err)
			}
			if err := ch.SendLine(ctx, dummyAutobootWait, true); err != nil {
				return fail(err)
			}
		} else if err := ch.SendLine(ctx, dummyNoAutoboot, true); err != nil {
			return fail(err)
		}
		return ch, nil
	}
}

// TestUBoot is the U-Boot configuration matching DummyConnect.
func TestUBoot(name string) board.UBootConfig {
	return board.UBootConfig{
		Name:           name,
		Prompt:         "Test-U-Boot> ",
		AutobootPrompt: channel.Literal("Autoboot: "),
	}
}

// OpenTestBoard opens the dummy board named "test" on lab.
func OpenTestBoard(ctx context.Context, lab *connector.Lab, power board.PowerControl) (*board.Board, error) {
	return board.Open(ctx, board.Config{
		Name:    "test",
		Connect: DummyConnect(lab, true),
		Power:   power,
	})
}

func dummyBootLines(ctx context.Context, ub *board.UBoot) error {
	lines := [][]any{
		{"echo", "Booting linux ..."},
		{"echo", "[  0.000]", "boot: message"},
		{"echo", "[  0.013]", "boot: info"},
		{"echo", "[  0.157]", "boot: message"},
	}
	for _, l := range lines {
		if _, err := ub.Exec0Context(ctx, l...); err != nil {
			return err
		}
	}
	return nil
}

// TestLinuxUBoot logs into the dummy Linux with a password after booting it
// from the dummy U-Boot.
func TestLinuxUBoot() board.LinuxConfig {
	return board.LinuxConfig{
		Name:  "test-linux-ub",
		UBoot: TestUBoot("test-ub"),
		Boot: func(ctx context.Context, ub *board.UBoot) error {
			if err := dummyBootLines(ctx, ub); err != nil {
				return err
			}
			return ub.Boot(ctx, linux.Raw(
				"printf 'tb-login: '; read username; printf 'Password: '; read password; [[ $username = 'root' && $password = 'rootpw' ]] || exit 1",
			))
		},
		Username:    "root",
		Password:    "rootpw",
		LoginPrompt: "tb-login: ",
		Workdir:     linux.Static("/tmp/tbot-wd"),
	}
}

// TestLinuxUBootNoPassword is TestLinuxUBoot without a password and with
// the workdir below $HOME.
func TestLinuxUBootNoPassword() board.LinuxConfig {
	return board.LinuxConfig{
		Name:  "test-linux-ub-nopw",
		UBoot: TestUBoot("test-ub"),
		Boot: func(ctx context.Context, ub *board.UBoot) error {
			if err := dummyBootLines(ctx, ub); err != nil {
				return err
			}
			if _, err := ub.Exec0Context(ctx, "export", "HOME=/tmp"); err != nil {
				return err
			}
			return ub.Boot(ctx, linux.Raw(
				"printf 'tb-login: '; read username; [[ $username = 'root' ]] || exit 1",
			))
		},
		Username:    "root",
		LoginPrompt: "tb-login: ",
		Workdir:     linux.AtHome("tbot-wd"),
	}
}

// TestLinuxStandalone logs in on the autoboot prompt of the dummy board,
// as if the board booted Linux on its own.
func TestLinuxStandalone() board.LinuxConfig {
	return board.LinuxConfig{
		Name:        "test-linux-standalone",
		Username:    "root",
		LoginPrompt: "Autoboot: ",
	}
}
