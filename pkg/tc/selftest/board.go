package selftest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/machine/board"
	"github.com/zkrx/tbot/pkg/machine/connector"
	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/testcase"
)

// CheckUBoot runs the checks every U-Boot has to pass.
func CheckUBoot(ctx context.Context, ub *board.UBoot) error {
	if err := CheckShell(ctx, ub); err != nil {
		return err
	}
	if _, err := ub.Exec0Context(ctx, "version"); err != nil {
		return err
	}

	env, err := ub.Exec0Context(ctx, "printenv")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(env, "\n") {
		if line == "" || strings.HasPrefix(line, "Environment size") {
			continue
		}
		if !strings.Contains(line, "=") {
			return fmt.Errorf("%s: unexpected printenv line %q", ub.Name(), line)
		}
	}

	out, err := ub.Exec0Context(ctx, "echo", "0x1234")
	if err != nil {
		return err
	}
	if err := expect("hex echo", out, "0x1234\n"); err != nil {
		return err
	}

	if err := ub.SetEnv(ctx, "tbot_selftest", "hello world"); err != nil {
		return err
	}
	v, err := ub.Env(ctx, "tbot_selftest")
	if err != nil {
		return err
	}
	return expect("env", v, "hello world")
}

// withDummyBoard opens a fresh dummy board for fn and closes it afterwards.
func withDummyBoard(tc *testcase.Context, lab *connector.Lab, power board.PowerControl, fn func(b *board.Board) error) (err error) {
	b, err := OpenTestBoard(tc, lab, power)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(b)
}

func withUBoot(tc *testcase.Context, b *board.Board, autoboot bool, fn func(ub *board.UBoot) error) error {
	cfg := TestUBoot("test-ub")
	if !autoboot {
		cfg.AutobootPrompt = nil
	}
	ub, err := board.NewUBoot(tc, b, cfg)
	if err != nil {
		return err
	}
	defer ub.Close()
	return fn(ub)
}

func selftestBoardUBoot(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	b, err := tc.AcquireBoard(lab)
	switch {
	case errors.Is(err, testcase.ErrNotConfigured):
		tc.Logger().Info().Msg("no board configured, using the dummy board")
		return nil, withDummyBoard(tc, lab, nil, func(b *board.Board) error {
			return withUBoot(tc, b, true, func(ub *board.UBoot) error {
				return CheckUBoot(tc, ub)
			})
		})
	case err != nil:
		return nil, err
	}
	ub, err := tc.AcquireUBoot(b)
	if err != nil {
		return nil, err
	}
	return nil, CheckUBoot(tc, ub)
}

func selftestBoardUBootNoAutoboot(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	b, err := board.Open(tc, board.Config{Name: "test-noab", Connect: DummyConnect(lab, false)})
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return nil, withUBoot(tc, b, false, func(ub *board.UBoot) error {
		return CheckUBoot(tc, ub)
	})
}

func selftestBoardLinux(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	b, err := tc.AcquireBoard(lab)
	if errors.Is(err, testcase.ErrNotConfigured) {
		return nil, testcase.Skip("no board configured")
	}
	if err != nil {
		return nil, err
	}
	lnx, err := tc.AcquireLinux(b)
	if errors.Is(err, testcase.ErrNotConfigured) {
		return nil, testcase.Skip("board has no linux configured")
	}
	if err != nil {
		return nil, err
	}
	return nil, CheckLinux(tc, lnx)
}

func selftestBoardPower(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	wd, err := lab.Workdir(tc)
	if err != nil {
		return nil, err
	}
	flag := wd.Join("selftest_power")
	q := shellescape.Quote(flag.String())
	power := board.CommandPower{Lab: lab.Machine, On: "touch " + q, Off: "rm -f " + q}

	isOn := func() (bool, error) { return flag.Exists(tc) }

	b, err := OpenTestBoard(tc, lab, power)
	if err != nil {
		return nil, err
	}
	on, err := isOn()
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	if !on {
		_ = b.Close()
		return nil, errors.New("board was not powered on")
	}
	if err := b.Close(); err != nil {
		return nil, err
	}
	if on, err := isOn(); err != nil || on {
		return nil, fmt.Errorf("board was not powered off: %v", err)
	}

	// a testcase failing while the board is on still powers it off
	errBroken := errors.New("testcase broke on purpose")
	err = withDummyBoard(tc, lab, power, func(*board.Board) error {
		if on, err := isOn(); err != nil || !on {
			return fmt.Errorf("board was not powered on: %v", err)
		}
		return errBroken
	})
	if !errors.Is(err, errBroken) {
		return nil, fmt.Errorf("failing run returned %v", err)
	}
	if on, err := isOn(); err != nil || on {
		return nil, fmt.Errorf("board was not powered off after a failure: %v", err)
	}

	// a board whose console cannot be opened is never powered
	failing := board.Config{
		Name:  "test-fail",
		Power: power,
		Connect: func(context.Context) (*channel.Channel, error) {
			return nil, errors.New("no console")
		},
	}
	if _, err := board.Open(tc, failing); err == nil {
		return nil, errors.New("opening a board without console succeeded")
	}
	if on, err := isOn(); err != nil || on {
		return nil, fmt.Errorf("board without console was powered: %v", err)
	}
	return nil, nil
}

func checkBootedLinux(tc *testcase.Context, lnx *linux.Machine) error {
	if err := CheckLinux(tc, lnx); err != nil {
		return err
	}
	if _, err := lnx.Exec0Context(tc, "uname", "-a"); err != nil {
		return err
	}
	wd, err := lnx.Workdir(tc)
	if err != nil {
		return err
	}
	_, err = lnx.Exec0Context(tc, "ls", wd)
	return err
}

func withLinux(tc *testcase.Context, from board.Source, cfg board.LinuxConfig, fn func(lnx *linux.Machine) error) error {
	lnx, err := board.NewLinux(tc, from, cfg)
	if err != nil {
		return err
	}
	defer lnx.Close()
	return fn(lnx)
}

func selftestBoardLinuxUBoot(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	check := func(lnx *linux.Machine) error { return checkBootedLinux(tc, lnx) }

	tc.Logger().Info().Msg("booting linux through an implicit u-boot")
	err = withDummyBoard(tc, lab, nil, func(b *board.Board) error {
		return withLinux(tc, b, TestLinuxUBoot(), check)
	})
	if err != nil {
		return nil, err
	}

	tc.Logger().Info().Msg("booting linux from an explicit u-boot")
	return nil, withDummyBoard(tc, lab, nil, func(b *board.Board) error {
		return withUBoot(tc, b, true, func(ub *board.UBoot) error {
			if err := withLinux(tc, ub, TestLinuxUBoot(), check); err != nil {
				return err
			}
			if _, err := ub.Exec0Context(tc, "version"); !errors.Is(err, board.ErrMachineConsumed) {
				return fmt.Errorf("u-boot still usable after boot: %v", err)
			}
			return nil
		})
	})
}

func selftestBoardLinuxNoPassword(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	return nil, withDummyBoard(tc, lab, nil, func(b *board.Board) error {
		return withLinux(tc, b, TestLinuxUBootNoPassword(), func(lnx *linux.Machine) error {
			if err := checkBootedLinux(tc, lnx); err != nil {
				return err
			}
			wd, err := lnx.Workdir(tc)
			if err != nil {
				return err
			}
			return expect("workdir", wd.String(), "/tmp/tbot-wd")
		})
	})
}

func selftestBoardLinuxStandalone(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	err = withDummyBoard(tc, lab, nil, func(b *board.Board) error {
		return withLinux(tc, b, TestLinuxStandalone(), func(lnx *linux.Machine) error {
			return CheckLinux(tc, lnx)
		})
	})
	if err != nil {
		return nil, err
	}

	return nil, withDummyBoard(tc, lab, nil, func(b *board.Board) error {
		return withUBoot(tc, b, true, func(ub *board.UBoot) error {
			_, err := board.NewLinux(tc, ub, TestLinuxStandalone())
			if !errors.Is(err, board.ErrWrongSource) {
				return fmt.Errorf("standalone linux from u-boot: got %v, want %v", err, board.ErrWrongSource)
			}
			return nil
		})
	})
}

func selftestBoardLinuxBadConsole(*testcase.Context, testcase.Params) (any, error) {
	return nil, testcase.Skip("bad console emulation is not reliable on every lab host")
}
