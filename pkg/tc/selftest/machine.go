package selftest

import (
	"context"
	"fmt"
	"strings"

	"github.com/zkrx/tbot/pkg/machine/connector"
	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/testcase"
)

// Shell is what U-Boot and Linux machines have in common.
type Shell interface {
	Name() string
	ExecContext(ctx context.Context, args ...any) (int, string, error)
	Exec0Context(ctx context.Context, args ...any) (string, error)
	TestContext(ctx context.Context, args ...any) (bool, error)
}

func expect(what string, got, want any) error {
	if got != want {
		return fmt.Errorf("%s: got %q, want %q", what, got, want)
	}
	return nil
}

// CheckShell runs checks every shell-like machine has to pass.
func CheckShell(ctx context.Context, m Shell) error {
	out, err := m.Exec0Context(ctx, "echo", "Hello World")
	if err != nil {
		return err
	}
	if err := expect("echo", out, "Hello World\n"); err != nil {
		return err
	}

	out, err = m.Exec0Context(ctx, "echo", "$?", "!#")
	if err != nil {
		return err
	}
	if err := expect("quoting", out, "$? !#\n"); err != nil {
		return err
	}

	out, err = m.Exec0Context(ctx, "echo", "it's quoted")
	if err != nil {
		return err
	}
	if err := expect("single quote", out, "it's quoted\n"); err != nil {
		return err
	}

	ok, err := m.TestContext(ctx, "false")
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%s: false succeeded", m.Name())
	}
	ok, err = m.TestContext(ctx, "true")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: true failed", m.Name())
	}
	return nil
}

// CheckLinux runs the Linux specific checks on top of CheckShell.
func CheckLinux(ctx context.Context, m *linux.Machine) error {
	if err := CheckShell(ctx, m); err != nil {
		return err
	}

	code, _, err := m.ExecContext(ctx, "sh", "-c", "exit 42")
	if err != nil {
		return err
	}
	if code != 42 {
		return fmt.Errorf("exit code: got %d, want 42", code)
	}

	out, err := m.Exec0Context(ctx, "printf", `a\nb\nc`)
	if err != nil {
		return err
	}
	if err := expect("multiline", out, "a\nb\nc"); err != nil {
		return err
	}

	out, err = m.Exec0Context(ctx, "echo", "piped", linux.Pipe, "tr", "a-z", "A-Z")
	if err != nil {
		return err
	}
	if err := expect("pipe", out, "PIPED\n"); err != nil {
		return err
	}

	if err := m.SetEnv(ctx, "TBOT_SELFTEST", "value with 'quotes'"); err != nil {
		return err
	}
	v, err := m.Env(ctx, "TBOT_SELFTEST")
	if err != nil {
		return err
	}
	if err := expect("env", v, "value with 'quotes'"); err != nil {
		return err
	}

	err = m.Subshell(ctx, func(sub *linux.Machine) error {
		return sub.SetEnv(ctx, "TBOT_SUBSHELL", "inner")
	})
	if err != nil {
		return err
	}
	v, err = m.Env(ctx, "TBOT_SUBSHELL")
	if err != nil {
		return err
	}
	if v != "" {
		return fmt.Errorf("subshell environment leaked: %q", v)
	}
	return nil
}

// CheckPaths exercises paths and redirection below the workdir.
func CheckPaths(ctx context.Context, m *linux.Machine) error {
	wd, err := m.Workdir(ctx)
	if err != nil {
		return err
	}
	if ok, err := wd.IsDir(ctx); err != nil || !ok {
		return fmt.Errorf("workdir %s missing: %v", wd, err)
	}
	f := wd.Join("selftest file")
	if _, err := m.Exec0Context(ctx, "echo", "content", linux.RedirStdout(f)); err != nil {
		return err
	}
	out, err := m.Exec0Context(ctx, "cat", f)
	if err != nil {
		return err
	}
	if err := expect("redirect", out, "content\n"); err != nil {
		return err
	}
	if _, err := m.Exec0Context(ctx, "rm", f); err != nil {
		return err
	}
	if ok, err := f.Exists(ctx); err != nil || ok {
		return fmt.Errorf("%s still exists", f)
	}
	return nil
}

func selftestMachineShell(tc *testcase.Context, _ testcase.Params) (any, error) {
	sh, err := connector.Local(tc, "selftest-shell")
	if err != nil {
		return nil, err
	}
	defer sh.Close()
	return nil, CheckLinux(tc, sh.Machine)
}

func selftestMachineLab(tc *testcase.Context, _ testcase.Params) (any, error) {
	lh, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	if err := CheckLinux(tc, lh.Machine); err != nil {
		return nil, err
	}
	if err := CheckPaths(tc, lh.Machine); err != nil {
		return nil, err
	}

	name, err := lh.Exec0Context(tc, "uname", "-n")
	if err != nil {
		return nil, err
	}
	tc.Logger().Info().Str("host", strings.TrimSpace(name)).Msg("lab host reachable")
	return nil, nil
}
