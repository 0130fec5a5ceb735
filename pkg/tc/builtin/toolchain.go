// Package builtin holds the testcases tbot ships with: toolchain handling,
// interactive sessions and display checks.
package builtin

import (
	"fmt"

	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/testcase"
)

// UnknownToolchainError is returned for toolchains missing from the config.
type UnknownToolchainError struct {
	Name string
}

func (e *UnknownToolchainError) Error() string {
	return fmt.Sprintf("unknown toolchain %q", e.Name)
}

// Toolchain is a toolchain known to exist in the configuration.
type Toolchain struct {
	Name           string `json:"name"`
	EnvSetupScript string `json:"env_setup_script"`
}

// ToolchainGet looks up a toolchain.  An empty name means the one set in
// board.toolchain.
func ToolchainGet(tc *testcase.Context, name string) (Toolchain, error) {
	if name == "" {
		var err error
		name, err = tc.Config.MustString("board.toolchain")
		if err != nil {
			return Toolchain{}, fmt.Errorf("no toolchain given: %w", err)
		}
	}
	if !tc.Config.Has("toolchains." + name) {
		return Toolchain{}, &UnknownToolchainError{Name: name}
	}
	tc.Logger().Debug().Str("toolchain", name).Msg("toolchain exists")
	return Toolchain{
		Name:           name,
		EnvSetupScript: tc.Config.Toolchains[name].EnvSetupScript,
	}, nil
}

type envShellKey struct{}

// EnvShell returns the lab shell set up by ToolchainEnv, if a testcase runs
// inside one.
func EnvShell(tc *testcase.Context) (*linux.Machine, bool) {
	m, ok := tc.Value(envShellKey{}).(*linux.Machine)
	return m, ok
}

// ToolchainEnv sources the toolchain's setup script in a subshell of the lab
// host and runs fn there.  The environment is gone once fn returns.
func ToolchainEnv(tc *testcase.Context, t Toolchain, fn func(sh *linux.Machine) error) error {
	if t.EnvSetupScript == "" {
		return fmt.Errorf("toolchain %s has no env_setup_script", t.Name)
	}
	lab, err := tc.AcquireLab()
	if err != nil {
		return err
	}
	tc.Logger().Debug().Str("toolchain", t.Name).Msg("setting up toolchain")
	return lab.Subshell(tc, func(sh *linux.Machine) error {
		if _, err := sh.Exec0Context(tc, "unset", "LD_LIBRARY_PATH"); err != nil {
			return err
		}
		if _, err := sh.Exec0Context(tc, "source", linux.Raw(t.EnvSetupScript)); err != nil {
			return err
		}
		restore := tc.WithValue(envShellKey{}, sh)
		defer restore()
		return fn(sh)
	})
}

func toolchainGet(tc *testcase.Context, p testcase.Params) (any, error) {
	return ToolchainGet(tc, p.String("name", ""))
}

func toolchainEnv(tc *testcase.Context, p testcase.Params) (any, error) {
	var t Toolchain
	switch v := p["toolchain"].(type) {
	case Toolchain:
		t = v
	default:
		var err error
		if t, err = ToolchainGet(tc, p.String("toolchain", "")); err != nil {
			return nil, err
		}
	}
	andThen := p.String("and_then", "")
	if andThen == "" {
		return nil, fmt.Errorf("toolchain_env: and_then is required")
	}
	var result any
	err := ToolchainEnv(tc, t, func(*linux.Machine) error {
		var err error
		result, err = tc.Call(andThen, p.Map("params"))
		return err
	})
	return result, err
}
