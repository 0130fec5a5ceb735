package builtin

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/lab"
	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/testcase"
)

func newContext(t *testing.T, tree map[string]any) *testcase.Context {
	t.Helper()
	cfg, err := config.FromMap(tree)
	require.NoError(t, err)
	reg := testcase.NewRegistry()
	Register(reg)
	sel := lab.New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	tc := testcase.NewContext(ctx, cfg, sel, reg)
	t.Cleanup(func() {
		assert.NoError(t, tc.Close())
		assert.NoError(t, sel.Close())
		cancel()
	})
	return tc
}

func TestToolchainGet(t *testing.T) {
	tc := newContext(t, map[string]any{
		"boards": map[string]any{
			"bbb": map[string]any{"toolchain": "armv7"},
		},
		"toolchains": map[string]any{
			"armv7": map[string]any{"env_setup_script": "/opt/armv7/env"},
		},
	})

	_, err := ToolchainGet(tc, "")
	require.Error(t, err, "no board selected")

	tc.Config.SelectBoard("bbb")
	tch, err := ToolchainGet(tc, "")
	require.NoError(t, err)
	assert.Equal(t, Toolchain{Name: "armv7", EnvSetupScript: "/opt/armv7/env"}, tch)

	_, err = ToolchainGet(tc, "aarch64")
	var unknown *UnknownToolchainError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "aarch64", unknown.Name)

	v, err := tc.Call("toolchain_get", testcase.Params{"name": "armv7"})
	require.NoError(t, err)
	assert.Equal(t, "armv7", v.(Toolchain).Name)
}

func TestToolchainEnv(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "env.sh")
	require.NoError(t, os.WriteFile(script, []byte("export CROSS_COMPILE=arm-linux-gnueabihf-\n"), 0o644))

	tc := newContext(t, map[string]any{
		"lab": map[string]any{"workdir": dir},
		"toolchains": map[string]any{
			"armv7": map[string]any{"env_setup_script": script},
		},
	})

	tc.Registry.Register(testcase.Info{Name: "print_cc"}, func(tc *testcase.Context, p testcase.Params) (any, error) {
		sh, ok := EnvShell(tc)
		if !ok {
			return nil, assert.AnError
		}
		cc, err := sh.Env(tc, "CROSS_COMPILE")
		return p.String("prefix", "") + cc + "gcc", err
	})

	v, err := tc.Call("toolchain_env", testcase.Params{
		"toolchain": "armv7",
		"and_then":  "print_cc",
		"params":    map[string]any{"prefix": "/usr/bin/"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/arm-linux-gnueabihf-gcc", v)

	// the environment does not leak out of the subshell
	lh, err := tc.AcquireLab()
	require.NoError(t, err)
	cc, err := lh.Env(tc, "CROSS_COMPILE")
	require.NoError(t, err)
	assert.Empty(t, cc)
	_, ok := EnvShell(tc)
	assert.False(t, ok)

	err = ToolchainEnv(tc, Toolchain{Name: "broken", EnvSetupScript: filepath.Join(dir, "missing.sh")}, func(*linux.Machine) error {
		t.Fatal("must not run")
		return nil
	})
	require.Error(t, err)
}

func TestDisplayCheckNeedsText(t *testing.T) {
	tc := newContext(t, nil)
	_, err := tc.Call("display_check", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text is required")
}
