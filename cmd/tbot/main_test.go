package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrx/tbot/pkg/cli"
	"github.com/zkrx/tbot/pkg/testcase"
)

var recorded []testcase.Params

func init() {
	testcase.Default.Register(testcase.Info{Name: "record_params", Params: []string{"foo", "greeting"}},
		func(_ *testcase.Context, p testcase.Params) (any, error) {
			recorded = append(recorded, p)
			return nil, nil
		})
}

func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("TBOT_CONFIG", "")
	t.Setenv("TBOT_BOARD", "")
	t.Setenv("TBOT_LAB", "")
	dir := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
	recorded = nil
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args, err := cli.ExpandArgs(args)
	require.NoError(t, err)
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParamsFromFlagsAndArgfile(t *testing.T) {
	dir := isolate(t)
	argfile := filepath.Join(dir, "greeting.args")
	require.NoError(t, os.WriteFile(argfile, []byte(`-p 'greeting="hi there"' record_params`), 0o644))

	_, err := execute(t, "-pfoo=True", "@"+argfile)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, testcase.Params{"foo": true, "greeting": "hi there"}, recorded[0])
}

func TestRootCmdErrors(t *testing.T) {
	isolate(t)

	_, err := execute(t, "-pnovalue", "record_params")
	assert.Error(t, err)

	_, err = execute(t, "no_such_testcase")
	assert.ErrorIs(t, err, testcase.ErrUnknownTestcase)

	_, err = execute(t, "-b", "bbb", "record_params")
	assert.ErrorContains(t, err, "unknown board")
	assert.Empty(t, recorded)
}

func TestRootCmdListsTestcases(t *testing.T) {
	isolate(t)
	out, err := execute(t, "--list-testcases")
	require.NoError(t, err)
	assert.Contains(t, out, "record_params(foo, greeting)")
	assert.Contains(t, out, "selftest_board_power")
	assert.Contains(t, out, "toolchain_get")
}
