package selftest

import (
	"github.com/hashicorp/go-multierror"

	"github.com/zkrx/tbot/pkg/testcase"
)

var selftests = []struct {
	info testcase.Info
	fn   testcase.Func
}{
	{testcase.Info{Name: "selftest_machine_shell", Description: "Check a local shell"}, selftestMachineShell},
	{testcase.Info{Name: "selftest_machine_lab", Description: "Check the lab host"}, selftestMachineLab},
	{testcase.Info{Name: "selftest_board_power", Description: "Check that boards are powered on and off"}, selftestBoardPower},
	{testcase.Info{Name: "selftest_board_uboot", Description: "Check U-Boot on the selected or the dummy board"}, selftestBoardUBoot},
	{testcase.Info{Name: "selftest_board_uboot_noab", Description: "Check U-Boot without autoboot"}, selftestBoardUBootNoAutoboot},
	{testcase.Info{Name: "selftest_board_linux", Description: "Check Linux on the selected board"}, selftestBoardLinux},
	{testcase.Info{Name: "selftest_board_linux_uboot", Description: "Boot the dummy Linux from U-Boot"}, selftestBoardLinuxUBoot},
	{testcase.Info{Name: "selftest_board_linux_nopw", Description: "Log into the dummy Linux without password"}, selftestBoardLinuxNoPassword},
	{testcase.Info{Name: "selftest_board_linux_standalone", Description: "Log into a Linux that boots on its own"}, selftestBoardLinuxStandalone},
	{testcase.Info{Name: "selftest_board_linux_bad_console", Description: "Recover from a noisy console"}, selftestBoardLinuxBadConsole},
}

// selftest runs every selftest and collects the failures.  Skipped ones
// do not count.
func selftest(tc *testcase.Context, _ testcase.Params) (any, error) {
	var result *multierror.Error
	for _, st := range selftests {
		_, err := tc.CallFunc(st.info.Name, st.fn, nil)
		if err == nil || testcase.IsSkip(err) {
			continue
		}
		result = multierror.Append(result, err)
	}
	return nil, result.ErrorOrNil()
}

// Register adds the selftests to reg.
func Register(reg *testcase.Registry) {
	for _, st := range selftests {
		reg.Register(st.info, st.fn)
	}
	reg.Register(testcase.Info{Name: "selftest", Description: "Run all selftests"}, selftest)
}

func init() {
	Register(testcase.Default)
}
