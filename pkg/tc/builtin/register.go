package builtin

import "github.com/zkrx/tbot/pkg/testcase"

// Register adds the builtin testcases to reg.
func Register(reg *testcase.Registry) {
	reg.Register(testcase.Info{
		Name:        "toolchain_get",
		Description: "Check that a toolchain is configured and return it",
		Params:      []string{"name"},
	}, toolchainGet)
	reg.Register(testcase.Info{
		Name:        "toolchain_env",
		Description: "Run a testcase with a toolchain environment on the lab host",
		Params:      []string{"toolchain", "and_then", "params"},
	}, toolchainEnv)
	reg.Register(testcase.Info{Name: "interactive_lab", Description: "Open a shell on the lab host"}, interactiveLab)
	reg.Register(testcase.Info{Name: "interactive_board", Description: "Attach to the raw board console"}, interactiveBoard)
	reg.Register(testcase.Info{Name: "interactive_uboot", Description: "Open the board's U-Boot shell"}, interactiveUBoot)
	reg.Register(testcase.Info{Name: "interactive_linux", Description: "Open a shell on the board's Linux"}, interactiveLinux)
	reg.Register(testcase.Info{
		Name:        "display_check",
		Description: "Check that text shows up on the board display",
		Params:      []string{"text", "fb", "languages"},
	}, displayCheck)
}

func init() {
	Register(testcase.Default)
}
