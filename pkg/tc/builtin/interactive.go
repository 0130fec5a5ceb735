package builtin

import (
	"os"

	"github.com/zkrx/tbot/pkg/testcase"
)

func interactiveLab(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	return nil, lab.Interactive(tc, os.Stdin, os.Stdout)
}

func interactiveBoard(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	b, err := tc.AcquireBoard(lab)
	if err != nil {
		return nil, err
	}
	return nil, b.Interactive(tc, os.Stdin, os.Stdout)
}

func interactiveUBoot(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	b, err := tc.AcquireBoard(lab)
	if err != nil {
		return nil, err
	}
	ub, err := tc.AcquireUBoot(b)
	if err != nil {
		return nil, err
	}
	return nil, ub.Interactive(tc, os.Stdin, os.Stdout)
}

func interactiveLinux(tc *testcase.Context, _ testcase.Params) (any, error) {
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	b, err := tc.AcquireBoard(lab)
	if err != nil {
		return nil, err
	}
	lnx, err := tc.AcquireLinux(b)
	if err != nil {
		return nil, err
	}
	return nil, lnx.Interactive(tc, os.Stdin, os.Stdout)
}
