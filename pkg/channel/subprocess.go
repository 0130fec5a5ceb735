package channel

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ptyProcess couples a pty master with the process running on its slave side.
type ptyProcess struct {
	*os.File
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

// hangupGrace is how long the process group gets to exit after SIGHUP.
const hangupGrace = 2 * time.Second

// Close hangs up the whole process group (the pty made the child a session
// leader), escalating to SIGKILL when it does not exit in time.
func (p *ptyProcess) Close() error {
	p.once.Do(func() {
		exited := make(chan struct{})
		go func() {
			_ = p.cmd.Wait()
			close(exited)
		}()

		pid := p.cmd.Process.Pid
		if err := syscall.Kill(-pid, syscall.SIGHUP); err != nil {
			_ = p.cmd.Process.Signal(syscall.SIGHUP)
		}
		select {
		case <-exited:
		case <-time.After(hangupGrace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-exited
		}
		p.err = p.File.Close()
	})
	return p.err
}

// Subprocess starts argv on a fresh pty.  Without arguments it starts a bash
// without any rc files.
func Subprocess(name string, argv ...string) (*Channel, error) {
	if len(argv) == 0 {
		argv = []string{"bash", "--norc", "--noprofile", "--noediting", "-i"}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=dumb")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 48, Cols: 200})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	return New(name, &ptyProcess{File: f, cmd: cmd}), nil
}
