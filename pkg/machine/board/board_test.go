package board

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/shlex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/machine"
	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/models"
)

// fakeBoard emulates U-Boot, a login prompt and a very small Linux shell
// on one end of a pipe.
type fakeBoard struct {
	autoboot bool
	password string

	mu     sync.Mutex
	logins []string
}

func (f *fakeBoard) serve(conn net.Conn) {
	defer conn.Close()
	w := func(s string) { _, _ = io.WriteString(conn, s) }
	r := bufio.NewReader(conn)

	w("\r\nU-Boot 2024.01 (fake)\r\n\r\n")
	if f.autoboot {
		w("Hit any key to stop autoboot:  3 ")
		if _, err := r.ReadByte(); err != nil {
			return
		}
		w("\r\n")
	}
	w("=> ")

	env := map[string]string{"bootcmd": "bootm 0x82000000"}
	code := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		w(line + "\r\n")
		if line == "echo $?" {
			w(fmt.Sprintf("%d\r\n=> ", code))
			continue
		}
		args, _ := shlex.Split(os.Expand(line, func(k string) string { return env[k] }))
		code = 0
		switch {
		case len(args) == 0:
		case args[0] == "version":
			w("U-Boot 2024.01 (fake)\r\n")
		case args[0] == "echo":
			w(strings.Join(args[1:], " ") + "\r\n")
		case args[0] == "setenv" && len(args) > 1:
			env[args[1]] = strings.Join(args[2:], " ")
		case args[0] == "false":
			code = 1
		case args[0] == "run":
			w("## Booting kernel ...\r\nStarting kernel ...\r\n\r\n")
			f.linux(conn, r)
			return
		default:
			w(fmt.Sprintf("Unknown command '%s' - try 'help'\r\n", args[0]))
			code = 1
		}
		w("=> ")
	}
}

func (f *fakeBoard) linux(conn net.Conn, r *bufio.Reader) {
	w := func(s string) { _, _ = io.WriteString(conn, s) }
	w("buildroot login: ")
	user, err := r.ReadString('\n')
	if err != nil {
		return
	}
	if f.password != "" {
		w("Password: ")
		pw, err := r.ReadString('\n')
		if err != nil || strings.TrimSpace(pw) != f.password {
			w("Login incorrect\r\n")
			return
		}
	}
	f.mu.Lock()
	f.logins = append(f.logins, strings.TrimSpace(user))
	f.mu.Unlock()
	w("# ")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		switch strings.TrimSpace(line) {
		case "echo $?":
			w("0\r\n")
		case "uname -a":
			w("Linux fake 6.1.0 armv7l GNU/Linux\r\n")
		}
		w(linux.Prompt)
	}
}

func (f *fakeBoard) loginNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logins...)
}

func openFake(t *testing.T, f *fakeBoard, power PowerControl) *Board {
	t.Helper()
	b, err := Open(context.Background(), Config{
		Name: "fake",
		Connect: func(context.Context) (*channel.Channel, error) {
			local, remote := net.Pipe()
			go f.serve(remote)
			return channel.New("fake", local), nil
		},
		Power: power,
	})
	require.NoError(t, err)
	return b
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type recordPower struct {
	calls []string
	onErr error
}

func (p *recordPower) PowerOn(context.Context) error {
	p.calls = append(p.calls, "on")
	return p.onErr
}

func (p *recordPower) PowerOff(context.Context) error {
	p.calls = append(p.calls, "off")
	return nil
}

func TestOpenPowersOnAndOff(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := &recordPower{}
	b := openFake(t, &fakeBoard{}, p)
	assert.Equal(t, []string{"on"}, p.calls)
	require.NoError(t, b.Close())
	assert.Equal(t, []string{"on", "off"}, p.calls)
	require.NoError(t, b.Close())
	assert.Equal(t, []string{"on", "off"}, p.calls)
}

func TestOpenPowerOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := &recordPower{onErr: errors.New("relay stuck")}
	_, err := Open(context.Background(), Config{
		Name: "fake",
		Connect: func(context.Context) (*channel.Channel, error) {
			local, remote := net.Pipe()
			go (&fakeBoard{}).serve(remote)
			return channel.New("fake", local), nil
		},
		Power: p,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay stuck")
	assert.Equal(t, []string{"on", "off"}, p.calls)
}

func TestUBootExec(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := openFake(t, &fakeBoard{autoboot: true}, nil)
	defer b.Close()
	ctx := ctxTimeout(t)

	ub, err := NewUBoot(ctx, b, UBootConfig{AutobootPrompt: DefaultAutobootPrompt()})
	require.NoError(t, err)
	defer ub.Close()

	out, err := ub.Exec0Context(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, "U-Boot 2024.01 (fake)\n", out)

	out, err = ub.Exec0Context(ctx, "echo", "Booting linux ...")
	require.NoError(t, err)
	assert.Equal(t, "Booting linux ...\n", out)

	code, _, err := ub.ExecContext(ctx, "false")
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	_, err = ub.Exec0Context(ctx, "false")
	var failed *machine.CommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Code)

	require.NoError(t, ub.SetEnv(ctx, "serverip", "192.168.0.1"))
	v, err := ub.Env(ctx, "serverip")
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", v)

	ok, err := ub.TestContext(ctx, "false")
	require.NoError(t, err)
	assert.False(t, ok)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUBootInteractive(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := openFake(t, &fakeBoard{}, nil)
	defer b.Close()
	ctx := ctxTimeout(t)

	ub, err := NewUBoot(ctx, b, UBootConfig{})
	require.NoError(t, err)
	defer ub.Close()

	var screen syncBuffer
	in, typing := io.Pipe()
	defer typing.Close()
	go func() {
		_, _ = io.WriteString(typing, "version\n")
		deadline := time.Now().Add(3 * time.Second)
		for !strings.Contains(screen.String(), "(fake)") && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		_, _ = io.WriteString(typing, "\x04")
	}()

	require.NoError(t, ub.Interactive(ctx, in, &screen))
	assert.Contains(t, screen.String(), "U-Boot 2024.01 (fake)")

	out, err := ub.Exec0Context(ctx, "echo", "after")
	require.NoError(t, err)
	assert.Equal(t, "after\n", out)
}

func TestUBootBusyAndConsumed(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := openFake(t, &fakeBoard{password: "rootpw"}, nil)
	defer b.Close()
	ctx := ctxTimeout(t)

	ub, err := NewUBoot(ctx, b, UBootConfig{})
	require.NoError(t, err)
	defer ub.Close()

	_, err = NewUBoot(ctx, b, UBootConfig{})
	require.ErrorIs(t, err, ErrBusy)

	_, err = NewLinux(ctx, ub, LinuxConfig{Username: "root"})
	require.ErrorIs(t, err, ErrWrongSource)

	require.NoError(t, ub.Boot(ctx, "run", "bootcmd"))
	assert.True(t, ub.Consumed())

	_, _, err = ub.ExecContext(ctx, "version")
	require.ErrorIs(t, err, ErrMachineConsumed)
	require.ErrorIs(t, ub.Boot(ctx, "boot"), ErrMachineConsumed)
}

func TestLinuxFromBoard(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := &fakeBoard{autoboot: true, password: "rootpw"}
	b := openFake(t, f, nil)
	defer b.Close()
	ctx := ctxTimeout(t)

	lnx, err := NewLinux(ctx, b, LinuxConfig{
		Boot:     BootCommand(""),
		UBoot:    UBootConfig{AutobootPrompt: DefaultAutobootPrompt()},
		Username: "root",
		Password: "rootpw",
	})
	require.NoError(t, err)

	out, err := lnx.Exec0Context(ctx, "uname", "-a")
	require.NoError(t, err)
	assert.Equal(t, "Linux fake 6.1.0 armv7l GNU/Linux\n", out)
	assert.Equal(t, []string{"root"}, f.loginNames())

	// the console stays claimed until Linux is closed
	_, err = NewUBoot(ctx, b, UBootConfig{})
	require.ErrorIs(t, err, ErrBusy)
	require.NoError(t, lnx.Close())
}

func TestLinuxLoginTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := openFake(t, &fakeBoard{}, nil)
	defer b.Close()

	_, err := NewLinux(context.Background(), b, LinuxConfig{
		Username:    "root",
		BootTimeout: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out waiting for login prompt")

	// a failed bring-up gives the console back
	ub, err := NewUBoot(ctxTimeout(t), b, UBootConfig{})
	require.NoError(t, err)
	require.NoError(t, ub.Close())
}

type fakeRequester struct {
	got  []models.Command
	resp models.Response
}

func (f *fakeRequester) Request(_ context.Context, cmd models.Command) (*models.Response, error) {
	f.got = append(f.got, cmd)
	r := f.resp
	r.Action = cmd.Action
	return &r, nil
}

func TestMQTTPower(t *testing.T) {
	req := &fakeRequester{resp: models.Response{Status: models.StatusSuccess}}
	p := MQTTPower{Client: req, Device: "pdu-3", Timeout: 500 * time.Millisecond}
	require.NoError(t, p.PowerOn(context.Background()))
	require.NoError(t, p.PowerOff(context.Background()))
	require.Len(t, req.got, 2)
	assert.Equal(t, "pdu-3", req.got[0].Device)
	assert.Equal(t, 1, req.got[0].Timeout, "fractions round up")
	assert.Equal(t, models.ActionOn, req.got[0].Action)
	assert.Equal(t, models.ActionOff, req.got[1].Action)

	req.resp = models.Response{Status: models.StatusTimeout, Error: "command timed out"}
	err := p.PowerOn(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command timed out")
}
