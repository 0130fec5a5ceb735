package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

// pair returns both ends of an in-memory duplex connection.
func pair() (*pipeConn, *pipeConn) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &pipeConn{r: br, w: aw}, &pipeConn{r: ar, w: bw}
}

// newTestChannel returns a channel, the remote end and a function closing
// both.  Tests defer the closer after goleak so it runs first.
func newTestChannel(t *testing.T) (*Channel, *pipeConn, func()) {
	t.Helper()
	local, remote := pair()
	ch := New("test", local)
	return ch, remote, func() {
		_ = remote.Close()
		_ = ch.Close()
	}
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestReadUntilPrompt(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, remote, done := newTestChannel(t)
	defer done()

	go func() { _, _ = io.WriteString(remote, "hello\nworld\n=> tail") }()

	out, err := ch.ReadUntilPrompt(ctxTimeout(t, time.Second), Literal("=> "))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", out)

	go func() { _, _ = io.WriteString(remote, " 42 more") }()
	out, err = ch.ReadUntilPrompt(ctxTimeout(t, time.Second), Re(`\d+`))
	require.NoError(t, err)
	assert.Equal(t, "tail ", out)
}

func TestReadUntilPromptTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, _, done := newTestChannel(t)
	defer done()

	_, err := ch.ReadUntilPrompt(ctxTimeout(t, 50*time.Millisecond), Literal("never"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestReadAfterRemoteClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, remote, done := newTestChannel(t)
	defer done()

	require.NoError(t, remote.Close())
	_, err := ch.ReadUntilPrompt(ctxTimeout(t, time.Second), Literal("$ "))
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestSendLineReadBack(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, remote, done := newTestChannel(t)
	defer done()

	// a console that echoes every line with CRLF and then prints a result
	go func() {
		sc := bufio.NewScanner(remote)
		for sc.Scan() {
			line := sc.Text()
			_, _ = io.WriteString(remote, line+"\r\n")
			_, _ = io.WriteString(remote, "result of "+line+"\r\n=> ")
		}
	}()

	ctx := ctxTimeout(t, time.Second)
	require.NoError(t, ch.SendLine(ctx, "version", true))
	out, err := ch.ReadUntilPrompt(ctx, Literal("=> "))
	require.NoError(t, err)
	assert.Equal(t, "result of version\r\n", out)

	out, err = ch.RawCommand(ctx, "printenv", Literal("=> "))
	require.NoError(t, err)
	assert.Equal(t, "printenv\r\nresult of printenv\r\n", out)
}

func TestReadUntilTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, remote, done := newTestChannel(t)
	defer done()

	go func() { _, _ = io.WriteString(remote, "boot messages") }()
	out, err := ch.ReadUntilTimeout(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "boot messages", out)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStream(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, remote, done := newTestChannel(t)
	defer done()

	var log lockedBuffer
	assert.Nil(t, ch.SetStream(&log))

	type result struct {
		out string
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := ch.ReadUntilPrompt(ctxTimeout(t, 5*time.Second), Literal("$ "))
		res <- result{out, err}
	}()

	_, _ = io.WriteString(remote, "first line\nsecond ")
	assert.Eventually(t, func() bool { return log.String() == "first line\n" },
		time.Second, 10*time.Millisecond, "complete lines are streamed before the prompt")
	_, _ = io.WriteString(remote, "line$ ")

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "first line\nsecond line", r.out)
	assert.Equal(t, "first line\nsecond line", log.String())
	assert.Equal(t, &log, ch.SetStream(nil))
}

func TestAttachInteractive(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, remote, done := newTestChannel(t)
	defer done()

	typed := make(chan string, 1)
	go func() {
		b := make([]byte, 64)
		n, _ := remote.Read(b)
		typed <- string(b[:n])
		_, _ = io.WriteString(remote, "hello from the shell\nEND-")
		_, _ = io.WriteString(remote, "MAGIC leftover")
	}()

	var out bytes.Buffer
	err := ch.AttachInteractive(ctxTimeout(t, time.Second), strings.NewReader("ls\n"), &out, "END-MAGIC")
	require.NoError(t, err)
	assert.Equal(t, "ls\n", <-typed)
	assert.True(t, strings.HasPrefix(out.String(), "hello from the shell\n"), out.String())
	assert.NotContains(t, out.String(), "leftover")

	rest, err := ch.ReadUntilTimeout(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, " leftover", rest)
}

func TestAttachInteractiveCtrlD(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch, remote, done := newTestChannel(t)
	defer done()

	typed := make(chan string, 1)
	go func() {
		b := make([]byte, 64)
		n, _ := remote.Read(b)
		typed <- string(b[:n])
	}()

	var out bytes.Buffer
	err := ch.AttachInteractive(ctxTimeout(t, time.Second), strings.NewReader("pwd\n\x04ignored"), &out, "")
	require.NoError(t, err)
	assert.Equal(t, "pwd\n", <-typed)
}
