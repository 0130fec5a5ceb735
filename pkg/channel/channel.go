// Package channel implements the byte stream between tbot and a remote shell:
// a pty subprocess, an SSH session or a serial console opened on the lab host.
//
// A Channel buffers everything it receives in a single reader goroutine.
// Callers consume the buffer with ReadUntilPrompt and friends; only one
// consumer may read at a time.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned once the underlying transport is gone.
var ErrClosed = errors.New("channel closed")

// Channel is a buffered connection to a shell.
type Channel struct {
	name string
	rwc  io.ReadWriteCloser

	mu     sync.Mutex
	buf    []byte
	err    error
	stream io.Writer

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps rwc and starts receiving from it.
func New(name string, rwc io.ReadWriteCloser) *Channel {
	c := &Channel{
		name:   name,
		rwc:    rwc,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the name given at construction.
func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) readLoop() {
	defer close(c.done)
	b := make([]byte, 4096)
	for {
		n, err := c.rwc.Read(b)
		if n > 0 {
			c.mu.Lock()
			c.buf = append(c.buf, b[:n]...)
			c.mu.Unlock()
			c.signal()
		}
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.signal()
			return
		}
	}
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) wait(ctx context.Context) error {
	select {
	case <-c.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) closedErr(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", c.name, ErrClosed)
	}
	return fmt.Errorf("%s: %w: %v", c.name, ErrClosed, err)
}

// SetStream tees what ReadUntilPrompt and ReadUntilTimeout consume to w and
// returns the previous stream.  Complete lines are written as soon as they
// arrive, the prompt itself never is.  A nil w disables streaming.
func (c *Channel) SetStream(w io.Writer) io.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.stream
	c.stream = w
	return prev
}

func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return 0, c.closedErr(err)
	}
	return c.rwc.Write(p)
}

// Send writes s verbatim.
func (c *Channel) Send(s string) error {
	_, err := io.WriteString(c, s)
	return err
}

// SendLine writes s followed by a newline.  With readBack set the echo of s
// is consumed before returning.
func (c *Channel) SendLine(ctx context.Context, s string, readBack bool) error {
	if err := c.Send(s + "\n"); err != nil {
		return err
	}
	if readBack {
		return c.ReadBack(ctx, s)
	}
	return nil
}

// SendIntr sends Ctrl-C.
func (c *Channel) SendIntr() error {
	return c.Send("\x03")
}

// ReadBack consumes the echo of s, that is everything up to and including the
// newline following the last line of s.
func (c *Channel) ReadBack(ctx context.Context, s string) error {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if s != "" {
		if _, err := c.ReadUntilPrompt(ctx, Literal(s)); err != nil {
			return err
		}
	}
	_, err := c.ReadUntilPrompt(ctx, Literal("\n"))
	return err
}

// ReadUntilPrompt returns everything received before prompt and consumes the
// prompt itself.  It fails with ctx's error if the prompt does not show up in
// time.
func (c *Channel) ReadUntilPrompt(ctx context.Context, prompt Prompt) (string, error) {
	streamed := 0
	for {
		c.mu.Lock()
		w := c.stream
		if start, end, ok := prompt.find(c.buf); ok {
			out := string(c.buf[:start])
			c.buf = append(c.buf[:0:0], c.buf[end:]...)
			c.mu.Unlock()
			if w != nil && start > streamed {
				_, _ = io.WriteString(w, out[streamed:])
			}
			return out, nil
		}
		var lines []byte
		if w != nil {
			if i := bytes.LastIndexByte(c.buf, '\n'); i >= streamed {
				lines = append(lines, c.buf[streamed:i+1]...)
				streamed = i + 1
			}
		}
		err := c.err
		c.mu.Unlock()

		if len(lines) > 0 {
			_, _ = w.Write(lines)
		}
		if err != nil {
			return "", c.closedErr(err)
		}
		if err := c.wait(ctx); err != nil {
			return "", fmt.Errorf("%s: waiting for %s: %w", c.name, prompt, err)
		}
	}
}

// ReadUntilTimeout collects everything that arrives within d.
func (c *Channel) ReadUntilTimeout(d time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for {
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err != nil {
			break
		}
		if c.wait(ctx) != nil {
			break
		}
	}

	c.mu.Lock()
	out := string(c.buf)
	c.buf = nil
	w, err := c.stream, c.err
	c.mu.Unlock()
	if out == "" && err != nil {
		return "", c.closedErr(err)
	}
	if w != nil && out != "" {
		_, _ = io.WriteString(w, out)
	}
	return out, nil
}

// RawCommand sends cmd and returns the output up to prompt.
func (c *Channel) RawCommand(ctx context.Context, cmd string, prompt Prompt) (string, error) {
	if err := c.SendLine(ctx, cmd, false); err != nil {
		return "", err
	}
	return c.ReadUntilPrompt(ctx, prompt)
}

// take waits for any buffered data and returns it.
func (c *Channel) take(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			out := c.buf
			c.buf = nil
			c.mu.Unlock()
			return out, nil
		}
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, c.closedErr(err)
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// unread puts b back in front of the buffer.
func (c *Channel) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	c.mu.Lock()
	c.buf = append(append([]byte{}, b...), c.buf...)
	c.mu.Unlock()
	c.signal()
}

// Close closes the transport and waits for the reader to stop.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
		<-c.done
	})
	return c.closeErr
}
