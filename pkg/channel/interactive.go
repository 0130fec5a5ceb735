package channel

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

const ctrlD = 0x04

// AttachInteractive connects in and out to the channel until endMagic shows
// up in the received data.  Anything after endMagic stays buffered.  With an
// empty endMagic the session ends when Ctrl-D is read from in instead.
//
// Reads from in cannot be interrupted, so the input pump is not waited for:
// it notices the detach with its next read and drops that input.
func (c *Channel) AttachInteractive(ctx context.Context, in io.Reader, out io.Writer, endMagic string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	detachCtx, detach := context.WithCancel(ctx)
	defer detach()

	magic := []byte(endMagic)
	g, gctx := errgroup.WithContext(detachCtx)

	go func() {
		b := make([]byte, 1024)
		for {
			n, err := in.Read(b)
			if gctx.Err() != nil {
				return
			}
			chunk := b[:n]
			escaped := false
			if len(magic) == 0 {
				if i := bytes.IndexByte(chunk, ctrlD); i >= 0 {
					chunk, escaped = chunk[:i], true
				}
			}
			if len(chunk) > 0 {
				if _, werr := c.Write(chunk); werr != nil {
					return
				}
			}
			if escaped {
				detach()
				return
			}
			if err != nil {
				return
			}
		}
	}()

	g.Go(func() error {
		var tail []byte
		for {
			chunk, err := c.take(gctx)
			if err != nil {
				if detachCtx.Err() != nil && ctx.Err() == nil {
					return nil
				}
				return err
			}
			if len(magic) == 0 {
				if _, err := out.Write(chunk); err != nil {
					return err
				}
				continue
			}
			window := append(tail, chunk...)
			if i := bytes.Index(window, magic); i >= 0 {
				// only the part of the window that came with this chunk is new
				from := len(tail)
				if i > from {
					if _, err := out.Write(window[from:i]); err != nil {
						return err
					}
				}
				c.unread(window[i+len(magic):])
				return nil
			}
			if _, err := out.Write(chunk); err != nil {
				return err
			}
			if keep := len(magic) - 1; len(window) > keep {
				tail = append([]byte{}, window[len(window)-keep:]...)
			} else {
				tail = window
			}
		}
	})

	return g.Wait()
}
