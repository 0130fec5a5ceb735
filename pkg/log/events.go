package log

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names used in the event log.
const (
	EventTestcaseBegin = "tc.begin"
	EventTestcaseEnd   = "tc.end"
	EventCommand       = "cmd"
	EventMessage       = "msg"
	EventOutput        = "out"
)

func indent(depth int) string {
	if depth <= 0 {
		return ""
	}
	return strings.Repeat("│   ", depth)
}

// TestcaseBegin logs the start of a testcase at the given nesting depth.
func TestcaseBegin(name string, depth int) {
	l := logger()
	l.Info().
		Str("event", EventTestcaseBegin).
		Str("testcase", name).
		Int("depth", depth).
		Msgf("%s├─Calling %s ...", indent(depth), name)
}

// TestcaseEnd logs the result of a testcase.  A nil err means success,
// skipped reports a skip instead of a failure.
func TestcaseEnd(name string, depth int, d time.Duration, skipped bool, err error) {
	l := logger()
	var ev *zerolog.Event
	result := "Done"
	switch {
	case skipped:
		ev = l.Warn()
		result = "Skipped"
	case err != nil:
		ev = l.Error().Err(err)
		result = "Fail"
	default:
		ev = l.Info()
	}
	ev.Str("event", EventTestcaseEnd).
		Str("testcase", name).
		Int("depth", depth).
		Dur("duration", d).
		Bool("success", err == nil || skipped).
		Bool("skipped", skipped).
		Msgf("%s└─%s. (%.3fs)", indent(depth), result, d.Seconds())
}

// Command logs a command about to be sent to a machine.
func Command(machine, cmd string) {
	l := logger()
	l.Info().
		Str("event", EventCommand).
		Str("machine", machine).
		Str("cmd", cmd).
		Msgf("[%s] %s", machine, cmd)
}

// Message logs a free-form message.
func Message(msg string) {
	l := logger()
	l.Info().Str("event", EventMessage).Msg(msg)
}

// OutputWriter is an io.Writer that logs complete lines of command output at
// debug level.  Flush emits a trailing partial line.
type OutputWriter struct {
	machine string
	mu      sync.Mutex
	buf     bytes.Buffer
}

// NewOutputWriter returns a writer streaming output of the named machine.
func NewOutputWriter(machine string) *OutputWriter {
	return &OutputWriter{machine: machine}
}

func (w *OutputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for later
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs what is left in the buffer.
func (w *OutputWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}

func (w *OutputWriter) emit(line string) {
	l := logger()
	l.Debug().
		Str("event", EventOutput).
		Str("machine", w.machine).
		Msgf("    ## %s", line)
}
