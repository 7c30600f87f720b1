// Package logging provides the lightweight structured logger shared by
// every component: a level filter, a prefix-tagged entry per component,
// and an in-memory ring buffer the (out-of-scope) dashboard can poll.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus' level type so callers outside this package don't
// need to import logrus directly just to configure a Logger.
type Level = logrus.Level

const (
	LevelError Level = logrus.ErrorLevel
	LevelWarn  Level = logrus.WarnLevel
	LevelInfo  Level = logrus.InfoLevel
	LevelDebug Level = logrus.DebugLevel
	LevelTrace Level = logrus.TraceLevel
)

// Logger is the process-wide structured logger. One Logger is shared by
// every component in the system; each component gets its own tagged
// *logrus.Entry via For.
type Logger struct {
	base *logrus.Logger
	ring *RingBuffer
}

// New creates a Logger at the given level, writing to out (typically
// os.Stderr) and retaining the last ringCapacity formatted lines for the
// dashboard.
func New(level Level, out io.Writer, ringCapacity int) *Logger {
	base := logrus.New()
	base.SetLevel(level)
	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ring := NewRingBuffer(ringCapacity)
	base.AddHook(&ringHook{ring: ring})

	return &Logger{base: base, ring: ring}
}

// For returns a logging entry tagged with the given component name, e.g.
// "A" (change log), "F" (proxy), "H" (supervisor). Matches spec.md's §2
// component letters so log lines can be grepped by component.
func (l *Logger) For(component string) *logrus.Entry {
	return l.base.WithField("component", component)
}

// Ring returns the shared ring buffer for dashboard consumption.
func (l *Logger) Ring() *RingBuffer {
	return l.ring
}

// SetLevel adjusts the level filter at runtime.
func (l *Logger) SetLevel(level Level) {
	l.base.SetLevel(level)
}

// ringHook is a logrus.Hook that appends every formatted entry to the
// shared ring buffer.
type ringHook struct {
	ring *RingBuffer
}

func (h *ringHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *ringHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.ring.Append(line)
	return nil
}
