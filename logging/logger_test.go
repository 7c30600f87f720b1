package logging

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerTagsComponent(t *testing.T) {
	logger := New(LevelDebug, io.Discard, 16)
	entry := logger.For("F")
	require.Equal(t, "F", entry.Data["component"])
}

func TestRingBufferCapturesLines(t *testing.T) {
	logger := New(LevelInfo, io.Discard, 4)
	for i := 0; i < 10; i++ {
		logger.For("H").Info("tick")
	}
	lines := logger.Ring().Lines()
	require.Len(t, lines, 4)
}

func TestRingBufferBeforeFull(t *testing.T) {
	buf := NewRingBuffer(8)
	buf.Append("a")
	buf.Append("b")
	require.Equal(t, []string{"a", "b"}, buf.Lines())
}

func TestRingBufferWrapsOldest(t *testing.T) {
	buf := NewRingBuffer(3)
	buf.Append("1")
	buf.Append("2")
	buf.Append("3")
	buf.Append("4")
	require.Equal(t, []string{"2", "3", "4"}, buf.Lines())
}

func TestRingBufferTail(t *testing.T) {
	buf := NewRingBuffer(5)
	for _, s := range []string{"a", "b", "c", "d", "e", "f"} {
		buf.Append(s)
	}
	require.Equal(t, []string{"d", "e", "f"}, buf.Tail(3))
}
