package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrun/engine/runtime/agent/events"
)

func TestEventBufferAppendReturnsRunningLength(t *testing.T) {
	b := newEventBuffer()
	require.Equal(t, 1, b.Append(events.Content{ContentDelta: "a"}))
	require.Equal(t, 2, b.Append(events.Content{ContentDelta: "b"}))
	require.Equal(t, 2, b.Len())
}

func TestEventBufferSinceReturnsTail(t *testing.T) {
	b := newEventBuffer()
	b.Append(events.Content{ContentDelta: "a"})
	b.Append(events.Content{ContentDelta: "b"})
	b.Append(events.Content{ContentDelta: "c"})

	tail, n := b.Since(1)
	require.Equal(t, 3, n)
	require.Len(t, tail, 2)
	require.Equal(t, events.Content{ContentDelta: "b"}, tail[0])
}

func TestEventBufferSinceBeyondLengthReturnsEmpty(t *testing.T) {
	b := newEventBuffer()
	b.Append(events.Content{ContentDelta: "a"})

	tail, n := b.Since(5)
	require.Nil(t, tail)
	require.Equal(t, 1, n)
}

func TestEventBufferMarkDoneIsVisible(t *testing.T) {
	b := newEventBuffer()
	require.False(t, b.IsDone())
	b.MarkDone()
	require.True(t, b.IsDone())
}
