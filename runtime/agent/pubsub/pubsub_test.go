package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelNamingConventions(t *testing.T) {
	require.Equal(t, "agent_run:run-1:events", eventsChannel("run-1"))
	require.Equal(t, "agent_run:run-1:control", controlChannel("run-1"))
	require.Equal(t, "agent_run:run-1:control:inst-a", instanceControlChannel("run-1", "inst-a"))
	require.Equal(t, "active_run:inst-a:run-1", activeRunKey("inst-a", "run-1"))
}

func TestControlSignalValues(t *testing.T) {
	require.Equal(t, ControlSignal("STOP"), SignalStop)
	require.Equal(t, ControlSignal("END_STREAM"), SignalEndStream)
}
