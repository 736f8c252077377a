package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition_Lifecycle(t *testing.T) {
	require.True(t, CanTransition(StatusPending, StatusContacted))
	require.True(t, CanTransition(StatusContacted, StatusAwaitingReply))
	require.True(t, CanTransition(StatusAwaitingReply, StatusAwaitingReply))
	require.True(t, CanTransition(StatusAwaitingReply, StatusClosed))
	require.True(t, CanTransition(StatusQuoted, StatusClosed))

	require.False(t, CanTransition(StatusPending, StatusClosed))
	require.False(t, CanTransition(StatusContacted, StatusPending))
}

func TestCanTransition_ClosedIsTerminal(t *testing.T) {
	for _, to := range Statuses() {
		require.False(t, CanTransition(StatusClosed, to), "closed -> %s", to)
	}
	require.True(t, StatusClosed.Terminal())
	require.False(t, StatusAwaitingReply.Terminal())
}

func TestPredecessors(t *testing.T) {
	require.Equal(t, []SupplierStatus{StatusPending}, Predecessors(StatusContacted))
	require.Equal(t, []SupplierStatus{StatusContacted, StatusAwaitingReply, StatusQuoted}, Predecessors(StatusClosed))
	require.Empty(t, Predecessors(StatusPending))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("awaiting_reply")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingReply, s)

	_, err = ParseStatus("archived")
	require.Error(t, err)
}
