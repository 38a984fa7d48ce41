package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTransitionsMatchSpecTable(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		to   State
	}{
		{StateInitial, EventQueue, StateQueueing},
		{StateQueueing, EventQueueFinish, StateQueued},
		{StateQueued, EventExecute, StateRunning},
		{StateRunning, EventSchedule, StateQueueing},
		{StateRunning, EventBlock, StateBlocking},
		{StateBlocking, EventQueue, StateRunning},
		{StateBlocking, EventSchedule, StateBlocked},
		{StateBlocked, EventQueue, StateQueueing},
	}
	for _, c := range cases {
		got, status := c.from.Apply(c.ev)
		require.True(t, status.Ok(), "%s --%v--> expected ok", c.from, c.ev)
		require.Equal(t, c.to, got)
	}
}

func TestUndefinedTransitionsAreInvalidAndDoNotMutate(t *testing.T) {
	undefined := []struct {
		from State
		ev   Event
	}{
		{StateInitial, EventExecute},
		{StateQueued, EventBlock},
		{StateRunning, EventQueueFinish},
		{StateBlocked, EventExecute},
	}
	for _, c := range undefined {
		got, status := c.from.Apply(c.ev)
		require.Equal(t, "Invalid", status.String())
		require.Equal(t, c.from, got, "state must be unchanged on an Invalid transition")
	}
}
