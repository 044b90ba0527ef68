package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolLifecycle(t *testing.T) {
	f := NewFSM("A")
	var seen []State
	f.OnTransition(func(id string, from, to State, ev Event) {
		assert.Equal(t, "A", id)
		seen = append(seen, to)
	})

	require.NoError(t, f.Fire(EventLoad))
	require.NoError(t, f.Fire(EventStart))
	require.NoError(t, f.Fire(EventPause))
	require.NoError(t, f.Fire(EventResume))
	require.NoError(t, f.Fire(EventFinish))

	assert.Equal(t, StateIdle, f.Current())
	assert.Equal(t, []State{StateLoaded, StateRunning, StatePaused, StateRunning, StateIdle}, seen)
}

func TestInvalidTransition(t *testing.T) {
	f := NewFSM("B")
	assert.False(t, f.Can(EventStart))
	err := f.Fire(EventStart)
	assert.ErrorContains(t, err, "cannot fire event START from state IDLE")
	assert.Equal(t, StateIdle, f.Current())
}

func TestAbortFromAnyActiveState(t *testing.T) {
	for _, events := range [][]Event{
		{EventLoad},
		{EventLoad, EventStart},
		{EventLoad, EventStart, EventPause},
	} {
		f := NewFSM("A")
		for _, ev := range events {
			require.NoError(t, f.Fire(ev))
		}
		require.NoError(t, f.Fire(EventAbort))
		assert.Equal(t, StateIdle, f.Current())
	}
}
