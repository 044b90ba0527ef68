package handlers

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/persistence"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/PySeqEcosystem/pyseq-core/internal/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsReachTrackerAndJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	journal, err := persistence.NewJournal(path)
	require.NoError(t, err)

	bus := event.NewBus()
	st := web.NewStateTracker(nil)
	RegisterEventHandlers(bus, st, journal, util.Discard())

	bus.Publish(event.Event{Type: event.TaskEnqueued, Actor: "A", TaskID: 1, Description: "PUMP 100"})
	bus.Publish(event.Event{Type: event.TaskEnqueued, Actor: "A", TaskID: 2, Description: "HOLD 1"})
	bus.Publish(event.Event{Type: event.TaskCompleted, Actor: "A", TaskID: 1, Description: "PUMP 100"})
	bus.Publish(event.Event{Type: event.TaskFailed, Actor: "B", TaskID: 1, Description: "TEMP 30", Error: errors.New("heater fault")})
	bus.Publish(event.Event{Type: event.StateChanged, Actor: "A", State: "RUNNING"})
	bus.Publish(event.Event{Type: event.ReservationAcquired, Actor: "A"})

	require.Eventually(t, func() bool {
		a, okA := st.Actor("A")
		b, okB := st.Actor("B")
		return okA && okB && a.Completed == 1 && a.State == "RUNNING" && b.Failed == 1 &&
			st.GetStateSnapshot().MicroscopeOwner == "A"
	}, time.Second, time.Millisecond)
	b, _ := st.Actor("B")
	assert.Equal(t, "heater fault", b.LastError)

	// 等待异步写入完成后，用新的 run 重新打开日志
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Count(data, []byte("\n")) == 4
	}, time.Second, time.Millisecond)
	require.NoError(t, journal.Close())
	reopened, err := persistence.NewJournal(path)
	require.NoError(t, err)
	defer reopened.Close()

	unfinished, err := reopened.Unfinished()
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, types.ActorID("A"), unfinished[0].Actor)
	assert.Equal(t, 2, unfinished[0].TaskID)
	assert.Equal(t, "HOLD 1", unfinished[0].Description)
}

func TestTrackerIgnoresLateStart(t *testing.T) {
	st := web.NewStateTracker(nil)
	st.Apply(event.Event{Type: event.TaskCompleted, Actor: "A", TaskID: 3, Description: "PUMP 100"})
	st.Apply(event.Event{Type: event.TaskStarted, Actor: "A", TaskID: 3, Description: "PUMP 100"})

	a, ok := st.Actor("A")
	require.True(t, ok)
	assert.Empty(t, a.Current)
	assert.Equal(t, "PUMP 100", a.LastTask)

	st.Apply(event.Event{Type: event.TaskStarted, Actor: "A", TaskID: 4, Description: "HOLD 1"})
	a, _ = st.Actor("A")
	assert.Equal(t, "HOLD 1", a.Current)
}
