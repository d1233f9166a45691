package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-seabird/logger"
	"github.com/arloliu/go-seabird/param"
	"github.com/stretchr/testify/require"
)

func TestStateMgr(t *testing.T) {
	require := require.New(t)

	t.Run("Initial State", func(t *testing.T) {
		sm := NewStateMgr(nil)
		require.Equal(StateUnknown, sm.State())
	})

	t.Run("To", func(t *testing.T) {
		var changes [][2]State
		sm := NewStateMgr(logger.GetLogger(), func(prev, next State) {
			changes = append(changes, [2]State{prev, next})
		})
		sm.AddHandler(nil)

		require.True(sm.To(StateCommand))
		require.False(sm.To(StateCommand))
		require.True(sm.To(StateAutosample))
		require.Equal(StateAutosample, sm.State())
		require.Equal([][2]State{
			{StateUnknown, StateCommand},
			{StateCommand, StateAutosample},
		}, changes)
	})

	t.Run("handler observes new state", func(t *testing.T) {
		sm := NewStateMgr(nil)
		var seen State
		sm.AddHandler(func(_, _ State) { seen = sm.State() })

		sm.To(StateDirectAccess)
		require.Equal(StateDirectAccess, seen)
	})
}

func TestStateMgr_WaitState(t *testing.T) {
	require := require.New(t)

	t.Run("already in state", func(t *testing.T) {
		sm := NewStateMgr(nil)
		require.NoError(sm.WaitState(context.Background(), StateUnknown))
	})

	t.Run("reached", func(t *testing.T) {
		sm := NewStateMgr(nil)
		go func() {
			time.Sleep(20 * time.Millisecond)
			sm.To(StateCommand)
			sm.To(StateAutosample)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(sm.WaitState(ctx, StateAutosample))
	})

	t.Run("canceled", func(t *testing.T) {
		sm := NewStateMgr(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(sm.WaitState(ctx, StateTest), context.DeadlineExceeded)
	})
}

func TestState_String(t *testing.T) {
	require := require.New(t)

	require.Equal("UNKNOWN", StateUnknown.String())
	require.Equal("DIRECT_ACCESS", StateDirectAccess.String())
	require.Equal("INVALID", State(99).String())
	require.True(StateAutosample.IsStreaming())
	require.True(StateUnknown.IsStreaming())
	require.False(StateCommand.IsStreaming())
}

func TestEvent(t *testing.T) {
	require := require.New(t)

	require.Equal("STOP_AUTOSAMPLE", EventStopAutosample.String())
	ev, ok := ParseEvent("SCHEDULED_CLOCK_SYNC")
	require.True(ok)
	require.Equal(EventScheduledClockSync, ev)
	_, ok = ParseEvent("BOGUS")
	require.False(ok)
	require.True(EventEnter.internal())
	require.False(EventDiscover.internal())
}

func TestRequest_Immutable(t *testing.T) {
	require := require.New(t)

	data := []byte("ds\r\n")
	req := DirectRequest(data)
	data[0] = 'X'
	require.Equal([]byte("ds\r\n"), req.Data())

	got := req.Data()
	got[0] = 'Y'
	require.Equal([]byte("ds\r\n"), req.Data())

	values := map[param.ID]any{1: 10}
	set := SetRequest(values)
	values[1] = 20
	require.Equal(10, set.Values()[1])

	ids := []param.ID{1, 2}
	get := GetRequest(time.Time{}, ids...)
	ids[0] = 9
	require.Equal([]param.ID{1, 2}, get.IDs())
}
