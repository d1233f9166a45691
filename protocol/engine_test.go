package protocol_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/instrument"
	"github.com/arloliu/go-seabird/internal/simulator"
	"github.com/arloliu/go-seabird/param"
	"github.com/arloliu/go-seabird/particle"
	"github.com/arloliu/go-seabird/protocol"
	"github.com/arloliu/go-seabird/sbe16"
	"github.com/stretchr/testify/require"
)

// syncTime is 10ms before a second boundary so clock syncs finish quickly.
var syncTime = time.Date(2014, 2, 24, 18, 36, 41, 990_000_000, time.UTC)

type testEnv struct {
	engine *protocol.Engine
	sim    *simulator.Simulator
	dict   *param.Dictionary

	mu      sync.Mutex
	changes [][2]protocol.State
}

func (env *testEnv) transitions() [][2]protocol.State {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([][2]protocol.State(nil), env.changes...)
}

func (env *testEnv) handle(t *testing.T, req protocol.Request) (any, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return env.engine.Handle(ctx, req)
}

func (env *testEnv) discover(t *testing.T, want protocol.State) {
	t.Helper()

	_, err := env.handle(t, protocol.NewRequest(protocol.EventDiscover))
	require.NoError(t, err)
	require.Equal(t, want, env.engine.State())
	env.sim.ResetReceived()
}

func newTestEnv(t *testing.T, startup map[string]any, opts ...simulator.Option) *testEnv {
	t.Helper()

	fam := sbe16.Family()
	fam.StartSettle = 10 * time.Millisecond

	dict, err := param.NewDictionary(fam.Params)
	require.NoError(t, err)
	if startup != nil {
		require.NoError(t, dict.SetStartupValues(startup))
	}

	layer, err := command.NewLayer(fam.Commands,
		command.WithCommandTimeout(time.Second),
		command.WithWakeup(200*time.Millisecond, 3, 10*time.Millisecond),
		command.WithConfirmDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	sim, conn := simulator.Pipe(opts...)
	layer.Attach(conn)
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				layer.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	env := &testEnv{sim: sim, dict: dict}
	env.engine, err = protocol.NewEngine(fam, dict, layer,
		protocol.WithClock(func() time.Time { return syncTime }),
		protocol.WithStateHandler(func(prev, next protocol.State) {
			env.mu.Lock()
			env.changes = append(env.changes, [2]protocol.State{prev, next})
			env.mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(context.Background()))

	t.Cleanup(func() {
		env.engine.Stop()
		sim.Close()
		_ = conn.Close()
	})

	return env
}

func TestEngine_Discover(t *testing.T) {
	t.Run("command", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)

		env.discover(t, protocol.StateCommand)

		v, ok := env.dict.Value(sbe16.SampleInterval)
		require.True(ok)
		require.Equal(10, v.Value)
		v, ok = env.dict.Value(sbe16.SerialNumber)
		require.True(ok)
		require.Equal(6841, v.Value)
		require.Equal([][2]protocol.State{{protocol.StateUnknown, protocol.StateCommand}}, env.transitions())
	})

	t.Run("autosample", func(t *testing.T) {
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)
	})

	t.Run("ignores prior belief", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		env.sim.SetLogging(true)
		_, err := env.handle(t, protocol.NewRequest(protocol.EventDiscover))
		require.NoError(err)
		require.Equal(protocol.StateAutosample, env.engine.State())
	})

	t.Run("timeout leaves unknown", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.sim.Silence("DS", true)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventDiscover))
		require.ErrorIs(err, instrument.ErrTimeout)
		require.Equal(protocol.StateUnknown, env.engine.State())
	})
}

func TestEngine_ApplyStartupParams(t *testing.T) {
	startup := map[string]any{"SampleInterval": 15, "DelayBeforeSampling": "2.5", "Volt1": false}

	t.Run("from command", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, startup)

		env.discover(t, protocol.StateCommand)
		require.Equal("15", env.sim.Param("SampleInterval"))
		require.Equal("2.5", env.sim.Param("DelayBeforeSampling"))
		require.Equal("no", env.sim.Param("Volt1"))
		require.False(env.dict.IsDirty(env.dict.StartupList()))
	})

	t.Run("from autosample resumes logging", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, startup, simulator.WithLogging(true))

		env.discover(t, protocol.StateAutosample)
		require.Equal("15", env.sim.Param("SampleInterval"))
		require.True(env.sim.Logging())
		require.False(env.dict.IsDirty(env.dict.StartupList()))
	})

	t.Run("failure still resumes logging", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, startup, simulator.WithLogging(true))
		env.sim.FailSet("SampleInterval", true)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventDiscover))
		require.ErrorIs(err, instrument.ErrParameter)
		require.True(env.sim.Logging())
		require.Equal(protocol.StateAutosample, env.engine.State())
	})

	t.Run("float rounded half to even is accepted", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, map[string]any{"DelayBeforeSampling": 0.75})

		env.discover(t, protocol.StateCommand)
		require.Equal("0.8", env.sim.Param("DelayBeforeSampling"))
		require.False(env.dict.IsDirty(env.dict.StartupList()))

		_, err := env.handle(t, protocol.NewRequest(protocol.EventDiscover))
		require.NoError(err)
		require.Equal([]string{"DS"}, env.sim.Commands())
	})

	t.Run("clean dictionary sends no sets", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventDiscover))
		require.NoError(err)
		require.Equal([]string{"DS"}, env.sim.Commands())
	})
}

func TestEngine_StopAutosampleInCommand(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	env.discover(t, protocol.StateCommand)

	_, err := env.handle(t, protocol.NewRequest(protocol.EventStopAutosample))
	require.ErrorIs(err, protocol.ErrInvalidEvent)
	require.ErrorIs(err, instrument.ErrProtocol)
	require.Equal(protocol.StateCommand, env.engine.State())
	require.Empty(env.sim.Received())
}

func TestEngine_Autosample(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventStartAutosample))
		require.NoError(err)
		require.Equal(protocol.StateAutosample, env.engine.State())
		require.True(env.sim.Logging())

		env.sim.ResetReceived()
		_, err = env.handle(t, protocol.NewRequest(protocol.EventStopAutosample))
		require.NoError(err)
		require.Equal(protocol.StateCommand, env.engine.State())
		require.False(env.sim.Logging())
		require.Equal([]string{"", "", "Stop"}, env.sim.Received()[:3])
	})

	t.Run("start not verified", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)
		env.sim.IgnoreStart(true)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventStartAutosample))
		require.ErrorIs(err, instrument.ErrProtocol)
		require.Equal(protocol.StateCommand, env.engine.State())
	})

	t.Run("stop not verified", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)
		env.sim.IgnoreStop(true)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventStopAutosample))
		require.ErrorIs(err, instrument.ErrProtocol)
		require.Equal(protocol.StateAutosample, env.engine.State())
	})

	t.Run("single sample only in command", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventAcquireSample))
		require.ErrorIs(err, protocol.ErrInvalidEvent)
		require.Zero(env.sim.Count("TS"))
	})
}

func TestEngine_AcquireSample(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	env.discover(t, protocol.StateCommand)

	v, err := env.handle(t, protocol.NewRequest(protocol.EventAcquireSample))
	require.NoError(err)

	particles, ok := v.([]*particle.Particle)
	require.True(ok)
	require.Len(particles, 1)
	temp, err := particles[0].Int("temperature")
	require.NoError(err)
	require.Equal(284431, temp)
}

func TestEngine_Set(t *testing.T) {
	t.Run("read-only is rejected before sending", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		before, _ := env.dict.Value(sbe16.BatteryCutoff)
		for _, id := range []param.ID{sbe16.BatteryCutoff, sbe16.SerialNumber, sbe16.DateTime, sbe16.Echo} {
			_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{id: 1}))
			require.ErrorIs(err, instrument.ErrParameter)
			require.ErrorIs(err, param.ErrReadOnly)
		}
		after, _ := env.dict.Value(sbe16.BatteryCutoff)
		require.Equal(before, after)
		require.Empty(env.sim.Received())
	})

	t.Run("invalid value is rejected before sending", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{sbe16.SampleInterval: "soon"}))
		require.ErrorIs(err, instrument.ErrParameter)
		require.Empty(env.sim.Received())
	})

	t.Run("acknowledged value is kept when the refresh fails", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)
		env.sim.Silence("DS", true)

		_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{sbe16.SampleInterval: 20}))
		require.ErrorIs(err, instrument.ErrTimeout)
		require.Equal("20", env.sim.Param("SampleInterval"))

		v, ok := env.dict.Value(sbe16.SampleInterval)
		require.True(ok)
		require.Equal(20, v.Value)
	})

	t.Run("command", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{
			sbe16.SampleInterval: 30,
			sbe16.TxRealTime:     false,
		}))
		require.NoError(err)
		require.Equal("30", env.sim.Param("SampleInterval"))
		require.Equal("no", env.sim.Param("TxRealTime"))
		require.Equal(1, env.sim.Count("SampleInterval=30"))
		require.Equal(1, env.sim.Count("TxRealTime=no"))

		got, err := param.Get[int](env.dict, sbe16.SampleInterval, time.Time{})
		require.NoError(err)
		require.Equal(30, got)
	})

	t.Run("confirmed parameter is sent twice", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithParam("SampleNumber", "120"))
		env.discover(t, protocol.StateCommand)

		_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{sbe16.SampleNumber: 0}))
		require.NoError(err)
		require.Equal(2, env.sim.Count("SampleNumber=0"))
		require.Equal("0", env.sim.Param("SampleNumber"))
	})

	t.Run("autosample stops and resumes", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)

		_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{sbe16.NCycles: 8}))
		require.NoError(err)
		require.Equal("8", env.sim.Param("NCycles"))
		require.True(env.sim.Logging())
		require.Equal(protocol.StateAutosample, env.engine.State())

		cmds := env.sim.Commands()
		require.Equal("Stop", cmds[0])
		require.Contains(cmds, "StartNow")
	})

	t.Run("device error", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)
		env.sim.FailSet("NCycles", true)

		_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{sbe16.NCycles: 8}))
		require.ErrorIs(err, instrument.ErrParameter)
		require.True(env.sim.Logging())
	})

	t.Run("not accepted by device", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)
		env.sim.DropSet("NCycles", true)

		_, err := env.handle(t, protocol.SetRequest(map[param.ID]any{sbe16.NCycles: 8}))
		require.ErrorIs(err, instrument.ErrParameter)
		require.Equal("4", env.sim.Param("NCycles"))
	})
}

func TestEngine_Get(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	env.discover(t, protocol.StateCommand)

	v, err := env.handle(t, protocol.GetRequest(time.Time{}, sbe16.SampleInterval, sbe16.TxRealTime))
	require.NoError(err)
	require.Equal(map[param.ID]any{sbe16.SampleInterval: 10, sbe16.TxRealTime: true}, v)
	require.Zero(env.sim.Count("DS"))

	// values older than the baseline are refreshed first
	env.sim.SetParam("SampleInterval", "45")
	v, err = env.handle(t, protocol.GetRequest(time.Now(), sbe16.SampleInterval))
	require.NoError(err)
	require.Equal(map[param.ID]any{sbe16.SampleInterval: 45}, v)
	require.Equal(1, env.sim.Count("DS"))

	_, err = env.handle(t, protocol.GetRequest(time.Now().Add(time.Hour), sbe16.SampleInterval))
	require.ErrorIs(err, instrument.ErrParameter)

	all, err := env.handle(t, protocol.GetRequest(time.Time{}))
	require.NoError(err)
	require.Len(all, len(env.dict.IDs()))
}

func TestEngine_ClockSync(t *testing.T) {
	t.Run("command", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventClockSync))
		require.NoError(err)
		require.Equal(1, env.sim.Count("DateTime=02242014183642"))
		require.Equal("24 Feb 2014 18:36:42", env.sim.Param("DateTime"))
	})

	t.Run("autosample resumes logging", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventScheduledClockSync))
		require.NoError(err)
		require.True(env.sim.Logging())
		require.Equal(protocol.StateAutosample, env.engine.State())
	})

	t.Run("autosample resumes logging when the time set fails", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)
		env.sim.FailSet("DateTime", true)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventClockSync))
		require.ErrorIs(err, instrument.ErrProtocol)
		require.True(env.sim.Logging())
		require.Equal(1, env.sim.Count("StartNow"))
		require.Equal(protocol.StateAutosample, env.engine.State())
	})

	t.Run("autosample resumes logging when the stop is not verified", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)
		env.sim.Silence("DS", true)

		_, err := env.handle(t, protocol.NewRequest(protocol.EventClockSync))
		require.ErrorIs(err, instrument.ErrTimeout)
		require.True(env.sim.Logging())
		require.Equal(1, env.sim.Count("Stop"))
		require.Equal(1, env.sim.Count("StartNow"))
		require.Zero(env.sim.Count("DateTime=02242014183642"))
		require.Equal(protocol.StateAutosample, env.engine.State())
	})
}

func TestEngine_AcquireStatus(t *testing.T) {
	kinds := func(v any) []particle.Kind {
		particles, _ := v.([]*particle.Particle)
		out := make([]particle.Kind, 0, len(particles))
		for _, p := range particles {
			out = append(out, p.Kind())
		}
		return out
	}
	want := []particle.Kind{
		particle.KindStatus,
		particle.KindHardware,
		particle.KindConfiguration,
		particle.KindCalibration,
		particle.KindEventCounters,
	}

	t.Run("command", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		v, err := env.handle(t, protocol.NewRequest(protocol.EventAcquireStatus))
		require.NoError(err)
		require.Equal(want, kinds(v))
		require.Equal([]string{"", "GetSD", "", "GetHD", "", "GetCD", "", "GetCC", "", "GetEC"}, env.sim.Received())
	})

	t.Run("autosample uses two wakeups", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil, simulator.WithLogging(true))
		env.discover(t, protocol.StateAutosample)

		v, err := env.handle(t, protocol.NewRequest(protocol.EventScheduledAcquireStatus))
		require.NoError(err)
		require.Equal(want, kinds(v))
		require.Equal([]string{"", "", "GetSD"}, env.sim.Received()[:3])
		require.True(env.sim.Logging())
	})

	t.Run("configuration", func(t *testing.T) {
		require := require.New(t)
		env := newTestEnv(t, nil)
		env.discover(t, protocol.StateCommand)

		v, err := env.handle(t, protocol.NewRequest(protocol.EventGetConfiguration))
		require.NoError(err)
		require.Equal([]particle.Kind{particle.KindCalibration, particle.KindConfiguration}, kinds(v))
	})
}

func TestEngine_DirectAccess(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	env.discover(t, protocol.StateCommand)

	_, err := env.handle(t, protocol.NewRequest(protocol.EventStartDirect))
	require.NoError(err)
	require.Equal(protocol.StateDirectAccess, env.engine.State())

	_, err = env.handle(t, protocol.DirectRequest([]byte("SampleInterval=30\r\n")))
	require.NoError(err)
	require.Eventually(func() bool { return env.sim.Param("SampleInterval") == "30" }, time.Second, 5*time.Millisecond)

	_, err = env.handle(t, protocol.NewRequest(protocol.EventAcquireStatus))
	require.ErrorIs(err, protocol.ErrInvalidEvent)

	// the operator also started logging
	env.sim.SetLogging(true)

	_, err = env.handle(t, protocol.NewRequest(protocol.EventStopDirect))
	require.NoError(err)
	require.Equal(protocol.StateAutosample, env.engine.State())
	require.Equal("10", env.sim.Param("SampleInterval"))
	require.True(env.sim.Logging())
}

func TestEngine_RunTest(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	env.discover(t, protocol.StateCommand)

	v, err := env.handle(t, protocol.NewRequest(protocol.EventRunTest))
	require.NoError(err)

	steps, ok := v.([]protocol.StepResult)
	require.True(ok)
	require.Len(steps, 3)
	require.Equal(sbe16.CmdTestTemperature, steps[0].Verb)
	require.Contains(steps[0].Response, "TT test")

	require.Equal([][2]protocol.State{
		{protocol.StateUnknown, protocol.StateCommand},
		{protocol.StateCommand, protocol.StateTest},
		{protocol.StateTest, protocol.StateCommand},
	}, env.transitions())
}

func TestEngine_Lifecycle(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)

	_, err := env.handle(t, protocol.NewRequest(protocol.EventEnter))
	require.ErrorIs(err, protocol.ErrInvalidEvent)

	require.True(env.engine.Handles(protocol.StateCommand, protocol.EventSet))
	require.False(env.engine.Handles(protocol.StateCommand, protocol.EventStopAutosample))
	require.False(env.engine.Handles(protocol.StateCommand, protocol.EventEnter))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _, _ = env.engine.Handle(ctx, protocol.NewRequest(protocol.EventDiscover)) }()
	require.NoError(env.engine.WaitState(ctx, protocol.StateCommand))

	env.engine.Stop()
	_, err = env.handle(t, protocol.NewRequest(protocol.EventDiscover))
	require.ErrorIs(err, protocol.ErrEngineStopped)
}

func TestNewEngine_Validation(t *testing.T) {
	require := require.New(t)

	fam := sbe16.Family()
	dict, err := param.NewDictionary(fam.Params)
	require.NoError(err)
	layer, err := command.NewLayer(fam.Commands)
	require.NoError(err)

	_, err = protocol.NewEngine(nil, dict, layer)
	require.Error(err)

	broken := sbe16.Family()
	broken.StatusSequence = append(broken.StatusSequence, "GetXX")
	broken.IsLogging = nil
	_, err = protocol.NewEngine(broken, dict, layer)
	require.ErrorContains(err, "GetXX")
	require.ErrorContains(err, "IsLogging")

	_, err = protocol.NewEngine(fam, dict, layer, protocol.WithQueueSize(0))
	require.Error(err)
}
