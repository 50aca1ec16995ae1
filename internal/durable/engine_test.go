package durable_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoflow/internal/durable"
	"videoflow/internal/durable/durabletest"
	pkgerrors "videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/retry"
	"videoflow/internal/store/memory"
)

func echoActivities(t *testing.T, reg *durable.Registry) {
	t.Helper()
	require.NoError(t, durable.RegisterActivity(reg, "Upper", func(ctx context.Context, in string) (string, error) {
		return strings.ToUpper(in), nil
	}))
	require.NoError(t, durable.RegisterActivity(reg, "Fail", func(ctx context.Context, in string) (string, error) {
		return "", errors.New("boom: " + in)
	}))
}

func TestSequentialActivities(t *testing.T) {
	reg := durable.NewRegistry()
	echoActivities(t, reg)
	require.NoError(t, reg.RegisterWorkflow("Seq", func(ctx durable.Context) (any, error) {
		var in string
		if err := ctx.Input(&in); err != nil {
			return nil, err
		}
		var a, b string
		if err := ctx.CallActivity("Upper", in).Get(&a); err != nil {
			return nil, err
		}
		if err := ctx.CallActivity("Upper", a+"-again").Get(&b); err != nil {
			return nil, err
		}
		return b, nil
	}))

	h := durabletest.New(t, reg)
	id, err := h.Engine.Start(context.Background(), "Seq", "clip")
	require.NoError(t, err)

	var out string
	h.Output(t, id, &out)
	assert.Equal(t, "CLIP-AGAIN", out)
	assert.Equal(t, []durable.EventType{
		durable.EventExecutionStarted,
		durable.EventEpisodeStarted,
		durable.EventActivityScheduled,
		durable.EventActivityCompleted,
		durable.EventEpisodeStarted,
		durable.EventActivityScheduled,
		durable.EventActivityCompleted,
		durable.EventEpisodeStarted,
		durable.EventExecutionCompleted,
	}, h.Events(t, id))
}

func TestWhenAllCollectsEveryResult(t *testing.T) {
	reg := durable.NewRegistry()
	echoActivities(t, reg)
	require.NoError(t, reg.RegisterWorkflow("FanOut", func(ctx durable.Context) (any, error) {
		inputs := []string{"a", "b", "c"}
		futures := make([]durable.Future, len(inputs))
		for i, in := range inputs {
			futures[i] = ctx.CallActivity("Upper", in)
		}
		if err := durable.WhenAll(ctx, futures...); err != nil {
			return nil, err
		}
		out := make([]string, len(futures))
		for i, f := range futures {
			if err := f.Get(&out[i]); err != nil {
				return nil, err
			}
		}
		return out, nil
	}))

	h := durabletest.New(t, reg)
	id, err := h.Engine.Start(context.Background(), "FanOut", nil)
	require.NoError(t, err)

	var out []string
	h.Output(t, id, &out)
	assert.Equal(t, []string{"A", "B", "C"}, out)
	assert.Len(t, h.Dispatcher.Tasks(), 3)
}

func TestWhenAllFailsOnAnyFailure(t *testing.T) {
	reg := durable.NewRegistry()
	echoActivities(t, reg)
	require.NoError(t, reg.RegisterWorkflow("FanOutFail", func(ctx durable.Context) (any, error) {
		err := durable.WhenAll(ctx,
			ctx.CallActivity("Upper", "a"),
			ctx.CallActivity("Fail", "b"),
			ctx.CallActivity("Upper", "c"),
		)
		return nil, err
	}))

	h := durabletest.New(t, reg)
	id, err := h.Engine.Start(context.Background(), "FanOutFail", nil)
	require.NoError(t, err)

	inst := h.Instance(t, id)
	assert.Equal(t, durable.StatusFailed, inst.Status)
	assert.Equal(t, `activity "Fail" failed: boom: b`, inst.Error)
}

func TestRetryPolicyYieldsSingleCompletion(t *testing.T) {
	reg := durable.NewRegistry()
	calls := 0
	require.NoError(t, durable.RegisterActivity(reg, "Flaky", func(ctx context.Context, in string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}))
	require.NoError(t, reg.RegisterWorkflow("Retrying", func(ctx durable.Context) (any, error) {
		var out string
		err := ctx.CallActivityWithRetry("Flaky", retry.Policy{FirstRetryDelay: time.Second, MaxAttempts: 2}, "x").Get(&out)
		return out, err
	}))

	h := durabletest.New(t, reg)
	id, err := h.Engine.Start(context.Background(), "Retrying", nil)
	require.NoError(t, err)

	var out string
	h.Output(t, id, &out)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, h.Sleeps.Waits())

	history, err := h.Engine.History(context.Background(), id)
	require.NoError(t, err)
	completions := 0
	for _, ev := range history {
		if ev.Type == durable.EventActivityCompleted {
			completions++
			assert.Equal(t, 2, ev.Attempts)
		}
		if ev.Type == durable.EventActivityScheduled {
			require.NotNil(t, ev.Retry)
			assert.Equal(t, 2, ev.Retry.MaxAttempts)
		}
	}
	assert.Equal(t, 1, completions)
}

func raceWorkflow(timeout time.Duration) durable.WorkflowFunc {
	return func(ctx durable.Context) (any, error) {
		timer := ctx.CreateTimer(ctx.Now().Add(timeout))
		defer timer.Cancel()
		signal := ctx.WaitForSignal("Decision")
		defer signal.Cancel()

		winner, err := durable.WhenAny(ctx, timer, signal)
		if err != nil {
			return nil, err
		}
		if winner == 0 {
			return "timeout", nil
		}
		var v string
		if err := signal.Get(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func TestSignalBeatsTimer(t *testing.T) {
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Race", raceWorkflow(30*time.Second)))

	h := durabletest.New(t, reg)
	ctx := context.Background()
	id, err := h.Engine.Start(ctx, "Race", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Clock.Pending())

	h.Clock.Advance(5 * time.Second)
	require.NoError(t, h.Engine.RaiseSignal(ctx, id, "Decision", "yes"))

	var out string
	h.Output(t, id, &out)
	assert.Equal(t, "yes", out)
	assert.Equal(t, 0, h.Clock.Pending(), "losing timer must be stopped")
	assert.Contains(t, h.Events(t, id), durable.EventTimerCanceled)

	// Later signals and the old deadline change nothing.
	require.NoError(t, h.Engine.RaiseSignal(ctx, id, "Decision", "no"))
	h.Clock.Advance(time.Minute)
	h.Output(t, id, &out)
	assert.Equal(t, "yes", out)
}

func TestTimerBeatsSignal(t *testing.T) {
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Race", raceWorkflow(30*time.Second)))

	h := durabletest.New(t, reg)
	ctx := context.Background()
	id, err := h.Engine.Start(ctx, "Race", nil)
	require.NoError(t, err)

	h.Clock.Advance(29 * time.Second)
	assert.Equal(t, durable.StatusRunning, h.Instance(t, id).Status)

	h.Clock.Advance(time.Second)
	var out string
	h.Output(t, id, &out)
	assert.Equal(t, "timeout", out)
	assert.NotContains(t, h.Events(t, id), durable.EventTimerCanceled)

	require.NoError(t, h.Engine.RaiseSignal(ctx, id, "Decision", "late"))
	h.Output(t, id, &out)
	assert.Equal(t, "timeout", out)
}

func TestRedispatchStaleResendsLostTasks(t *testing.T) {
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Single", func(ctx durable.Context) (any, error) {
		var out string
		err := ctx.CallActivity("Slow", "clip.mp4").Get(&out)
		return out, err
	}))

	clock := durabletest.NewFakeClock(durabletest.Epoch)
	e, d := newRecordingEngine(t, memory.New(), reg, clock)
	ctx := context.Background()
	id, err := e.Start(ctx, "Single", nil)
	require.NoError(t, err)
	require.Len(t, d.Tasks(), 1)

	n, err := e.RedispatchStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh task is left alone")

	// The worker popped the task and died; nothing comes back.
	clock.Advance(time.Minute)
	n, err = e.RedispatchStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	tasks := d.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, id, tasks[1].InstanceID)
	assert.Equal(t, tasks[0].TaskID, tasks[1].TaskID)
	assert.Equal(t, "Slow", tasks[1].Activity)

	n, err = e.RedispatchStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "the window restarts at every dispatch")

	// Both copies report back; the second completion is dropped.
	for _, task := range tasks {
		require.NoError(t, e.DeliverResult(ctx, durable.TaskResult{InstanceID: id, TaskID: task.TaskID, Output: []byte(`"done"`)}))
	}
	inst, err := e.Instance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, durable.StatusCompleted, inst.Status)

	clock.Advance(time.Hour)
	n, err = e.RedispatchStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, d.Tasks(), 2)
}

func TestRedispatchStaleAfterRestart(t *testing.T) {
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Single", func(ctx durable.Context) (any, error) {
		return nil, ctx.CallActivity("Slow", nil).Get(nil)
	}))

	store := memory.New()
	clock := durabletest.NewFakeClock(durabletest.Epoch)
	first, _ := newRecordingEngine(t, store, reg, clock)
	id, err := first.Start(context.Background(), "Single", nil)
	require.NoError(t, err)

	// A fresh process has no dispatch record and falls back to the
	// scheduled time.
	clock.Advance(2 * time.Minute)
	second, d := newRecordingEngine(t, store, reg, clock)
	n, err := second.RedispatchStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, d.Tasks(), 1)
	assert.Equal(t, id, d.Tasks()[0].InstanceID)
}

// newRecordingEngine returns an engine whose activities are only recorded,
// so tests control exactly when and in which order completions arrive.
func newRecordingEngine(t *testing.T, store durable.Store, reg *durable.Registry, clock *durabletest.FakeClock) (*durable.Engine, *durabletest.RecordingDispatcher) {
	t.Helper()
	d := &durabletest.RecordingDispatcher{}
	seq := 0
	e := durable.NewEngine(store, reg,
		durable.WithClock(clock),
		durable.WithDispatcher(d),
		durable.WithLogger(logger.Nop()),
		durable.WithIDGenerator(func() string { seq++; return fmt.Sprintf("rec-%d", seq) }),
	)
	return e, d
}

func tieWorkflow(ctx durable.Context) (any, error) {
	gate := ctx.CallActivity("Gate", nil)
	timer := ctx.CreateTimer(ctx.Now().Add(10 * time.Second))
	defer timer.Cancel()
	signal := ctx.WaitForSignal("Decision")
	defer signal.Cancel()

	if err := gate.Get(nil); err != nil {
		return nil, err
	}
	winner, err := durable.WhenAny(ctx, timer, signal)
	if err != nil {
		return nil, err
	}
	return []string{"timer", "signal"}[winner], nil
}

func TestWhenAnyTieResolvedByRecordedOrder(t *testing.T) {
	tests := []struct {
		name   string
		arrive func(ctx context.Context, e *durable.Engine, clock *durabletest.FakeClock, id string)
		want   string
	}{
		{
			name: "signal recorded first",
			arrive: func(ctx context.Context, e *durable.Engine, clock *durabletest.FakeClock, id string) {
				require.NoError(t, e.RaiseSignal(ctx, id, "Decision", "x"))
				clock.Advance(10 * time.Second)
			},
			want: "signal",
		},
		{
			name: "timer recorded first",
			arrive: func(ctx context.Context, e *durable.Engine, clock *durabletest.FakeClock, id string) {
				clock.Advance(10 * time.Second)
				require.NoError(t, e.RaiseSignal(ctx, id, "Decision", "x"))
			},
			want: "timer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := durable.NewRegistry()
			require.NoError(t, reg.RegisterWorkflow("Tie", tieWorkflow))
			clock := durabletest.NewFakeClock(durabletest.Epoch)
			e, d := newRecordingEngine(t, memory.New(), reg, clock)
			ctx := context.Background()

			id, err := e.Start(ctx, "Tie", nil)
			require.NoError(t, err)
			tt.arrive(ctx, e, clock, id)

			tasks := d.Tasks()
			require.Len(t, tasks, 1)
			require.NoError(t, e.DeliverResult(ctx, durable.TaskResult{InstanceID: id, TaskID: tasks[0].TaskID, Output: []byte(`null`)}))

			inst, err := e.Instance(ctx, id)
			require.NoError(t, err)
			require.Equal(t, durable.StatusCompleted, inst.Status, inst.Error)
			assert.JSONEq(t, `"`+tt.want+`"`, string(inst.Output))
		})
	}
}

func TestDuplicateCompletionDropped(t *testing.T) {
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Once", func(ctx durable.Context) (any, error) {
		var a, b int
		if err := ctx.CallActivity("Count", nil).Get(&a); err != nil {
			return nil, err
		}
		if err := ctx.CallActivity("Count", nil).Get(&b); err != nil {
			return nil, err
		}
		return a + b, nil
	}))
	clock := durabletest.NewFakeClock(durabletest.Epoch)
	e, d := newRecordingEngine(t, memory.New(), reg, clock)
	ctx := context.Background()

	id, err := e.Start(ctx, "Once", nil)
	require.NoError(t, err)

	first := durable.TaskResult{InstanceID: id, TaskID: d.Tasks()[0].TaskID, Output: []byte(`1`)}
	require.NoError(t, e.DeliverResult(ctx, first))
	require.NoError(t, e.DeliverResult(ctx, durable.TaskResult{InstanceID: id, TaskID: first.TaskID, Output: []byte(`100`)}))

	tasks := d.Tasks()
	require.Len(t, tasks, 2, "duplicate must not schedule anything new")
	require.NoError(t, e.DeliverResult(ctx, durable.TaskResult{InstanceID: id, TaskID: tasks[1].TaskID, Output: []byte(`2`)}))

	inst, err := e.Instance(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(inst.Output))

	// Completions for a finished instance are no-ops.
	require.NoError(t, e.DeliverResult(ctx, durable.TaskResult{InstanceID: id, TaskID: tasks[1].TaskID, Output: []byte(`7`)}))
}

func TestIsReplayingAndNow(t *testing.T) {
	type observation struct {
		replaying bool
		now       time.Time
	}
	var seen []observation

	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Observe", func(ctx durable.Context) (any, error) {
		seen = append(seen, observation{ctx.IsReplaying(), ctx.Now()})
		if err := ctx.CallActivity("Step", nil).Get(nil); err != nil {
			return nil, err
		}
		seen = append(seen, observation{ctx.IsReplaying(), ctx.Now()})
		return nil, nil
	}))
	clock := durabletest.NewFakeClock(durabletest.Epoch)
	e, d := newRecordingEngine(t, memory.New(), reg, clock)
	ctx := context.Background()

	id, err := e.Start(ctx, "Observe", nil)
	require.NoError(t, err)

	clock.Advance(7 * time.Second)
	require.NoError(t, e.DeliverResult(ctx, durable.TaskResult{InstanceID: id, TaskID: d.Tasks()[0].TaskID}))

	require.Len(t, seen, 3)
	assert.Equal(t, observation{false, durabletest.Epoch}, seen[0], "first episode runs fresh")
	assert.Equal(t, observation{true, durabletest.Epoch}, seen[1], "second episode replays up to the new completion")
	assert.Equal(t, observation{false, durabletest.Epoch.Add(7 * time.Second)}, seen[2], "time advances to the consumed event")
}

func TestNondeterminismFailsInstance(t *testing.T) {
	name := "First"
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Drift", func(ctx durable.Context) (any, error) {
		return nil, ctx.CallActivity(name, nil).Get(nil)
	}))
	clock := durabletest.NewFakeClock(durabletest.Epoch)
	e, d := newRecordingEngine(t, memory.New(), reg, clock)
	ctx := context.Background()

	id, err := e.Start(ctx, "Drift", nil)
	require.NoError(t, err)

	name = "Second"
	require.NoError(t, e.DeliverResult(ctx, durable.TaskResult{InstanceID: id, TaskID: d.Tasks()[0].TaskID}))

	inst, err := e.Instance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, durable.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "NON_DETERMINISTIC")
}

func TestSubWorkflowFailurePropagates(t *testing.T) {
	reg := durable.NewRegistry()
	echoActivities(t, reg)
	require.NoError(t, reg.RegisterWorkflow("Child", func(ctx durable.Context) (any, error) {
		return nil, ctx.CallActivity("Fail", "child").Get(nil)
	}))
	require.NoError(t, reg.RegisterWorkflow("Parent", func(ctx durable.Context) (any, error) {
		err := ctx.CallSubWorkflow("Child", nil).Get(nil)
		return err.Error(), nil
	}))

	h := durabletest.New(t, reg)
	id, err := h.Engine.Start(context.Background(), "Parent", nil)
	require.NoError(t, err)

	var msg string
	h.Output(t, id, &msg)
	assert.Equal(t, `sub-workflow "Child" failed: activity "Fail" failed: boom: child`, msg)

	child := h.Instance(t, id+":1")
	assert.Equal(t, durable.StatusFailed, child.Status)
	assert.Equal(t, id, child.ParentID)
}

func TestWorkflowPanicFailsInstance(t *testing.T) {
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Panics", func(ctx durable.Context) (any, error) {
		panic("kaboom")
	}))

	h := durabletest.New(t, reg)
	id, err := h.Engine.Start(context.Background(), "Panics", nil)
	require.NoError(t, err)

	inst := h.Instance(t, id)
	assert.Equal(t, durable.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "kaboom")
}

func TestStartUnknownWorkflow(t *testing.T) {
	h := durabletest.New(t, durable.NewRegistry())
	_, err := h.Engine.Start(context.Background(), "Nope", nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestSignalUnknownInstance(t *testing.T) {
	h := durabletest.New(t, durable.NewRegistry())
	err := h.Engine.RaiseSignal(context.Background(), "missing", "Decision", "x")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestRecoverRedispatchesAndRearms(t *testing.T) {
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Pending", func(ctx durable.Context) (any, error) {
		timer := ctx.CreateTimer(ctx.Now().Add(time.Minute))
		work := ctx.CallActivity("Work", nil)
		if _, err := durable.WhenAny(ctx, timer, work); err != nil {
			return nil, err
		}
		return "done", nil
	}))
	store := memory.New()
	clock := durabletest.NewFakeClock(durabletest.Epoch)
	ctx := context.Background()

	first, firstDispatch := newRecordingEngine(t, store, reg, clock)
	id, err := first.Start(ctx, "Pending", nil)
	require.NoError(t, err)
	require.Len(t, firstDispatch.Tasks(), 1)

	// A fresh engine over the same store stands in for a restarted process.
	restartedClock := durabletest.NewFakeClock(durabletest.Epoch.Add(10 * time.Second))
	second, secondDispatch := newRecordingEngine(t, store, reg, restartedClock)
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks := secondDispatch.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "Work", tasks[0].Activity)
	assert.Equal(t, 1, second.PendingTimers())

	restartedClock.Advance(50 * time.Second)
	inst, err := second.Instance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, durable.StatusCompleted, inst.Status)
}
