package durable

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/retry"
)

// Context is the handle a workflow uses for everything that is not pure
// computation. Every method is deterministic with respect to the recorded
// history of the instance.
type Context interface {
	// InstanceID returns the id of the running instance.
	InstanceID() string
	// Input decodes the instance input into v.
	Input(v any) error
	// Now returns the timestamp of the latest history event the workflow has
	// observed. It never reads the wall clock.
	Now() time.Time
	// IsReplaying reports whether the current code path is re-deriving state
	// from events an earlier episode already observed.
	IsReplaying() bool
	// Logger returns a logger that stays silent while replaying.
	Logger() *logger.Logger

	CallActivity(name string, input any) Future
	CallActivityWithRetry(name string, policy retry.Policy, input any) Future
	CallSubWorkflow(name string, input any) Future
	CreateTimer(fireAt time.Time) CancelableFuture
	WaitForSignal(name string) CancelableFuture
}

// suspension unwinds the workflow goroutine when it awaits something that
// has not happened yet.
type suspension struct{}

// replayFailure unwinds the workflow when its code no longer matches history.
type replayFailure struct{ err error }

// runtime replays one instance's history for a single episode.
type runtime struct {
	instance *Instance
	history  []Event
	view     *historyView
	markers  []int

	horizon    int
	emitted    bool
	frozen     bool
	nextTaskID int
	waits      map[string]int

	actions []Event
	log     *logger.Logger
}

func newRuntime(inst *Instance, history []Event, log *logger.Logger) *runtime {
	view := indexHistory(history)
	rt := &runtime{
		instance:   inst,
		history:    history,
		view:       view,
		nextTaskID: 1,
		waits:      make(map[string]int),
	}
	for i, ev := range history {
		if ev.Type == EventEpisodeStarted {
			rt.markers = append(rt.markers, i)
		}
	}
	rt.log = log.WithInstanceID(inst.ID).ReplaySafe(rt.IsReplaying)
	return rt
}

// visibleLimit is the history length the code had seen when it first reached
// its current position: the first episode marker after everything consumed
// so far, or the whole history for the running episode.
func (rt *runtime) visibleLimit() int {
	k := sort.SearchInts(rt.markers, rt.horizon+1)
	if k < len(rt.markers) {
		return rt.markers[k]
	}
	return len(rt.history)
}

func (rt *runtime) visible(i int) bool {
	return i < rt.visibleLimit()
}

func (rt *runtime) consume(i int) {
	if i > rt.horizon {
		rt.horizon = i
	}
}

// advance moves the horizon to the next episode marker, exposing what the
// following episode saw at this code position. It reports false when the
// code is already at the running episode's view.
func (rt *runtime) advance() bool {
	limit := rt.visibleLimit()
	if limit >= len(rt.history) {
		return false
	}
	rt.horizon = limit
	return true
}

// wait advances through recorded episodes and suspends once none is left.
func (rt *runtime) wait() {
	if !rt.advance() {
		rt.suspend()
	}
}

func (rt *runtime) suspend() {
	rt.frozen = true
	panic(suspension{})
}

func (rt *runtime) fail(format string, args ...any) {
	rt.frozen = true
	panic(replayFailure{err: errors.Newf(errors.CodeNonDeterministic, format, args...)})
}

func (rt *runtime) InstanceID() string { return rt.instance.ID }

func (rt *runtime) Input(v any) error {
	if len(rt.history) == 0 || len(rt.history[0].Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(rt.history[0].Input, v); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "durable.Input", "decode workflow input")
	}
	return nil
}

func (rt *runtime) Now() time.Time {
	return rt.history[rt.horizon].Timestamp
}

func (rt *runtime) IsReplaying() bool {
	if rt.emitted {
		return false
	}
	k := sort.SearchInts(rt.markers, rt.horizon+1)
	return k < len(rt.markers)
}

func (rt *runtime) Logger() *logger.Logger { return rt.log }

func (rt *runtime) CallActivity(name string, input any) Future {
	return rt.schedule(EventActivityScheduled, name, input, func(ev *Event) {})
}

func (rt *runtime) CallActivityWithRetry(name string, policy retry.Policy, input any) Future {
	return rt.schedule(EventActivityScheduled, name, input, func(ev *Event) {
		p := policy
		ev.Retry = &p
	})
}

func (rt *runtime) CallSubWorkflow(name string, input any) Future {
	return rt.schedule(EventSubWorkflowScheduled, name, input, func(ev *Event) {
		ev.ChildID = rt.instance.ID + ":" + strconv.Itoa(ev.TaskID)
	})
}

func (rt *runtime) CreateTimer(fireAt time.Time) CancelableFuture {
	f := rt.schedule(EventTimerCreated, "", nil, func(ev *Event) {
		ev.FireAt = fireAt.UTC()
	})
	f.timer = true
	return f
}

func (rt *runtime) WaitForSignal(name string) CancelableFuture {
	if rt.frozen {
		return &future{rt: rt, never: true}
	}
	ordinal := rt.waits[name]
	rt.waits[name]++
	return &future{rt: rt, signal: name, ordinal: ordinal, isSignal: true}
}

// schedule matches the next task id against history or records a new action.
func (rt *runtime) schedule(kind EventType, name string, input any, decorate func(*Event)) *future {
	if rt.frozen {
		return &future{rt: rt, never: true}
	}
	id := rt.nextTaskID
	rt.nextTaskID++

	if i, ok := rt.view.scheduled[id]; ok {
		prev := rt.history[i]
		if prev.Type != kind || prev.Name != name {
			rt.fail("task %d: history has %s %q but workflow requested %s %q", id, prev.Type, prev.Name, kind, name)
		}
		return &future{rt: rt, taskID: id}
	}

	ev := Event{Type: kind, TaskID: id, Name: name}
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return &future{rt: rt, taskID: id, err: fmt.Errorf("encode %s input: %w", name, err)}
		}
		ev.Input = raw
	}
	decorate(&ev)
	rt.emit(ev)
	return &future{rt: rt, taskID: id}
}

func (rt *runtime) emit(ev Event) {
	rt.emitted = true
	rt.actions = append(rt.actions, ev)
}

// cancelTimer records a TimerCanceled action unless the timer already fired
// or its cancellation is already in history.
func (rt *runtime) cancelTimer(id int) {
	if rt.view.timerCanceled[id] {
		return
	}
	if i, ok := rt.view.resolved[id]; ok && rt.visible(i) {
		return
	}
	rt.view.timerCanceled[id] = true
	rt.emit(Event{Type: EventTimerCanceled, TaskID: id})
}
