package durable

import (
	"encoding/json"
	"fmt"

	"videoflow/internal/pkg/errors"
)

// ErrCanceled is returned when awaiting a cancelled timer or signal wait.
var ErrCanceled = errors.New(errors.CodeFailedPrecond, "awaitable was canceled")

// Future is the eventual result of an activity, sub-workflow, timer or
// signal. Get blocks the workflow (by suspending the episode) until the
// result is recorded in history, then decodes it into v.
type Future interface {
	Get(v any) error
}

// CancelableFuture is a timer or signal wait that can be abandoned. A
// cancelled awaitable never resolves.
type CancelableFuture interface {
	Future
	Cancel()
}

// TaskError is the error observed by a workflow when an activity or
// sub-workflow failed.
type TaskError struct {
	Kind    string
	Name    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s %q failed: %s", e.Kind, e.Name, e.Message)
}

type future struct {
	rt *runtime

	taskID int
	timer  bool

	isSignal bool
	signal   string
	ordinal  int

	canceled bool
	never    bool
	err      error
}

// resolution returns the history index of the event resolving f, if that
// event was visible at the current code position.
func (f *future) resolution() (int, *Event, bool) {
	if f.err != nil {
		return -1, nil, true
	}
	if f.never || f.canceled {
		return 0, nil, false
	}

	var (
		i  int
		ok bool
	)
	if f.isSignal {
		idxs := f.rt.view.signals[f.signal]
		if f.ordinal < len(idxs) {
			i, ok = idxs[f.ordinal], true
		}
	} else {
		i, ok = f.rt.view.resolved[f.taskID]
	}
	if !ok || !f.rt.visible(i) {
		return 0, nil, false
	}
	return i, &f.rt.history[i], true
}

func (f *future) failed() bool {
	if f.err != nil {
		return true
	}
	_, ev, ok := f.resolution()
	return ok && ev.failed()
}

func (f *future) Get(v any) error {
	rt := f.rt
	if rt.frozen {
		panic(suspension{})
	}
	if f.err != nil {
		return f.err
	}
	if f.canceled {
		return ErrCanceled
	}
	i, ev, ok := f.resolution()
	for !ok {
		rt.wait()
		i, ev, ok = f.resolution()
	}
	rt.consume(i)
	return decodeResult(ev, v)
}

func (f *future) Cancel() {
	if f.rt.frozen || f.canceled || f.never || f.err != nil {
		return
	}
	if _, _, ok := f.resolution(); ok {
		return
	}
	f.canceled = true
	if f.timer {
		f.rt.cancelTimer(f.taskID)
	}
}

func decodeResult(ev *Event, v any) error {
	switch ev.Type {
	case EventActivityFailed:
		return &TaskError{Kind: "activity", Name: ev.Name, Message: ev.Error}
	case EventSubWorkflowFailed:
		return &TaskError{Kind: "sub-workflow", Name: ev.Name, Message: ev.Error}
	case EventActivityCompleted, EventSubWorkflowCompleted:
		if v == nil || len(ev.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(ev.Result, v); err != nil {
			return fmt.Errorf("decode %s result: %w", ev.Name, err)
		}
	case EventSignalRaised:
		if v == nil || len(ev.Input) == 0 {
			return nil
		}
		if err := json.Unmarshal(ev.Input, v); err != nil {
			return fmt.Errorf("decode signal %s payload: %w", ev.Name, err)
		}
	}
	return nil
}

// WhenAll waits until every future resolved and returns nil, or returns the
// error of the earliest recorded failure as soon as one is visible.
func WhenAll(ctx Context, futures ...Future) error {
	rt, fs, ok := unwrap(ctx, futures)
	if !ok {
		for _, f := range futures {
			if err := f.Get(nil); err != nil {
				return err
			}
		}
		return nil
	}
	if rt.frozen {
		panic(suspension{})
	}

	for _, f := range fs {
		if f.canceled {
			return ErrCanceled
		}
	}
	for {
		var (
			failure *future
			failAt  int
			pending bool
		)
		for _, f := range fs {
			i, _, resolved := f.resolution()
			if !resolved {
				pending = true
				continue
			}
			if f.failed() && (failure == nil || i < failAt) {
				failure, failAt = f, i
			}
		}
		if failure != nil {
			return failure.Get(nil)
		}
		if !pending {
			break
		}
		rt.wait()
	}
	for _, f := range fs {
		i, _, _ := f.resolution()
		rt.consume(i)
	}
	return nil
}

// WhenAny waits until at least one future resolved and returns the position
// of the one whose resolving event was recorded first.
func WhenAny(ctx Context, futures ...Future) (int, error) {
	if len(futures) == 0 {
		return -1, errors.Validation("WhenAny needs at least one future")
	}
	rt, fs, ok := unwrap(ctx, futures)
	if !ok {
		return 0, futures[0].Get(nil)
	}
	if rt.frozen {
		panic(suspension{})
	}

	live := 0
	for _, f := range fs {
		if !f.canceled {
			live++
		}
	}
	if live == 0 {
		return -1, ErrCanceled
	}
	for {
		winner, at := -1, 0
		for k, f := range fs {
			if f.canceled {
				continue
			}
			i, _, resolved := f.resolution()
			if resolved && (winner < 0 || i < at) {
				winner, at = k, i
			}
		}
		if winner >= 0 {
			rt.consume(at)
			return winner, nil
		}
		rt.wait()
	}
}

func unwrap(ctx Context, futures []Future) (*runtime, []*future, bool) {
	rt, ok := ctx.(*runtime)
	if !ok {
		return nil, nil, false
	}
	fs := make([]*future, len(futures))
	for k, f := range futures {
		ff, ok := f.(*future)
		if !ok || ff.rt != rt {
			return nil, nil, false
		}
		fs[k] = ff
	}
	return rt, fs, true
}
