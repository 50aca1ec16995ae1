package durabletest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"videoflow/internal/durable"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/store/memory"
)

// Epoch is the start time of every harness clock.
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Harness bundles an engine wired to an in-memory store, a fake clock and
// synchronous activity execution.
type Harness struct {
	Engine     *durable.Engine
	Store      *memory.Store
	Clock      *FakeClock
	Dispatcher *InlineDispatcher
	Sleeps     *Sleeps
}

// New returns a harness running the workflows and activities in reg.
func New(t testing.TB, reg *durable.Registry) *Harness {
	t.Helper()

	log := logger.Nop()
	clock := NewFakeClock(Epoch)
	sleeps := &Sleeps{}
	store := memory.New()
	d := &InlineDispatcher{Executor: durable.NewExecutor(reg, log, durable.WithSleeper(sleeps.Sleep))}

	seq := 0
	engine := durable.NewEngine(store, reg,
		durable.WithClock(clock),
		durable.WithDispatcher(d),
		durable.WithLogger(log),
		durable.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("wf-%d", seq)
		}),
	)
	d.Sink = engine

	return &Harness{Engine: engine, Store: store, Clock: clock, Dispatcher: d, Sleeps: sleeps}
}

// Instance fetches an instance or fails the test.
func (h *Harness) Instance(t testing.TB, id string) *durable.Instance {
	t.Helper()
	inst, err := h.Engine.Instance(context.Background(), id)
	if err != nil {
		t.Fatalf("load instance %s: %v", id, err)
	}
	return inst
}

// Output decodes a completed instance's output into v.
func (h *Harness) Output(t testing.TB, id string, v any) {
	t.Helper()
	inst := h.Instance(t, id)
	if inst.Status != durable.StatusCompleted {
		t.Fatalf("instance %s is %s (error %q), want Completed", id, inst.Status, inst.Error)
	}
	if err := json.Unmarshal(inst.Output, v); err != nil {
		t.Fatalf("decode output of %s: %v", id, err)
	}
}

// Events returns the types of an instance's history in order.
func (h *Harness) Events(t testing.TB, id string) []durable.EventType {
	t.Helper()
	history, err := h.Engine.History(context.Background(), id)
	if err != nil {
		t.Fatalf("load history %s: %v", id, err)
	}
	out := make([]durable.EventType, len(history))
	for i, ev := range history {
		out[i] = ev.Type
	}
	return out
}
