package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"videoflow/internal/metrics"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/queue"
)

// Engine drives workflow instances: it appends events to their histories,
// replays the workflow code for every new event, persists the resulting
// actions and only then dispatches them.
type Engine struct {
	store      Store
	registry   *Registry
	dispatcher Dispatcher
	clock      Clock
	log        *logger.Logger
	newID      func() string

	locks keyedMutex

	timerMu sync.Mutex
	timers  map[timerKey]Timer

	dispatchMu sync.Mutex
	dispatched map[timerKey]time.Time
}

type timerKey struct {
	instanceID string
	taskID     int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithDispatcher sets where activity tasks are sent.
func WithDispatcher(d Dispatcher) Option { return func(e *Engine) { e.dispatcher = d } }

// WithLogger sets the engine logger.
func WithLogger(l *logger.Logger) Option { return func(e *Engine) { e.log = l } }

// WithIDGenerator replaces the instance id generator.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// NewEngine returns an engine persisting to store and running the workflows
// in reg.
func NewEngine(store Store, reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: reg,
		clock:    SystemClock(),
		log:      logger.Nop(),
		newID:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		locks:    keyedMutex{locks: make(map[string]*refMutex)},
		timers:   make(map[timerKey]Timer),

		dispatched: make(map[timerKey]time.Time),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.WithComponent("engine")
	return e
}

// StartOption configures Start.
type StartOption func(*startOptions)

type startOptions struct {
	id           string
	parentID     string
	parentTaskID int
}

// WithInstanceID starts the instance under a caller-chosen id.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) { o.id = id }
}

func asChild(parentID string, taskID int, childID string) StartOption {
	return func(o *startOptions) {
		o.id, o.parentID, o.parentTaskID = childID, parentID, taskID
	}
}

// Start creates an instance of workflow with input and runs its first
// episode. It returns the instance id.
func (e *Engine) Start(ctx context.Context, workflow string, input any, opts ...StartOption) (string, error) {
	var so startOptions
	for _, o := range opts {
		o(&so)
	}
	if so.id == "" {
		so.id = e.newID()
	}
	if _, ok := e.registry.Workflow(workflow); !ok {
		return "", errors.Validationf("unknown workflow %q", workflow).WithField("workflow", workflow)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeValidation, "engine.Start", "encode workflow input")
	}

	inst := &Instance{
		ID:           so.id,
		Workflow:     workflow,
		ParentID:     so.parentID,
		ParentTaskID: so.parentTaskID,
		Input:        raw,
	}
	fx, err := e.create(ctx, inst)
	if err != nil {
		return "", err
	}
	e.apply(ctx, fx)
	return inst.ID, nil
}

func (e *Engine) create(ctx context.Context, inst *Instance) (*effects, error) {
	unlock := e.locks.Lock(inst.ID)
	defer unlock()

	now := e.clock.Now()
	inst.Status = StatusRunning
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	started := Event{
		Seq:       1,
		Type:      EventExecutionStarted,
		Timestamp: now,
		Name:      inst.Workflow,
		Input:     inst.Input,
	}
	if err := e.store.AppendEvents(ctx, inst.ID, []Event{started}); err != nil {
		return nil, errors.Wrap(err, "engine.Start", "append ExecutionStarted")
	}

	metrics.RecordWorkflowStarted(inst.Workflow)
	e.log.WithInstanceID(inst.ID).Info("workflow started",
		"workflow", inst.Workflow,
		"parent_id", inst.ParentID,
	)
	return e.step(ctx, inst, []Event{started})
}

// RaiseSignal delivers a named external event to a running instance.
// Signals for finished instances are dropped.
func (e *Engine) RaiseSignal(ctx context.Context, instanceID, name string, payload any) error {
	if name == "" {
		return errors.ValidationField("name", "signal name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "engine.RaiseSignal", "encode signal payload")
	}
	return e.Deliver(ctx, instanceID, Event{Type: EventSignalRaised, Name: name, Input: raw})
}

// DeliverResult records the outcome of an activity task.
func (e *Engine) DeliverResult(ctx context.Context, res TaskResult) error {
	ev := Event{TaskID: res.TaskID, Attempts: res.Attempts}
	if res.Error != "" {
		ev.Type = EventActivityFailed
		ev.Error = res.Error
	} else {
		ev.Type = EventActivityCompleted
		ev.Result = res.Output
	}
	return e.Deliver(ctx, res.InstanceID, ev)
}

// Deliver appends a completion or signal event to an instance and runs an
// episode. Duplicate completions and events for finished instances are
// dropped without error.
func (e *Engine) Deliver(ctx context.Context, instanceID string, ev Event) error {
	fx, err := e.deliver(ctx, instanceID, ev)
	if err != nil {
		return err
	}
	e.apply(ctx, fx)
	return nil
}

func (e *Engine) deliver(ctx context.Context, instanceID string, ev Event) (*effects, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	log := e.log.WithInstanceID(instanceID)
	if inst.Status.Finished() {
		log.Debug("event for finished instance dropped", "type", ev.Type, "task_id", ev.TaskID)
		return nil, nil
	}

	history, err := e.store.LoadHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	view := indexHistory(history)

	switch {
	case ev.isCompletion():
		i, ok := view.scheduled[ev.TaskID]
		if !ok || !completes(history[i].Type, ev.Type) {
			log.Warn("completion without matching schedule dropped", "type", ev.Type, "task_id", ev.TaskID)
			return nil, nil
		}
		if _, dup := view.resolved[ev.TaskID]; dup {
			log.Debug("duplicate completion dropped", "type", ev.Type, "task_id", ev.TaskID)
			return nil, nil
		}
		if ev.Type == EventTimerFired && view.timerCanceled[ev.TaskID] {
			log.Debug("fire for canceled timer dropped", "task_id", ev.TaskID)
			return nil, nil
		}
		ev.Name = history[i].Name
	case ev.Type == EventSignalRaised:
		if ev.Name == "" {
			return nil, errors.ValidationField("name", "signal name is required")
		}
	default:
		return nil, errors.Validationf("event type %s cannot be delivered", ev.Type)
	}

	ev.Seq = int64(len(history) + 1)
	ev.Timestamp = e.clock.Now()
	ev.Error = errors.Truncate(ev.Error)
	if err := e.store.AppendEvents(ctx, instanceID, []Event{ev}); err != nil {
		return nil, errors.Wrap(err, "engine.Deliver", "append event")
	}
	history = append(history, ev)

	switch ev.Type {
	case EventTimerFired:
		metrics.RecordTimerFired()
	case EventSignalRaised:
		metrics.RecordSignal(ev.Name)
		log.Info("signal raised", "signal", ev.Name)
	}

	return e.step(ctx, inst, history)
}

func completes(scheduled, completion EventType) bool {
	switch completion {
	case EventActivityCompleted, EventActivityFailed:
		return scheduled == EventActivityScheduled
	case EventSubWorkflowCompleted, EventSubWorkflowFailed:
		return scheduled == EventSubWorkflowScheduled
	case EventTimerFired:
		return scheduled == EventTimerCreated
	}
	return false
}

// effects are the side effects of an episode, applied after the instance
// lock is released.
type effects struct {
	instance Instance
	actions  []Event
	finished bool
}

type episodeResult struct {
	suspended bool
	status    Status
	output    json.RawMessage
	err       error
}

// step replays the workflow against history, persists the episode and
// returns what must be dispatched. The caller holds the instance lock.
func (e *Engine) step(ctx context.Context, inst *Instance, history []Event) (*effects, error) {
	rt := newRuntime(inst, history, e.log)

	var res episodeResult
	if fn, ok := e.registry.Workflow(inst.Workflow); ok {
		res = runEpisode(fn, rt)
	} else {
		res = episodeResult{status: StatusFailed, err: fmt.Errorf("workflow %q is not registered", inst.Workflow)}
	}

	now := e.clock.Now()
	batch := []Event{{Type: EventEpisodeStarted}}
	if res.status != StatusFailed {
		batch = append(batch, rt.actions...)
	}
	if !res.suspended {
		done := Event{Type: EventExecutionCompleted, Result: res.output}
		if res.err != nil {
			done.Error = errors.Truncate(res.err.Error())
		}
		batch = append(batch, done)
	}
	for k := range batch {
		batch[k].Seq = int64(len(history) + k + 1)
		batch[k].Timestamp = now
	}

	if err := e.store.AppendEvents(ctx, inst.ID, batch); err != nil {
		return nil, errors.Wrap(err, "engine.step", "append episode")
	}

	inst.UpdatedAt = now
	if !res.suspended {
		inst.Status = res.status
		inst.Output = res.output
		if res.err != nil {
			inst.Error = errors.Truncate(res.err.Error())
		}
		inst.CompletedAt = &now
	}
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, errors.Wrap(err, "engine.step", "update instance")
	}

	metrics.RecordEpisode(inst.Workflow)
	log := e.log.WithInstanceID(inst.ID)
	log.Debug("episode finished", "workflow", inst.Workflow, "history", len(history)+len(batch), "actions", len(rt.actions))

	fx := &effects{instance: *inst, actions: rt.actions, finished: !res.suspended}
	if fx.finished {
		metrics.RecordWorkflowCompleted(inst.Workflow, string(inst.Status))
		if inst.Status == StatusFailed {
			log.Error("workflow failed", "workflow", inst.Workflow, "error", inst.Error)
		} else {
			log.Info("workflow completed", "workflow", inst.Workflow)
		}
	}
	return fx, nil
}

func runEpisode(fn WorkflowFunc, rt *runtime) (res episodeResult) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		switch r := rec.(type) {
		case suspension:
			res = episodeResult{suspended: true}
		case replayFailure:
			res = episodeResult{status: StatusFailed, err: r.err}
		default:
			res = episodeResult{status: StatusFailed, err: fmt.Errorf("workflow panicked: %v", rec)}
		}
	}()

	out, err := fn(rt)
	if err != nil {
		return episodeResult{status: StatusFailed, err: err}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return episodeResult{status: StatusFailed, err: fmt.Errorf("encode workflow output: %w", err)}
	}
	return episodeResult{status: StatusCompleted, output: raw}
}

// apply performs an episode's side effects in program order. The episode
// is already persisted, so the effects run even if the caller has gone away.
func (e *Engine) apply(ctx context.Context, fx *effects) {
	if fx == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	id := fx.instance.ID
	if fx.finished {
		e.stopTimers(id)
		if fx.instance.ParentID != "" {
			e.notifyParent(ctx, fx.instance)
		}
		return
	}

	for _, ev := range fx.actions {
		switch ev.Type {
		case EventTimerCreated:
			e.armTimer(id, ev)
		case EventTimerCanceled:
			e.stopTimer(timerKey{id, ev.TaskID})
		case EventSubWorkflowScheduled:
			e.startChild(ctx, fx.instance, ev)
		case EventActivityScheduled:
			e.dispatch(ctx, id, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, instanceID string, ev Event) {
	if e.dispatcher == nil {
		e.log.WithInstanceID(instanceID).Error("no dispatcher configured, activity left pending", "activity", ev.Name)
		return
	}
	task := Task{
		InstanceID:  instanceID,
		TaskID:      ev.TaskID,
		Activity:    ev.Name,
		Input:       ev.Input,
		Retry:       ev.Retry,
		ScheduledAt: ev.Timestamp,
	}
	if err := e.dispatcher.Dispatch(ctx, task); err != nil {
		e.log.WithInstanceID(instanceID).WithActivity(ev.Name, ev.TaskID).Error("dispatch failed, task stays pending until redelivery",
			"error", err.Error(),
		)
		return
	}
	e.dispatchMu.Lock()
	e.dispatched[timerKey{instanceID, ev.TaskID}] = e.clock.Now()
	e.dispatchMu.Unlock()
}

func (e *Engine) startChild(ctx context.Context, parent Instance, ev Event) {
	log := e.log.WithInstanceID(parent.ID)
	_, err := e.Start(ctx, ev.Name, ev.Input, asChild(parent.ID, ev.TaskID, ev.ChildID))
	if err == nil {
		return
	}
	if errors.IsCode(err, errors.CodeAlreadyExists) {
		child, gerr := e.store.GetInstance(ctx, ev.ChildID)
		if gerr == nil && child.Status.Finished() {
			e.notifyParent(ctx, *child)
		}
		return
	}

	log.Error("sub-workflow could not start", "child_id", ev.ChildID, "workflow", ev.Name, "error", err.Error())
	if derr := e.Deliver(ctx, parent.ID, Event{Type: EventSubWorkflowFailed, TaskID: ev.TaskID, Error: err.Error()}); derr != nil {
		log.Error("failed to report sub-workflow start failure", "error", derr.Error())
	}
}

func (e *Engine) notifyParent(ctx context.Context, child Instance) {
	ev := Event{TaskID: child.ParentTaskID}
	if child.Status == StatusCompleted {
		ev.Type = EventSubWorkflowCompleted
		ev.Result = child.Output
	} else {
		ev.Type = EventSubWorkflowFailed
		ev.Error = child.Error
	}
	if err := e.Deliver(ctx, child.ParentID, ev); err != nil {
		e.log.WithInstanceID(child.ParentID).Error("failed to deliver sub-workflow result",
			"child_id", child.ID,
			"error", err.Error(),
		)
	}
}

func (e *Engine) armTimer(instanceID string, ev Event) {
	key := timerKey{instanceID, ev.TaskID}
	d := ev.FireAt.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}

	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if _, armed := e.timers[key]; armed {
		return
	}
	e.timers[key] = e.clock.AfterFunc(d, func() { e.fireTimer(key) })
}

func (e *Engine) fireTimer(key timerKey) {
	e.timerMu.Lock()
	delete(e.timers, key)
	e.timerMu.Unlock()

	if err := e.Deliver(context.Background(), key.instanceID, Event{Type: EventTimerFired, TaskID: key.taskID}); err != nil {
		e.log.WithInstanceID(key.instanceID).Error("timer delivery failed", "task_id", key.taskID, "error", err.Error())
	}
}

func (e *Engine) stopTimer(key timerKey) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

func (e *Engine) stopTimers(instanceID string) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	for key, t := range e.timers {
		if key.instanceID == instanceID {
			t.Stop()
			delete(e.timers, key)
		}
	}
}

// PendingTimers reports how many durable timers are armed in this process.
func (e *Engine) PendingTimers() int {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return len(e.timers)
}

// Recover resumes every running instance after a restart: it replays each
// one, re-arms its pending timers, restarts missing sub-workflows and
// re-dispatches activities that have no recorded completion.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	running, err := e.store.ListInstances(ctx, Filter{Status: StatusRunning})
	if err != nil {
		return 0, errors.Wrap(err, "engine.Recover", "list running instances")
	}

	recovered := 0
	for i := len(running) - 1; i >= 0; i-- {
		fx, err := e.recoverInstance(ctx, running[i].ID)
		if err != nil {
			e.log.WithInstanceID(running[i].ID).Error("recovery failed", "error", err.Error())
			continue
		}
		e.apply(ctx, fx)
		recovered++
	}
	e.log.Info("recovery finished", "instances", recovered)
	return recovered, nil
}

func (e *Engine) recoverInstance(ctx context.Context, id string) (*effects, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Finished() {
		return nil, nil
	}
	history, err := e.store.LoadHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	fx, err := e.step(ctx, inst, history)
	if err != nil || fx.finished {
		return fx, err
	}

	// Everything scheduled and still unresolved, old and new, in history order.
	full, err := e.store.LoadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	view := indexHistory(full)
	fx.actions = fx.actions[:0]
	for _, ev := range full {
		switch ev.Type {
		case EventActivityScheduled, EventSubWorkflowScheduled, EventTimerCreated:
		default:
			continue
		}
		if _, done := view.resolved[ev.TaskID]; done {
			continue
		}
		if ev.Type == EventTimerCreated && view.timerCanceled[ev.TaskID] {
			continue
		}
		fx.actions = append(fx.actions, ev)
	}
	return fx, nil
}

// RedispatchStale sends every unresolved activity task of a running instance
// again once after has passed since it was last dispatched by this process,
// or since it was scheduled when it never was. Duplicate completions are
// dropped by Deliver, so a task that was merely slow costs one extra run.
func (e *Engine) RedispatchStale(ctx context.Context, after time.Duration) (int, error) {
	running, err := e.store.ListInstances(ctx, Filter{Status: StatusRunning})
	if err != nil {
		return 0, errors.Wrap(err, "engine.RedispatchStale", "list running instances")
	}

	now := e.clock.Now()
	live := make(map[timerKey]bool)
	var stale []Event
	var owners []string
	for _, inst := range running {
		history, err := e.store.LoadHistory(ctx, inst.ID)
		if err != nil {
			e.log.WithInstanceID(inst.ID).Error("redelivery scan failed", "error", err.Error())
			continue
		}
		view := indexHistory(history)
		for _, ev := range history {
			if ev.Type != EventActivityScheduled {
				continue
			}
			if _, done := view.resolved[ev.TaskID]; done {
				continue
			}
			key := timerKey{inst.ID, ev.TaskID}
			live[key] = true

			e.dispatchMu.Lock()
			last, ok := e.dispatched[key]
			e.dispatchMu.Unlock()
			if !ok {
				last = ev.Timestamp
			}
			if now.Sub(last) >= after {
				stale = append(stale, ev)
				owners = append(owners, inst.ID)
			}
		}
	}

	e.dispatchMu.Lock()
	for key := range e.dispatched {
		if !live[key] {
			delete(e.dispatched, key)
		}
	}
	e.dispatchMu.Unlock()

	dctx := context.WithoutCancel(ctx)
	for i, ev := range stale {
		e.log.WithInstanceID(owners[i]).WithActivity(ev.Name, ev.TaskID).Warn("activity task overdue, dispatching again")
		e.dispatch(dctx, owners[i], ev)
	}
	return len(stale), nil
}

// RunRedispatcher calls RedispatchStale every interval until ctx is done.
func (e *Engine) RunRedispatcher(ctx context.Context, interval, after time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.RedispatchStale(ctx, after); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Warn("redelivery sweep failed")
			}
		}
	}
}

// ConsumeResults delivers task results popped from q until ctx is done.
func (e *Engine) ConsumeResults(ctx context.Context, q queue.Queue) error {
	log := e.log.WithComponent("results")
	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			log.WithError(err).Warn("result queue pop error, retrying")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		var res TaskResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			log.WithError(err).Error("undecodable task result dropped")
			continue
		}
		if err := e.DeliverResult(ctx, res); err != nil {
			log.WithInstanceID(res.InstanceID).Error("task result delivery failed",
				"task_id", res.TaskID,
				"error", err.Error(),
			)
		}
	}
}

// Instance returns the current summary of an instance.
func (e *Engine) Instance(ctx context.Context, id string) (*Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// History returns the recorded events of an instance.
func (e *Engine) History(ctx context.Context, id string) ([]Event, error) {
	return e.store.LoadHistory(ctx, id)
}

// List returns instances matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter Filter) ([]Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// keyedMutex serializes work per instance id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
