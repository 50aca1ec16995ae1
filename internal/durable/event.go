package durable

import (
	"encoding/json"
	"time"

	"videoflow/internal/retry"
)

// EventType names a history event.
type EventType string

const (
	EventExecutionStarted     EventType = "ExecutionStarted"
	EventEpisodeStarted       EventType = "EpisodeStarted"
	EventActivityScheduled    EventType = "ActivityScheduled"
	EventActivityCompleted    EventType = "ActivityCompleted"
	EventActivityFailed       EventType = "ActivityFailed"
	EventTimerCreated         EventType = "TimerCreated"
	EventTimerFired           EventType = "TimerFired"
	EventTimerCanceled        EventType = "TimerCanceled"
	EventSubWorkflowScheduled EventType = "SubWorkflowScheduled"
	EventSubWorkflowCompleted EventType = "SubWorkflowCompleted"
	EventSubWorkflowFailed    EventType = "SubWorkflowFailed"
	EventSignalRaised         EventType = "SignalRaised"
	EventExecutionCompleted   EventType = "ExecutionCompleted"
)

// Event is one entry of an instance's append-only history. Seq and
// Timestamp are stamped by the engine when the event is appended.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// TaskID links scheduling events with their completions.
	TaskID int `json:"taskId,omitempty"`
	// Name is the activity, workflow or signal name.
	Name string `json:"name,omitempty"`

	Input  json.RawMessage `json:"input,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	FireAt   time.Time     `json:"fireAt,omitzero"`
	Retry    *retry.Policy `json:"retry,omitempty"`
	ChildID  string        `json:"childId,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
}

// isCompletion reports whether the event resolves a scheduled task.
func (e Event) isCompletion() bool {
	switch e.Type {
	case EventActivityCompleted, EventActivityFailed,
		EventSubWorkflowCompleted, EventSubWorkflowFailed,
		EventTimerFired:
		return true
	}
	return false
}

func (e Event) failed() bool {
	return e.Type == EventActivityFailed || e.Type == EventSubWorkflowFailed
}

// historyView indexes a history for replay and for duplicate detection.
type historyView struct {
	scheduled     map[int]int
	resolved      map[int]int
	timerCanceled map[int]bool
	signals       map[string][]int
	lastEpisode   int
}

func indexHistory(history []Event) *historyView {
	v := &historyView{
		scheduled:     make(map[int]int),
		resolved:      make(map[int]int),
		timerCanceled: make(map[int]bool),
		signals:       make(map[string][]int),
		lastEpisode:   -1,
	}
	for i, ev := range history {
		v.add(i, ev)
	}
	return v
}

func (v *historyView) add(i int, ev Event) {
	switch ev.Type {
	case EventActivityScheduled, EventTimerCreated, EventSubWorkflowScheduled:
		v.scheduled[ev.TaskID] = i
	case EventTimerCanceled:
		v.timerCanceled[ev.TaskID] = true
	case EventSignalRaised:
		v.signals[ev.Name] = append(v.signals[ev.Name], i)
	case EventEpisodeStarted:
		v.lastEpisode = i
	default:
		if ev.isCompletion() {
			if _, dup := v.resolved[ev.TaskID]; !dup {
				v.resolved[ev.TaskID] = i
			}
		}
	}
}
