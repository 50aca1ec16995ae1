// Package storetest holds behavior checks shared by every durable.Store and
// correlation.Store backend.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoflow/internal/correlation"
	"videoflow/internal/durable"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/retry"
)

var base = time.Date(2024, 3, 1, 9, 30, 0, 123456000, time.UTC)

// RunHistory exercises a durable.Store. newStore must return an empty store.
func RunHistory(t *testing.T, newStore func(t *testing.T) durable.Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inst := &durable.Instance{
			ID:           "wf-1:2",
			Workflow:     "TranscodeVideo",
			ParentID:     "wf-1",
			ParentTaskID: 2,
			Status:       durable.StatusRunning,
			Input:        json.RawMessage(`{"location":"clip.mp4"}`),
			CreatedAt:    base,
			UpdatedAt:    base,
		}
		require.NoError(t, s.CreateInstance(ctx, inst))
		assert.True(t, errors.IsCode(s.CreateInstance(ctx, inst), errors.CodeAlreadyExists))

		got, err := s.GetInstance(ctx, "wf-1:2")
		require.NoError(t, err)
		assert.Equal(t, "TranscodeVideo", got.Workflow)
		assert.Equal(t, "wf-1", got.ParentID)
		assert.Equal(t, 2, got.ParentTaskID)
		assert.Equal(t, durable.StatusRunning, got.Status)
		assert.JSONEq(t, `{"location":"clip.mp4"}`, string(got.Input))
		assert.True(t, base.Equal(got.CreatedAt))
		assert.Nil(t, got.CompletedAt)

		_, err = s.GetInstance(ctx, "nope")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inst := &durable.Instance{ID: "a", Workflow: "W", Status: durable.StatusRunning, CreatedAt: base, UpdatedAt: base}
		require.NoError(t, s.CreateInstance(ctx, inst))

		done := base.Add(time.Minute)
		inst.Status = durable.StatusFailed
		inst.Error = "boom"
		inst.Output = json.RawMessage(`{"status":"failed"}`)
		inst.UpdatedAt = done
		inst.CompletedAt = &done
		require.NoError(t, s.UpdateInstance(ctx, inst))

		got, err := s.GetInstance(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, durable.StatusFailed, got.Status)
		assert.Equal(t, "boom", got.Error)
		assert.JSONEq(t, `{"status":"failed"}`, string(got.Output))
		require.NotNil(t, got.CompletedAt)
		assert.True(t, done.Equal(*got.CompletedAt))

		assert.True(t, errors.IsNotFound(s.UpdateInstance(ctx, &durable.Instance{ID: "missing"})))
	})

	t.Run("history round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateInstance(ctx, &durable.Instance{ID: "a", Workflow: "W", Status: durable.StatusRunning, CreatedAt: base, UpdatedAt: base}))

		events := []durable.Event{
			{Seq: 1, Type: durable.EventExecutionStarted, Timestamp: base, Name: "W", Input: json.RawMessage(`"in"`)},
			{Seq: 2, Type: durable.EventEpisodeStarted, Timestamp: base},
			{Seq: 3, Type: durable.EventActivityScheduled, Timestamp: base, TaskID: 1, Name: "Transcode",
				Retry: &retry.Policy{FirstRetryDelay: time.Second, MaxAttempts: 2}},
			{Seq: 4, Type: durable.EventTimerCreated, Timestamp: base, TaskID: 2, FireAt: base.Add(time.Hour)},
		}
		require.NoError(t, s.AppendEvents(ctx, "a", events[:2]))
		require.NoError(t, s.AppendEvents(ctx, "a", events[2:]))

		err := s.AppendEvents(ctx, "a", []durable.Event{{Seq: 3, Type: durable.EventSignalRaised, Timestamp: base, Name: "x"}})
		assert.True(t, errors.IsConflict(err), "reused seq must conflict, got %v", err)

		h, err := s.LoadHistory(ctx, "a")
		require.NoError(t, err)
		require.Len(t, h, 4)
		for i, ev := range h {
			assert.Equal(t, int64(i+1), ev.Seq)
			assert.Equal(t, events[i].Type, ev.Type)
		}
		require.NotNil(t, h[2].Retry)
		assert.Equal(t, time.Second, h[2].Retry.FirstRetryDelay)
		assert.True(t, base.Add(time.Hour).Equal(h[3].FireAt))
		assert.JSONEq(t, `"in"`, string(h[0].Input))

		_, err = s.LoadHistory(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("list newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, st := range []durable.Status{durable.StatusRunning, durable.StatusCompleted, durable.StatusRunning} {
			at := base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.CreateInstance(ctx, &durable.Instance{
				ID:        []string{"first", "second", "third"}[i],
				Workflow:  []string{"ProcessVideo", "ProcessVideo", "TranscodeVideo"}[i],
				Status:    st,
				CreatedAt: at,
				UpdatedAt: at,
			}))
		}

		all, err := s.ListInstances(ctx, durable.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"third", "second", "first"}, ids(all))

		running, err := s.ListInstances(ctx, durable.Filter{Status: durable.StatusRunning})
		require.NoError(t, err)
		assert.Equal(t, []string{"third", "first"}, ids(running))

		top, err := s.ListInstances(ctx, durable.Filter{Workflow: "ProcessVideo", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"second"}, ids(top))
	})
}

// RunCorrelation exercises a correlation.Store.
func RunCorrelation(t *testing.T, newStore func(t *testing.T) correlation.Store) {
	t.Run("write once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "c0de", "wf-1"))
		assert.ErrorIs(t, s.Put(ctx, "c0de", "wf-2"), correlation.ErrAlreadyExists)

		id, err := s.Resolve(ctx, "c0de")
		require.NoError(t, err)
		assert.Equal(t, "wf-1", id)
	})

	t.Run("unknown code", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Resolve(context.Background(), "missing")
		assert.ErrorIs(t, err, correlation.ErrNotFound)
	})

	t.Run("validation", func(t *testing.T) {
		s := newStore(t)
		assert.True(t, errors.IsValidation(s.Put(context.Background(), "", "wf-1")))
	})
}

func ids(in []durable.Instance) []string {
	out := make([]string, len(in))
	for i, inst := range in {
		out[i] = inst.ID
	}
	return out
}
