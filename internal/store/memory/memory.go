// Package memory keeps workflow histories and approval correlations in
// process memory. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"videoflow/internal/durable"
	"videoflow/internal/pkg/errors"
)

// Store is an in-memory durable.Store.
type Store struct {
	mu        sync.RWMutex
	instances map[string]durable.Instance
	histories map[string][]durable.Event
}

// New returns an empty store.
func New() *Store {
	return &Store{
		instances: make(map[string]durable.Instance),
		histories: make(map[string][]durable.Event),
	}
}

func (s *Store) CreateInstance(_ context.Context, inst *durable.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return errors.AlreadyExists("instance", inst.ID)
	}
	s.instances[inst.ID] = cloneInstance(*inst)
	s.histories[inst.ID] = nil
	return nil
}

func (s *Store) GetInstance(_ context.Context, id string) (*durable.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("instance", id)
	}
	out := cloneInstance(inst)
	return &out, nil
}

func (s *Store) UpdateInstance(_ context.Context, inst *durable.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return errors.NotFound("instance", inst.ID)
	}
	s.instances[inst.ID] = cloneInstance(*inst)
	return nil
}

func (s *Store) AppendEvents(_ context.Context, id string, events []durable.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[id]
	if !ok {
		return errors.NotFound("instance", id)
	}
	for _, ev := range events {
		if ev.Seq != int64(len(h)+1) {
			return errors.Newf(errors.CodeConflict, "event seq %d does not follow %d", ev.Seq, len(h))
		}
		h = append(h, ev)
	}
	s.histories[id] = h
	return nil
}

func (s *Store) LoadHistory(_ context.Context, id string) ([]durable.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, errors.NotFound("instance", id)
	}
	out := make([]durable.Event, len(h))
	copy(out, h)
	return out, nil
}

func (s *Store) ListInstances(_ context.Context, f durable.Filter) ([]durable.Instance, error) {
	s.mu.RLock()
	out := make([]durable.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.Workflow != "" && inst.Workflow != f.Workflow {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func cloneInstance(in durable.Instance) durable.Instance {
	out := in
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
