// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package state owns the authoritative instance records. Every write goes
// through a per-instance lock and the lifecycle transition table; readers
// get cached views that are invalidated on write.
package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gpufleet/internal/cache"
	"gpufleet/internal/kv"
	"gpufleet/pkg/fleet"
)

// Store is the instance state store.
type Store struct {
	kv        kv.Store
	namespace string
	logger    *zap.Logger

	reg    *cache.Registry
	states *cache.Cache
	merged *cache.Cache

	// now is swappable for tests.
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds the store. The "instance-states" cache holds decoded records
// (30s TTL); "merged-instances" holds comprehensive listings.
func New(store kv.Store, namespace string, reg *cache.Registry, mergedTTL time.Duration, logger *zap.Logger) *Store {
	if mergedTTL <= 0 {
		mergedTTL = time.Minute
	}
	return &Store{
		kv:        store,
		namespace: namespace,
		logger:    logger.With(zap.String("component", "state")),
		reg:       reg,
		states:    reg.GetOrCreate(cache.NameInstanceStates, cache.Options{MaxSize: 1000, DefaultTTL: 30 * time.Second}),
		merged:    reg.GetOrCreate(cache.NameMergedInstances, cache.Options{MaxSize: 50, DefaultTTL: mergedTTL}),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) stateKey(id string) string   { return s.namespace + ":instance:state:" + id }
func (s *Store) nameKey(name string) string  { return s.namespace + ":instance:name:" + name }
func (s *Store) statePattern() string        { return s.namespace + ":instance:state:*" }
func (s *Store) idFromKey(key string) string { return strings.TrimPrefix(key, s.namespace+":instance:state:") }

// lockFor serializes writes per instance within this process.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Create persists a new record and claims its name. A live record with the
// same name yields CONFLICT.
func (s *Store) Create(ctx context.Context, st *fleet.InstanceState) error {
	if st.ID == "" {
		return fleet.NewError(fleet.KindValidation, "instance id is empty")
	}
	if !fleet.NameRE.MatchString(st.Name) {
		return fleet.Errorf(fleet.KindValidation, "invalid instance name %q", st.Name)
	}
	claimed, err := s.kv.SetNX(ctx, s.nameKey(st.Name), st.ID, 0)
	if err != nil {
		return err
	}
	if !claimed {
		return fleet.Errorf(fleet.KindConflict, "instance name %q already in use", st.Name)
	}
	st.CreatedAt = s.now()
	st.LastUpdatedAt = st.CreatedAt
	if err := s.save(ctx, st); err != nil {
		_ = s.kv.Del(ctx, s.nameKey(st.Name))
		return err
	}
	return nil
}

// Get loads one record, from cache when fresh.
func (s *Store) Get(ctx context.Context, id string) (*fleet.InstanceState, error) {
	if v, ok := s.states.Get(id); ok {
		st := v.(fleet.InstanceState)
		return &st, nil
	}
	raw, err := s.kv.Get(ctx, s.stateKey(id))
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.Errorf(fleet.KindNotFound, "instance %s not found", id)
		}
		return nil, err
	}
	var st fleet.InstanceState
	if err := kv.Decode(raw, &st); err != nil {
		return nil, err
	}
	s.states.Set(id, st, 0)
	return &st, nil
}

// Resolve accepts an instance id or name and returns the record. Ids win
// when a name happens to collide with one.
func (s *Store) Resolve(ctx context.Context, idOrName string) (*fleet.InstanceState, error) {
	st, err := s.Get(ctx, idOrName)
	if err == nil {
		return st, nil
	}
	if !fleet.IsNotFound(err) {
		return nil, err
	}
	id, nerr := s.kv.Get(ctx, s.nameKey(idOrName))
	if nerr != nil {
		if fleet.IsNotFound(nerr) {
			return nil, fleet.Errorf(fleet.KindNotFound, "instance %s not found", idOrName)
		}
		return nil, nerr
	}
	return s.Get(ctx, id)
}

// Transition moves the instance to a new status under the lifecycle table,
// applying mutate (which may be nil) to the record in the same write.
// Status-driven timestamps are maintained here so callers cannot forget
// them.
func (s *Store) Transition(ctx context.Context, id string, to fleet.InstanceStatus, mutate func(*fleet.InstanceState)) (*fleet.InstanceState, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !fleet.CanTransition(st.Status, to) {
		return nil, fleet.Errorf(fleet.KindInvalidTransition,
			"instance %s: cannot transition %s -> %s", id, st.Status, to)
	}

	from := st.Status
	st.Status = to
	now := s.now()
	switch to {
	case fleet.InstanceStatusStarting:
		st.StartedAt = &now
	case fleet.InstanceStatusReady:
		st.ReadyAt = &now
		st.LastError = ""
	case fleet.InstanceStatusExited:
		st.StoppedAt = &now
	case fleet.InstanceStatusFailed:
		st.FailedAt = &now
	}
	if mutate != nil {
		mutate(st)
	}
	st.LastUpdatedAt = now

	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	if from != to {
		s.logger.Info("instance transitioned",
			zap.String("instanceId", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	return st, nil
}

// Update applies a non-lifecycle mutation (connection info, health-check
// progress, upstream id) under the instance lock. mutate must not touch
// Status; use Transition for that.
func (s *Store) Update(ctx context.Context, id string, mutate func(*fleet.InstanceState)) (*fleet.InstanceState, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	before := st.Status
	mutate(st)
	if st.Status != before {
		return nil, fleet.Errorf(fleet.KindInvalidTransition,
			"instance %s: status writes must go through Transition", id)
	}
	st.LastUpdatedAt = s.now()
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ForceExited walks a running instance down to EXITED through STOPPING,
// for when the provider reports the instance gone and there is no stop
// operation to wait for.
func (s *Store) ForceExited(ctx context.Context, id string) (*fleet.InstanceState, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status == fleet.InstanceStatusExited {
		return st, nil
	}
	if fleet.CanTransition(st.Status, fleet.InstanceStatusStopping) {
		if _, err := s.Transition(ctx, id, fleet.InstanceStatusStopping, nil); err != nil {
			return nil, err
		}
	}
	return s.Transition(ctx, id, fleet.InstanceStatusExited, nil)
}

// Delete removes the record and releases its name.
func (s *Store) Delete(ctx context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, err := s.load(ctx, id)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := s.kv.Del(ctx, s.stateKey(id), s.nameKey(st.Name)); err != nil {
		return err
	}
	s.invalidate(id)
	return nil
}

// List returns every locally known record.
func (s *Store) List(ctx context.Context) ([]fleet.InstanceState, error) {
	keys, err := s.kv.Keys(ctx, s.statePattern())
	if err != nil {
		return nil, err
	}
	out := make([]fleet.InstanceState, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			if fleet.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var st fleet.InstanceState
		if err := kv.Decode(raw, &st); err != nil {
			s.logger.Warn("skipping undecodable instance record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// load reads the record without consulting the read cache, so writers
// always see the durable truth.
func (s *Store) load(ctx context.Context, id string) (*fleet.InstanceState, error) {
	raw, err := s.kv.Get(ctx, s.stateKey(id))
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.Errorf(fleet.KindNotFound, "instance %s not found", id)
		}
		return nil, err
	}
	var st fleet.InstanceState
	if err := kv.Decode(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) save(ctx context.Context, st *fleet.InstanceState) error {
	raw, err := kv.Encode(st)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.stateKey(st.ID), raw, 0); err != nil {
		return err
	}
	s.invalidate(st.ID)
	return nil
}

// invalidate drops every cached view that could serve the stale record.
func (s *Store) invalidate(id string) {
	s.states.Delete(id)
	s.merged.Clear()
	if details := s.reg.Get(cache.NameInstanceDetails); details != nil {
		details.Delete(id)
	}
}
