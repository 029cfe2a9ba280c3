package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrExists   = errors.New("call session already exists")
	ErrNotFound = errors.New("call session not found")
)

// Info is a read-only view of one session, safe to hand to health
// reporting without exposing mutable state.
type Info struct {
	CallID    string
	CallerID  string
	State     LifecycleState
	Provider  string
	CreatedAt time.Time
}

type entry struct {
	mu sync.Mutex
	s  *CallSession
}

// Store is the concurrent registry of active calls and the sole
// cross-call shared structure. Per-entry locks serialize mutation of
// one call without blocking unrelated calls; the map lock is held only
// for lookups, inserts, and removals.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		clock:   time.Now,
	}
}

// Create allocates a session in state CREATED.
func (st *Store) Create(callID, callerID string) (*CallSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.entries[callID]; ok {
		return nil, ErrExists
	}
	s := &CallSession{
		CallID:    callID,
		CallerID:  callerID,
		TraceID:   uuid.NewString(),
		CreatedAt: st.clock(),
		State:     StateCreated,
	}
	st.entries[callID] = &entry{s: s}
	return s, nil
}

// Update runs fn with the entry lock held. All session mutation goes
// through here.
func (st *Store) Update(callID string, fn func(*CallSession) error) error {
	st.mu.RLock()
	e, ok := st.entries[callID]
	st.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.s)
}

// Close transitions the session to CLOSED and removes it from the
// store in one step, so a concurrent Count never observes a closed
// entry still present.
func (st *Store) Close(callID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[callID]
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State != StateTerminating {
		return errors.New("session must be terminating before close")
	}
	e.s.State = StateClosed
	delete(st.entries, callID)
	return nil
}

// Count reports the number of live (non-closed) calls.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// Contains reports whether the call id is live.
func (st *Store) Contains(callID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.entries[callID]
	return ok
}

// Snapshot returns read-only views of all live sessions.
func (st *Store) Snapshot() []Info {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.entries))
	for _, e := range st.entries {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, Info{
			CallID:    e.s.CallID,
			CallerID:  e.s.CallerID,
			State:     e.s.State,
			Provider:  e.s.Provider,
			CreatedAt: e.s.CreatedAt,
		})
		e.mu.Unlock()
	}
	return out
}

// RegisterMetrics exposes the live-call count as an observable gauge.
func (st *Store) RegisterMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("voxcall.calls.active",
		metric.WithDescription("Number of live call sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(st.Count()))
		return nil
	}, gauge)
	return err
}
