package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"testing"

	"github.com/stretchr/testify/require"
)

// memoryStore is a minimal in-process Store for exercising Bus logic
// without a database dependency.
type memoryStore struct {
	mu     sync.Mutex
	events map[string]Event
	subs   map[string]Subscription
	locks  map[string]Lock
	waits  []WaitEdge
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		events: make(map[string]Event),
		subs:   make(map[string]Subscription),
		locks:  make(map[string]Lock),
	}
}

func (m *memoryStore) SaveEvent(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}
func (m *memoryStore) UpdateEvent(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}
func (m *memoryStore) ListEvents(_ context.Context, since, until time.Time, sources []string, types []Type, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
func (m *memoryStore) GetEvent(_ context.Context, id string) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	return e, ok, nil
}
func (m *memoryStore) SaveSubscription(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = s
	return nil
}
func (m *memoryStore) ListSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}
func (m *memoryStore) SaveLock(_ context.Context, l Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[l.ResourcePath] = l
	return nil
}
func (m *memoryStore) GetLock(_ context.Context, path string) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	return l, ok, nil
}
func (m *memoryStore) DeleteLock(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, path)
	return nil
}
func (m *memoryStore) ListLocks(_ context.Context) ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Lock
	for _, l := range m.locks {
		out = append(out, l)
	}
	return out, nil
}
func (m *memoryStore) SaveWaitEdge(_ context.Context, w WaitEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, w)
	return nil
}
func (m *memoryStore) ListWaitEdges(_ context.Context) ([]WaitEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WaitEdge(nil), m.waits...), nil
}
func (m *memoryStore) ClearWaitEdgesFor(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []WaitEdge
	for _, w := range m.waits {
		if w.Waiter != runID && w.Holder != runID {
			kept = append(kept, w)
		}
	}
	m.waits = kept
	return nil
}

func TestPublishSubscribePollAck(t *testing.T) {
	bus := New(newMemoryStore())
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "pm", []Type{TypeDecisionNeeded}, "")
	require.NoError(t, err)

	id, err := bus.Publish(ctx, "run-1", TypeDecisionNeeded, map[string]any{"reason": "conflict"}, 1, "")
	require.NoError(t, err)

	events, err := bus.Poll(ctx, "pm", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, id, events[0].ID)

	require.NoError(t, bus.Ack(ctx, "pm", id))

	events, err = bus.Poll(ctx, "pm", 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestLockUnlockCheck(t *testing.T) {
	bus := New(newMemoryStore())
	ctx := context.Background()

	ok, err := bus.Lock(ctx, "src/main.go", "run-1", "editing", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = bus.Lock(ctx, "src/main.go", "run-2", "editing", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	l, err := bus.Check(ctx, "src/main.go")
	require.NoError(t, err)
	require.NotNil(t, l)
	require.Equal(t, "run-1", l.HeldBy)

	require.NoError(t, bus.Unlock(ctx, "src/main.go", "run-1"))
	l, err = bus.Check(ctx, "src/main.go")
	require.NoError(t, err)
	require.Nil(t, l)
}

func TestExpiredLockCanBeReacquired(t *testing.T) {
	bus := New(newMemoryStore())
	ctx := context.Background()

	ok, err := bus.Lock(ctx, "a.go", "run-1", "", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = bus.Lock(ctx, "a.go", "run-2", "", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWaitGraphAndClear(t *testing.T) {
	bus := New(newMemoryStore())
	ctx := context.Background()

	require.NoError(t, bus.RecordWait(ctx, "run-2", "run-1", "a.go"))
	edges, err := bus.WaitGraph(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	require.NoError(t, bus.ClearWaits(ctx, "run-1"))
	edges, err = bus.WaitGraph(ctx)
	require.NoError(t, err)
	require.Empty(t, edges)
}

func TestExpireLocks(t *testing.T) {
	bus := New(newMemoryStore())
	ctx := context.Background()

	_, err := bus.Lock(ctx, "a.go", "run-1", "", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	released, err := bus.ExpireLocks(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a.go"}, released)
}
