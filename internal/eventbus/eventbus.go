// Package eventbus implements Conductor's coordination bus: an
// append-only publish/subscribe log with acknowledgement tracking, a
// timeline query, and the advisory file-lock registry that backs
// workspace coordination and deadlock wait-edge recording.
//
// Ordering guarantee: within a single source, events are totally ordered
// by publish time; across sources a reader sees a consistent timeline but
// no global causal order is assumed. Delivery is at-least-once —
// subscribers are expected to be idempotent and use Ack to make progress.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// Type is the authoritative event-type catalog from spec §6.
type Type string

const (
	TypeRunStarted            Type = "run_started"
	TypeRunHeartbeat          Type = "run_heartbeat"
	TypeRunCompleted          Type = "run_completed"
	TypeRunCrashed            Type = "run_crashed"
	TypeClaimVerifying        Type = "claim_verifying"
	TypeVerificationSucceeded Type = "verification_succeeded"
	TypeVerificationFailed    Type = "verification_failed"
	TypeFileLocked            Type = "file_locked"
	TypeFileUnlocked          Type = "file_unlocked"
	TypeFileConflict          Type = "file_conflict"
	TypeWaitRegistered        Type = "wait_registered"
	TypeDeadlockResolved      Type = "deadlock_resolved"
	TypeRegressionDetected    Type = "regression_detected"
	TypeDigressionDetected    Type = "digression_detected"
	TypeBudgetWarning         Type = "budget_warning"
	TypeBudgetExhausted       Type = "budget_exhausted"
	TypeDecisionNeeded        Type = "decision_needed"
	TypeDecisionResolved      Type = "decision_resolved"
	TypePauseRequested        Type = "pause_requested"
	TypeResumeRequested       Type = "resume_requested"
	TypeRollbackTriggered     Type = "rollback_triggered"
	TypeForceRelease          Type = "force_release"
	TypeKnowledgeAdded        Type = "knowledge_added"
	TypeKnowledgeSuperseded   Type = "knowledge_superseded"
	TypeWaveCreated           Type = "wave_created"
	TypeWaveClosed            Type = "wave_closed"
)

// Event is one atomic message on the bus.
type Event struct {
	ID             string
	Timestamp      time.Time
	Source         string
	Type           Type
	Payload        map[string]any
	Priority       int
	CorrelationID  string
	Acknowledged   bool
	AcknowledgedBy string
}

// Subscription is a persistent filter registered by a subscriber.
type Subscription struct {
	ID           string
	Subscriber   string
	Types        []Type
	SourceFilter string
}

func (s Subscription) matches(e Event) bool {
	if s.SourceFilter != "" && s.SourceFilter != e.Source {
		return false
	}
	if len(s.Types) == 0 {
		return true
	}
	for _, t := range s.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Lock is an advisory, TTL-bounded exclusive claim on a workspace path.
type Lock struct {
	ResourcePath string
	HeldBy       string // execution run ID
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	Reason       string
}

func (l Lock) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// WaitEdge records "run Waiter waits on a lock held by run Holder",
// consumed by the deadlock detector's cycle search.
type WaitEdge struct {
	Waiter       string
	Holder       string
	ResourcePath string
	RecordedAt   time.Time
}

// Store is the persistence boundary the Bus writes through. The SQL
// implementation lives in the store package; this package's tests use a
// small in-memory implementation of their own.
type Store interface {
	SaveEvent(ctx context.Context, e Event) error
	UpdateEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, since, until time.Time, sources []string, types []Type, limit int) ([]Event, error)
	GetEvent(ctx context.Context, id string) (Event, bool, error)

	SaveSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	SaveLock(ctx context.Context, l Lock) error
	GetLock(ctx context.Context, path string) (Lock, bool, error)
	DeleteLock(ctx context.Context, path string) error
	ListLocks(ctx context.Context) ([]Lock, error)

	SaveWaitEdge(ctx context.Context, w WaitEdge) error
	ListWaitEdges(ctx context.Context) ([]WaitEdge, error)
	ClearWaitEdgesFor(ctx context.Context, runID string) error
}

// Bus is the coordination event bus and lock registry.
type Bus struct {
	store Store
	mu    sync.Mutex // serializes lock acquisition decisions
}

// New wraps store in a Bus.
func New(store Store) *Bus {
	return &Bus{store: store}
}

// Publish appends an event and returns its ID immediately after the
// durable write, per spec §4.2.
func (b *Bus) Publish(ctx context.Context, source string, typ Type, payload map[string]any, priority int, correlationID string) (string, error) {
	e := Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Type:          typ,
		Payload:       payload,
		Priority:      priority,
		CorrelationID: correlationID,
	}
	if err := b.store.SaveEvent(ctx, e); err != nil {
		return "", cerrors.Wrap(cerrors.KindTransient, "publish failed", err)
	}
	return e.ID, nil
}

// Subscribe registers a persistent filter for subscriber.
func (b *Bus) Subscribe(ctx context.Context, subscriber string, types []Type, sourceFilter string) (string, error) {
	s := Subscription{ID: uuid.NewString(), Subscriber: subscriber, Types: types, SourceFilter: sourceFilter}
	if err := b.store.SaveSubscription(ctx, s); err != nil {
		return "", cerrors.Wrap(cerrors.KindTransient, "subscribe failed", err)
	}
	return s.ID, nil
}

// Poll returns up to max unacknowledged events matching subscriber's
// registered filters, in timestamp order.
func (b *Bus) Poll(ctx context.Context, subscriber string, max int) ([]Event, error) {
	subs, err := b.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "poll: list subscriptions", err)
	}

	var mine []Subscription
	for _, s := range subs {
		if s.Subscriber == subscriber {
			mine = append(mine, s)
		}
	}
	if len(mine) == 0 {
		return nil, nil
	}

	all, err := b.store.ListEvents(ctx, time.Time{}, time.Time{}, nil, nil, 0)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "poll: list events", err)
	}

	var out []Event
	for _, e := range all {
		if e.Acknowledged {
			continue
		}
		for _, s := range mine {
			if s.matches(e) {
				out = append(out, e)
				break
			}
		}
		if max > 0 && len(out) >= max {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Ack idempotently marks an event acknowledged by subscriber.
func (b *Bus) Ack(ctx context.Context, subscriber, eventID string) error {
	e, ok, err := b.store.GetEvent(ctx, eventID)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "ack: lookup event", err)
	}
	if !ok {
		return cerrors.ErrNotFound
	}
	if e.Acknowledged {
		return nil // idempotent
	}
	e.Acknowledged = true
	e.AcknowledgedBy = subscriber
	return b.store.UpdateEvent(ctx, e)
}

// Timeline is a read-only query over the full event log.
func (b *Bus) Timeline(ctx context.Context, since, until time.Time, sources []string, types []Type, limit int) ([]Event, error) {
	events, err := b.store.ListEvents(ctx, since, until, sources, types, limit)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "timeline query failed", err)
	}
	return events, nil
}

// Lock attempts a non-blocking exclusive claim on path. Returns false
// (no error) if already held and unexpired; callers should then record a
// wait-edge and retry with backoff.
func (b *Bus) Lock(ctx context.Context, path, holder, reason string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	existing, ok, err := b.store.GetLock(ctx, path)
	if err != nil {
		return false, cerrors.Wrap(cerrors.KindTransient, "lock: lookup failed", err)
	}
	if ok && !existing.expired(now) && existing.HeldBy != holder {
		return false, nil
	}

	l := Lock{ResourcePath: path, HeldBy: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl), Reason: reason}
	if err := b.store.SaveLock(ctx, l); err != nil {
		return false, cerrors.Wrap(cerrors.KindTransient, "lock: save failed", err)
	}
	_, _ = b.Publish(ctx, holder, TypeFileLocked, map[string]any{"path": path, "holder": holder}, 0, "")
	return true, nil
}

// Unlock releases a lock held by holder. No-op if not held by holder.
func (b *Bus) Unlock(ctx context.Context, path, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok, err := b.store.GetLock(ctx, path)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "unlock: lookup failed", err)
	}
	if !ok || existing.HeldBy != holder {
		return nil
	}
	if err := b.store.DeleteLock(ctx, path); err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "unlock: delete failed", err)
	}
	_, _ = b.Publish(ctx, holder, TypeFileUnlocked, map[string]any{"path": path, "holder": holder}, 0, "")
	return nil
}

// Check returns the current lock on path, if any and unexpired.
func (b *Bus) Check(ctx context.Context, path string) (*Lock, error) {
	l, ok, err := b.store.GetLock(ctx, path)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "check: lookup failed", err)
	}
	if !ok || l.expired(time.Now().UTC()) {
		return nil, nil
	}
	return &l, nil
}

// RecordWait stores a wait-edge for the deadlock detector and publishes
// wait_registered.
func (b *Bus) RecordWait(ctx context.Context, waiter, holder, path string) error {
	w := WaitEdge{Waiter: waiter, Holder: holder, ResourcePath: path, RecordedAt: time.Now().UTC()}
	if err := b.store.SaveWaitEdge(ctx, w); err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "record wait edge failed", err)
	}
	_, _ = b.Publish(ctx, waiter, TypeWaitRegistered, map[string]any{"waiter": waiter, "holder": holder, "path": path}, 0, "")
	return nil
}

// WaitGraph returns the current wait-edge set for cycle detection.
func (b *Bus) WaitGraph(ctx context.Context) ([]WaitEdge, error) {
	edges, err := b.store.ListWaitEdges(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "wait graph query failed", err)
	}
	return edges, nil
}

// ClearWaits drops every wait-edge where runID is the waiter or holder,
// called after a force-release or normal lock release.
func (b *Bus) ClearWaits(ctx context.Context, runID string) error {
	return b.store.ClearWaitEdgesFor(ctx, runID)
}

// ListLocks returns every currently-recorded lock, expired or not, for
// the Orphan Cleaner's holder-liveness sweep.
func (b *Bus) ListLocks(ctx context.Context) ([]Lock, error) {
	locks, err := b.store.ListLocks(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list locks failed", err)
	}
	return locks, nil
}

// ExpireLocks releases every lock past its TTL and returns the released
// paths; used by the Orphan Cleaner's periodic sweep.
func (b *Bus) ExpireLocks(ctx context.Context) ([]string, error) {
	locks, err := b.store.ListLocks(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "expire locks: list failed", err)
	}
	now := time.Now().UTC()
	var released []string
	for _, l := range locks {
		if l.expired(now) {
			if err := b.store.DeleteLock(ctx, l.ResourcePath); err != nil {
				return released, cerrors.Wrap(cerrors.KindTransient, "expire locks: delete failed", err)
			}
			released = append(released, l.ResourcePath)
			_, _ = b.Publish(ctx, l.HeldBy, TypeFileUnlocked, map[string]any{"path": l.ResourcePath, "holder": l.HeldBy}, 0, "")
		}
	}
	return released, nil
}
