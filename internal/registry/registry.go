// Package registry implements the Resource Registry: single-owner
// ownership of hot shared artifacts (schema/migration numbers, hot
// central files such as type re-exports, route mounts, and dependency
// manifests) so that arbitrary agents never write them concurrently.
//
// The generic Keyed container below follows the teacher's own
// registry.Registry[T] shape (a mutex-guarded map with Register/Get/
// List/Remove), generalized here to carry ownership metadata instead of
// bare items, since the Resource Registry needs "who owns this and
// since when", not just "what is registered under this name".
package registry

import (
	"sync"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// Ownership records which run currently owns a hot resource.
type Ownership struct {
	ResourcePath string
	OwnerRunID   string
	Reason       string
	AcquiredAt   time.Time
}

// Keyed is a small generic mutex-guarded container, used internally by
// the registry and reusable anywhere Conductor needs a thread-safe named
// collection (mirrors the teacher's BaseRegistry[T]).
type Keyed[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewKeyed creates an empty Keyed container.
func NewKeyed[T any]() *Keyed[T] {
	return &Keyed[T]{items: make(map[string]T)}
}

func (k *Keyed[T]) Set(name string, item T) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.items[name] = item
}

func (k *Keyed[T]) Get(name string) (T, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.items[name]
	return v, ok
}

func (k *Keyed[T]) Delete(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.items, name)
}

func (k *Keyed[T]) List() map[string]T {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]T, len(k.items))
	for n, v := range k.items {
		out[n] = v
	}
	return out
}

// Registry tracks first-writer ownership of hot shared artifacts and
// allocates monotone migration/schema numbers. A task that needs a new
// migration number requests one before writing a file; a non-owner of a
// hot file must submit a change request as an event rather than write
// directly (enforced by callers consulting IsOwner).
type Registry struct {
	mu          sync.Mutex
	owners      map[string]Ownership
	migrationSeq int
}

// New creates an empty Resource Registry.
func New() *Registry {
	return &Registry{owners: make(map[string]Ownership)}
}

// ClaimOwnership assigns runID as the first writer of path if unowned,
// or confirms runID already owns it. Returns an error if another run
// already owns the path.
func (r *Registry) ClaimOwnership(path, runID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.owners[path]; ok {
		if existing.OwnerRunID != runID {
			return cerrors.New(cerrors.KindCoordination, "hot resource already owned by another run").
				WithEvidence(path + " owned by " + existing.OwnerRunID).
				WithSuggestedAction("submit a change request event instead of writing directly")
		}
		return nil
	}

	r.owners[path] = Ownership{
		ResourcePath: path,
		OwnerRunID:   runID,
		Reason:       reason,
		AcquiredAt:   time.Now().UTC(),
	}
	return nil
}

// IsOwner reports whether runID is the registered owner of path.
func (r *Registry) IsOwner(path, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[path]
	return ok && o.OwnerRunID == runID
}

// Release clears ownership of path, e.g. on run termination.
func (r *Registry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, path)
}

// ReleaseByRun clears every path owned by runID, used by the Orphan
// Cleaner and Lifecycle Manager on run termination.
func (r *Registry) ReleaseByRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, o := range r.owners {
		if o.OwnerRunID == runID {
			delete(r.owners, path)
		}
	}
}

// Owners returns a snapshot of current ownerships, for the human status
// interface.
func (r *Registry) Owners() []Ownership {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ownership, 0, len(r.owners))
	for _, o := range r.owners {
		out = append(out, o)
	}
	return out
}

// NextMigrationNumber allocates a monotone migration/schema number. Safe
// for concurrent callers: the allocator's single mutex guarantees
// monotone numbering even when multiple writers request a slot at once.
func (r *Registry) NextMigrationNumber() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrationSeq++
	return r.migrationSeq
}

// SeedMigrationSequence sets the allocator's starting point, e.g. from
// the highest migration number found on Store.Open.
func (r *Registry) SeedMigrationSequence(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.migrationSeq {
		r.migrationSeq = n
	}
}
