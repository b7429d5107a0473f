// Package tablelock implements the process-wide registry that guarantees
// at most one writer per (project, bucket, table) at a time. It adapts
// the teacher's map-plus-sync.RWMutex token-manager shape to a keyed
// mutex registry instead of a TTL cache.
package tablelock

import (
	"context"
	"sync"
	"sync/atomic"
)

// Key identifies one table's lock slot.
type Key struct {
	Project string
	Bucket  string
	Table   string
}

// Registry is a process-wide map of Key to an exclusive mutex, created
// lazily on first acquire.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
	active  int64
}

type entry struct {
	sem      chan struct{} // capacity 1; held == empty
	refCount int
}

func newEntry() *entry {
	e := &entry{sem: make(chan struct{}, 1)}
	e.sem <- struct{}{}
	return e
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// Acquisition is a scoped lock hold; Release must be called exactly once,
// typically via defer, so release happens on every exit path.
type Acquisition struct {
	reg *Registry
	key Key
	e   *entry
}

// Acquire blocks until the exclusive lock for key is held, or ctx is
// done, whichever comes first. The returned Acquisition must be released.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Acquisition, error) {
	e := r.refEntry(key)

	select {
	case <-e.sem:
		atomic.AddInt64(&r.active, 1)
		return &Acquisition{reg: r, key: key, e: e}, nil
	case <-ctx.Done():
		r.unrefEntry(key)
		return nil, ctx.Err()
	}
}

// Release releases the table lock. Safe to call exactly once.
func (a *Acquisition) Release() {
	atomic.AddInt64(&a.reg.active, -1)
	a.e.sem <- struct{}{}
	a.reg.unrefEntry(a.key)
}

func (r *Registry) refEntry(key Key) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = newEntry()
		r.entries[key] = e
	}
	e.refCount++
	return e
}

func (r *Registry) unrefEntry(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(r.entries, key)
	}
}

// Remove explicitly drops a key's registration, used on table/bucket/
// project delete. It is a best-effort hint: if the key is currently held
// or referenced, it remains until the last reference releases.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.refCount == 0 {
		delete(r.entries, key)
	}
}

// RemoveProject drops every registered key belonging to project. Used on
// project drop to avoid leaking stale entries for tables that no longer
// exist.
func (r *Registry) RemoveProject(project string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if k.Project == project && e.refCount == 0 {
			delete(r.entries, k)
		}
	}
}

// ActiveLocksCount returns the number of locks currently held, for
// observability (§4.2).
func (r *Registry) ActiveLocksCount() int64 {
	return atomic.LoadInt64(&r.active)
}
