package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTTL = 6 * time.Hour

// Deduper records users with a queued or running job so a second request
// does not enqueue a duplicate.
type Deduper interface {
	// SeenAndRecord atomically checks whether id is in flight and records it
	// if not. It returns true when id was already in flight.
	SeenAndRecord(ctx context.Context, id uuid.UUID) bool

	// Release clears id once its job has settled or failed to enqueue.
	Release(id uuid.UUID)

	// InFlight reports whether id currently holds an entry.
	InFlight(id uuid.UUID) bool

	// Defer asks for one more run of id after its current job settles,
	// forced when any deferring caller asked for it. It returns false when
	// id is not in flight.
	Defer(id uuid.UUID, force bool) bool

	// Settle ends id's current job. With a deferred run pending the entry
	// stays in flight and again reports true; otherwise it is released.
	Settle(id uuid.UUID) (again, force bool)

	Size() int64
}

type entry struct {
	at       time.Time
	deferred bool
	force    bool
}

type inMemoryDeduper struct {
	mu   sync.Mutex
	seen map[uuid.UUID]entry
	ttl  time.Duration
	now  func() time.Time
}

// NewInMemoryDeduper creates a new in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		seen: make(map[uuid.UUID]entry),
		ttl:  defaultTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if e, ok := d.seen[id]; ok && !d.expired(e.at, now) {
		return true
	}
	d.seen[id] = entry{at: now}
	return false
}

func (d *inMemoryDeduper) Release(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

func (d *inMemoryDeduper) InFlight(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.seen[id]
	return ok && !d.expired(e.at, d.now())
}

func (d *inMemoryDeduper) Defer(id uuid.UUID, force bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.seen[id]
	if !ok || d.expired(e.at, d.now()) {
		return false
	}
	e.deferred = true
	e.force = e.force || force
	d.seen[id] = e
	return true
}

func (d *inMemoryDeduper) Settle(id uuid.UUID) (again, force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.seen[id]
	if !ok || !e.deferred {
		delete(d.seen, id)
		return false, false
	}
	d.seen[id] = entry{at: d.now()}
	return true, e.force
}

// Size returns the number of live entries, pruning expired ones.
func (d *inMemoryDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, e := range d.seen {
		if d.expired(e.at, now) {
			delete(d.seen, id)
		}
	}
	return int64(len(d.seen))
}

// Must be called with d.mu held.
func (d *inMemoryDeduper) expired(at, now time.Time) bool {
	return d.ttl > 0 && now.Sub(at) >= d.ttl
}
