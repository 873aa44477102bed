// Package rotator hands out API credentials from named pools in round-robin order.
package rotator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Well-known pool names.
const (
	PoolGitHub = "github"
	PoolChain  = "chain"
	PoolPrice  = "price"
	PoolPOAP   = "poap"
)

// Sentinel errors.
var (
	ErrEmptyPool   = errors.New("rotator: credential pool is empty")
	ErrUnknownPool = errors.New("rotator: unknown credential pool")
)

// Rotator owns one cursor per pool. Safe for concurrent use; each call to
// Next observes a distinct cursor position.
type Rotator struct {
	mu      sync.Mutex
	pools   map[string][]string
	cursors map[string]int
}

// New builds a Rotator. It fails if any pool is empty.
func New(pools map[string][]string) (*Rotator, error) {
	r := &Rotator{
		pools:   make(map[string][]string, len(pools)),
		cursors: make(map[string]int, len(pools)),
	}
	for name, creds := range pools {
		if len(creds) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyPool, name)
		}
		r.pools[name] = append([]string(nil), creds...)
	}
	return r, nil
}

// Next returns the credential at the pool's cursor and advances it.
func (r *Rotator) Next(pool string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	creds, ok := r.pools[pool]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	i := r.cursors[pool]
	r.cursors[pool] = (i + 1) % len(creds)
	return creds[i], nil
}

// Has reports whether a pool is configured.
func (r *Rotator) Has(pool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pools[pool]
	return ok
}

// Size returns the number of credentials in a pool, zero if unknown.
func (r *Rotator) Size(pool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools[pool])
}

// Pools lists configured pool names in sorted order.
func (r *Rotator) Pools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pools))
	for name := range r.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
