// Package downloaders coalesces concurrent retrievals of the same
// virtual path into a single in-flight fetch, replacing the ten-second
// poll loop spec.md §9 flags for redesign with golang.org/x/sync's
// duplicate-suppression primitive.
package downloaders

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Group coalesces fetches keyed by virtual path.
type Group struct {
	g singleflight.Group

	mu       sync.Mutex
	inFlight map[string]int
}

// New returns an empty Group.
func New() *Group {
	return &Group{inFlight: map[string]int{}}
}

// Fetch runs fn for key if no fetch for key is already in flight,
// otherwise it blocks until the in-flight fetch completes and returns
// its result. All callers sharing a key receive the same result. If ctx
// is done first, Fetch returns an error at once; Group does not cancel
// the in-flight fn, which keeps running for any other waiters.
func (g *Group) Fetch(ctx context.Context, key string, fn func() error) error {
	g.mu.Lock()
	g.inFlight[key]++
	g.mu.Unlock()

	ch := g.g.DoChan(key, func() (interface{}, error) {
		return nil, fn()
	})

	defer func() {
		g.mu.Lock()
		g.inFlight[key]--
		if g.inFlight[key] <= 0 {
			delete(g.inFlight, key)
		}
		g.mu.Unlock()
	}()

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for retrieval of %q", key)
	}
}

// InFlight reports whether a fetch for key is currently running or
// being waited on by at least one caller. Used by tests asserting
// coalescing.
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key] > 0
}
