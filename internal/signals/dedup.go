package signals

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent identical provider calls into one
// upstream call whose result every caller shares.
type Deduplicator struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{waiters: make(map[string]int)}
}

// Do runs fn once per key among concurrent callers. shared reports whether
// the result was delivered to more than one caller. A caller whose ctx ends
// first returns ctx.Err() without cancelling the shared call.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func() (*Response, error)) (resp *Response, shared bool, err error) {
	d.mu.Lock()
	d.waiters[key]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.waiters[key]--; d.waiters[key] <= 0 {
			delete(d.waiters, key)
		}
		d.mu.Unlock()
	}()

	ch := d.group.DoChan(key, func() (interface{}, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		r, _ := res.Val.(*Response)
		return r, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight returns the number of callers currently waiting on key.
func (d *Deduplicator) InFlight(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters[key]
}
