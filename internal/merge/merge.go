// Package merge combines two independently filtered live queries over
// one collection into a single deduplicated, ordered live result set.
package merge

import (
	"sort"
	"sync"

	"github.com/roach88/tandem/internal/store"
)

// Subscribe runs both queries live and calls fn with the union of their
// current results on every delivery from either source. Records are
// deduplicated by id, the most recently updated copy winning; the merged
// list is sorted by descending creation time with id as tiebreak.
//
// The two sources deliver on independent goroutines with no ordering
// between them; the union is recomputed from both caches on every
// delivery, so a stale interleaving can only delay convergence, not
// corrupt it. The returned disposer stops both sources exactly once.
func Subscribe(c *store.Client, a, b store.Query, fn func([]store.Record)) (store.Disposer, error) {
	m := &merged{fn: fn}

	disposeA, err := c.Subscribe(a, func(recs []store.Record) { m.deliver(0, recs) })
	if err != nil {
		return nil, err
	}
	disposeB, err := c.Subscribe(b, func(recs []store.Record) { m.deliver(1, recs) })
	if err != nil {
		// First source is already live; tear it down before failing.
		disposeA()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if disposeA != nil {
				disposeA()
			}
			if disposeB != nil {
				disposeB()
			}
		})
	}, nil
}

type merged struct {
	mu     sync.Mutex
	caches [2]map[string]store.Record
	fn     func([]store.Record)
}

func (m *merged) deliver(source int, recs []store.Record) {
	m.mu.Lock()
	cache := make(map[string]store.Record, len(recs))
	for _, r := range recs {
		cache[r.ID] = r
	}
	m.caches[source] = cache

	union := make(map[string]store.Record)
	for _, c := range m.caches {
		for id, r := range c {
			if prev, ok := union[id]; ok && prev.UpdatedAt >= r.UpdatedAt {
				continue
			}
			union[id] = r
		}
	}
	out := make([]store.Record, 0, len(union))
	for _, r := range union {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	// Emit under the lock so merged snapshots reach the consumer in the
	// order they were computed.
	m.fn(out)
	m.mu.Unlock()
}
