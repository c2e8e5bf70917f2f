package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/tandem/internal/rules"
)

// Disposer stops a subscription. Safe to call more than once.
type Disposer func()

type subKind int

const (
	subDoc subKind = iota + 1
	subQuery
)

// delivery is one precomputed snapshot waiting to be handed to a
// subscriber callback.
type delivery struct {
	rec    Record
	exists bool
	recs   []Record
}

// subscription is a live listener on one document or one query. Snapshots
// are computed under the store mutex at notify time, so every subscriber
// observes writes in commit order, then handed to the callback from a
// dedicated drain goroutine through an unbounded FIFO queue.
//
// The queue mirrors the engine event queue shape: slice plus a buffered
// size-1 signal channel that coalesces wakeups.
type subscription struct {
	id     int
	store  *Store
	client *Client
	kind   subKind

	collection string
	docID      string
	query      Query

	docFn   func(Record, bool)
	queryFn func([]Record)

	// lastEmit fingerprints the previous query snapshot so unrelated
	// writes in the same collection do not re-fire the callback. emitted
	// distinguishes "nothing sent yet" from an empty first snapshot.
	lastEmit string
	emitted  bool

	qmu     sync.Mutex
	queue   []delivery
	signal  chan struct{}
	qclosed bool

	once sync.Once
	done chan struct{}
}

// SubscribeDoc registers fn for changes to one record. fn receives the
// current state immediately, then again after every write to that record;
// exists reports whether the record is present. The initial read is
// rule-checked and a denial fails the subscribe.
func (c *Client) SubscribeDoc(collection, id string, fn func(rec Record, exists bool)) (Disposer, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	sub := &subscription{
		store:      c.store,
		client:     c,
		kind:       subDoc,
		collection: collection,
		docID:      id,
		docFn:      fn,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if err := sub.snapshotLocked(); err != nil {
		return nil, err
	}
	return c.store.registerLocked(sub), nil
}

// Subscribe registers fn for changes to a query's result set. fn receives
// the current results immediately, then again whenever a write to the
// collection changes them. Results that do not change are not re-emitted.
func (c *Client) Subscribe(q Query, fn func(recs []Record)) (Disposer, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	sub := &subscription{
		store:      c.store,
		client:     c,
		kind:       subQuery,
		collection: q.Collection,
		query:      q,
		queryFn:    fn,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if err := sub.snapshotLocked(); err != nil {
		return nil, err
	}
	return c.store.registerLocked(sub), nil
}

// registerLocked adds the subscription, starts its drain goroutine and
// returns the disposer. Caller holds s.mu.
func (s *Store) registerLocked(sub *subscription) Disposer {
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	go sub.drain()

	return func() {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		sub.stop()
	}
}

// notifyLocked recomputes snapshots for every subscription touched by a
// write to collection/id. Caller holds s.mu, so deliveries across all
// subscribers enqueue in the same commit order.
func (s *Store) notifyLocked(collection, id string) {
	for _, sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		if sub.kind == subDoc && sub.docID != id {
			continue
		}
		if err := sub.snapshotLocked(); err != nil {
			s.log.Warn("subscription snapshot failed",
				"collection", collection, "id", id, "err", err)
		}
	}
}

// snapshotLocked computes the subscription's current view and enqueues
// it. A rule denial at snapshot time means the subscriber lost access;
// the error propagates to the caller (subscribe) or the log (notify).
func (sub *subscription) snapshotLocked() error {
	switch sub.kind {
	case subDoc:
		rec, ok, err := sub.store.readLocked(sub.collection, sub.docID)
		if err != nil {
			return err
		}
		if ok {
			if err := sub.client.allow(rules.Request{
				Op:         rules.OpGet,
				Collection: sub.collection,
				ID:         sub.docID,
				Resource:   resourceView(rec),
			}); err != nil {
				return err
			}
		}
		sub.enqueue(delivery{rec: rec, exists: ok})
		return nil
	case subQuery:
		recs, err := sub.client.listLocked(sub.query)
		if err != nil {
			return err
		}
		fp := fingerprint(recs)
		if sub.emitted && fp == sub.lastEmit {
			return nil
		}
		sub.lastEmit = fp
		sub.emitted = true
		sub.enqueue(delivery{recs: recs})
		return nil
	default:
		return fmt.Errorf("unknown subscription kind %d", sub.kind)
	}
}

// fingerprint summarizes a result set as id:updatedAt pairs. Two equal
// fingerprints mean the snapshot would be byte-identical to the last one.
func fingerprint(recs []Record) string {
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%s:%d;", r.ID, r.UpdatedAt)
	}
	return b.String()
}

func (sub *subscription) enqueue(d delivery) {
	sub.qmu.Lock()
	defer sub.qmu.Unlock()
	if sub.qclosed {
		return
	}
	sub.queue = append(sub.queue, d)
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscription) tryDequeue() (delivery, bool) {
	sub.qmu.Lock()
	defer sub.qmu.Unlock()
	if len(sub.queue) == 0 {
		return delivery{}, false
	}
	d := sub.queue[0]
	sub.queue[0] = delivery{}
	if len(sub.queue) == 1 {
		sub.queue = sub.queue[:0]
	} else {
		sub.queue = sub.queue[1:]
	}
	return d, true
}

// drain hands queued snapshots to the callback, one at a time, outside
// every store lock. Runs until stop.
func (sub *subscription) drain() {
	for {
		d, ok := sub.tryDequeue()
		if !ok {
			select {
			case <-sub.done:
				return
			case <-sub.signal:
				continue
			}
		}
		switch sub.kind {
		case subDoc:
			sub.docFn(d.rec, d.exists)
		case subQuery:
			sub.queryFn(d.recs)
		}
	}
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		sub.qmu.Lock()
		sub.qclosed = true
		sub.queue = nil
		sub.qmu.Unlock()
		close(sub.done)
	})
}
