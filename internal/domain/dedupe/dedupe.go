// Package dedupe tracks idempotency keys of utterance submissions so a client
// retry never produces a second turn.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// Entry is what a key maps to. A pending entry has Done false; a completed
// entry carries the encoded response to replay.
type Entry struct {
	Done  bool
	Value []byte
}

// Deduper records seen keys to ensure at-most-once processing.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it as pending if not.
	// Returns the existing entry and true if key was already seen.
	SeenAndRecord(ctx context.Context, key string) (Entry, bool)

	// Complete stores the response for a pending key.
	Complete(ctx context.Context, key string, value []byte)

	// Unrecord removes a key, allowing it to be retried. Used when the
	// request it guarded failed without recording a turn.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

type item struct {
	key   string
	entry Entry
}

// inMemoryDeduper keeps keys in insertion order and evicts the oldest when
// bounded (maxSize > 0). With maxSize <= 0 it never evicts.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 10_000,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[key]; ok {
		return el.Value.(*item).entry, true
	}
	if d.maxSize > 0 && d.order.Len() >= d.maxSize {
		d.evictOldest()
	}
	d.seen[key] = d.order.PushFront(&item{key: key})
	d.size.Add(1)
	return Entry{}, false
}

func (d *inMemoryDeduper) Complete(_ context.Context, key string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[key]; ok {
		el.Value.(*item).entry = Entry{Done: true, Value: value}
	}
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[key]; ok {
		d.order.Remove(el)
		delete(d.seen, key)
		d.size.Add(-1)
	}
}

// evictOldest must be called with d.mu held.
func (d *inMemoryDeduper) evictOldest() {
	el := d.order.Back()
	if el == nil {
		return
	}
	d.order.Remove(el)
	delete(d.seen, el.Value.(*item).key)
	d.size.Add(-1)
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
