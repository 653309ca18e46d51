package core

import (
	"container/list"

	"CoverLedger/internal/observability"
)

// DBIdempotencyChecker is the durable dedup lookup, satisfied by the
// persistence layer's event-log query.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType, idempotencyKey string) (bool, error)
}

// IdempotencyChecker answers "has this request already been applied?"
// in two tiers: a hot in-process LRU of recently seen keys, then the
// event log itself for anything the LRU has forgotten. Keys are scoped
// per event type, so the same UUID on a stake and an unstake are
// distinct requests.
//
// Not safe for concurrent use; only the engine loop touches it.
type IdempotencyChecker struct {
	recent  *IdempotencyLRU
	db      DBIdempotencyChecker
	metrics *observability.Metrics // set by the engine, may be nil

	hitsLRU  int64
	hitsDB   int64
	dbErrors int64
}

func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent: NewIdempotencyLRU(capacity),
		db:     db,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the request already produced an event. A
// failed database lookup answers false: processing must not stall on a
// DB fault, and the log's unique (event_type, idempotency_key) index
// still rejects a true replay at persist time.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)
	if ic.recent.Contains(key) {
		ic.hitsLRU++
		ic.countHit("lru")
		return true
	}
	if ic.db == nil {
		return false
	}

	dup, err := ic.db.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		ic.dbErrors++
		return false
	}
	if dup {
		ic.hitsDB++
		ic.countHit("db")
		ic.recent.Add(key) // promote so the next retry skips the DB
	}
	return dup
}

func (ic *IdempotencyChecker) countHit(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.Size()))
	}
}

// MarkProcessed records a freshly applied request in the hot tier.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.recent.Add(compositeKey(eventType, idempotencyKey))
}

// Stats returns dedup counters for the metrics exporter.
func (ic *IdempotencyChecker) Stats() (lruHits, dbHits, dbErrors int64) {
	return ic.hitsLRU, ic.hitsDB, ic.dbErrors
}

// WarmFromKeys preloads composite keys (snapshot restore) so a warm
// restart answers recent duplicates without touching the database.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.recent.Add(key)
	}
}

// IdempotencyLRU is a fixed-capacity recency cache over composite keys.
// Not thread-safe for the same reason as the checker above.
type IdempotencyLRU struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List // front = most recent, values are string keys
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports membership and refreshes the key's recency.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.index[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts or refreshes a key, evicting the stalest entry at capacity.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.index[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.index[key] = lru.order.PushFront(key)

	if lru.order.Len() > lru.capacity {
		stale := lru.order.Back()
		lru.order.Remove(stale)
		delete(lru.index, stale.Value.(string))
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int { return lru.order.Len() }

func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }
