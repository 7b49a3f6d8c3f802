package histogram

import (
	"encoding/binary"
	"iter"
	"sync"

	"github.com/zeebo/xxh3"
)

const (
	// DefaultShards is the number of lock shards used when Options.Shards is zero.
	DefaultShards = 64

	// DefaultCapacity is the expected number of monitored methods.
	DefaultCapacity = 1024 * 8
)

// Options configures a Store.
type Options struct {
	// Shards is rounded up to a power of two. Zero means DefaultShards.
	Shards int
	// Capacity pre-sizes the shard maps. Zero means DefaultCapacity.
	Capacity int
}

// Store maps method identifiers to their running aggregates.
//
// Record and RecordNone are safe for concurrent use and never block on
// anything but a shard or entry lock. Aggregates are created lazily on the
// first window and are never removed.
type Store struct {
	shards []*shard
	mask   uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[int]*aggregate
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	n = nextPowerOfTwo(n)

	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	perShard := capacity / n
	if perShard < 1 {
		perShard = 1
	}

	s := &Store{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[int]*aggregate, perShard)}
	}
	return s
}

// Record folds one window of percentile values into the method's aggregate,
// creating the aggregate on first use.
func (s *Store) Record(methodID, tp95, tp99, tp999, tp9999 int) {
	s.getOrCreate(methodID).fold(window{tp95: tp95, tp99: tp99, tp999: tp999, tp9999: tp9999})
}

// RecordNone records a window in which the method was not invoked.
func (s *Store) RecordNone(methodID int) {
	s.Record(methodID, NoData, NoData, NoData, NoData)
}

// Register makes sure an aggregate exists for methodID without counting a
// window. Methods that are only registered are reported as never invoked.
func (s *Store) Register(methodID int) {
	s.getOrCreate(methodID)
}

// Get returns a copy of the aggregate for methodID.
func (s *Store) Get(methodID int) (Aggregate, bool) {
	sh := s.shardFor(methodID)
	sh.mu.RLock()
	agg, ok := sh.entries[methodID]
	sh.mu.RUnlock()
	if !ok {
		return Aggregate{}, false
	}
	return agg.load(), true
}

// Len returns the number of methods currently tracked.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns a lazy sequence over every tracked method.
//
// Shards are visited one at a time and no store-wide lock is held, so
// windows recorded while the sequence is consumed may or may not be
// reflected. Each yielded Aggregate is internally consistent.
func (s *Store) Snapshot() iter.Seq2[int, Aggregate] {
	return func(yield func(int, Aggregate) bool) {
		var ids []int
		var aggs []*aggregate
		for _, sh := range s.shards {
			ids, aggs = ids[:0], aggs[:0]
			sh.mu.RLock()
			for id, agg := range sh.entries {
				ids = append(ids, id)
				aggs = append(aggs, agg)
			}
			sh.mu.RUnlock()

			for i, id := range ids {
				if !yield(id, aggs[i].load()) {
					return
				}
			}
		}
	}
}

// getOrCreate implements insert-if-absent: concurrent creators for the same
// key all end up folding into the single aggregate that won the insert.
func (s *Store) getOrCreate(methodID int) *aggregate {
	sh := s.shardFor(methodID)

	sh.mu.RLock()
	agg, ok := sh.entries[methodID]
	sh.mu.RUnlock()
	if ok {
		return agg
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if agg, ok := sh.entries[methodID]; ok {
		return agg
	}
	agg = &aggregate{}
	sh.entries[methodID] = agg
	return agg
}

func (s *Store) shardFor(methodID int) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(methodID))
	return s.shards[xxh3.Hash(buf[:])&s.mask]
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
