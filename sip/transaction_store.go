package sip

import (
	"hash/fnv"
	"runtime"
	"sync"
)

// txStore is the transaction registry: a concurrent map from rendered
// transaction keys to live transactions, partitioned by key hash so that
// tens of thousands of transactions do not contend on one lock. No shard
// lock is ever held across a call into a transaction.
type txStore[T Transaction] struct {
	shards []*txShard[T]
}

type txShard[T Transaction] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newTxStore[T Transaction]() *txStore[T] {
	n := shardCount(runtime.GOMAXPROCS(0))
	s := &txStore[T]{
		shards: make([]*txShard[T], n),
	}
	for i := range s.shards {
		s.shards[i] = &txShard[T]{items: make(map[string]T)}
	}
	return s
}

// shardCount rounds up to a power of two so the hash can be masked.
func shardCount(procs int) int {
	n := 1
	for n < procs*2 {
		n <<= 1
	}
	return n
}

func (s *txStore[T]) shard(key string) *txShard[T] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[int(h.Sum32())&(len(s.shards)-1)]
}

// putIfAbsent atomically registers tx under key. When the key is taken the
// registered transaction is returned with ok=false.
func (s *txStore[T]) putIfAbsent(key string, tx T) (T, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, exists := sh.items[key]; exists {
		return existing, false
	}
	sh.items[key] = tx
	return tx, true
}

func (s *txStore[T]) get(key string) (T, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	tx, ok := sh.items[key]
	return tx, ok
}

// drop removes whatever is registered under key.
func (s *txStore[T]) drop(key string) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, exists := sh.items[key]
	delete(sh.items, key)
	return exists
}

// compareAndDrop removes key only while it still maps to tx, so a
// terminating transaction can never unregister its successor.
func (s *txStore[T]) compareAndDrop(key string, tx Transaction) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	existing, exists := sh.items[key]
	if !exists || Transaction(existing) != tx {
		return false
	}
	delete(sh.items, key)
	return true
}

func (s *txStore[T]) count() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.items)
		sh.mu.RUnlock()
	}
	return total
}

// snapshot copies the live set; termination must happen outside the locks.
func (s *txStore[T]) snapshot() []T {
	var all []T
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, tx := range sh.items {
			all = append(all, tx)
		}
		sh.mu.RUnlock()
	}
	return all
}

func (s *txStore[T]) terminateAll() {
	for _, tx := range s.snapshot() {
		tx.Terminate()
	}
}
