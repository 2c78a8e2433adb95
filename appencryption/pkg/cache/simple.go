package cache

import "math"

// simple is an eviction policy that never evicts: every admitted item stays
// until explicitly removed or the cache is closed. Capacity is accepted but
// ignored — Capacity always reports an effectively unbounded size so the
// cache's size==capacity check in Set never triggers an eviction.
type simple[K comparable, V any] struct{}

func (p *simple[K, V]) Init(int) {}

func (p *simple[K, V]) Capacity() int {
	return math.MaxInt
}

func (p *simple[K, V]) Close() {}

func (p *simple[K, V]) Admit(item *cacheItem[K, V]) {}

func (p *simple[K, V]) Access(item *cacheItem[K, V]) {}

func (p *simple[K, V]) Victim() *cacheItem[K, V] {
	return nil
}

func (p *simple[K, V]) Remove(item *cacheItem[K, V]) {}
