package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// idlePool tracks entries that lost their last subscriber. A key leaves the
// pool when it is subscribed again, when its grace period expires, or when the
// pool is over capacity; the last two hand it to the store for eviction.
type idlePool struct {
	lru *expirable.LRU[Key, struct{}]
}

func newIdlePool(size int, grace time.Duration, evict func(Key)) *idlePool {
	if size < 0 {
		size = 0
	}
	onEvict := func(k Key, _ struct{}) {
		// called with the pool lock held; the store re-checks under its own lock
		go evict(k)
	}
	return &idlePool{lru: expirable.NewLRU[Key, struct{}](size, onEvict, grace)}
}

func (p *idlePool) release(k Key) {
	p.lru.Add(k, struct{}{})
}

func (p *idlePool) retain(k Key) {
	p.lru.Remove(k)
}

func (p *idlePool) pending(k Key) bool {
	return p.lru.Contains(k)
}

func (p *idlePool) purge() {
	p.lru.Purge()
}
