package appencryption

import "sync"

// cacheStash tracks the Sessions currently held by a sessionCache, giving an
// exact live count independent of whatever approximate stats the underlying
// cache engine (mango, ristretto) exposes. Adds and reads are synchronous;
// removes are queued and applied by process() running in its own goroutine,
// mirroring sessionCleanupProcessor's single-goroutine/channel shape so a
// burst of evictions can't block the caller that triggered them.
type cacheStash struct {
	mu    sync.Mutex
	items map[string]*Session

	removeChan chan string
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
}

// newCacheStash returns a cacheStash ready for use. Callers must run
// process() in a goroutine before calling remove.
func newCacheStash() *cacheStash {
	return &cacheStash{
		items:      make(map[string]*Session),
		removeChan: make(chan string, 1000),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// process applies queued removals until close is called, then drains
// whatever remains queued before returning.
func (c *cacheStash) process() {
	defer close(c.stopped)

	for {
		select {
		case id := <-c.removeChan:
			c.delete(id)
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *cacheStash) drain() {
	for {
		select {
		case id := <-c.removeChan:
			c.delete(id)
		default:
			return
		}
	}
}

func (c *cacheStash) delete(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// get returns the stashed Session for id, if any.
func (c *cacheStash) get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.items[id]

	return s, ok
}

// add stashes sess under id, visible to get immediately.
func (c *cacheStash) add(id string, sess *Session) {
	c.mu.Lock()
	c.items[id] = sess
	c.mu.Unlock()
}

// remove asynchronously forgets id. If the queue is momentarily full the
// removal is applied synchronously instead of blocking the caller.
func (c *cacheStash) remove(id string) {
	select {
	case c.removeChan <- id:
	default:
		c.delete(id)
	}
}

// len returns the number of Sessions currently stashed.
func (c *cacheStash) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// close signals process to drain any queued removals and stop, blocking
// until it has done so.
func (c *cacheStash) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	<-c.stopped
}
