package appencryption

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/godaddy/asherah-sub001/appencryption/pkg/log"
)

// ristrettoCache is a sessionCache implementation based on dgraph-io's
// Ristretto cache library, an admission-counting alternative to mango's
// SLRU for workloads with a skewed access distribution.
type ristrettoCache struct {
	inner   *ristretto.Cache
	loader  sessionLoaderFunc
	ttl     time.Duration
	maxSize int64
	stash   *cacheStash
}

// ristrettoEntry is what's actually stored in the ristretto cache. Ristretto's
// OnEvict callback only hands back the stored value (not the original key),
// so the partition id travels alongside the Session to let eviction clean up
// the stash.
type ristrettoEntry struct {
	id   string
	sess *Session
}

func (r *ristrettoCache) Get(id string) (*Session, error) {
	sess, err := r.getOrAdd(id)
	if err != nil {
		return nil, err
	}

	incrementSharedSessionUsage(sess)

	return sess, nil
}

func (r *ristrettoCache) getOrAdd(id string) (*Session, error) {
	if val, found := r.inner.Get(id); found {
		entry, ok := val.(*ristrettoEntry)
		if !ok {
			return nil, newOperationFailedError("session cache returned unexpected value type", nil)
		}

		return entry.sess, nil
	}

	sess, err := r.loader(id)
	if err != nil {
		return nil, err
	}

	// loader (sessionLoader) already stashed sess under id.
	r.inner.SetWithTTL(id, &ristrettoEntry{id: id, sess: sess}, 1, r.ttl)

	return sess, nil
}

// Count returns the number of sessions currently tracked by the cache,
// backed by the stash rather than ristretto's admission/eviction counters.
func (r *ristrettoCache) Count() int {
	return r.stash.len()
}

func (r *ristrettoCache) Close() {
	// force eviction of all cache items so onEvict fires for each, queuing
	// their removal from the stash and submitting the underlying
	// sharedEncryption to the session cleanup processor.
	r.inner.Clear()
	r.stash.close()

	log.Debugf("session cache stash len = %d", r.stash.len())
}

func (r *ristrettoCache) onEvict(_, _ uint64, value interface{}, _ int64) {
	entry, ok := value.(*ristrettoEntry)
	if !ok {
		return
	}

	r.stash.remove(entry.id)

	if se, ok := entry.sess.encryption.(*sharedEncryption); ok {
		getSessionCleanupProcessor().submit(se)
	}
}

// newRistrettoCache builds a ristretto-backed sessionCache. A ristretto
// configuration error is an OperationFailed rather than a panic; the caller
// (newSessionCache) falls back to the mango engine when it occurs.
func newRistrettoCache(sessionLoader sessionLoaderFunc, policy *CryptoPolicy, stash *cacheStash) (*ristrettoCache, error) {
	capacity := int64(DefaultSessionCacheMaxSize)
	if policy.SessionCacheMaxSize > 0 {
		capacity = int64(policy.SessionCacheMaxSize)
	}

	r := &ristrettoCache{
		loader:  sessionLoader,
		ttl:     policy.SessionCacheDuration,
		maxSize: capacity,
		stash:   stash,
	}

	conf := &ristretto.Config{
		NumCounters: 10 * capacity,
		MaxCost:     capacity,
		BufferItems: 64,
		Metrics:     true,
		OnEvict:     r.onEvict,
	}

	inner, err := ristretto.NewCache(conf)
	if err != nil {
		return nil, newOperationFailedError("unable to initialize ristretto cache", err)
	}

	r.inner = inner

	return r, nil
}
