package appencryption

import (
	"sync"
	"time"

	mango "github.com/goburrow/cache"

	"github.com/godaddy/asherah-sub001/appencryption/pkg/log"
)

// sessionCache is implemented by the pluggable session cache engines backing
// SessionFactory.GetSession when CacheSessions is enabled.
type sessionCache interface {
	Get(id string) (*Session, error)
	Count() int
	Close()
}

// sessionLoaderFunc loads (or creates) a Session for id on a cache miss.
type sessionLoaderFunc func(id string) (*Session, error)

// resolveSessionCacheEngine validates a SessionCacheEngine policy value,
// returning the canonical engine name to use. An unrecognized value is a
// PolicyViolation rather than a panic, per the cache layer's error
// propagation policy; newSessionCache has no error return (to keep its one
// call site simple), so it logs the violation and falls back to the
// default engine instead of aborting.
func resolveSessionCacheEngine(engine string) (string, error) {
	switch engine {
	case "", SessionCacheEngineDefault, SessionCacheEngineMango:
		return SessionCacheEngineMango, nil
	case SessionCacheEngineRistretto:
		return SessionCacheEngineRistretto, nil
	default:
		return "", newPolicyViolationError("invalid session cache engine: " + engine)
	}
}

// newSessionCache returns a new sessionCache using the engine configured in
// policy.SessionCacheEngine. Evictions from either engine are funneled
// through the package's single session cleanup processor rather than
// spawning a goroutine per eviction.
func newSessionCache(sessionLoader sessionLoaderFunc, policy *CryptoPolicy) sessionCache {
	stash := newCacheStash()
	go stash.process()

	wrapper := func(id string) (*Session, error) {
		s, err := sessionLoader(id)
		if err != nil {
			return nil, err
		}

		if _, ok := s.encryption.(*sharedEncryption); !ok {
			mu := new(sync.Mutex)

			wrapped := &sharedEncryption{
				Encryption: s.encryption,
				created:    time.Now(),
				mu:         mu,
				cond:       sync.NewCond(mu),
			}

			sessionInjectEncryption(s, wrapped)
		}

		stash.add(id, s)

		return s, nil
	}

	engine, err := resolveSessionCacheEngine(policy.SessionCacheEngine)
	if err != nil {
		log.Debugf("%s, falling back to %s", err, SessionCacheEngineDefault)

		engine = SessionCacheEngineMango
	}

	if engine == SessionCacheEngineRistretto {
		rc, err := newRistrettoCache(wrapper, policy, stash)
		if err != nil {
			log.Debugf("%s, falling back to %s", err, SessionCacheEngineDefault)
		} else {
			return rc
		}
	}

	return newMangoCache(wrapper, policy, stash)
}

// mangoCache is a sessionCache implementation based on goburrow's
// Mango cache (https://github.com/goburrow/cache).
type mangoCache struct {
	inner mango.LoadingCache

	loader sessionLoaderFunc
	stash  *cacheStash
}

func (m *mangoCache) Get(id string) (*Session, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}

	incrementSharedSessionUsage(sess)

	return sess, nil
}

func (m *mangoCache) get(id string) (*Session, error) {
	val, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	sess, ok := val.(*Session)
	if !ok {
		return nil, newOperationFailedError("session cache returned unexpected value type", nil)
	}

	return sess, nil
}

func incrementSharedSessionUsage(s *Session) {
	if se, ok := s.encryption.(*sharedEncryption); ok {
		se.incrementUsage()
	}
}

// Count returns the number of sessions currently tracked by the cache. It's
// backed by the stash (populated/drained alongside the underlying mango
// cache) rather than mango's own Stats, which only approximates live count
// from cumulative load/eviction counters.
func (m *mangoCache) Count() int {
	return m.stash.len()
}

func (m *mangoCache) Close() {
	m.inner.Close()
	m.stash.close()

	log.Debugf("session cache stash len = %d", m.stash.len())
}

func (m *mangoCache) mangoRemovalListener(k mango.Key, v mango.Value) {
	if id, ok := k.(string); ok {
		m.stash.remove(id)
	}

	sess, ok := v.(*Session)
	if !ok {
		return
	}

	if se, ok := sess.encryption.(*sharedEncryption); ok {
		getSessionCleanupProcessor().submit(se)
	}
}

func newMangoCache(sessionLoader sessionLoaderFunc, policy *CryptoPolicy, stash *cacheStash) *mangoCache {
	c := &mangoCache{
		loader: sessionLoader,
		stash:  stash,
	}

	c.inner = mango.NewLoadingCache(
		func(k mango.Key) (mango.Value, error) {
			return sessionLoader(k.(string))
		},
		mango.WithMaximumSize(policy.SessionCacheMaxSize),
		mango.WithExpireAfterAccess(policy.SessionCacheDuration),
		mango.WithRemovalListener(c.mangoRemovalListener),
	)

	return c
}

// sharedEncryption wraps an Encryption, tracking the number of concurrent
// users so the underlying Encryption isn't closed out from under a caller
// that still holds a reference to the owning Session, even once the cache
// has evicted it.
type sharedEncryption struct {
	Encryption

	created       time.Time
	accessCounter int
	mu            *sync.Mutex
	cond          *sync.Cond
	removeOnce    sync.Once
}

// incrementUsage marks one more active user of the shared session.
func (s *sharedEncryption) incrementUsage() {
	s.mu.Lock()
	s.accessCounter++
	s.mu.Unlock()
}

// Close decrements the active-user count. It never closes the underlying
// Encryption; only Remove does that, once every user has released it.
func (s *sharedEncryption) Close() error {
	s.mu.Lock()
	s.accessCounter--
	s.mu.Unlock()

	s.cond.Broadcast()

	return nil
}

// Remove blocks until every active user has released the session, then
// closes the underlying Encryption exactly once. Safe to call concurrently
// and more than once.
func (s *sharedEncryption) Remove() {
	s.removeOnce.Do(func() {
		s.mu.Lock()
		for s.accessCounter > 0 {
			s.cond.Wait()
		}
		s.mu.Unlock()

		s.Encryption.Close()
	})
}

// sessionInjectEncryption is used to inject e into s and is primarily used for testing.
func sessionInjectEncryption(s *Session, e Encryption) {
	s.encryption = e
}
