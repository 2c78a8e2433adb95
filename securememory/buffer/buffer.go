// Package buffer implements the scoped secure container described by the
// library's secure-memory layer (guard pages, canary, protection-state
// transitions). It is a thin façade over github.com/awnumar/memguard's
// LockedBuffer, which already provides page-aligned allocation with guard
// pages, a per-buffer canary, and mlock'd, protection-transitioning memory —
// the primitives this package exposes under the vocabulary used by the rest
// of the module (Buffer, Freeze/Melt, WithBytes/WithBytesMut, Purge).
package buffer

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/asherah-sub001/securememory/internal/memcall"
)

var (
	AllocTimer = metrics.GetOrRegisterTimer("securememory.buffer.alloctimer", nil)

	// ErrClosed is returned by any operation against a destroyed Buffer.
	ErrClosed = errors.New("buffer has already been destroyed")
)

// Buffer is a scoped secure container: size, liveness, freeze/melt, and
// closure-scoped data access. It owns a single *memguard.LockedBuffer and
// serializes protection-state transitions so that only the outermost
// concurrent accessor ever changes the underlying page protection.
type Buffer struct {
	inner *memguard.LockedBuffer
	mc    memcall.Interface

	rw      sync.RWMutex
	c       *sync.Cond
	readers int
	frozen  bool
}

// New allocates a new zeroed Buffer of the given size. The region is
// page-aligned with guard pages on both sides (provided by memguard) and is
// left in the no-access protection state.
func New(size int) (*Buffer, error) {
	defer AllocTimer.UpdateSince(time.Now())

	lb := memguard.NewBuffer(size)

	return fromLockedBuffer(lb)
}

// NewFromBytes copies b into a new Buffer in constant time and wipes the
// caller's slice. Empty input is rejected.
func NewFromBytes(b []byte) (*Buffer, error) {
	if len(b) == 0 {
		return nil, errors.New("buffer: empty input rejected")
	}

	defer AllocTimer.UpdateSince(time.Now())

	lb := memguard.NewBufferFromBytes(b)

	return fromLockedBuffer(lb)
}

// NewRandom allocates a new Buffer filled with cryptographically secure
// random bytes. size == 0 is rejected.
func NewRandom(size int) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("buffer: zero-size random buffer rejected")
	}

	defer AllocTimer.UpdateSince(time.Now())

	lb := memguard.NewBufferRandom(size)

	return fromLockedBuffer(lb)
}

func fromLockedBuffer(lb *memguard.LockedBuffer) (*Buffer, error) {
	if !lb.IsAlive() {
		return nil, errors.New("buffer: allocation failed")
	}

	mc := memcall.Default

	// Data pages live in NoAccess between operations (4.1).
	if err := mc.Protect(lb.Inner(), memcall.NoAccess()); err != nil {
		lb.Destroy()
		return nil, errors.Wrap(err, "buffer: unable to mark memory as no-access")
	}

	b := &Buffer{inner: lb, mc: mc}
	b.c = sync.NewCond(&b.rw)

	return b, nil
}

// Size returns the size, in bytes, of the data region.
func (b *Buffer) Size() int {
	return len(b.inner.Bytes())
}

// IsAlive reports whether the Buffer has not yet been destroyed.
func (b *Buffer) IsAlive() bool {
	b.rw.RLock()
	defer b.rw.RUnlock()

	return b.inner.IsAlive()
}

// WithBytes elevates the data region to ReadOnly, runs action with the
// underlying bytes, and restores NoAccess (or leaves ReadOnly, if frozen via
// Freeze) on every exit path, including panics propagated from action.
func (b *Buffer) WithBytes(action func([]byte) error) (err error) {
	if err = b.access(); err != nil {
		return err
	}

	defer func() {
		if err2 := b.release(); err2 != nil && err == nil {
			err = err2
		}
	}()

	return action(b.inner.Bytes())
}

// WithBytesMut elevates the data region to ReadWrite for the duration of
// action, restoring the prior protection state afterward. Concurrent with
// any other access to the same Buffer is disallowed by the caller (the
// Buffer itself only serializes readers; a single writer must have
// exclusive access, matching spec's writer-lock discipline).
func (b *Buffer) WithBytesMut(action func([]byte) error) (err error) {
	b.rw.Lock()

	if b.closingLocked() {
		b.rw.Unlock()
		return ErrClosed
	}

	for b.readers > 0 {
		b.c.Wait()
	}

	if err = b.mc.Protect(b.inner.Inner(), memcall.ReadWrite()); err != nil {
		b.rw.Unlock()
		return errors.Wrap(err, "buffer: unable to mark memory as read-write")
	}

	b.rw.Unlock()

	defer func() {
		b.rw.Lock()
		restore := memcall.NoAccess()
		if b.frozen {
			restore = memcall.ReadOnly()
		}

		if err2 := b.mc.Protect(b.inner.Inner(), restore); err2 != nil && err == nil {
			err = errors.Wrap(err2, "buffer: unable to restore protection state")
		}

		b.rw.Unlock()
		b.c.Broadcast()
	}()

	return action(b.inner.Bytes())
}

// Freeze marks the Buffer's data region ReadOnly until Melt is called; every
// subsequent WithBytes access leaves the region ReadOnly rather than
// restoring NoAccess.
func (b *Buffer) Freeze() error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if b.closingLocked() {
		return ErrClosed
	}

	b.frozen = true

	if b.readers == 0 {
		return b.mc.Protect(b.inner.Inner(), memcall.ReadOnly())
	}

	return nil
}

// Melt reverses Freeze, returning the Buffer to the default NoAccess-between-
// accesses discipline.
func (b *Buffer) Melt() error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if b.closingLocked() {
		return ErrClosed
	}

	b.frozen = false

	if b.readers == 0 {
		return b.mc.Protect(b.inner.Inner(), memcall.NoAccess())
	}

	return nil
}

// Destroy verifies the canary (delegated to memguard, which aborts the
// process on corruption per its own fail-hard behavior), wipes, unlocks, and
// frees the Buffer. Idempotent.
func (b *Buffer) Destroy() {
	b.rw.Lock()
	defer b.rw.Unlock()

	if !b.inner.IsAlive() {
		return
	}

	b.inner.Destroy()
}

func (b *Buffer) access() error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if b.closingLocked() {
		return ErrClosed
	}

	if b.readers == 0 && !b.frozen {
		if err := b.mc.Protect(b.inner.Inner(), memcall.ReadOnly()); err != nil {
			return errors.Wrap(err, "buffer: unable to mark memory as read-only")
		}
	}

	b.readers++

	return nil
}

func (b *Buffer) release() error {
	b.rw.Lock()
	defer b.rw.Unlock()
	defer b.c.Broadcast()

	b.readers--

	if b.readers == 0 && !b.frozen {
		if err := b.mc.Protect(b.inner.Inner(), memcall.NoAccess()); err != nil {
			return errors.Wrap(err, "buffer: unable to mark memory as no-access")
		}
	}

	return nil
}

func (b *Buffer) closingLocked() bool {
	return !b.inner.IsAlive()
}
