// Package coffer implements the process-singleton, XOR-split master key
// described by spec §4.2: a 32-byte key stored as two equally-sized Buffers
// such that left XOR right == key, re-keyed on a timer so that neither half
// is ever long-lived. Enclave uses View to derive per-seal subkeys; no other
// package should depend on coffer directly.
package coffer

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/godaddy/asherah-sub001/securememory/buffer"
)

const (
	// KeySize is the size, in bytes, of the coffer's master key.
	KeySize = 32

	// HotInterval is the rekey period while the coffer is under active use.
	HotInterval = 8 * time.Millisecond
	// IdleInterval is the rekey period after a period of inactivity.
	IdleInterval = 1 * time.Second
	// idleAfter is how long a coffer must go unused before it switches from
	// HotInterval to IdleInterval.
	idleAfter = 500 * time.Millisecond
)

// ErrDestroyed is returned by View/Rekey on a purged Coffer; the caller
// should obtain a fresh singleton via Get, which lazily reinitializes.
var ErrDestroyed = errors.New("coffer: destroyed")

// Coffer is a process-singleton XOR-split master key with a background
// rekeyer. Use Get to access the singleton; do not construct directly.
type Coffer struct {
	mu    sync.Mutex
	left  *buffer.Buffer
	right *buffer.Buffer

	destroyed bool
	lastUse   time.Time

	stop chan struct{}
	done chan struct{}
}

var (
	globalMu sync.Mutex
	global   *Coffer
)

// Get returns the process-wide Coffer singleton, lazily (re)initializing it
// with a fresh random key if it does not exist or was previously purged.
func Get() (*Coffer, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil && !global.isDestroyed() {
		return global, nil
	}

	c, err := newCoffer()
	if err != nil {
		return nil, err
	}

	global = c

	return global, nil
}

// Purge destroys the singleton Coffer, if one exists. The next call to Get
// re-initializes it with a fresh key.
func Purge() {
	globalMu.Lock()
	c := global
	global = nil
	globalMu.Unlock()

	if c != nil {
		c.destroy()
	}
}

func newCoffer() (*Coffer, error) {
	key, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	defer buffer.WipeBytes(key)

	left := make([]byte, KeySize)
	if err := fillRandom(left); err != nil {
		return nil, err
	}

	right := make([]byte, KeySize)
	for i := range right {
		right[i] = left[i] ^ key[i]
	}

	leftBuf, err := buffer.NewFromBytes(left)
	if err != nil {
		return nil, err
	}

	rightBuf, err := buffer.NewFromBytes(right)
	if err != nil {
		leftBuf.Destroy()
		return nil, err
	}

	c := &Coffer{
		left:    leftBuf,
		right:   rightBuf,
		lastUse: time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go c.rekeyLoop()

	return c, nil
}

func fillRandom(b []byte) error {
	rb, err := buffer.NewRandom(len(b))
	if err != nil {
		return err
	}
	defer rb.Destroy()

	return rb.WithBytes(func(data []byte) error {
		copy(b, data)
		return nil
	})
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := fillRandom(b); err != nil {
		return nil, err
	}

	return b, nil
}

func (c *Coffer) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.destroyed
}

func (c *Coffer) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	c.destroyed = true
	left, right := c.left, c.right
	c.left, c.right = nil, nil

	stop := c.stop
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-c.done
	}

	if left != nil {
		left.Destroy()
	}

	if right != nil {
		right.Destroy()
	}
}

// View returns a short-lived Buffer containing left XOR right == key. The
// caller must Destroy the returned Buffer promptly.
func (c *Coffer) View() (*buffer.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}

	c.lastUse = time.Now()

	key := make([]byte, KeySize)

	err := c.left.WithBytes(func(l []byte) error {
		return c.right.WithBytes(func(r []byte) error {
			for i := range key {
				key[i] = l[i] ^ r[i]
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return buffer.NewFromBytes(key)
}

// Rekey generates a new random left half and recomputes the right half so
// that left XOR right is unchanged.
func (c *Coffer) Rekey() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return ErrDestroyed
	}

	newLeft := make([]byte, KeySize)
	if err := fillRandom(newLeft); err != nil {
		return err
	}

	newRight := make([]byte, KeySize)

	err := c.left.WithBytes(func(l []byte) error {
		return c.right.WithBytes(func(r []byte) error {
			for i := range newRight {
				newRight[i] = l[i] ^ r[i] ^ newLeft[i]
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	newLeftBuf, err := buffer.NewFromBytes(append([]byte(nil), newLeft...))
	if err != nil {
		return err
	}

	newRightBuf, err := buffer.NewFromBytes(newRight)
	if err != nil {
		newLeftBuf.Destroy()
		return err
	}

	oldLeft, oldRight := c.left, c.right
	c.left, c.right = newLeftBuf, newRightBuf

	oldLeft.Destroy()
	oldRight.Destroy()

	return nil
}

// rekeyLoop runs for the lifetime of the Coffer, re-keying on HotInterval
// while recently used and backing off to IdleInterval otherwise.
func (c *Coffer) rekeyLoop() {
	defer close(c.done)

	interval := IdleInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
			c.mu.Lock()
			hot := time.Since(c.lastUse) < idleAfter
			c.mu.Unlock()

			if hot {
				interval = HotInterval
			} else {
				interval = IdleInterval
			}

			_ = c.Rekey()

			timer.Reset(interval)
		}
	}
}
