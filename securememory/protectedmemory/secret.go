// Package protectedmemory implements Enclave-backed secrets: the Secret's
// plaintext lives sealed in a Coffer-encrypted Enclave at rest, and is only
// ever materialized into a guard-paged Buffer for the duration of a scoped
// access (spec §4.4).
package protectedmemory

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/asherah-sub001/securememory"
	"github.com/godaddy/asherah-sub001/securememory/buffer"
	"github.com/godaddy/asherah-sub001/securememory/enclave"
	"github.com/godaddy/asherah-sub001/securememory/internal/secrets"
	"github.com/godaddy/asherah-sub001/securememory/log"
)

// AllocTimer is used to record the time taken to allocate a secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.protectedmemory.alloctimer", nil)

type secretError string

func (e secretError) Error() string {
	return string(e)
}

const secretClosedErr secretError = "secret has already been destroyed"

// secret contains sensitive memory sealed in an Enclave. Always call Close
// after use to avoid leaking the Enclave's decrypted Buffer.
type secret struct {
	*secretInternal
	// dummy is used for attaching a finalizer since attaching one to the secret itself results in it always having a reference.
	dummy *bool
}

// secretInternal is an abstraction needed to allow us to close the secret without referencing it directly in a finalizer.
type secretInternal struct {
	enc *enclave.Enclave
	buf *buffer.Buffer // non-nil only while accessCounter > 0

	rw      *sync.RWMutex
	c       *sync.Cond
	closing bool
	closed  bool

	// stack contains a formatted stack trace collected when the secret was created, only set if DebugEnabled.
	stack        []byte
	externalAddr string

	accessCounter int
}

// WithBytes makes the underlying bytes readable and passes them to the function provided.
// A reference MUST not be kept to the bytes passed to the function as the underlying array will no
// longer be readable after the function exits.
func (s *secret) WithBytes(action func([]byte) error) (err error) {
	buf, err := s.access()
	if err != nil {
		return err
	}

	defer func() {
		if err2 := s.release(); err2 != nil {
			if err == nil {
				err = err2
				return
			}

			err = errors.WithMessage(err, err2.Error())

			return
		}
	}()

	return buf.WithBytes(action)
}

// WithBytesFunc makes the underlying bytes readable and passes them to the function provided.
// A reference MUST not be kept to the bytes passed to the function as the underlying array will no
// longer be readable after the function exits.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	buf, err := s.access()
	if err != nil {
		return nil, err
	}

	defer func() {
		if err2 := s.release(); err2 != nil {
			if err == nil {
				err = err2
				return
			}

			err = errors.WithMessage(err, err2.Error())

			return
		}
	}()

	err = buf.WithBytes(func(b []byte) error {
		var actionErr error
		ret, actionErr = action(b)
		return actionErr
	})

	return ret, err
}

// IsClosed returns true if the underlying data container has already been closed
func (s *secret) IsClosed() bool {
	return s.isClosed()
}

// NewReader returns a new io.Reader capable of reading from s.
func (s *secret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

// access opens the sealed Enclave into a Buffer, if this is the first
// concurrent accessor, and returns that Buffer.
func (s *secretInternal) access() (*buffer.Buffer, error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || s.closed {
		return nil, errors.WithStack(secretClosedErr)
	}

	if s.accessCounter == 0 {
		buf, err := s.enc.Open()
		if err != nil {
			return nil, errors.WithMessage(err, "unable to open enclave")
		}

		s.buf = buf
	}

	s.accessCounter++

	return s.buf, nil
}

// release destroys the opened Buffer once the last concurrent accessor is done.
func (s *secretInternal) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.c.Broadcast()

	s.accessCounter--

	if s.accessCounter == 0 && s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}

	return nil
}

// isClosed is the actual implementation of secret.IsClosed. It needs to be implemented at this level in order
// to unit test the finalizer (to avoid a reference to the secret).
func (s *secretInternal) isClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return s.closed
}

func (s *secretInternal) Finalize() {
	s.rw.Lock()
	if !s.closing {
		log.Debugf("finalized before closed: secret(%s){inner(%p)}\n%s\n", s.externalAddr, s, s.stack)
	}
	s.rw.Unlock()

	s.Close()
}

// Close closes the data container and frees any associated memory.
func (s *secretInternal) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if s.closed {
			return nil
		}

		if s.accessCounter == 0 {
			return s.close()
		}

		s.c.Wait()
	}
}

// close is the actual implementation of secret.Close. It needs to be implemented at this level in order for
// the finalizer to work properly (to avoid a reference to the secret).
func (s *secretInternal) close() error {
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}

	// The sealed ciphertext held by s.enc is not sensitive (spec §4.3); there
	// is nothing left to wipe, only to drop.
	s.enc = nil
	s.closed = true

	securememory.InUseCounter.Dec(1)

	return nil
}

// SecretFactory is used to create Enclave-backed Secret implementations.
type SecretFactory struct{}

// New takes in a byte slice and returns an Enclave-backed Secret containing that data.
// The underlying array will be wiped after the function exits.
func (f *SecretFactory) New(b []byte) (securememory.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	if len(b) == 0 {
		return nil, errors.New("invalid secret length")
	}

	buf, err := buffer.NewFromBytes(b)
	if err != nil {
		return nil, err
	}

	return f.seal(buf)
}

// CreateRandom returns an Enclave-backed Secret that contains a random byte slice of the specified size.
func (f *SecretFactory) CreateRandom(size int) (securememory.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	buf, err := buffer.NewRandom(size)
	if err != nil {
		return nil, err
	}

	return f.seal(buf)
}

func (f *SecretFactory) seal(buf *buffer.Buffer) (*secret, error) {
	enc, err := enclave.Seal(buf)
	if err != nil {
		return nil, err
	}

	rw := new(sync.RWMutex)
	internal := &secretInternal{
		rw:  rw,
		c:   sync.NewCond(rw),
		enc: enc,
	}

	s := &secret{
		secretInternal: internal,
		dummy:          new(bool),
	}

	if log.DebugEnabled() {
		internal.externalAddr = fmt.Sprintf("%p", s)
		internal.stack = debug.Stack()
	}

	// Finalizer attaches to dummy reference so we can cleanup secret when it goes out of scope. We have to use
	// secretInternal to call close to avoid keeping the secret in scope by virtue of the finalizer setup.
	runtime.SetFinalizer(s.dummy, func(_ *bool) {
		go internal.Finalize()
	})

	securememory.AllocCounter.Inc(1)
	securememory.InUseCounter.Inc(1)

	return s, nil
}
