// Package enclave implements spec §4.3: a Buffer sealed under a
// Coffer-derived subkey, the at-rest form of a live secret. The ciphertext
// itself is ordinary (non-secure) memory — it is not sensitive on its own,
// per spec's explicit note that the sealed bytes need not live in a Buffer.
package enclave

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"

	"github.com/pkg/errors"

	"github.com/godaddy/asherah-sub001/securememory/buffer"
	"github.com/godaddy/asherah-sub001/securememory/coffer"
)

const nonceSize = 12

// Enclave is the sealed, at-rest form of a Buffer's contents.
type Enclave struct {
	nonce      [nonceSize]byte
	ciphertext []byte
}

// Seal encrypts buf's contents under a subkey derived from the process
// Coffer (hash of view‖nonce) and destroys buf. The returned Enclave may be
// Open'd repeatedly; only Destroying it (by letting it be garbage collected,
// there being nothing secret left to wipe once sealed) ends its lifetime.
func Seal(buf *buffer.Buffer) (*Enclave, error) {
	defer buf.Destroy()

	c, err := coffer.Get()
	if err != nil {
		return nil, errors.Wrap(err, "enclave: unable to access coffer")
	}

	view, err := c.View()
	if err != nil {
		return nil, errors.Wrap(err, "enclave: unable to view coffer")
	}
	defer view.Destroy()

	e := &Enclave{}
	if err := fillRandom(e.nonce[:]); err != nil {
		return nil, err
	}

	var subkey [32]byte

	err = view.WithBytes(func(keyBytes []byte) error {
		subkey = deriveSubkey(keyBytes, e.nonce[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer buffer.WipeBytes(subkey[:])

	var ciphertext []byte

	err = buf.WithBytes(func(plaintext []byte) error {
		var sealErr error
		ciphertext, sealErr = aeadSeal(subkey[:], e.nonce[:], plaintext)
		return sealErr
	})
	if err != nil {
		return nil, err
	}

	e.ciphertext = ciphertext

	return e, nil
}

// Open reverses Seal: views the Coffer, derives the subkey, AEAD-decrypts
// into a fresh Buffer, and returns it. If the Coffer was purged between Seal
// and Open, the caller observes a crypto failure (the derived subkey no
// longer matches), which is an acceptable equivalent to SecretClosed per
// spec §4.3.
func (e *Enclave) Open() (*buffer.Buffer, error) {
	c, err := coffer.Get()
	if err != nil {
		return nil, errors.Wrap(err, "enclave: unable to access coffer")
	}

	view, err := c.View()
	if err != nil {
		return nil, errors.Wrap(err, "enclave: unable to view coffer")
	}
	defer view.Destroy()

	var subkey [32]byte

	err = view.WithBytes(func(keyBytes []byte) error {
		subkey = deriveSubkey(keyBytes, e.nonce[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer buffer.WipeBytes(subkey[:])

	plaintext, err := aeadOpen(subkey[:], e.nonce[:], e.ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "enclave: decryption failed")
	}

	return buffer.NewFromBytes(plaintext)
}

func deriveSubkey(view, nonce []byte) [32]byte {
	h := sha256.New()
	h.Write(view)
	h.Write(nonce)

	var out [32]byte
	copy(out[:], h.Sum(nil))

	return out
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

// aeadSeal/aeadOpen implement AES-256-GCM directly rather than importing the
// appencryption/pkg/crypto/aead package: that package imports this module's
// appencryption tree, which itself imports securememory, so reusing it here
// would create an import cycle. The construction mirrors
// appencryption/pkg/crypto/aead/aes256gcm.go exactly (see DESIGN.md).
func aeadSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func aeadOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}
