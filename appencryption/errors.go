package appencryption

import "github.com/pkg/errors"

// Sentinel errors surfaced by the appencryption package. Callers should use
// errors.Is against these rather than matching on message text; every
// constructor below wraps the sentinel with errors.Wrap at the point of
// origin so errors.Is and errors.Cause both work.
var (
	// ErrPolicyViolation is returned when a CryptoPolicy (or a value derived
	// from it, such as a SessionCacheEngine name) names an invalid or
	// unsupported configuration. Invalid configuration is rejected at the
	// call site; it never panics.
	ErrPolicyViolation = errors.New("appencryption: policy violation")

	// ErrOperationFailed is returned when an otherwise well-formed operation
	// could not complete, e.g. a backing cache implementation failed to
	// initialize.
	ErrOperationFailed = errors.New("appencryption: operation failed")

	// ErrKeyNotFound is returned when a key lookup against the metastore or
	// a key cache found no matching record.
	ErrKeyNotFound = errors.New("appencryption: key not found")

	// ErrPartitionMismatch is returned when a DataRowRecord's partition ID
	// does not match the partition performing the decrypt.
	ErrPartitionMismatch = errors.New("appencryption: partition mismatch")

	// ErrCryptoError is the error kind for a failed AEAD or KMS crypto
	// operation. No function in this package returns it: AEAD and KMS errors
	// reach the caller as the underlying error, without this sentinel in
	// their chain.
	ErrCryptoError = errors.New("appencryption: crypto error")

	// ErrMetastoreError is the error kind for a failed metastore operation.
	// No function in this package returns it: metastore errors reach the
	// caller as the underlying error, without this sentinel in their chain.
	ErrMetastoreError = errors.New("appencryption: metastore error")
)

// newPolicyViolationError wraps ErrPolicyViolation with context describing
// which setting was invalid.
func newPolicyViolationError(msg string) error {
	return errors.Wrap(ErrPolicyViolation, msg)
}

// newOperationFailedError wraps ErrOperationFailed with context describing
// the operation that could not complete, chaining the underlying cause when
// one is available.
func newOperationFailedError(msg string, cause error) error {
	if cause == nil {
		return errors.Wrap(ErrOperationFailed, msg)
	}

	return errors.Wrapf(ErrOperationFailed, "%s: %s", msg, cause)
}
