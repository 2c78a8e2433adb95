package buffer

import (
	"os"

	"github.com/awnumar/memguard"
)

// Purge destroys every live Buffer (via memguard's process-wide buffer
// registry) as well as the internal key memguard uses to encrypt its own
// enclaves. Any Buffer handed out before Purge reports IsAlive() == false
// afterward; subsequent New/NewFromBytes/NewRandom calls succeed normally,
// since memguard lazily re-initializes its internal state on first use
// after a purge.
func Purge() {
	memguard.Purge()
}

// WipeBytes securely zeroes b in place.
func WipeBytes(b []byte) {
	memguard.WipeBytes(b)
}

// ScrambleBytes overwrites b with fresh cryptographically secure random
// data in place.
func ScrambleBytes(b []byte) error {
	return memguard.ScrambleBytes(b)
}

// CatchInterrupt starts a goroutine that waits for an interrupt signal
// (SIGINT), then purges all secure memory and exits with status 1.
func CatchInterrupt() {
	memguard.CatchInterrupt()
}

// CatchSignal starts a goroutine that waits for any of the given signals
// and invokes handler before the process purges and exits.
func CatchSignal(handler func(os.Signal), sig ...os.Signal) {
	memguard.CatchSignal(handler, sig...)
}

// SafeExit purges all secure memory and exits the process with the given
// status code. Intended for use from a signal handler.
func SafeExit(code int) {
	memguard.SafeExit(code)
}

// SafePanic purges all secure memory and then panics with v. Intended as a
// drop-in replacement for panic() in code paths that must not leak secrets
// to a crash dump.
func SafePanic(v interface{}) {
	memguard.SafePanic(v)
}
