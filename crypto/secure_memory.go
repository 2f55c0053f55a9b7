package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding sensitive data with zeros. It
// returns an error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// keep the compiler from eliding the overwrite
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
	return nil
}

// ZeroBytes is SecureWipe for callers with nothing to do about a failure.
func ZeroBytes(data []byte) {
	if err := SecureWipe(data); err != nil {
		NewLogger("ZeroBytes").WithError(err, "SecureWipe").Debug("Nothing to wipe")
	}
}
