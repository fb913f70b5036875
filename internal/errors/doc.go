// Package errors defines the failure taxonomy of the journal key vault.
//
// Every cryptographic failure carries one of five kinds so callers can react
// without string matching:
//
//   - ErrKeyUnavailable: a required identity or password was not supplied
//   - ErrInvalidKey: a candidate key failed authentication
//   - ErrDataCorrupted: ciphertext or tag is malformed, truncated or tampered
//   - ErrUnsupportedVersion: the envelope declares a version or KDF this build does not implement
//   - ErrInvalidFormat: the envelope is structurally malformed
//
// Kinds are matched with errors.Is:
//
//	plaintext, err := res.Resolve(env, session, false)
//	if errors.Is(err, kerrors.ErrKeyUnavailable) {
//	    // ask the user to log in or enter their password
//	}
//
// The resolver returns *DecryptionError which additionally reports how many
// candidate keys were tried.
package errors
