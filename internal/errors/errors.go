package errors

import (
	"errors"
	"fmt"
)

// Cryptographic kinds.
var (
	// ErrKeyUnavailable indicates the identity or password needed to derive a key is missing.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrInvalidKey indicates a key was supplied but failed authentication.
	ErrInvalidKey = errors.New("invalid key")

	// ErrDataCorrupted indicates the ciphertext or its authentication tag is damaged.
	ErrDataCorrupted = errors.New("data corrupted")

	// ErrUnsupportedVersion indicates an envelope version or KDF this build cannot handle.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")

	// ErrInvalidFormat indicates the envelope is structurally malformed.
	ErrInvalidFormat = errors.New("invalid envelope format")
)

// Password lifecycle errors.
var (
	// ErrPasswordRequired indicates an empty password was supplied.
	ErrPasswordRequired = errors.New("password is required")

	// ErrAlreadyConfigured indicates a password already exists for the identity context.
	ErrAlreadyConfigured = errors.New("password already configured")

	// ErrNotConfigured indicates no password has been set up for the identity context.
	ErrNotConfigured = errors.New("password not configured")

	// ErrPasswordLocked indicates too many failed attempts; retry later.
	ErrPasswordLocked = errors.New("password attempts are temporarily locked")

	// ErrResetIncomplete indicates a password reset could not migrate every record.
	ErrResetIncomplete = errors.New("password reset incomplete")

	// ErrRewriteInProgress indicates the records of the identity context are being re-encrypted.
	ErrRewriteInProgress = errors.New("entries are being re-encrypted")
)

var kinds = []error{
	ErrKeyUnavailable,
	ErrInvalidKey,
	ErrDataCorrupted,
	ErrUnsupportedVersion,
	ErrInvalidFormat,
}

// Error attaches a kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf returns an *Error of the given kind with a formatted cause.
func Newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprint(e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// DecryptionError is the aggregated failure of a trial decryption.
// Attempts is 0 when no candidate key could be built at all.
type DecryptionError struct {
	Kind      error
	Attempts  int
	Candidate string
	Err       error
}

func (e *DecryptionError) Error() string {
	msg := fmt.Sprintf("decrypt failed after %d candidate(s): %v", e.Attempts, e.Kind)
	if e.Candidate != "" {
		msg += " (last: " + e.Candidate + ")"
	}
	if e.Err != nil && !errors.Is(e.Kind, e.Err) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the taxonomy kind carried by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Severity ranks kinds for aggregation; higher is more informative.
// A structurally bad envelope is more actionable than "no key matched".
func Severity(kind error) int {
	switch kind {
	case ErrDataCorrupted:
		return 5
	case ErrUnsupportedVersion:
		return 4
	case ErrInvalidFormat:
		return 3
	case ErrInvalidKey:
		return 2
	case ErrKeyUnavailable:
		return 1
	default:
		return 0
	}
}

// UserGuidance maps a kind to the short message shown to the user.
func UserGuidance(err error) string {
	switch KindOf(err) {
	case ErrKeyUnavailable:
		return "Log in or enter your journal password to read this entry."
	case ErrInvalidKey:
		return "This entry was written with a different key. Try the password or account you used when you wrote it."
	case ErrDataCorrupted:
		return "This entry appears damaged and may be unrecoverable."
	case ErrUnsupportedVersion:
		return "This entry was written by a newer version. Update the app to read it."
	case ErrInvalidFormat:
		return "This entry is not a valid encrypted record."
	default:
		return "The entry could not be decrypted."
	}
}
