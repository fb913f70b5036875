package identity

import (
	"crypto/rand"
	"errors"
	"strings"

	"github.com/mr-tron/base58/base58"
)

const (
	anonymousPrefix  = "anon_"
	anonymousIDBytes = 16
)

var ErrInvalidAnonymousID = errors.New("invalid anonymous id")

// NewAnonymousID creates the per-device identifier used before any stronger
// identity exists. Persisting it is the caller's job.
func NewAnonymousID() (string, error) {
	buf := make([]byte, anonymousIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return anonymousPrefix + base58.Encode(buf), nil
}

// ValidateAnonymousID accepts ids produced by NewAnonymousID.
func ValidateAnonymousID(id string) error {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, anonymousPrefix) {
		return ErrInvalidAnonymousID
	}
	raw, err := base58.Decode(strings.TrimPrefix(id, anonymousPrefix))
	if err != nil || len(raw) != anonymousIDBytes {
		return ErrInvalidAnonymousID
	}
	return nil
}
