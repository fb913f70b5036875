// Package kdf holds the key-derivation algorithms and the per-version
// parameter profiles that envelopes are sealed with.
package kdf

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	kerrors "private-journal/go-backend/internal/errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the AES-256 key length produced by every derivation.
const KeySize = 32

type Algorithm string

const (
	PBKDF2   Algorithm = "pbkdf2"
	Argon2id Algorithm = "argon2id"
)

// ParseAlgorithm accepts the spellings found in stored envelopes.
func ParseAlgorithm(raw string) (Algorithm, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pbkdf2", "pbkdf2-sha256", "pbkdf2-hmac-sha256":
		return PBKDF2, true
	case "argon2id", "argon2":
		return Argon2id, true
	default:
		return "", false
	}
}

// Params are algorithm specific; unused fields stay zero.
type Params struct {
	Iterations uint32 `json:"iterations,omitempty" cbor:"1,keyasint,omitempty" yaml:"iterations,omitempty"`
	Hash       string `json:"hash,omitempty" cbor:"2,keyasint,omitempty" yaml:"hash,omitempty"`

	Time        uint32 `json:"time,omitempty" cbor:"3,keyasint,omitempty" yaml:"time,omitempty"`
	MemoryKiB   uint32 `json:"memoryKiB,omitempty" cbor:"4,keyasint,omitempty" yaml:"memoryKiB,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty" cbor:"5,keyasint,omitempty" yaml:"parallelism,omitempty"`
}

// Upper bounds applied to parameters read from untrusted envelopes.
const (
	maxIterations  = 10_000_000
	maxArgonTime   = 16
	maxArgonMemKiB = 1 << 20 // 1 GiB
	maxParallelism = 16
)

// Validate checks params for alg against the bounds above.
func (p Params) Validate(alg Algorithm) error {
	switch alg {
	case PBKDF2:
		if p.Iterations == 0 || p.Iterations > maxIterations {
			return kerrors.Newf(kerrors.ErrInvalidFormat, "kdf", "pbkdf2 iterations out of range: %d", p.Iterations)
		}
		if _, err := hashFunc(p.Hash); err != nil {
			return err
		}
	case Argon2id:
		if p.Time == 0 || p.Time > maxArgonTime {
			return kerrors.Newf(kerrors.ErrInvalidFormat, "kdf", "argon2id time out of range: %d", p.Time)
		}
		if p.MemoryKiB < 8*uint32(max(p.Parallelism, 1)) || p.MemoryKiB > maxArgonMemKiB {
			return kerrors.Newf(kerrors.ErrInvalidFormat, "kdf", "argon2id memory out of range: %d KiB", p.MemoryKiB)
		}
		if p.Parallelism == 0 || p.Parallelism > maxParallelism {
			return kerrors.Newf(kerrors.ErrInvalidFormat, "kdf", "argon2id parallelism out of range: %d", p.Parallelism)
		}
	default:
		return kerrors.Newf(kerrors.ErrUnsupportedVersion, "kdf", "unknown algorithm %q", alg)
	}
	return nil
}

// Key stretches secret with salt. The caller owns and must wipe the result.
func Key(secret, salt []byte, alg Algorithm, p Params) ([]byte, error) {
	if err := p.Validate(alg); err != nil {
		return nil, err
	}
	switch alg {
	case PBKDF2:
		h, _ := hashFunc(p.Hash)
		return pbkdf2.Key(secret, salt, int(p.Iterations), KeySize, h), nil
	case Argon2id:
		return argon2.IDKey(secret, salt, p.Time, p.MemoryKiB, p.Parallelism, KeySize), nil
	}
	return nil, kerrors.Newf(kerrors.ErrUnsupportedVersion, "kdf", "unknown algorithm %q", alg)
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256", "sha-256":
		return sha256.New, nil
	case "sha512", "sha-512":
		return sha512.New, nil
	default:
		return nil, kerrors.Newf(kerrors.ErrUnsupportedVersion, "kdf", "unsupported pbkdf2 hash %q", name)
	}
}

func (a Algorithm) String() string { return string(a) }

// Describe renders params for logs; it never includes secrets.
func Describe(alg Algorithm, p Params) string {
	switch alg {
	case PBKDF2:
		h := p.Hash
		if h == "" {
			h = "sha256"
		}
		return fmt.Sprintf("pbkdf2-%s/%d", h, p.Iterations)
	case Argon2id:
		return fmt.Sprintf("argon2id/t=%d,m=%d,p=%d", p.Time, p.MemoryKiB, p.Parallelism)
	default:
		return string(alg)
	}
}
