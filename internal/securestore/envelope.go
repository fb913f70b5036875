package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"strconv"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/kdf"

	"golang.org/x/crypto/blake2b"
)

const (
	ivSize       = 12
	tagSize      = 16
	keyCheckSize = 16
	keyCheckTag  = "private-journal/key-check/v1"
)

// Envelope is the persisted unit: KDF metadata, salt, IV and AES-256-GCM
// ciphertext with its tag appended. Version 0 is the legacy unversioned shape.
type Envelope struct {
	Version    int
	KDF        kdf.Algorithm
	Params     kdf.Params
	Salt       []byte
	IV         []byte
	Ciphertext []byte
	// KeyCheck commits to the key (and salt) so a wrong key is told apart
	// from a damaged ciphertext. Legacy envelopes have none.
	KeyCheck []byte
}

// Legacy reports whether env uses the pre-versioning format.
func (e *Envelope) Legacy() bool { return e.Version == kdf.VersionLegacy }

// NewSalt returns fresh random salt bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, kdf.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Seal encrypts plaintext under key with a fresh IV. profile supplies the
// metadata needed to re-derive key from salt later.
func Seal(key, plaintext []byte, profile kdf.Profile, salt []byte) (*Envelope, error) {
	if len(key) != kdf.KeySize {
		return nil, kerrors.Newf(kerrors.ErrKeyUnavailable, "seal", "key must be %d bytes", kdf.KeySize)
	}
	if len(salt) < kdf.SaltSize {
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "seal", "salt must be at least %d bytes", kdf.SaltSize)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	env := &Envelope{
		Version: profile.Version,
		KDF:     profile.Algorithm,
		Params:  profile.Params,
		Salt:    append([]byte(nil), salt...),
		IV:      iv,
	}
	if !env.Legacy() {
		env.KeyCheck = keyCheck(key, env.Salt)
	}
	env.Ciphertext = aead.Seal(nil, iv, plaintext, additionalData(env))
	return env, nil
}

// Open authenticates and decrypts env. It fails closed: any tag mismatch is
// an error, never partial plaintext.
func Open(env *Envelope, key []byte) ([]byte, error) {
	if env == nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "open", nil)
	}
	if len(key) != kdf.KeySize {
		return nil, kerrors.Newf(kerrors.ErrKeyUnavailable, "open", "key must be %d bytes", kdf.KeySize)
	}
	if len(env.IV) != ivSize {
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "open", "iv must be %d bytes", ivSize)
	}
	if len(env.Ciphertext) < tagSize {
		return nil, kerrors.Newf(kerrors.ErrDataCorrupted, "open", "ciphertext truncated: %d bytes", len(env.Ciphertext))
	}
	if len(env.KeyCheck) > 0 {
		if subtle.ConstantTimeCompare(env.KeyCheck, keyCheck(key, env.Salt)) != 1 {
			return nil, kerrors.New(kerrors.ErrInvalidKey, "open", nil)
		}
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, additionalData(env))
	if err != nil {
		if len(env.KeyCheck) > 0 {
			return nil, kerrors.New(kerrors.ErrDataCorrupted, "open", err)
		}
		// Without a key check a wrong key and a damaged tag look the same.
		return nil, kerrors.New(kerrors.ErrInvalidKey, "open", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func keyCheck(key, salt []byte) []byte {
	h, _ := blake2b.New256(key)
	h.Write([]byte(keyCheckTag))
	h.Write(salt)
	return h.Sum(nil)[:keyCheckSize]
}

// additionalData binds the KDF header so it cannot be swapped without
// failing authentication. Legacy envelopes were sealed without AAD.
func additionalData(env *Envelope) []byte {
	if env.Legacy() {
		return nil
	}
	return []byte("pj-envelope|v=" + strconv.Itoa(env.Version) + "|" + kdf.Describe(env.KDF, env.Params))
}
