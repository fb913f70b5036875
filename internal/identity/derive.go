package identity

import (
	"crypto/sha256"
	"io"
	"time"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/kdf"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfoIdentitySalt = "private-journal/identity-salt/v1"

// Observer receives derivation timings; metrics.Collector implements it.
type Observer interface {
	ObserveDerivation(alg kdf.Algorithm, kind string, elapsed time.Duration)
}

// Deriver turns principals into keys.
type Deriver struct {
	observer Observer
	now      func() time.Time
}

func NewDeriver(observer Observer) *Deriver {
	return &Deriver{observer: observer, now: time.Now}
}

// Derive returns the key for p. Password keys depend on salt; identity keys
// are stable per (identity, algorithm, params) and ignore it.
func (d *Deriver) Derive(p Principal, salt []byte, alg kdf.Algorithm, params kdf.Params) (*Key, error) {
	switch {
	case p.IsZero():
		return nil, kerrors.New(kerrors.ErrKeyUnavailable, "derive", nil)
	case p.kind == KindPublicSeal:
		return newKey(append([]byte(nil), publicSealKey...)), nil
	case !p.Deterministic():
		if len(salt) < kdf.SaltSize {
			return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "derive", "salt too short: %d bytes", len(salt))
		}
		return d.stretch(p, salt, alg, params)
	default:
		fixed, err := identitySalt(p.kind)
		if err != nil {
			return nil, err
		}
		return d.stretch(p, fixed, alg, params)
	}
}

func (d *Deriver) stretch(p Principal, salt []byte, alg kdf.Algorithm, params kdf.Params) (*Key, error) {
	start := d.clock()
	secret := []byte(p.secret)
	defer WipeBytes(secret)
	b, err := kdf.Key(secret, salt, alg, params)
	if err != nil {
		return nil, err
	}
	if d != nil && d.observer != nil {
		d.observer.ObserveDerivation(alg, p.kind.String(), d.clock().Sub(start))
	}
	return newKey(b), nil
}

func (d *Deriver) clock() time.Time {
	if d == nil || d.now == nil {
		return time.Now()
	}
	return d.now()
}

// identitySalt is the fixed domain-separation salt for deterministic kinds.
func identitySalt(kind Kind) ([]byte, error) {
	return hkdfExpand([]byte(kind.String()), hkdfInfoIdentitySalt, kdf.SaltSize)
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
