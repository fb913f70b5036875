package identity

import (
	"encoding/hex"

	"github.com/awnumar/memguard"
)

// PublicSealKeyHex is the published key for records explicitly marked public.
// It is NOT a secret: anyone can decrypt public records with it, and nothing
// may rely on it for access control. It exists so public records share the
// AES-GCM envelope format. Value: SHA-256("private-journal/public-seal-key/v1").
const PublicSealKeyHex = "990a56bcae48cb88076a2b939c2bc8e0bc682bdc8e4538208fed2957f34036f9"

var publicSealKey = mustHex(PublicSealKeyHex)

// Key is a derived 256-bit symmetric key. Wipe it as soon as the
// encrypt or decrypt call that needed it returns.
type Key struct {
	b []byte
}

func newKey(b []byte) *Key { return &Key{b: b} }

// Bytes exposes the key material; the slice is invalid after Wipe.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	return k.b
}

func (k *Key) Wipe() {
	if k == nil || k.b == nil {
		return
	}
	memguard.WipeBytes(k.b)
	k.b = nil
}

// WipeBytes zeroes transient plaintext and secrets.
func WipeBytes(b []byte) {
	memguard.WipeBytes(b)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
