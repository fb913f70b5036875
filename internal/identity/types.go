package identity

import (
	"strings"
)

// Kind tags the source a Principal was built from.
type Kind int

const (
	KindNone Kind = iota
	KindWallet
	KindPlatform
	KindAnonymous
	KindPassword
	KindPublicSeal
)

func (k Kind) String() string {
	switch k {
	case KindWallet:
		return "wallet"
	case KindPlatform:
		return "platform"
	case KindAnonymous:
		return "anonymous"
	case KindPassword:
		return "password"
	case KindPublicSeal:
		return "public"
	default:
		return "none"
	}
}

// Principal is the identity a key is derived from. The zero value carries no
// identity and derives nothing. Values live only for the duration of a call.
type Principal struct {
	kind   Kind
	secret string
}

func Wallet(address string) Principal {
	address = NormalizeWallet(address)
	if address == "" {
		return Principal{}
	}
	return Principal{kind: KindWallet, secret: address}
}

func Platform(userID string) Principal {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Principal{}
	}
	return Principal{kind: KindPlatform, secret: userID}
}

func Anonymous(id string) Principal {
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}
	}
	return Principal{kind: KindAnonymous, secret: id}
}

// Password keeps the password verbatim; whitespace is significant.
func Password(password string) Principal {
	if password == "" {
		return Principal{}
	}
	return Principal{kind: KindPassword, secret: password}
}

// PublicSeal selects the published, non-secret key for public records.
func PublicSeal() Principal {
	return Principal{kind: KindPublicSeal}
}

func (p Principal) Kind() Kind { return p.kind }

func (p Principal) IsZero() bool { return p.kind == KindNone }

// Deterministic reports whether the key ignores the envelope salt.
func (p Principal) Deterministic() bool {
	switch p.kind {
	case KindWallet, KindPlatform, KindAnonymous, KindPublicSeal:
		return true
	default:
		return false
	}
}

// String never reveals the secret part.
func (p Principal) String() string {
	return p.kind.String()
}

// NormalizeWallet lower-cases hex addresses so checksummed and plain forms
// derive the same key.
func NormalizeWallet(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	lower := strings.ToLower(address)
	if strings.HasPrefix(lower, "0x") {
		return lower
	}
	return address
}
