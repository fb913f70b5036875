package identity

import (
	"fmt"
	"strings"

	"private-journal/go-backend/pkg/models"
)

// Context names the identity a password and its KeyConfig belong to.
type Context struct {
	Kind    Kind
	Subject string
}

func WalletContext(address string) Context {
	return Context{Kind: KindWallet, Subject: NormalizeWallet(address)}
}

func PlatformContext(userID string) Context {
	return Context{Kind: KindPlatform, Subject: strings.TrimSpace(userID)}
}

func AnonymousContext(id string) Context {
	return Context{Kind: KindAnonymous, Subject: strings.TrimSpace(id)}
}

func (c Context) IsZero() bool {
	return c.Subject == "" || (c.Kind != KindWallet && c.Kind != KindPlatform && c.Kind != KindAnonymous)
}

// String is the stable cache and storage key, e.g. "wallet:0xabc".
func (c Context) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Kind.String() + ":" + c.Subject
}

// Principal returns the deterministic identity principal of the context.
func (c Context) Principal() Principal {
	switch c.Kind {
	case KindWallet:
		return Wallet(c.Subject)
	case KindPlatform:
		return Platform(c.Subject)
	case KindAnonymous:
		return Anonymous(c.Subject)
	default:
		return Principal{}
	}
}

func ParseContext(raw string) (Context, error) {
	kind, subject, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || strings.TrimSpace(subject) == "" {
		return Context{}, fmt.Errorf("invalid identity context %q", raw)
	}
	switch kind {
	case "wallet":
		return WalletContext(subject), nil
	case "platform":
		return PlatformContext(subject), nil
	case "anonymous":
		return AnonymousContext(subject), nil
	default:
		return Context{}, fmt.Errorf("invalid identity context kind %q", kind)
	}
}

// SessionContexts lists the password contexts a session can hold, strongest
// first: platform account, wallet, anonymous device.
func SessionContexts(s models.Session) []Context {
	out := make([]Context, 0, 3)
	if c := PlatformContext(s.PlatformUserID); !c.IsZero() {
		out = append(out, c)
	}
	if c := WalletContext(s.WalletAddress); !c.IsZero() {
		out = append(out, c)
	}
	if c := AnonymousContext(s.AnonymousID); !c.IsZero() {
		out = append(out, c)
	}
	return out
}

// PrimaryContext is the strongest context of the session, or the zero Context.
func PrimaryContext(s models.Session) Context {
	if all := SessionContexts(s); len(all) > 0 {
		return all[0]
	}
	return Context{}
}
