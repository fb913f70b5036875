package models

import (
	"strings"
	"time"
)

// Session is the read-only identity snapshot the session layer hands the
// vault on every call. The vault never mutates it.
type Session struct {
	WalletAddress  string `json:"wallet_address,omitempty"`
	PlatformUserID string `json:"platform_user_id,omitempty"`
	// AnonymousID is the locally persisted per-device id, if one exists.
	AnonymousID string `json:"anonymous_id,omitempty"`
}

// HasIdentity reports whether any principal is available.
func (s Session) HasIdentity() bool {
	return strings.TrimSpace(s.WalletAddress) != "" ||
		strings.TrimSpace(s.PlatformUserID) != "" ||
		strings.TrimSpace(s.AnonymousID) != ""
}

// Record is a stored journal entry as the storage layer sees it: an opaque
// envelope blob plus the metadata the vault needs to pick candidate keys.
type Record struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Public    bool      `json:"public"`
	Blob      []byte    `json:"blob"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Blob = append([]byte(nil), r.Blob...)
	return r
}

// KeyConfig is the non-secret per-context password record. It never holds
// the password or a derived key; Check is a sealed canary used to verify a
// password without touching journal entries.
type KeyConfig struct {
	Context   string    `json:"context"`
	Version   int       `json:"version"`
	Hint      string    `json:"hint,omitempty"`
	Check     []byte    `json:"check"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
