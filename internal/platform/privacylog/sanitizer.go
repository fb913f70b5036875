// Package privacylog keeps secrets and linkable identifiers out of logs.
// Password material and plaintext are redacted; identity contexts and record
// ids are replaced by per-boot fingerprints so lines can still be correlated.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type class uint8

const (
	classPlain class = iota
	classSecret
	classLinkable
)

var (
	bootNonce = randomNonce()

	// exact keys, lower-cased
	keyClasses = map[string]class{
		"context":          classLinkable,
		"owner":            classLinkable,
		"record_id":        classLinkable,
		"wallet_address":   classLinkable,
		"platform_user_id": classLinkable,
		"user_id":          classLinkable,
		"anonymous_id":     classLinkable,
		"hint":             classSecret,
		"key":              classSecret,
		"derived_key":      classSecret,
		"salt":             classSecret,
	}
	secretFragments = []string{"password", "passphrase", "secret", "plaintext", "token", "authorization"}
)

// NewLogger builds a sanitized slog logger writing text or json to w.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(WrapHandler(h)), nil
}

// SanitizingHandler rewrites every attribute before passing it on.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = SanitizeAttr(a)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts or fingerprints a by key; groups are walked.
func SanitizeAttr(a slog.Attr) slog.Attr {
	key := strings.TrimSpace(a.Key)
	switch classify(key) {
	case classSecret:
		return slog.String(key, redactedValue)
	case classLinkable:
		return slog.String(fingerprintKey(key), FingerprintID(a.Value.Resolve().String()))
	}
	if a.Value.Kind() != slog.KindGroup {
		return a
	}
	members := a.Value.Group()
	clean := make([]any, len(members))
	for i, m := range members {
		clean[i] = SanitizeAttr(m)
	}
	return slog.Group(key, clean...)
}

// SanitizeArgs applies SanitizeAttr to alternating key/value args, leaving
// anything that is not a string key untouched.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		i++
		switch classify(key) {
		case classSecret:
			out = append(out, key, redactedValue)
		case classLinkable:
			out = append(out, fingerprintKey(key), FingerprintID(fmt.Sprint(args[i])))
		default:
			out = append(out, key, args[i])
		}
	}
	return out
}

// FingerprintID maps value to a short id that is stable within this process
// only. Blank values map to "".
func FingerprintID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func classify(key string) class {
	k := strings.ToLower(strings.TrimSpace(key))
	if c, ok := keyClasses[k]; ok {
		return c
	}
	for _, frag := range secretFragments {
		if strings.Contains(k, frag) {
			return classSecret
		}
	}
	if strings.HasSuffix(k, "_context") {
		return classLinkable
	}
	return classPlain
}

func fingerprintKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
