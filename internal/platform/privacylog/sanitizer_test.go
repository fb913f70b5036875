package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsIdentityContexts(t *testing.T) {
	args := SanitizeArgs(
		"context", "wallet:0xabc",
		"record_id", "rec-1",
		"outcome", "invalid key",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "context_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") || strings.Contains(got, "0xabc") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "outcome" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestFingerprintStableWithinBoot(t *testing.T) {
	a, b := FingerprintID("platform:u1"), FingerprintID(" platform:u1 ")
	if a != b || a == FingerprintID("platform:u2") {
		t.Fatalf("fingerprints must be stable per value: %s %s", a, b)
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank values fingerprint to empty")
	}
}

func TestSanitizingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"old_password", "hunter2",
		"hint", "dog name",
		"plaintext", "dear diary",
		"wallet_address", "0xabc",
		"migrated", 3,
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	for _, key := range []string{"old_password", "hint", "plaintext"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if _, ok := payload["wallet_address"]; ok {
		t.Fatal("wallet_address should not be present")
	}
	if _, ok := payload["wallet_address_fp"]; !ok {
		t.Fatal("wallet_address_fp should be present")
	}
	if got, _ := payload["migrated"].(float64); got != 3 {
		t.Fatalf("plain counters must pass through, got %v", payload["migrated"])
	}
	if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "dear diary") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("anonymous_id", "anon_1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "anonymous_id_fp") {
		t.Fatalf("expected sanitized anonymous_id key, got %s", buf.String())
	}

	buf.Reset()
	slog.New(h.WithAttrs([]slog.Attr{slog.String("owner", "platform:u1")})).Info("with attrs")
	if strings.Contains(buf.String(), "platform:u1") {
		t.Fatalf("WithAttrs must sanitize too, got %s", buf.String())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "text")
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "password", "pw")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || strings.Contains(out, "=pw") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := NewLogger(&buf, "loud", "json"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Fatal("expected invalid format error")
	}
}

func TestSanitizeAttrWalksGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("reset", slog.Group("run",
		slog.String("new_password", "hunter3"),
		slog.String("from_context", "wallet:0xabc"),
		slog.Int("migrated", 2),
	))
	out := buf.String()
	if strings.Contains(out, "hunter3") || strings.Contains(out, "0xabc") {
		t.Fatalf("group members must be sanitized: %s", out)
	}
	if !strings.Contains(out, `"from_context_fp"`) || !strings.Contains(out, `"migrated":2`) {
		t.Fatalf("unexpected group output: %s", out)
	}
}
