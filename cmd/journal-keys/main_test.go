package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `crypto:
  currentVersion: 2
  pbkdf2:
    iterations: 1000
    hash: sha256
  argon2id:
    time: 1
    memoryKiB: 64
    parallelism: 1
migration:
  workers: 2
storage:
  driver: file
  path: %s
log:
  level: error
  format: text
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.yaml")
	data := strings.Replace(testConfig, "%s", filepath.Join(dir, "data", "journal.json"), 1)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func resetFlags() {
	configPath, walletAddress, platformUserID, anonymousID, passwordFlag = "", "", "", "", ""
	printMetrics = false
	entryID, entryPublic = "", false
	newPassword, hintFlag, fromAnonID = "", "", ""
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPutGetRoundTrip(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "--config", cfg, "--wallet", "0xAbC", "put", "--id", "e1", "dear diary")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !strings.Contains(out, "e1") {
		t.Fatalf("unexpected put output %q", out)
	}

	out, err = run(t, "--config", cfg, "--wallet", "0xabc", "get", "e1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if strings.TrimSpace(out) != "dear diary" {
		t.Fatalf("unexpected get output %q", out)
	}

	if _, err := run(t, "--config", cfg, "--platform-user", "mallory", "get", "e1"); err == nil {
		t.Fatal("foreign session must not decrypt the entry")
	}
}

func TestPasswordSetupAndAdopt(t *testing.T) {
	cfg := writeTestConfig(t)

	if _, err := run(t, "--config", cfg, "--anon-id", "anon_dev", "put", "--id", "a1", "before login"); err != nil {
		t.Fatalf("anonymous put failed: %v", err)
	}
	out, err := run(t, "--config", cfg, "--platform-user", "u1", "migrate", "adopt", "--from-anon", "anon_dev")
	if err != nil {
		t.Fatalf("adopt failed: %v", err)
	}
	if !strings.Contains(out, "Migrated 1 of 1") {
		t.Fatalf("unexpected adopt output %q", out)
	}

	out, err = run(t, "--config", cfg, "--platform-user", "u1", "password", "setup", "--new", "s3cret", "--hint", "usual")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if !strings.Contains(out, "Migrated 1 of 1") {
		t.Fatalf("existing entry should move to the password: %q", out)
	}

	if _, err := run(t, "--config", cfg, "--platform-user", "u1", "get", "a1"); err == nil {
		t.Fatal("entry must need the password after setup")
	}
	out, err = run(t, "--config", cfg, "--platform-user", "u1", "--password", "s3cret", "get", "a1")
	if err != nil || strings.TrimSpace(out) != "before login" {
		t.Fatalf("unexpected get with password: %q %v", out, err)
	}

	out, err = run(t, "--config", cfg, "--platform-user", "u1", "password", "hint")
	if err != nil || strings.TrimSpace(out) != "usual" {
		t.Fatalf("unexpected hint: %q %v", out, err)
	}
	if _, err := run(t, "--config", cfg, "--platform-user", "u1", "--password", "wrong", "password", "check"); err == nil {
		t.Fatal("wrong password must be rejected")
	}
}

func TestAnonIDCommand(t *testing.T) {
	out, err := run(t, "anon-id")
	if err != nil {
		t.Fatalf("anon-id failed: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "anon_") {
		t.Fatalf("unexpected id %q", out)
	}
}
