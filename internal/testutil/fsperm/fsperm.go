// Package fsperm holds test assertions for on-disk journal state.
package fsperm

import (
	"os"
	"runtime"
	"testing"
)

// AssertPrivateDirPerm fails unless dir exists and is 0700.
func AssertPrivateDirPerm(t testing.TB, dir string) {
	t.Helper()
	assertPerm(t, dir, true, 0o700)
}

// AssertPrivateFilePerm fails unless path is a regular file readable only by
// the owner, as sealed snapshots and databases must be.
func AssertPrivateFilePerm(t testing.TB, path string) {
	t.Helper()
	assertPerm(t, path, false, 0o600)
}

func assertPerm(t testing.TB, path string, dir bool, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s failed: %v", path, err)
	}
	if info.IsDir() != dir {
		t.Fatalf("unexpected file type for %s: dir=%t", path, info.IsDir())
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != want {
		t.Fatalf("expected perm %04o, got %04o for %s", want, perm, path)
	}
}
