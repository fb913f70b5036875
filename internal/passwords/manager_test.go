package passwords

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/kdf"
	"private-journal/go-backend/internal/migration"
	"private-journal/go-backend/internal/platform/ratelimiter"
	"private-journal/go-backend/internal/resolver"
	"private-journal/go-backend/internal/securestore"
	"private-journal/go-backend/internal/storage"
	"private-journal/go-backend/pkg/models"
)

const ctxKey = "platform:u1"

type fixture struct {
	codec *securestore.Codec
	store *storage.MemoryStore
	mgr   *Manager
	now   time.Time
}

func newFixture(t *testing.T, limiter *ratelimiter.MapLimiter) *fixture {
	t.Helper()
	r, err := kdf.NewRegistry(kdf.VersionArgon,
		kdf.Profile{Version: kdf.VersionLegacy, Algorithm: kdf.PBKDF2, Params: kdf.LegacyParams()},
		kdf.Profile{Version: kdf.VersionPBKDF2, Algorithm: kdf.PBKDF2, Params: kdf.Params{Iterations: 1000, Hash: "sha256"}},
		kdf.Profile{Version: kdf.VersionArgon, Algorithm: kdf.Argon2id, Params: kdf.Params{Time: 1, MemoryKiB: 64, Parallelism: 1}},
	)
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	f := &fixture{
		codec: securestore.NewCodec(r, nil),
		store: storage.NewMemoryStore(),
		now:   time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC),
	}
	engine := migration.NewEngine(f.codec, resolver.New(f.codec, nil, nil, nil), 2, nil, nil)
	f.mgr = NewManager(f.codec, engine, f.store, NewMemoryCache(), Options{
		Limiter: limiter,
		Now:     func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) seed(t *testing.T, password string, n int) []models.Record {
	t.Helper()
	out := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		env, err := f.codec.Encode([]byte(fmt.Sprintf("entry-%d", i)), identity.Password(password), f.codec.Registry().Current())
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		blob, err := f.codec.Marshal(env)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		out = append(out, models.Record{ID: fmt.Sprintf("r%d", i), Owner: ctxKey, Blob: blob})
	}
	if err := f.store.PutBatch(context.Background(), out); err != nil {
		t.Fatalf("put batch failed: %v", err)
	}
	return out
}

func (f *fixture) decode(t *testing.T, id, password string) (string, error) {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s failed: %v", id, err)
	}
	env, err := f.codec.Parse(rec.Blob)
	if err != nil {
		return "", err
	}
	out, err := f.codec.Decode(env, identity.Password(password))
	return string(out), err
}

func TestSetupUnlockAndHint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if st, _ := f.mgr.State(ctx, ctxKey); st != StateNotConfigured {
		t.Fatalf("expected not configured, got %s", st)
	}
	if _, err := f.mgr.Setup(ctx, ctxKey, "   ", ""); !errors.Is(err, kerrors.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	cfg, err := f.mgr.Setup(ctx, ctxKey, "correct-horse", " first pet ")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if cfg.Version != kdf.VersionArgon || cfg.Hint != "first pet" || len(cfg.Check) == 0 {
		t.Fatalf("unexpected key config %+v", cfg)
	}
	if _, err := f.mgr.Setup(ctx, ctxKey, "other", ""); !errors.Is(err, kerrors.ErrAlreadyConfigured) {
		t.Fatalf("expected ErrAlreadyConfigured, got %v", err)
	}
	if !f.mgr.Unlocked(ctxKey) {
		t.Fatal("setup must seed the cache")
	}
	if st, _ := f.mgr.State(ctx, ctxKey); st != StateConfigured {
		t.Fatalf("expected configured, got %s", st)
	}

	f.mgr.Lock(ctxKey)
	if f.mgr.Unlocked(ctxKey) {
		t.Fatal("lock must clear the cached password")
	}
	if err := f.mgr.Unlock(ctx, ctxKey, "correct-horse"); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if pw, ok := f.mgr.Cache().Get(ctxKey); !ok || pw != "correct-horse" {
		t.Fatal("unlock must cache the password")
	}
	hint, err := f.mgr.Hint(ctx, ctxKey)
	if err != nil || hint != "first pet" {
		t.Fatalf("unexpected hint %q: %v", hint, err)
	}
}

func TestUnlockErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if err := f.mgr.Unlock(ctx, ctxKey, "pw"); !errors.Is(err, kerrors.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := f.mgr.Unlock(ctx, "nonsense", "pw"); !errors.Is(err, kerrors.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat for bad context, got %v", err)
	}
	if err := f.mgr.Unlock(ctx, ctxKey, ""); !errors.Is(err, kerrors.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestUnlockBackoffAfterWrongPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.mgr.Setup(ctx, ctxKey, "good-pass", ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	f.mgr.LockAll()

	if err := f.mgr.Unlock(ctx, ctxKey, "wrong-pass"); !errors.Is(err, kerrors.ErrInvalidKey) {
		t.Fatalf("expected INVALID_KEY, got %v", err)
	}
	if err := f.mgr.Unlock(ctx, ctxKey, "good-pass"); !errors.Is(err, kerrors.ErrPasswordLocked) {
		t.Fatalf("expected ErrPasswordLocked, got %v", err)
	}
	if f.mgr.Unlocked(ctxKey) {
		t.Fatal("failed unlock must not cache anything")
	}

	f.now = f.now.Add(2 * time.Second)
	if err := f.mgr.Unlock(ctx, ctxKey, "good-pass"); err != nil {
		t.Fatalf("expected unlock after backoff, got %v", err)
	}
}

func TestUnlockRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ratelimiter.New(0.001, 2, time.Hour))
	if _, err := f.mgr.Setup(ctx, ctxKey, "good-pass", ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.mgr.Unlock(ctx, ctxKey, "wrong"); !errors.Is(err, kerrors.ErrInvalidKey) {
			t.Fatalf("attempt %d: expected INVALID_KEY, got %v", i, err)
		}
		f.now = f.now.Add(time.Minute)
	}
	if err := f.mgr.Unlock(ctx, ctxKey, "good-pass"); !errors.Is(err, kerrors.ErrPasswordLocked) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestFailedAttemptBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{6, 32 * time.Second},
		{40, 32 * time.Second},
	}
	for _, tc := range cases {
		if got := failedAttemptBackoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: want %s got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestResetMigratesEveryRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.mgr.Setup(ctx, ctxKey, "old-pass", "hint"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	f.seed(t, "old-pass", 5)
	if err := f.store.Put(ctx, models.Record{ID: "pub", Owner: ctxKey, Public: true, Blob: []byte("{}")}); err != nil {
		t.Fatalf("put public failed: %v", err)
	}

	res, err := f.mgr.Reset(ctx, ctxKey, "old-pass", "new-pass")
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if res.Migrated != 5 || !res.Complete() {
		t.Fatalf("unexpected result %+v", res)
	}
	for i := 0; i < 5; i++ {
		got, err := f.decode(t, fmt.Sprintf("r%d", i), "new-pass")
		if err != nil || got != fmt.Sprintf("entry-%d", i) {
			t.Fatalf("record r%d not readable with new password: %q %v", i, got, err)
		}
	}
	if pw, _ := f.mgr.Cache().Get(ctxKey); pw != "new-pass" {
		t.Fatal("cache must hold the new password")
	}
	f.mgr.LockAll()
	if err := f.mgr.Unlock(ctx, ctxKey, "old-pass"); !errors.Is(err, kerrors.ErrInvalidKey) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	f.now = f.now.Add(time.Minute)
	if err := f.mgr.Unlock(ctx, ctxKey, "new-pass"); err != nil {
		t.Fatalf("new password must unlock: %v", err)
	}
	if hint, _ := f.mgr.Hint(ctx, ctxKey); hint != "hint" {
		t.Fatalf("hint must survive reset, got %q", hint)
	}
}

func TestResetIncompleteKeepsOldKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.mgr.Setup(ctx, ctxKey, "old-pass", ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	recs := f.seed(t, "old-pass", 4)

	env, err := f.codec.Parse(recs[2].Blob)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	env.Ciphertext[0] ^= 0x01
	broken, _ := f.codec.Marshal(env)
	recs[2].Blob = broken
	if err := f.store.Put(ctx, recs[2]); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	before, _ := f.store.KeyConfig(ctx, ctxKey)

	res, err := f.mgr.Reset(ctx, ctxKey, "old-pass", "new-pass")
	if !errors.Is(err, kerrors.ErrResetIncomplete) {
		t.Fatalf("expected ErrResetIncomplete, got %v", err)
	}
	if res.Migrated != 3 || len(res.FailedIDs) != 1 || res.FailedIDs[0] != "r2" {
		t.Fatalf("unexpected result %+v", res)
	}

	after, _ := f.store.KeyConfig(ctx, ctxKey)
	if string(after.Check) != string(before.Check) || after.Version != before.Version {
		t.Fatal("key config must not change on incomplete reset")
	}
	if pw, _ := f.mgr.Cache().Get(ctxKey); pw != "old-pass" {
		t.Fatal("cache must keep the old password on incomplete reset")
	}
	for _, id := range []string{"r0", "r1", "r3"} {
		if _, err := f.decode(t, id, "old-pass"); err != nil {
			t.Fatalf("record %s must stay on the old password: %v", id, err)
		}
	}
	if st, _ := f.mgr.State(ctx, ctxKey); st != StateConfigured {
		t.Fatalf("expected configured after reset attempt, got %s", st)
	}
}

func TestResetRejectsWrongOldPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.mgr.Setup(ctx, ctxKey, "old-pass", ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	f.seed(t, "old-pass", 2)
	if _, err := f.mgr.Reset(ctx, ctxKey, "guess", "new-pass"); !errors.Is(err, kerrors.ErrInvalidKey) {
		t.Fatalf("expected INVALID_KEY, got %v", err)
	}
	if _, err := f.decode(t, "r0", "old-pass"); err != nil {
		t.Fatalf("records must be untouched: %v", err)
	}
	if _, err := f.mgr.Reset(ctx, ctxKey, "", "new"); !errors.Is(err, kerrors.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestRewriteExcludesWrites(t *testing.T) {
	f := newFixture(t, nil)

	held, err := f.mgr.BeginWrite(ctxKey)
	if err != nil {
		t.Fatalf("write refused on idle context: %v", err)
	}
	started := make(chan func())
	go func() { started <- f.mgr.BeginRewrite(ctxKey, "anonymous:anon_a") }()
	select {
	case <-started:
		t.Fatal("rewrite must wait for the in-flight write")
	case <-time.After(50 * time.Millisecond):
	}
	held()
	release := <-started

	if _, err := f.mgr.BeginWrite(ctxKey); !errors.Is(err, kerrors.ErrRewriteInProgress) {
		t.Fatalf("expected ErrRewriteInProgress, got %v", err)
	}
	if _, err := f.mgr.BeginWrite("anonymous:anon_a"); !errors.Is(err, kerrors.ErrRewriteInProgress) {
		t.Fatalf("expected second context to be held too, got %v", err)
	}
	other, err := f.mgr.BeginWrite("wallet:0xabc")
	if err != nil {
		t.Fatalf("unrelated context must stay writable: %v", err)
	}
	other()

	release()
	again, err := f.mgr.BeginWrite(ctxKey)
	if err != nil {
		t.Fatalf("write refused after rewrite: %v", err)
	}
	again()
}
