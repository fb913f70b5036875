package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/kdf"
	"private-journal/go-backend/internal/resolver"
	"private-journal/go-backend/internal/securestore"
	"private-journal/go-backend/pkg/models"
)

func testEngine(t *testing.T, workers int) (*Engine, *securestore.Codec) {
	t.Helper()
	r, err := kdf.NewRegistry(kdf.VersionArgon,
		kdf.Profile{Version: kdf.VersionLegacy, Algorithm: kdf.PBKDF2, Params: kdf.LegacyParams()},
		kdf.Profile{Version: kdf.VersionPBKDF2, Algorithm: kdf.PBKDF2, Params: kdf.Params{Iterations: 1000, Hash: "sha256"}},
		kdf.Profile{Version: kdf.VersionArgon, Algorithm: kdf.Argon2id, Params: kdf.Params{Time: 1, MemoryKiB: 64, Parallelism: 1}},
	)
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	codec := securestore.NewCodec(r, nil)
	return NewEngine(codec, resolver.New(codec, nil, nil, nil), workers, nil, nil), codec
}

func makeRecords(t *testing.T, codec *securestore.Codec, p identity.Principal, version, n int) []models.Record {
	t.Helper()
	out := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		env, err := codec.Encode([]byte(fmt.Sprintf("entry-%d", i)), p, version)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		blob, err := codec.Marshal(env)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		out = append(out, models.Record{ID: fmt.Sprintf("rec-%02d", i), Owner: "platform:u1", Blob: blob})
	}
	return out
}

func corrupt(t *testing.T, codec *securestore.Codec, rec *models.Record) {
	t.Helper()
	env, err := codec.Parse(rec.Blob)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	env.Ciphertext[len(env.Ciphertext)-1] ^= 0x80
	blob, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	rec.Blob = blob
}

func decodeAs(codec *securestore.Codec, blob []byte, p identity.Principal) (string, error) {
	env, err := codec.Parse(blob)
	if err != nil {
		return "", err
	}
	out, err := codec.Decode(env, p)
	return string(out), err
}

func TestMigrateReportsPartialFailures(t *testing.T) {
	engine, codec := testEngine(t, 4)
	oldP, newP := identity.Password("old-pass"), identity.Password("new-pass")
	records := makeRecords(t, codec, oldP, kdf.VersionArgon, 10)
	corrupted := map[string]bool{}
	for _, i := range []int{2, 5, 9} {
		corrupt(t, codec, &records[i])
		corrupted[records[i].ID] = true
	}
	original := make(map[string][]byte, len(records))
	for _, rec := range records {
		original[rec.ID] = append([]byte(nil), rec.Blob...)
	}

	res := engine.Migrate(context.Background(), records,
		KeySpec{Principal: oldP}, KeySpec{Principal: newP, Version: kdf.VersionArgon})

	if res.Total != 10 || res.Migrated != 7 || len(res.FailedIDs) != 3 {
		t.Fatalf("unexpected counts: total=%d migrated=%d failed=%v", res.Total, res.Migrated, res.FailedIDs)
	}
	if res.Complete() || res.Canceled || len(res.Skipped) != 0 {
		t.Fatalf("unexpected run state: %+v", res)
	}
	if res.RunID == "" {
		t.Fatal("run id must be set")
	}
	for _, id := range res.FailedIDs {
		if !corrupted[id] {
			t.Fatalf("record %s must not fail", id)
		}
		if !errors.Is(res.Errors[id], kerrors.ErrDataCorrupted) {
			t.Fatalf("record %s: expected DATA_CORRUPTED, got %v", id, res.Errors[id])
		}
	}
	for _, rec := range res.Updated {
		if _, err := decodeAs(codec, rec.Blob, newP); err != nil {
			t.Fatalf("migrated record %s must decode under the new key: %v", rec.ID, err)
		}
		if _, err := decodeAs(codec, rec.Blob, oldP); !errors.Is(err, kerrors.ErrInvalidKey) {
			t.Fatalf("migrated record %s must not decode under the old key: %v", rec.ID, err)
		}
	}
	for _, rec := range records {
		if string(rec.Blob) != string(original[rec.ID]) {
			t.Fatalf("input record %s was modified", rec.ID)
		}
		if corrupted[rec.ID] {
			continue
		}
		if _, err := decodeAs(codec, rec.Blob, oldP); err != nil {
			t.Fatalf("original record %s must still decode under the old key: %v", rec.ID, err)
		}
	}
}

func TestMigratePreservesInputOrder(t *testing.T) {
	engine, codec := testEngine(t, 8)
	p := identity.Platform("u1")
	records := makeRecords(t, codec, p, kdf.VersionPBKDF2, 16)
	res := engine.Migrate(context.Background(), records, KeySpec{Principal: p}, KeySpec{Principal: p, Version: kdf.VersionArgon})
	if len(res.Updated) != len(records) {
		t.Fatalf("expected %d updated, got %d", len(records), len(res.Updated))
	}
	for i, rec := range res.Updated {
		if rec.ID != records[i].ID {
			t.Fatalf("position %d: want %s got %s", i, records[i].ID, rec.ID)
		}
		got, err := decodeAs(codec, rec.Blob, p)
		if err != nil || got != fmt.Sprintf("entry-%d", i) {
			t.Fatalf("record %s decoded to %q: %v", rec.ID, got, err)
		}
		env, _ := codec.Parse(rec.Blob)
		if env.Version != kdf.VersionArgon || env.KDF != kdf.Argon2id {
			t.Fatalf("record %s not upgraded: v%d %s", rec.ID, env.Version, env.KDF)
		}
	}
}

func TestMigrateCanceledBeforeStartSkipsEverything(t *testing.T) {
	engine, codec := testEngine(t, 2)
	p := identity.Anonymous("anon_x")
	records := makeRecords(t, codec, p, kdf.VersionArgon, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := engine.Migrate(ctx, records, KeySpec{Principal: p}, KeySpec{Principal: identity.Platform("u1"), Version: kdf.VersionArgon})
	if !res.Canceled || res.Migrated != 0 || len(res.Skipped) != 5 || len(res.FailedIDs) != 0 {
		t.Fatalf("unexpected canceled result: %+v", res)
	}
}

// cancelAfter cancels the run once n records have been opened.
type cancelAfter struct {
	mu     sync.Mutex
	n      int
	opened int
	cancel context.CancelFunc
}

func (c *cancelAfter) ObserveAttempt(candidate string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		return
	}
	c.opened++
	if c.opened == c.n {
		c.cancel()
	}
}

func (c *cancelAfter) ObserveResolve(error) {}

func TestMigrateCanceledMidRunSplitsOldAndNewKeys(t *testing.T) {
	_, codec := testEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &cancelAfter{n: 3, cancel: cancel}
	engine := NewEngine(codec, resolver.New(codec, nil, obs, nil), 1, nil, nil)

	oldP, newP := identity.Password("old-pass"), identity.Password("new-pass")
	records := makeRecords(t, codec, oldP, kdf.VersionArgon, 8)
	byID := make(map[string]models.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	res := engine.Migrate(ctx, records, KeySpec{Principal: oldP}, KeySpec{Principal: newP, Version: kdf.VersionArgon})
	if !res.Canceled {
		t.Fatalf("expected canceled run: %+v", res)
	}
	if res.Migrated != 3 || len(res.Updated) != 3 {
		t.Fatalf("expected 3 records before cancel, got %+v", res)
	}
	if res.Migrated+len(res.Skipped)+len(res.FailedIDs) != res.Total {
		t.Fatalf("records unaccounted for: %+v", res)
	}
	for _, rec := range res.Updated {
		if _, err := decodeAs(codec, rec.Blob, newP); err != nil {
			t.Fatalf("migrated record %s must open with the new key: %v", rec.ID, err)
		}
	}
	for _, id := range res.Skipped {
		if _, err := decodeAs(codec, byID[id].Blob, oldP); err != nil {
			t.Fatalf("skipped record %s must still open with the old key: %v", id, err)
		}
	}
}

func TestMigrateMissingTargetKeyFailsEveryRecord(t *testing.T) {
	engine, codec := testEngine(t, 1)
	p := identity.Wallet("0xabc")
	records := makeRecords(t, codec, p, kdf.VersionArgon, 3)
	res := engine.Migrate(context.Background(), records, KeySpec{Principal: p}, KeySpec{Version: kdf.VersionArgon})
	if res.Migrated != 0 || len(res.FailedIDs) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, err := range res.Errors {
		if !errors.Is(err, kerrors.ErrKeyUnavailable) {
			t.Fatalf("expected KEY_UNAVAILABLE, got %v", err)
		}
	}
}

func TestMigrateEmptyBatch(t *testing.T) {
	engine, _ := testEngine(t, 4)
	res := engine.Migrate(context.Background(), nil, KeySpec{}, KeySpec{})
	if !res.Complete() || res.Total != 0 || res.Canceled {
		t.Fatalf("unexpected result for empty batch: %+v", res)
	}
}

type fakeStore struct {
	mu      sync.Mutex
	records []models.Record
	puts    [][]models.Record
	putErr  error
}

func (s *fakeStore) List(_ context.Context, owner string) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Record
	for _, rec := range s.records {
		if rec.Owner == owner {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) PutBatch(_ context.Context, records []models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, records)
	return nil
}

func TestMigrateStorePersistsSuccessesOnly(t *testing.T) {
	engine, codec := testEngine(t, 2)
	anon, platform := identity.Anonymous("anon_x"), identity.Platform("u1")
	records := makeRecords(t, codec, anon, kdf.VersionArgon, 4)
	corrupt(t, codec, &records[1])
	records[3].Public = true

	store := &fakeStore{records: records}
	res, err := engine.MigrateStore(context.Background(), store, "platform:u1",
		KeySpec{Principal: anon}, KeySpec{Principal: platform, Version: kdf.VersionArgon})
	if err != nil {
		t.Fatalf("migrate store failed: %v", err)
	}
	if res.Total != 3 || res.Migrated != 2 {
		t.Fatalf("public records must be excluded: %+v", res)
	}
	if len(store.puts) != 1 || len(store.puts[0]) != 2 {
		t.Fatalf("expected one batch of two records, got %v", store.puts)
	}
	for _, rec := range store.puts[0] {
		if rec.ID == records[1].ID {
			t.Fatal("failed record must not be persisted")
		}
	}

	store.putErr = errors.New("disk full")
	if _, err := engine.MigrateStore(context.Background(), store, "platform:u1",
		KeySpec{Principal: anon}, KeySpec{Principal: platform, Version: kdf.VersionArgon}); err == nil {
		t.Fatal("expected store error to surface")
	}
}
