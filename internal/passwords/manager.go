// Package passwords manages per-identity journal passwords: setup, unlock
// into the process cache, and reset with re-encryption of every record the
// old password protects.
package passwords

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/migration"
	"private-journal/go-backend/internal/platform/ratelimiter"
	"private-journal/go-backend/internal/securestore"
	"private-journal/go-backend/pkg/models"
)

// canary is sealed into KeyConfig.Check; opening it proves the password.
const canary = "private-journal/password-check/v1"

type State int

const (
	StateNotConfigured State = iota
	StateConfigured
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateResetting:
		return "resetting"
	default:
		return "not_configured"
	}
}

type Observer interface {
	ObserveUnlock(err error)
}

type Options struct {
	// Limiter throttles verification attempts per context. Nil disables it.
	Limiter  *ratelimiter.MapLimiter
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type attemptState struct {
	failed      int
	lockedUntil time.Time
}

type Manager struct {
	codec  *securestore.Codec
	engine *migration.Engine
	store  Store
	cache  Cache
	opts   Options

	mu        sync.Mutex
	attempts  map[string]*attemptState
	resetting map[string]bool
	// gates serialize bulk rewrites of a context against single writes.
	gates map[string]*sync.RWMutex
}

func NewManager(codec *securestore.Codec, engine *migration.Engine, store Store, cache Cache, opts Options) *Manager {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		codec:     codec,
		engine:    engine,
		store:     store,
		cache:     cache,
		opts:      opts,
		attempts:  make(map[string]*attemptState),
		resetting: make(map[string]bool),
		gates:     make(map[string]*sync.RWMutex),
	}
}

// Cache exposes the password cache, e.g. as a resolver.PasswordLookup.
func (m *Manager) Cache() Cache { return m.cache }

// Setup creates the KeyConfig for identityContext and unlocks it. Password
// policy is enforced by the caller; only blank passwords are rejected here.
func (m *Manager) Setup(ctx context.Context, identityContext, password, hint string) (models.KeyConfig, error) {
	key, err := contextKey(identityContext)
	if err != nil {
		return models.KeyConfig{}, err
	}
	if strings.TrimSpace(password) == "" {
		return models.KeyConfig{}, kerrors.New(kerrors.ErrPasswordRequired, "setup", nil)
	}
	if _, err := m.store.KeyConfig(ctx, key); err == nil {
		return models.KeyConfig{}, kerrors.New(kerrors.ErrAlreadyConfigured, "setup", nil)
	} else if !errors.Is(err, kerrors.ErrNotConfigured) {
		return models.KeyConfig{}, err
	}

	check, err := m.sealCanary(password)
	if err != nil {
		return models.KeyConfig{}, err
	}
	now := m.opts.Now().UTC()
	cfg := models.KeyConfig{
		Context:   key,
		Version:   m.codec.Registry().Current(),
		Hint:      strings.TrimSpace(hint),
		Check:     check,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutKeyConfig(ctx, cfg); err != nil {
		return models.KeyConfig{}, err
	}
	m.cache.Set(key, password)
	m.opts.Logger.Info("password configured", "context", key, "version", cfg.Version, "hint_set", cfg.Hint != "")
	return cfg, nil
}

// Unlock verifies password and caches it for identityContext.
func (m *Manager) Unlock(ctx context.Context, identityContext, password string) error {
	err := m.unlock(ctx, identityContext, password)
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveUnlock(err)
	}
	return err
}

func (m *Manager) unlock(ctx context.Context, identityContext, password string) error {
	key, err := contextKey(identityContext)
	if err != nil {
		return err
	}
	if strings.TrimSpace(password) == "" {
		return kerrors.New(kerrors.ErrPasswordRequired, "unlock", nil)
	}
	cfg, err := m.store.KeyConfig(ctx, key)
	if err != nil {
		return err
	}
	if err := m.verify(key, cfg, password, "unlock"); err != nil {
		return err
	}
	m.cache.Set(key, password)
	m.opts.Logger.Debug("password unlocked", "context", key)
	return nil
}

// Lock drops the cached password of identityContext.
func (m *Manager) Lock(identityContext string) {
	key, err := contextKey(identityContext)
	if err != nil {
		return
	}
	m.cache.Clear(key)
}

// LockAll drops every cached password, e.g. on logout.
func (m *Manager) LockAll() {
	m.cache.ClearAll()
	m.opts.Logger.Info("password cache cleared")
}

// Unlocked reports whether identityContext has a cached password.
func (m *Manager) Unlocked(identityContext string) bool {
	key, err := contextKey(identityContext)
	if err != nil {
		return false
	}
	_, ok := m.cache.Get(key)
	return ok
}

// Hint returns the non-secret reminder stored at setup.
func (m *Manager) Hint(ctx context.Context, identityContext string) (string, error) {
	key, err := contextKey(identityContext)
	if err != nil {
		return "", err
	}
	cfg, err := m.store.KeyConfig(ctx, key)
	if err != nil {
		return "", err
	}
	return cfg.Hint, nil
}

func (m *Manager) State(ctx context.Context, identityContext string) (State, error) {
	key, err := contextKey(identityContext)
	if err != nil {
		return StateNotConfigured, err
	}
	m.mu.Lock()
	resetting := m.resetting[key]
	m.mu.Unlock()
	if resetting {
		return StateResetting, nil
	}
	if _, err := m.store.KeyConfig(ctx, key); err != nil {
		if errors.Is(err, kerrors.ErrNotConfigured) {
			return StateNotConfigured, nil
		}
		return StateNotConfigured, err
	}
	return StateConfigured, nil
}

// Reset re-encrypts every private record of identityContext from oldPassword
// to newPassword. The new KeyConfig, the records and the cache are switched
// only when all records migrated; otherwise the returned result lists the
// failures, the error matches ErrResetIncomplete, and the old password stays
// valid for everything. Writes to the context are refused until it returns.
func (m *Manager) Reset(ctx context.Context, identityContext, oldPassword, newPassword string) (migration.Result, error) {
	key, err := contextKey(identityContext)
	if err != nil {
		return migration.Result{}, err
	}
	if strings.TrimSpace(oldPassword) == "" || strings.TrimSpace(newPassword) == "" {
		return migration.Result{}, kerrors.New(kerrors.ErrPasswordRequired, "reset", nil)
	}

	release := m.BeginRewrite(key)
	defer release()

	cfg, err := m.store.KeyConfig(ctx, key)
	if err != nil {
		return migration.Result{}, err
	}
	if err := m.verify(key, cfg, oldPassword, "reset"); err != nil {
		return migration.Result{}, err
	}

	m.setResetting(key, true)
	defer m.setResetting(key, false)

	all, err := m.store.List(ctx, key)
	if err != nil {
		return migration.Result{}, err
	}
	private := make([]models.Record, 0, len(all))
	for _, rec := range all {
		if !rec.Public {
			private = append(private, rec)
		}
	}
	version := m.codec.Registry().Current()
	res := m.engine.Migrate(ctx, private,
		migration.KeySpec{Principal: identity.Password(oldPassword)},
		migration.KeySpec{Principal: identity.Password(newPassword), Version: version},
	)
	if !res.Complete() {
		m.opts.Logger.Warn("password reset incomplete; keeping previous key",
			"context", key,
			"run_id", res.RunID,
			"migrated", res.Migrated,
			"failed", len(res.FailedIDs),
			"skipped", len(res.Skipped),
		)
		return res, kerrors.Newf(kerrors.ErrResetIncomplete, "reset", "%d of %d records migrated", res.Migrated, res.Total)
	}

	check, err := m.sealCanary(newPassword)
	if err != nil {
		return res, err
	}
	next := cfg
	next.Version = version
	next.Check = check
	next.UpdatedAt = m.opts.Now().UTC()
	if err := m.store.CommitReset(ctx, next, res.Updated); err != nil {
		return res, err
	}
	m.cache.Set(key, newPassword)
	m.opts.Logger.Info("password reset", "context", key, "run_id", res.RunID, "records", res.Migrated, "version", version)
	return res, nil
}

// BeginWrite admits a single-record write for identityContext. It fails with
// ErrRewriteInProgress while the records of that context are being
// re-encrypted; otherwise the caller must run the returned release func.
func (m *Manager) BeginWrite(identityContext string) (func(), error) {
	g := m.gate(gateKey(identityContext))
	if !g.TryRLock() {
		return nil, kerrors.New(kerrors.ErrRewriteInProgress, "write", nil)
	}
	return g.RUnlock, nil
}

// BeginRewrite waits for in-flight writes on every given context and holds
// new ones off until the returned func runs. Gates are taken in sorted order.
func (m *Manager) BeginRewrite(identityContexts ...string) func() {
	keys := make([]string, 0, len(identityContexts))
	for _, raw := range identityContexts {
		if key := gateKey(raw); !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	held := make([]*sync.RWMutex, 0, len(keys))
	for _, key := range keys {
		g := m.gate(key)
		g.Lock()
		held = append(held, g)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (m *Manager) gate(key string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[key]
	if !ok {
		g = &sync.RWMutex{}
		m.gates[key] = g
	}
	return g
}

// gateKey normalizes raw when it parses as a context; record owners written
// by other tools are used as-is.
func gateKey(raw string) string {
	if key, err := contextKey(raw); err == nil {
		return key
	}
	return strings.TrimSpace(raw)
}

func (m *Manager) setResetting(key string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.resetting[key] = true
		return
	}
	delete(m.resetting, key)
}

func (m *Manager) sealCanary(password string) ([]byte, error) {
	env, err := m.codec.Encode([]byte(canary), identity.Password(password), m.codec.Registry().Current())
	if err != nil {
		return nil, err
	}
	return m.codec.Marshal(env)
}

// verify opens the canary under password. Wrong passwords back off
// exponentially per context on top of the rate limiter.
func (m *Manager) verify(key string, cfg models.KeyConfig, password, op string) error {
	if err := m.admit(key); err != nil {
		return err
	}
	env, err := m.codec.Parse(cfg.Check)
	if err != nil {
		return err
	}
	plaintext, err := m.codec.Decode(env, identity.Password(password))
	if err != nil {
		if errors.Is(err, kerrors.ErrInvalidKey) {
			m.onFailedAttempt(key)
			return kerrors.New(kerrors.ErrInvalidKey, op, nil)
		}
		return err
	}
	defer identity.WipeBytes(plaintext)
	if subtle.ConstantTimeCompare(plaintext, []byte(canary)) != 1 {
		return kerrors.Newf(kerrors.ErrDataCorrupted, op, "password check does not match")
	}
	m.resetAttemptState(key)
	return nil
}

func (m *Manager) admit(key string) error {
	now := m.opts.Now()
	m.mu.Lock()
	st := m.attempts[key]
	if st != nil && now.Before(st.lockedUntil) {
		wait := st.lockedUntil.Sub(now)
		m.mu.Unlock()
		return kerrors.Newf(kerrors.ErrPasswordLocked, "verify", "retry in %s", wait.Round(time.Second))
	}
	m.mu.Unlock()
	if !m.opts.Limiter.Allow(key, now) {
		wait := m.opts.Limiter.RetryAfter(key, now)
		return kerrors.Newf(kerrors.ErrPasswordLocked, "verify", "too many attempts, retry in %s", wait.Round(time.Second))
	}
	return nil
}

func (m *Manager) onFailedAttempt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.attempts[key]
	if st == nil {
		st = &attemptState{}
		m.attempts[key] = st
	}
	st.failed++
	st.lockedUntil = m.opts.Now().Add(failedAttemptBackoff(st.failed))
	m.opts.Logger.Warn("password verification failed", "context", key, "failed_attempts", st.failed)
}

func (m *Manager) resetAttemptState(key string) {
	m.mu.Lock()
	delete(m.attempts, key)
	m.mu.Unlock()
	m.opts.Limiter.Reset(key)
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := min(attempt-1, 5)
	return time.Second * time.Duration(1<<shift)
}

func contextKey(raw string) (string, error) {
	c, err := identity.ParseContext(raw)
	if err != nil {
		return "", kerrors.New(kerrors.ErrInvalidFormat, "context", err)
	}
	return c.String(), nil
}
