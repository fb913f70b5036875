// Package journal is the entry point the storage and UI layers call: it picks
// keys for a session, seals and opens entries, and drives identity adoption,
// password changes and KDF upgrades.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/kdf"
	"private-journal/go-backend/internal/metrics"
	"private-journal/go-backend/internal/migration"
	"private-journal/go-backend/internal/passwords"
	"private-journal/go-backend/internal/platform/ratelimiter"
	"private-journal/go-backend/internal/resolver"
	"private-journal/go-backend/internal/securestore"
	"private-journal/go-backend/internal/storage"
	"private-journal/go-backend/pkg/models"

	"github.com/google/uuid"
)

// Store is the persistence the service needs.
type Store interface {
	storage.RecordStore
	passwords.Store
}

type Deps struct {
	Registry *kdf.Registry
	Store    Store
	// Cache defaults to a fresh passwords.MemoryCache.
	Cache   passwords.Cache
	Limiter *ratelimiter.MapLimiter
	Metrics *metrics.Collector
	Workers int
	Logger  *slog.Logger
}

type Service struct {
	codec     *securestore.Codec
	resolver  *resolver.Resolver
	engine    *migration.Engine
	passwords *passwords.Manager
	store     Store
	logger    *slog.Logger
	now       func() time.Time
}

func New(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("journal: store is required")
	}
	registry := deps.Registry
	if registry == nil {
		registry = kdf.DefaultRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := deps.Cache
	if cache == nil {
		cache = passwords.NewMemoryCache()
	}

	var (
		derivObs identity.Observer
		resObs   resolver.Observer
		migObs   migration.Observer
		pwObs    passwords.Observer
	)
	if deps.Metrics != nil {
		derivObs, resObs, migObs, pwObs = deps.Metrics, deps.Metrics, deps.Metrics, deps.Metrics
	}

	codec := securestore.NewCodec(registry, identity.NewDeriver(derivObs))
	res := resolver.New(codec, cache, resObs, logger)
	engine := migration.NewEngine(codec, res, deps.Workers, migObs, logger)
	mgr := passwords.NewManager(codec, engine, deps.Store, cache, passwords.Options{
		Limiter:  deps.Limiter,
		Observer: pwObs,
		Logger:   logger,
	})
	return &Service{
		codec:     codec,
		resolver:  res,
		engine:    engine,
		passwords: mgr,
		store:     deps.Store,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *Service) Codec() *securestore.Codec     { return s.codec }
func (s *Service) Passwords() *passwords.Manager { return s.passwords }

// Owner is the identity context records of session are filed under.
func Owner(session models.Session) string {
	return identity.PrimaryContext(session).String()
}

// sealingKey returns the key new private records of session are sealed with:
// the unlocked password of the primary context, or its identity key when no
// password is configured. A configured but locked password is
// KEY_UNAVAILABLE; records are never sealed with a weaker key.
func (s *Service) sealingKey(ctx context.Context, session models.Session, op string) (identity.Principal, error) {
	primary := identity.PrimaryContext(session)
	if !session.HasIdentity() || primary.IsZero() {
		return identity.Principal{}, kerrors.New(kerrors.ErrKeyUnavailable, op, nil)
	}
	if pw, ok := s.passwords.Cache().Get(primary.String()); ok {
		if p := identity.Password(pw); !p.IsZero() {
			return p, nil
		}
	}
	_, err := s.store.KeyConfig(ctx, primary.String())
	switch {
	case err == nil:
		return identity.Principal{}, kerrors.Newf(kerrors.ErrKeyUnavailable, op, "password is locked")
	case errors.Is(err, kerrors.ErrNotConfigured):
		return primary.Principal(), nil
	default:
		return identity.Principal{}, err
	}
}

// Encrypt seals plaintext for session at the current version. Public
// entries use the public seal key and are readable by anyone.
func (s *Service) Encrypt(ctx context.Context, session models.Session, plaintext []byte, public bool) ([]byte, error) {
	p := identity.PublicSeal()
	if !public {
		var err error
		if p, err = s.sealingKey(ctx, session, "encrypt"); err != nil {
			return nil, err
		}
	}
	env, err := s.codec.Encode(plaintext, p, s.codec.Registry().Current())
	if err != nil {
		return nil, err
	}
	return s.codec.Marshal(env)
}

// Decrypt opens blob with every key session can produce.
func (s *Service) Decrypt(session models.Session, blob []byte, public bool) ([]byte, error) {
	return s.resolver.ResolveBlob(blob, session, public)
}

// SaveEntry seals plaintext and stores it under the session owner. An empty
// id creates a new entry. It fails with ErrRewriteInProgress while the
// owner's entries are being re-encrypted.
func (s *Service) SaveEntry(ctx context.Context, session models.Session, id string, plaintext []byte, public bool) (models.Record, error) {
	owner := Owner(session)
	if !session.HasIdentity() || owner == "" {
		return models.Record{}, kerrors.New(kerrors.ErrKeyUnavailable, "save", nil)
	}
	release, err := s.passwords.BeginWrite(owner)
	if err != nil {
		return models.Record{}, err
	}
	defer release()
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	blob, err := s.Encrypt(ctx, session, plaintext, public)
	if err != nil {
		return models.Record{}, err
	}
	rec := models.Record{ID: id, Owner: owner, Public: public, Blob: blob, UpdatedAt: s.now().UTC()}
	if err := s.store.Put(ctx, rec); err != nil {
		return models.Record{}, err
	}
	s.logger.Debug("entry saved", "record_id", id, "owner", owner, "public", public)
	return rec, nil
}

// LoadEntry fetches and decrypts one entry.
func (s *Service) LoadEntry(ctx context.Context, session models.Session, id string) ([]byte, models.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, models.Record{}, err
	}
	plaintext, err := s.Decrypt(session, rec.Blob, rec.Public)
	if err != nil {
		s.logger.Warn("entry unreadable", "record_id", id, "owner", rec.Owner, "error", err.Error())
		return nil, rec, err
	}
	return plaintext, rec, nil
}

func (s *Service) ListEntries(ctx context.Context, session models.Session) ([]models.Record, error) {
	owner := Owner(session)
	if !session.HasIdentity() || owner == "" {
		return nil, kerrors.New(kerrors.ErrKeyUnavailable, "list", nil)
	}
	return s.store.List(ctx, owner)
}

// DeleteEntry removes an entry. Like SaveEntry it is refused while the
// owner's entries are being re-encrypted.
func (s *Service) DeleteEntry(ctx context.Context, id string) (bool, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	release, err := s.passwords.BeginWrite(rec.Owner)
	if err != nil {
		return false, err
	}
	defer release()
	return s.store.Delete(ctx, id)
}

// AdoptIdentity moves the entries of from (typically an anonymous device
// session) to to (the logged-in session): private entries are re-sealed with
// the key of to, public ones only change owner. Successes are committed even
// when some entries fail; failed entries stay with from on the old key.
func (s *Service) AdoptIdentity(ctx context.Context, from, to models.Session) (migration.Result, error) {
	fromOwner, toOwner := Owner(from), Owner(to)
	if fromOwner == "" || toOwner == "" {
		return migration.Result{}, kerrors.New(kerrors.ErrKeyUnavailable, "adopt", nil)
	}
	if fromOwner == toOwner {
		return migration.Result{}, nil
	}
	fromKey, err := s.sealingKey(ctx, from, "adopt")
	if err != nil {
		return migration.Result{}, err
	}
	toKey, err := s.sealingKey(ctx, to, "adopt")
	if err != nil {
		return migration.Result{}, err
	}
	release := s.passwords.BeginRewrite(fromOwner, toOwner)
	defer release()

	all, err := s.store.List(ctx, fromOwner)
	if err != nil {
		return migration.Result{}, err
	}
	var private, public []models.Record
	for _, rec := range all {
		if rec.Public {
			rec.Owner = toOwner
			public = append(public, rec)
			continue
		}
		private = append(private, rec)
	}

	res := s.engine.Migrate(ctx, private,
		migration.KeySpec{Principal: fromKey},
		migration.KeySpec{Principal: toKey, Version: s.codec.Registry().Current()},
	)
	updated := make([]models.Record, 0, len(res.Updated)+len(public))
	for _, rec := range res.Updated {
		rec.Owner = toOwner
		updated = append(updated, rec)
	}
	if !res.Canceled {
		updated = append(updated, public...)
	}
	if len(updated) > 0 {
		if err := s.store.PutBatch(ctx, updated); err != nil {
			return res, fmt.Errorf("persist adopted entries: %w", err)
		}
	}
	s.logger.Info("identity adopted", "from_context", fromOwner, "to_context", toOwner,
		"run_id", res.RunID, "migrated", res.Migrated, "failed", len(res.FailedIDs))
	return res, nil
}

// UpgradeVersion re-seals the private entries of session at the current
// version with the same key.
func (s *Service) UpgradeVersion(ctx context.Context, session models.Session) (migration.Result, error) {
	owner := Owner(session)
	p, err := s.sealingKey(ctx, session, "upgrade")
	if err != nil {
		return migration.Result{}, err
	}
	release := s.passwords.BeginRewrite(owner)
	defer release()
	return s.engine.MigrateStore(ctx, s.store, owner,
		migration.KeySpec{Principal: p},
		migration.KeySpec{Principal: p, Version: s.codec.Registry().Current()},
	)
}

// SetupPassword configures a password for the primary context of session
// and moves its existing private entries from the identity key to it.
func (s *Service) SetupPassword(ctx context.Context, session models.Session, password, hint string) (models.KeyConfig, migration.Result, error) {
	primary := identity.PrimaryContext(session)
	if primary.IsZero() {
		return models.KeyConfig{}, migration.Result{}, kerrors.New(kerrors.ErrKeyUnavailable, "setup", nil)
	}
	release := s.passwords.BeginRewrite(primary.String())
	defer release()
	cfg, err := s.passwords.Setup(ctx, primary.String(), password, hint)
	if err != nil {
		return models.KeyConfig{}, migration.Result{}, err
	}
	res, err := s.engine.MigrateStore(ctx, s.store, primary.String(),
		migration.KeySpec{Principal: primary.Principal()},
		migration.KeySpec{Principal: identity.Password(password), Version: s.codec.Registry().Current()},
	)
	return cfg, res, err
}

func (s *Service) UnlockPassword(ctx context.Context, session models.Session, password string) error {
	return s.passwords.Unlock(ctx, Owner(session), password)
}

func (s *Service) ResetPassword(ctx context.Context, session models.Session, oldPassword, newPassword string) (migration.Result, error) {
	return s.passwords.Reset(ctx, Owner(session), oldPassword, newPassword)
}

func (s *Service) PasswordHint(ctx context.Context, session models.Session) (string, error) {
	return s.passwords.Hint(ctx, Owner(session))
}

// Lock forgets the password of the primary context of session.
func (s *Service) Lock(session models.Session) {
	s.passwords.Lock(Owner(session))
}

// Logout forgets every cached password.
func (s *Service) Logout() {
	s.passwords.LockAll()
}
