package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"private-journal/go-backend/internal/config"
	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/journal"
	"private-journal/go-backend/internal/metrics"
	"private-journal/go-backend/internal/platform/privacylog"
	"private-journal/go-backend/internal/platform/ratelimiter"
	"private-journal/go-backend/internal/storage"
	"private-journal/go-backend/pkg/models"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
)

// app is the per-invocation runtime: config, logger, store and service.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	svc      *journal.Service
	registry *prometheus.Registry
	closers  []func() error
}

func openApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := privacylog.NewLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	promReg := prometheus.NewRegistry()
	collector, err := metrics.New(promReg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: promReg}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := journal.New(journal.Deps{
		Registry: registry,
		Store:    store,
		Limiter:  ratelimiter.New(cfg.Unlock.RatePerSecond, cfg.Unlock.Burst, cfg.Unlock.IdleTTL),
		Metrics:  collector,
		Workers:  cfg.Migration.Workers,
		Logger:   logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.svc = svc
	logger.Debug("journal opened", "driver", cfg.Storage.Driver, "version", registry.Current())
	return a, nil
}

func (a *app) openStore(ctx context.Context) (journal.Store, error) {
	path := a.cfg.Storage.Path
	if a.cfg.Storage.Driver != "memory" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	switch a.cfg.Storage.Driver {
	case "sqlite":
		s, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "file":
		return storage.NewFileStore(path)
	default:
		return storage.NewMemoryStore(), nil
	}
}

func (a *app) Close() error {
	var errs []error
	for _, fn := range a.closers {
		errs = append(errs, fn())
	}
	if a.svc != nil {
		a.svc.Logout()
	}
	return errors.Join(errs...)
}

// session builds the identity snapshot from the global flags.
func session() models.Session {
	return models.Session{
		WalletAddress:  strings.TrimSpace(walletAddress),
		PlatformUserID: strings.TrimSpace(platformUserID),
		AnonymousID:    strings.TrimSpace(anonymousID),
	}
}

func password() string {
	if passwordFlag != "" {
		return passwordFlag
	}
	return os.Getenv("JOURNAL_PASSWORD")
}

// unlock caches the password for the session when one was given and a
// password is configured for its primary context.
func (a *app) unlock(ctx context.Context, s models.Session) error {
	pw := password()
	if pw == "" {
		return nil
	}
	err := a.svc.UnlockPassword(ctx, s, pw)
	if errors.Is(err, kerrors.ErrNotConfigured) {
		return nil
	}
	return err
}

// withApp runs fn against a freshly opened app and prints metrics when asked.
func withApp(ctx context.Context, out io.Writer, fn func(*app) error) error {
	a, err := openApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := fn(a); err != nil {
		return err
	}
	if printMetrics {
		return a.dumpMetrics(out)
	}
	return nil
}

func (a *app) dumpMetrics(out io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			value := m.GetCounter().GetValue()
			if h := m.GetHistogram(); h != nil {
				value = float64(h.GetSampleCount())
			}
			fmt.Fprintf(out, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
	return nil
}

func guidance(err error) string {
	switch {
	case kerrors.KindOf(err) != nil:
		return kerrors.UserGuidance(err)
	case errors.Is(err, kerrors.ErrPasswordLocked):
		return "Too many wrong passwords. Wait a moment and try again."
	case errors.Is(err, kerrors.ErrRewriteInProgress):
		return "Entries are being re-encrypted. Try again when it finishes."
	case errors.Is(err, kerrors.ErrNotConfigured):
		return "Run " + color.YellowString("journal-keys password setup") + " first."
	case errors.Is(err, storage.ErrRecordNotFound):
		return "Check the entry id with " + color.YellowString("journal-keys list") + "."
	default:
		return ""
	}
}
