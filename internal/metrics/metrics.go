// Package metrics exposes prometheus instrumentation for key derivation,
// trial decryption, password unlocks and migrations. A nil *Collector is a
// valid no-op.
package metrics

import (
	"time"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/kdf"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	derivations     *prometheus.CounterVec
	derivationTime  *prometheus.HistogramVec
	decryptAttempts *prometheus.CounterVec
	decryptResults  *prometheus.CounterVec
	unlocks         *prometheus.CounterVec
	migrated        *prometheus.CounterVec
}

// New registers the journal collectors on reg. Use prometheus.NewRegistry()
// in tests to keep them isolated.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		derivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_kdf_derivations_total",
			Help: "Key derivations by algorithm and principal kind.",
		}, []string{"algorithm", "principal"}),
		derivationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "journal_kdf_duration_seconds",
			Help:    "Key derivation latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"algorithm"}),
		decryptAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_decrypt_attempts_total",
			Help: "Trial decryption attempts by candidate and outcome.",
		}, []string{"candidate", "outcome"}),
		decryptResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_decrypt_results_total",
			Help: "Resolved decryptions by final outcome.",
		}, []string{"outcome"}),
		unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_password_unlocks_total",
			Help: "Password unlock attempts by outcome.",
		}, []string{"outcome"}),
		migrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_migration_records_total",
			Help: "Records processed by migrations by outcome.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.derivations, c.derivationTime, c.decryptAttempts, c.decryptResults, c.unlocks, c.migrated,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObserveDerivation(alg kdf.Algorithm, kind string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.derivations.WithLabelValues(string(alg), kind).Inc()
	c.derivationTime.WithLabelValues(string(alg)).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveAttempt(candidate string, err error) {
	if c == nil {
		return
	}
	c.decryptAttempts.WithLabelValues(candidate, Outcome(err)).Inc()
}

func (c *Collector) ObserveResolve(err error) {
	if c == nil {
		return
	}
	c.decryptResults.WithLabelValues(Outcome(err)).Inc()
}

func (c *Collector) ObserveUnlock(err error) {
	if c == nil {
		return
	}
	c.unlocks.WithLabelValues(Outcome(err)).Inc()
}

func (c *Collector) ObserveMigrated(migrated, failed, skipped int) {
	if c == nil {
		return
	}
	c.migrated.WithLabelValues("migrated").Add(float64(migrated))
	c.migrated.WithLabelValues("failed").Add(float64(failed))
	c.migrated.WithLabelValues("skipped").Add(float64(skipped))
}

// Outcome is the label value for err: "ok", a taxonomy kind, or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch kerrors.KindOf(err) {
	case kerrors.ErrKeyUnavailable:
		return "key_unavailable"
	case kerrors.ErrInvalidKey:
		return "invalid_key"
	case kerrors.ErrDataCorrupted:
		return "data_corrupted"
	case kerrors.ErrUnsupportedVersion:
		return "unsupported_version"
	case kerrors.ErrInvalidFormat:
		return "invalid_format"
	default:
		return "error"
	}
}
