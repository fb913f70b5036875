// Package migration re-encrypts stored journal records from one key to
// another. It backs password resets, identity adoption and KDF upgrades.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/resolver"
	"private-journal/go-backend/internal/securestore"
	"private-journal/go-backend/pkg/models"

	"github.com/google/uuid"
)

const DefaultWorkers = 4

// KeySpec names a principal and the envelope version to write with it.
// Version is ignored on the read side: envelopes carry their own.
type KeySpec struct {
	Principal identity.Principal
	Version   int
}

// Result reports a run. Updated holds the re-encrypted records in input
// order; nothing is persisted by Migrate itself.
type Result struct {
	RunID     string
	Total     int
	Migrated  int
	FailedIDs []string
	Errors    map[string]error
	Updated   []models.Record
	// Skipped lists records never attempted because the run was canceled.
	Skipped  []string
	Canceled bool
}

// Complete reports whether every record was migrated.
func (r Result) Complete() bool {
	return r.Migrated == r.Total
}

// RecordStore is the storage side used by MigrateStore.
type RecordStore interface {
	List(ctx context.Context, owner string) ([]models.Record, error)
	PutBatch(ctx context.Context, records []models.Record) error
}

type Observer interface {
	ObserveMigrated(migrated, failed, skipped int)
}

type Engine struct {
	codec    *securestore.Codec
	resolver *resolver.Resolver
	workers  int
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(codec *securestore.Codec, res *resolver.Resolver, workers int, observer Observer, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		codec:    codec,
		resolver: res,
		workers:  workers,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

type state uint8

const (
	statePending state = iota
	stateMigrated
	stateFailed
)

type outcome struct {
	state  state
	record models.Record
	err    error
}

// Migrate decrypts every record with from and re-seals it with to. A failing
// record is reported and left out of Updated; the run carries on. Cancellation
// is checked between records, so records already re-sealed stay in Updated.
func (e *Engine) Migrate(ctx context.Context, records []models.Record, from, to KeySpec) Result {
	res := Result{
		RunID:  uuid.NewString(),
		Total:  len(records),
		Errors: make(map[string]error),
	}
	started := e.now()
	outcomes := make([]outcome, len(records))

	jobs := make(chan int)
	go func() {
		defer close(jobs)
		for i := range records {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	workers := min(e.workers, max(len(records), 1))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				outcomes[i] = e.migrateOne(records[i], from, to)
			}
		}()
	}
	wg.Wait()

	for i, out := range outcomes {
		id := records[i].ID
		switch out.state {
		case stateMigrated:
			res.Migrated++
			res.Updated = append(res.Updated, out.record)
		case stateFailed:
			res.FailedIDs = append(res.FailedIDs, id)
			res.Errors[id] = out.err
		default:
			res.Skipped = append(res.Skipped, id)
		}
	}
	res.Canceled = ctx.Err() != nil && len(res.Skipped) > 0

	if e.observer != nil {
		e.observer.ObserveMigrated(res.Migrated, len(res.FailedIDs), len(res.Skipped))
	}
	level := slog.LevelInfo
	if !res.Complete() {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "migration run finished",
		"run_id", res.RunID,
		"total", res.Total,
		"migrated", res.Migrated,
		"failed", len(res.FailedIDs),
		"skipped", len(res.Skipped),
		"target_version", to.Version,
		"elapsed", e.now().Sub(started),
	)
	return res
}

func (e *Engine) migrateOne(rec models.Record, from, to KeySpec) outcome {
	env, err := e.codec.Parse(rec.Blob)
	if err != nil {
		return outcome{state: stateFailed, err: err}
	}
	plaintext, err := e.resolver.ResolveWith(env, []resolver.Candidate{resolver.Fixed("migration/old", from.Principal)})
	if err != nil {
		return outcome{state: stateFailed, err: err}
	}
	defer identity.WipeBytes(plaintext)

	sealed, err := e.codec.Encode(plaintext, to.Principal, to.Version)
	if err != nil {
		return outcome{state: stateFailed, err: err}
	}
	blob, err := e.codec.Marshal(sealed)
	if err != nil {
		return outcome{state: stateFailed, err: err}
	}
	updated := rec.Clone()
	updated.Blob = blob
	updated.UpdatedAt = e.now().UTC()
	return outcome{state: stateMigrated, record: updated}
}

// MigrateStore migrates the private records of owner and persists every
// record that succeeded. Public records are sealed with the public key and
// are left alone. The error is non-nil only when the store fails.
func (e *Engine) MigrateStore(ctx context.Context, store RecordStore, owner string, from, to KeySpec) (Result, error) {
	if store == nil {
		return Result{}, errors.New("migration: record store is required")
	}
	all, err := store.List(ctx, owner)
	if err != nil {
		return Result{}, fmt.Errorf("list records: %w", err)
	}
	private := all[:0:0]
	for _, rec := range all {
		if !rec.Public {
			private = append(private, rec)
		}
	}
	res := e.Migrate(ctx, private, from, to)
	if len(res.Updated) == 0 {
		return res, nil
	}
	if err := store.PutBatch(ctx, res.Updated); err != nil {
		return res, fmt.Errorf("persist migrated records: %w", err)
	}
	return res, nil
}
