package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/pkg/models"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records and key configs in a SQLite database.
// Batches and resets run in a single transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		public INTEGER NOT NULL DEFAULT 0,
		blob BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner, updated_at);

	-- Non-secret per-context password metadata. check_blob is a sealed canary.
	CREATE TABLE IF NOT EXISTS key_configs (
		context TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		hint TEXT NOT NULL DEFAULT '',
		check_blob BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) List(ctx context.Context, owner string) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, public, blob, updated_at FROM records WHERE owner = ? ORDER BY updated_at, id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, public, blob, updated_at FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Put(ctx context.Context, rec models.Record) error {
	return s.PutBatch(ctx, []models.Record{rec})
}

func (s *SQLiteStore) PutBatch(ctx context.Context, recs []models.Record) error {
	if err := validateRecords(recs); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.upsertRecords(ctx, tx, recs)
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) KeyConfig(ctx context.Context, identityContext string) (models.KeyConfig, error) {
	var (
		cfg              models.KeyConfig
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT context, version, hint, check_blob, created_at, updated_at FROM key_configs WHERE context = ?`,
		identityContext,
	).Scan(&cfg.Context, &cfg.Version, &cfg.Hint, &cfg.Check, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.KeyConfig{}, kerrors.New(kerrors.ErrNotConfigured, "key config", nil)
	}
	if err != nil {
		return models.KeyConfig{}, err
	}
	cfg.CreatedAt = time.Unix(0, created).UTC()
	cfg.UpdatedAt = time.Unix(0, updated).UTC()
	return cfg, nil
}

func (s *SQLiteStore) PutKeyConfig(ctx context.Context, cfg models.KeyConfig) error {
	return s.CommitReset(ctx, cfg, nil)
}

// CommitReset writes cfg and recs in one transaction.
func (s *SQLiteStore) CommitReset(ctx context.Context, cfg models.KeyConfig, recs []models.Record) error {
	if strings.TrimSpace(cfg.Context) == "" {
		return errors.New("key config context is required")
	}
	if err := validateRecords(recs); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsertRecords(ctx, tx, recs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO key_configs (context, version, hint, check_blob, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(context) DO UPDATE SET
				version = excluded.version,
				hint = excluded.hint,
				check_blob = excluded.check_blob,
				updated_at = excluded.updated_at`,
			cfg.Context, cfg.Version, cfg.Hint, cfg.Check, cfg.CreatedAt.UnixNano(), cfg.UpdatedAt.UnixNano(),
		)
		return err
	})
}

func (s *SQLiteStore) upsertRecords(ctx context.Context, tx *sql.Tx, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (id, owner, public, blob, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			public = excluded.public,
			blob = excluded.blob,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := s.now().UTC()
	for _, rec := range recs {
		updated := rec.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Owner, boolToInt(rec.Public), rec.Blob, updated.UnixNano()); err != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.Record, error) {
	var (
		rec     models.Record
		public  int
		updated int64
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &public, &rec.Blob, &updated); err != nil {
		return models.Record{}, err
	}
	rec.Public = public != 0
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
