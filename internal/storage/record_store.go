package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/securestore"
	"private-journal/go-backend/pkg/models"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidRecord  = errors.New("invalid record")
)

// RecordStore is what the journal needs from storage: opaque envelope blobs
// keyed by record id and grouped by owner context.
type RecordStore interface {
	List(ctx context.Context, owner string) ([]models.Record, error)
	Get(ctx context.Context, id string) (models.Record, error)
	Put(ctx context.Context, rec models.Record) error
	PutBatch(ctx context.Context, recs []models.Record) error
	Delete(ctx context.Context, id string) (bool, error)
}

type snapshot struct {
	Records    map[string]models.Record    `json:"records"`
	KeyConfigs map[string]models.KeyConfig `json:"key_configs"`
}

// MemoryStore keeps records and key configs in memory and, when a path is
// set, rewrites a JSON snapshot on every mutation. A sealed store encrypts
// the snapshot for a device principal. Maps are replaced, never mutated, so
// a failed write leaves the previous state in place.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.Record
	configs map[string]models.KeyConfig
	path    string
	codec   *securestore.Codec
	sealFor identity.Principal
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.Record),
		configs: make(map[string]models.KeyConfig),
		now:     time.Now,
	}
}

// NewFileStore loads path if it exists and persists every change to it.
func NewFileStore(path string) (*MemoryStore, error) {
	return NewSealedFileStore(path, nil, identity.Principal{})
}

// NewSealedFileStore is NewFileStore with the snapshot sealed for p. An
// existing unsealed snapshot is accepted and sealed on the next write.
func NewSealedFileStore(path string, codec *securestore.Codec, p identity.Principal) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.path = path
	if codec != nil && !p.IsZero() {
		s.codec = codec
		s.sealFor = p
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) List(ctx context.Context, owner string) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Record, 0)
	for _, rec := range s.records {
		if rec.Owner == owner {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return models.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return models.Record{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, rec models.Record) error {
	return s.PutBatch(ctx, []models.Record{rec})
}

// PutBatch upserts all records or none.
func (s *MemoryStore) PutBatch(ctx context.Context, recs []models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecords(recs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneRecordsMap(s.records)
	s.applyLocked(next, recs)
	if err := s.persistSnapshotLocked(next, s.configs); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	next := cloneRecordsMap(s.records)
	delete(next, id)
	if err := s.persistSnapshotLocked(next, s.configs); err != nil {
		return false, err
	}
	s.records = next
	return true, nil
}

func (s *MemoryStore) KeyConfig(ctx context.Context, identityContext string) (models.KeyConfig, error) {
	if err := ctx.Err(); err != nil {
		return models.KeyConfig{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[identityContext]
	if !ok {
		return models.KeyConfig{}, kerrors.New(kerrors.ErrNotConfigured, "key config", nil)
	}
	cfg.Check = append([]byte(nil), cfg.Check...)
	return cfg, nil
}

func (s *MemoryStore) PutKeyConfig(ctx context.Context, cfg models.KeyConfig) error {
	return s.CommitReset(ctx, cfg, nil)
}

// CommitReset stores cfg and recs in one snapshot write.
func (s *MemoryStore) CommitReset(ctx context.Context, cfg models.KeyConfig, recs []models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Context) == "" {
		return errors.New("key config context is required")
	}
	if err := validateRecords(recs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nextRecords := s.records
	if len(recs) > 0 {
		nextRecords = cloneRecordsMap(s.records)
		s.applyLocked(nextRecords, recs)
	}
	nextConfigs := cloneConfigsMap(s.configs)
	cfg.Check = append([]byte(nil), cfg.Check...)
	nextConfigs[cfg.Context] = cfg
	if err := s.persistSnapshotLocked(nextRecords, nextConfigs); err != nil {
		return err
	}
	s.records = nextRecords
	s.configs = nextConfigs
	return nil
}

func (s *MemoryStore) applyLocked(into map[string]models.Record, recs []models.Record) {
	now := s.now().UTC()
	for _, rec := range recs {
		rec = rec.Clone()
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		into[rec.ID] = rec
	}
}

func (s *MemoryStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	decoded := data
	if s.codec != nil {
		decoded, err = s.codec.OpenFile(s.sealFor, data)
		if err != nil {
			if !errors.Is(err, securestore.ErrPlainData) {
				return err
			}
			decoded = data
		} else {
			defer identity.WipeBytes(decoded)
		}
	}

	var snap snapshot
	if err := json.Unmarshal(decoded, &snap); err != nil {
		return err
	}
	if snap.Records != nil {
		s.records = snap.Records
	}
	if snap.KeyConfigs != nil {
		s.configs = snap.KeyConfigs
	}
	return nil
}

func (s *MemoryStore) persistSnapshotLocked(records map[string]models.Record, configs map[string]models.KeyConfig) error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{Records: records, KeyConfigs: configs}
	if s.codec != nil {
		return s.codec.WriteSealedJSON(s.path, s.sealFor, snap)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return securestore.WriteFileAtomic(s.path, data)
}

func validateRecords(recs []models.Record) error {
	for _, rec := range recs {
		switch {
		case strings.TrimSpace(rec.ID) == "":
			return fmt.Errorf("%w: id is required", ErrInvalidRecord)
		case strings.TrimSpace(rec.Owner) == "":
			return fmt.Errorf("%w: owner is required", ErrInvalidRecord)
		case len(rec.Blob) == 0:
			return fmt.Errorf("%w: blob is empty", ErrInvalidRecord)
		}
	}
	return nil
}

func sortRecords(recs []models.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func cloneRecordsMap(in map[string]models.Record) map[string]models.Record {
	out := make(map[string]models.Record, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneConfigsMap(in map[string]models.KeyConfig) map[string]models.KeyConfig {
	out := make(map[string]models.KeyConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
