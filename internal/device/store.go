package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store wraps a Repository with an in-memory cache of records.
//
// The cache is filled by Refresh at startup and kept in sync by Save,
// Delete and Touch. Records handed out are deep copies, so callers may
// modify them freely.
//
// All public methods are thread-safe.
type Store struct {
	repo    Repository
	cache   map[string]*Record
	cacheMu sync.RWMutex
	logger  Logger
	now     func() time.Time
}

// NewStore creates a Store backed by repo.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:   repo,
		cache:  make(map[string]*Record),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Refresh reloads every record from the repository into the cache.
func (s *Store) Refresh(ctx context.Context) error {
	records, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading device records: %w", err)
	}

	cache := make(map[string]*Record, len(records))
	for i := range records {
		cache[records[i].ID] = records[i].DeepCopy()
	}

	s.cacheMu.Lock()
	s.cache = cache
	s.cacheMu.Unlock()

	s.logger.Info("device records loaded", "count", len(records))
	return nil
}

// Get returns the record for id, or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	s.cacheMu.RLock()
	cached, ok := s.cache[id]
	s.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[id] = rec.DeepCopy()
	s.cacheMu.Unlock()
	return rec, nil
}

// List returns all cached records ordered by name, then id.
func (s *Store) List() []Record {
	s.cacheMu.RLock()
	records := make([]Record, 0, len(s.cache))
	for _, r := range s.cache {
		records = append(records, *r.DeepCopy())
	}
	s.cacheMu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].ID < records[j].ID
	})
	return records
}

// Save persists rec, replacing any record with the same ID.
//
// Name is filled from Hostname or ID when blank, and LastSeenAtMs is
// set to now when zero. The caller's rec is updated with those defaults.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Name = DisplayName(rec.Name, rec.Hostname, rec.ID)
	if rec.LastSeenAtMs == 0 {
		rec.LastSeenAtMs = s.now().UnixMilli()
	}

	if err := s.repo.Upsert(ctx, rec); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.cache[rec.ID] = rec.DeepCopy()
	s.cacheMu.Unlock()

	s.logger.Info("device record saved", "id", rec.ID, "cloud", rec.CloudTunnel != nil)
	return nil
}

// Delete removes the record for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.repo.Delete(ctx, id)

	// Drop the cache entry even if the row was already gone.
	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()

	if err != nil {
		return err
	}
	s.logger.Info("device record deleted", "id", id)
	return nil
}

// Touch marks the device as seen now.
func (s *Store) Touch(ctx context.Context, id string) error {
	seen := s.now().UnixMilli()
	if err := s.repo.Touch(ctx, id, seen); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			s.cacheMu.Lock()
			delete(s.cache, id)
			s.cacheMu.Unlock()
		}
		return err
	}

	s.cacheMu.Lock()
	if cached, ok := s.cache[id]; ok {
		cached.LastSeenAtMs = seen
	}
	s.cacheMu.Unlock()
	return nil
}
