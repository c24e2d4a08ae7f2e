package contacts

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type StoreOptions struct {
	Backend      RecordBackend
	HistoryLimit int
	Now          func() time.Time
	Logger       *zap.Logger
}

// Mutator edits a working copy of a row. exists is false when the id has no
// stored record yet. Returning changed=false discards the copy.
type Mutator func(rec *ContactRecord, exists bool) (changed bool, err error)

// Store is the authoritative record table. Membership is guarded by mu; each
// row carries its own mutex for read-modify-write.
type Store struct {
	mu   sync.RWMutex
	rows map[string]*storeRow

	backend      RecordBackend
	historyLimit int
	now          func() time.Time
	logger       *zap.Logger

	closeOnce sync.Once
}

type storeRow struct {
	mu      sync.Mutex
	rec     ContactRecord
	present bool
	removed bool
}

func NewStore(opts StoreOptions) (*Store, error) {
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultEditHistoryLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		rows:         map[string]*storeRow{},
		backend:      opts.Backend,
		historyLimit: historyLimit,
		now:          now,
		logger:       logger,
	}
	if s.backend != nil {
		records, err := s.backend.Load()
		if err != nil {
			return nil, &StorageError{Op: "load", Err: err}
		}
		for _, rec := range records {
			if strings.TrimSpace(rec.ID) == "" {
				continue
			}
			s.rows[rec.ID] = &storeRow{rec: rec.Clone(), present: true}
		}
		s.logger.Info("contact store loaded",
			zap.String("backend", BackendName(s.backend)),
			zap.Int("records", len(s.rows)),
		)
	}
	return s, nil
}

func (s *Store) HistoryLimit() int {
	return s.historyLimit
}

// Backend returns the durable backend, or nil for a volatile store.
func (s *Store) Backend() RecordBackend {
	return s.backend
}

func (s *Store) Get(id string) (ContactRecord, error) {
	s.mu.RLock()
	row, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return ContactRecord{}, ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if !row.present || row.removed {
		return ContactRecord{}, ErrNotFound
	}
	return row.rec.Clone(), nil
}

// All returns every stored record ordered by creation time, then id.
func (s *Store) All() []ContactRecord {
	s.mu.RLock()
	rows := make([]*storeRow, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	s.mu.RUnlock()

	out := make([]ContactRecord, 0, len(rows))
	for _, row := range rows {
		row.mu.Lock()
		if row.present && !row.removed {
			out = append(out, row.rec.Clone())
		}
		row.mu.Unlock()
	}
	sortByCreation(out)
	return out
}

func (s *Store) Len() int {
	return len(s.All())
}

// Upsert runs mutate under the row lock. When it reports a change the store
// stamps UpdatedAt, bumps Version (or starts it at 1), writes through to the
// backend and only then commits the row. after callbacks run inside the same
// critical section with the committed record.
func (s *Store) Upsert(id string, mutate Mutator, after ...func(ContactRecord)) (ContactRecord, bool, error) {
	if strings.TrimSpace(id) == "" {
		return ContactRecord{}, false, ErrInvalidInput
	}
	for {
		row := s.rowFor(id)
		row.mu.Lock()
		if row.removed {
			row.mu.Unlock()
			continue
		}
		rec, changed, err := s.upsertLocked(id, row, mutate)
		if err == nil && changed {
			for _, fn := range after {
				fn(rec.Clone())
			}
		}
		if !row.present {
			s.dropPlaceholder(id, row)
		}
		row.mu.Unlock()
		return rec, changed, err
	}
}

func (s *Store) upsertLocked(id string, row *storeRow, mutate Mutator) (ContactRecord, bool, error) {
	working := row.rec.Clone()
	if !row.present {
		working = ContactRecord{ID: id}
	}
	changed, err := mutate(&working, row.present)
	if err != nil {
		return row.rec.Clone(), false, err
	}
	if !changed {
		if !row.present {
			return ContactRecord{}, false, nil
		}
		return row.rec.Clone(), false, nil
	}
	now := s.now().UTC()
	working.ID = id
	working.UpdatedAt = now
	if row.present {
		working.Version = row.rec.Version + 1
	} else {
		working.Version = 1
		if working.CreatedAt.IsZero() {
			working.CreatedAt = now
		}
	}
	if len(working.EditHistory) > s.historyLimit {
		working.EditHistory = working.EditHistory[:s.historyLimit]
	}
	if err := s.persist(working); err != nil {
		return row.rec.Clone(), false, err
	}
	row.rec = working
	row.present = true
	return working.Clone(), true, nil
}

// SetLease mirrors a lease onto the stored record without touching Version
// or UpdatedAt. A nil owner clears the lease.
func (s *Store) SetLease(id string, owner *string, expiresAt *time.Time, after ...func(ContactRecord)) (ContactRecord, error) {
	s.mu.RLock()
	row, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return ContactRecord{}, ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if !row.present || row.removed {
		return ContactRecord{}, ErrNotFound
	}
	working := row.rec.Clone()
	if owner == nil || expiresAt == nil {
		working.LockOwner = nil
		working.LockExpiresAt = nil
	} else {
		o := *owner
		exp := expiresAt.UTC()
		working.LockOwner = &o
		working.LockExpiresAt = &exp
	}
	if err := s.persist(working); err != nil {
		return row.rec.Clone(), err
	}
	row.rec = working
	for _, fn := range after {
		fn(working.Clone())
	}
	return working.Clone(), nil
}

// Delete removes a record. guard, when set, runs under the row lock and can
// veto the removal.
func (s *Store) Delete(id string, guard func(ContactRecord) error, after ...func(ContactRecord)) (ContactRecord, error) {
	s.mu.RLock()
	row, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return ContactRecord{}, ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if !row.present || row.removed {
		return ContactRecord{}, ErrNotFound
	}
	if guard != nil {
		if err := guard(row.rec.Clone()); err != nil {
			return ContactRecord{}, err
		}
	}
	if s.backend != nil {
		if err := s.backend.Remove(id); err != nil {
			s.logger.Error("contact delete failed", zap.String("contact_id", id), zap.Error(err))
			return ContactRecord{}, &StorageError{Op: "delete", Err: err}
		}
	}
	removed := row.rec.Clone()
	row.removed = true
	s.mu.Lock()
	if s.rows[id] == row {
		delete(s.rows, id)
	}
	s.mu.Unlock()
	for _, fn := range after {
		fn(removed.Clone())
	}
	return removed, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if closer, ok := s.backend.(backendCloser); ok && closer != nil {
			err = closer.Close()
		}
	})
	return err
}

func (s *Store) rowFor(id string) *storeRow {
	s.mu.RLock()
	row, ok := s.rows[id]
	s.mu.RUnlock()
	if ok {
		return row
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		return row
	}
	row = &storeRow{}
	s.rows[id] = row
	return row
}

// dropPlaceholder removes a row that was created for an insert which never
// committed. Called with row.mu held.
func (s *Store) dropPlaceholder(id string, row *storeRow) {
	row.removed = true
	s.mu.Lock()
	if s.rows[id] == row {
		delete(s.rows, id)
	}
	s.mu.Unlock()
}

func (s *Store) persist(rec ContactRecord) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Put(rec); err != nil {
		s.logger.Error("contact write failed",
			zap.String("contact_id", rec.ID),
			zap.Int64("version", rec.Version),
			zap.Error(err),
		)
		return &StorageError{Op: "put", Err: fmt.Errorf("contact %s: %w", rec.ID, err)}
	}
	return nil
}
