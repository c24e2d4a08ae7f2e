package contacts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RecordBackend persists contact rows. Put and Remove are called inside the
// row critical section, so a backend sees writes for one id in order.
type RecordBackend interface {
	Load() ([]ContactRecord, error)
	Put(record ContactRecord) error
	Remove(id string) error
}

type backendCloser interface {
	Close() error
}

type InMemoryRecordBackend struct {
	mu      sync.Mutex
	records map[string]ContactRecord
}

func NewInMemoryRecordBackend() *InMemoryRecordBackend {
	return &InMemoryRecordBackend{records: map[string]ContactRecord{}}
}

func (b *InMemoryRecordBackend) Load() ([]ContactRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ContactRecord, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (b *InMemoryRecordBackend) Put(record ContactRecord) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[record.ID] = record.Clone()
	return nil
}

func (b *InMemoryRecordBackend) Remove(id string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	return nil
}

type fileDocument struct {
	Records []ContactRecord `json:"records"`
}

// JSONFileRecordBackend keeps the whole table as one JSON document and
// rewrites it atomically on every write.
type JSONFileRecordBackend struct {
	Path string

	mu      sync.Mutex
	loaded  bool
	records map[string]ContactRecord
}

func NewJSONFileRecordBackend(path string) *JSONFileRecordBackend {
	return &JSONFileRecordBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileRecordBackend) Load() ([]ContactRecord, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]ContactRecord, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (b *JSONFileRecordBackend) Put(record ContactRecord) error {
	if b == nil || b.Path == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	prev, had := b.records[record.ID]
	b.records[record.ID] = record.Clone()
	if err := b.flushLocked(); err != nil {
		if had {
			b.records[record.ID] = prev
		} else {
			delete(b.records, record.ID)
		}
		return err
	}
	return nil
}

func (b *JSONFileRecordBackend) Remove(id string) error {
	if b == nil || b.Path == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	prev, had := b.records[id]
	if !had {
		return nil
	}
	delete(b.records, id)
	if err := b.flushLocked(); err != nil {
		b.records[id] = prev
		return err
	}
	return nil
}

func (b *JSONFileRecordBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	b.records = map[string]ContactRecord{}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for _, rec := range doc.Records {
		b.records[rec.ID] = rec
	}
	b.loaded = true
	return nil
}

func (b *JSONFileRecordBackend) flushLocked() error {
	doc := fileDocument{Records: make([]ContactRecord, 0, len(b.records))}
	for _, rec := range b.records {
		doc.Records = append(doc.Records, rec)
	}
	sortByCreation(doc.Records)
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func sortByCreation(records []ContactRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
