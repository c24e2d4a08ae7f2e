package contacts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// flakyBackend wraps the in-memory backend and fails writes while failing is set.
type flakyBackend struct {
	*InMemoryRecordBackend
	failing atomic.Bool
	puts    atomic.Int32
	// onPut runs after a successful write. Set it before the engine is used.
	onPut func(ContactRecord)
}

var errBackendDown = errors.New("backend down")

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{InMemoryRecordBackend: NewInMemoryRecordBackend()}
}

func (b *flakyBackend) Put(record ContactRecord) error {
	b.puts.Add(1)
	if b.failing.Load() {
		return errBackendDown
	}
	if err := b.InMemoryRecordBackend.Put(record); err != nil {
		return err
	}
	if b.onPut != nil {
		b.onPut(record)
	}
	return nil
}

func (b *flakyBackend) Remove(id string) error {
	if b.failing.Load() {
		return errBackendDown
	}
	return b.InMemoryRecordBackend.Remove(id)
}

type testEnv struct {
	clock   *fakeClock
	backend *flakyBackend
	store   *Store
	engine  *Engine
}

func newTestEnv(t *testing.T, opts EngineOptions) *testEnv {
	t.Helper()
	clock := newFakeClock()
	backend := newFlakyBackend()
	store, err := NewStore(StoreOptions{Backend: backend, Now: clock.Now})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	opts.Now = clock.Now
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	engine := NewEngine(store, opts)
	t.Cleanup(func() {
		engine.Hub().Close()
		_ = store.Close()
	})
	return &testEnv{clock: clock, backend: backend, store: store, engine: engine}
}

func (env *testEnv) seed(t *testing.T, rows ...ImportRow) []ContactRecord {
	t.Helper()
	result, err := env.engine.ImportBatch(context.Background(), "seeder", rows)
	if err != nil {
		t.Fatalf("seed import: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("seed import row errors: %+v", result.Errors)
	}
	out := make([]ContactRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := env.store.Get(ContactID(row.Phone))
		if err != nil {
			t.Fatalf("seeded record %s missing: %v", row.Phone, err)
		}
		out = append(out, rec)
	}
	return out
}

func drain(sub *Subscription) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
