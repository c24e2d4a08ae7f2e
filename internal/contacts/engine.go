package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultImportPerMinute = 10
	DefaultImportBurst     = 10
)

type EngineOptions struct {
	Policy          *Policy
	DefaultLockTTL  time.Duration
	MaxLockTTL      time.Duration
	ImportPerMinute int
	ImportBurst     int
	PhoneRegion     string
	Hub             *Hub
	Metrics         *Metrics
	Now             func() time.Time
	Logger          *zap.Logger
}

// Limits is the effective configuration reported by the admin view.
type Limits struct {
	DefaultLockTTL  time.Duration `json:"defaultLockTtl"`
	MaxLockTTL      time.Duration `json:"maxLockTtl"`
	ImportPerMinute int           `json:"importPerMinute"`
	ImportBurst     int           `json:"importBurst"`
	HistoryLimit    int           `json:"historyLimit"`
	MaxNameLength   int           `json:"maxNameLength"`
	MaxNoteLength   int           `json:"maxNoteLength"`
	PhoneRegion     string        `json:"phoneRegion"`
}

// Engine coordinates the store, lease table, automation policy, importer and
// broadcaster. All record writes go through it.
type Engine struct {
	store   *Store
	locks   *LockManager
	hub     *Hub
	metrics *Metrics
	now     func() time.Time
	logger  *zap.Logger

	policyMu sync.RWMutex
	policy   Policy

	phoneRegion string
	limiter     *importLimiter
}

type Mutation struct {
	ID              string
	Actor           string
	ExpectedVersion int64
	Fields          Patch
}

func NewEngine(store *Store, opts EngineOptions) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(opts.Metrics)
	}
	perMinute := opts.ImportPerMinute
	if perMinute <= 0 {
		perMinute = DefaultImportPerMinute
	}
	burst := opts.ImportBurst
	if burst <= 0 {
		burst = DefaultImportBurst
	}
	region := strings.ToUpper(strings.TrimSpace(opts.PhoneRegion))
	if region == "" {
		region = DefaultPhoneRegion
	}
	e := &Engine{
		store:       store,
		hub:         hub,
		metrics:     opts.Metrics,
		now:         now,
		logger:      logger,
		policy:      policy.Normalized(),
		phoneRegion: region,
		limiter:     newImportLimiter(perMinute, burst),
	}
	e.locks = NewLockManager(store, LockOptions{
		DefaultTTL: opts.DefaultLockTTL,
		MaxTTL:     opts.MaxLockTTL,
		Now:        now,
		Logger:     logger.Named("locks"),
		OnChange:   e.publishLease,
	})
	return e
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Locks() *LockManager {
	return e.locks
}

func (e *Engine) Hub() *Hub {
	return e.hub
}

func (e *Engine) Policy() Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// SetPolicy swaps the status policy used by later List and automation passes.
func (e *Engine) SetPolicy(policy Policy) {
	normalized := policy.Normalized()
	e.policyMu.Lock()
	e.policy = normalized
	e.policyMu.Unlock()
	e.logger.Info("status policy updated",
		zap.Int("priorities", len(normalized.Priorities)),
		zap.Int("rules", len(normalized.Rules)),
		zap.Int("protected", len(normalized.Protected)),
	)
}

func (e *Engine) Limits() Limits {
	return Limits{
		DefaultLockTTL:  e.locks.DefaultTTL(),
		MaxLockTTL:      e.locks.MaxTTL(),
		ImportPerMinute: e.limiter.perMinute,
		ImportBurst:     e.limiter.burst,
		HistoryLimit:    e.store.HistoryLimit(),
		MaxNameLength:   MaxNameLength,
		MaxNoteLength:   MaxNoteLength,
		PhoneRegion:     e.phoneRegion,
	}
}

func (e *Engine) Get(ctx context.Context, id string) (ContactRecord, error) {
	if err := ctx.Err(); err != nil {
		return ContactRecord{}, err
	}
	return e.store.Get(id)
}

// List runs the automation pass over every record, persisting any derived
// status change, and returns the set in priority order.
func (e *Engine) List(ctx context.Context) ([]ContactRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	policy := e.Policy()
	now := e.now().UTC()
	records := e.store.All()
	for i, rec := range records {
		if _, changed := DeriveStatus(rec, now, policy); !changed {
			continue
		}
		updated, err := e.automate(rec.ID, now, policy)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			e.logger.Warn("status automation write failed", zap.String("contact_id", rec.ID), zap.Error(err))
			continue
		}
		records[i] = updated
	}
	return SortByPriority(records, policy), nil
}

func (e *Engine) automate(id string, now time.Time, policy Policy) (ContactRecord, error) {
	rec, changed, err := e.store.Upsert(id, func(rec *ContactRecord, exists bool) (bool, error) {
		if !exists {
			return false, ErrNotFound
		}
		target, changed := DeriveStatus(*rec, now, policy)
		if !changed {
			return false, nil
		}
		changes := []fieldChange{{field: FieldStatus, old: rec.Status, new: target}}
		rec.Status = target
		appendHistory(rec, AutomationActor, changes, now, e.store.HistoryLimit())
		return true, nil
	}, e.publishRecord(EventUpdated, AutomationActor, ""))
	if err != nil {
		return ContactRecord{}, err
	}
	if changed {
		e.metrics.mutation("automation")
		e.logger.Info("status automated",
			zap.String("contact_id", id),
			zap.String("status", rec.Status),
			zap.Int64("version", rec.Version),
		)
	}
	return rec, nil
}

// Apply validates and commits a field-level mutation. Checks run in order:
// existence, lease, expected version, field validation. A patch that changes
// nothing returns the current record without a version bump or event.
func (e *Engine) Apply(ctx context.Context, m Mutation) (ContactRecord, error) {
	if err := ctx.Err(); err != nil {
		return ContactRecord{}, err
	}
	actor := strings.TrimSpace(m.Actor)
	if actor == "" {
		return ContactRecord{}, &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	now := e.now().UTC()
	rec, changed, err := e.store.Upsert(m.ID, func(rec *ContactRecord, exists bool) (bool, error) {
		if !exists {
			return false, ErrNotFound
		}
		if err := checkWritable(*rec, actor, m.ExpectedVersion, now); err != nil {
			return false, err
		}
		patch, err := normalizePatch(m.Fields)
		if err != nil {
			return false, err
		}
		if patch.Phone != nil && ContactIDForRegion(*patch.Phone, e.phoneRegion) != rec.ID {
			return false, &ValidationError{Field: FieldPhone, Reason: "must keep the same contact id"}
		}
		changes := patch.applyTo(rec)
		if len(changes) == 0 {
			return false, nil
		}
		appendHistory(rec, actor, changes, now, e.store.HistoryLimit())
		rec.LastVisibilityTime = now
		return true, nil
	}, e.publishRecord(EventUpdated, actor, ""))
	if err != nil {
		e.reject(m.ID, actor, err)
		return ContactRecord{}, err
	}
	if changed {
		e.metrics.mutation("edit")
		e.logger.Info("contact updated",
			zap.String("contact_id", rec.ID),
			zap.String("actor", actor),
			zap.Int64("version", rec.Version),
		)
	}
	return rec, nil
}

// RecordOutcome stores the result of a call: a status, an optional note, and
// the caller stamp. A call is always a visibility event, so the record is
// written even when the status is unchanged.
func (e *Engine) RecordOutcome(ctx context.Context, id, actor, status, note string) (ContactRecord, error) {
	return e.recordOutcome(ctx, id, actor, status, note, 0)
}

// RecordOutcomeAt is RecordOutcome with an expected version check.
func (e *Engine) RecordOutcomeAt(ctx context.Context, id, actor, status, note string, expectedVersion int64) (ContactRecord, error) {
	return e.recordOutcome(ctx, id, actor, status, note, expectedVersion)
}

func (e *Engine) recordOutcome(ctx context.Context, id, actor, status, note string, expectedVersion int64) (ContactRecord, error) {
	if err := ctx.Err(); err != nil {
		return ContactRecord{}, err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ContactRecord{}, &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	fields := Patch{Status: &status}
	if strings.TrimSpace(note) != "" {
		fields.Note = &note
	}
	now := e.now().UTC()
	rec, _, err := e.store.Upsert(id, func(rec *ContactRecord, exists bool) (bool, error) {
		if !exists {
			return false, ErrNotFound
		}
		if err := checkWritable(*rec, actor, expectedVersion, now); err != nil {
			return false, err
		}
		patch, err := normalizePatch(fields)
		if err != nil {
			return false, err
		}
		changes := patch.applyTo(rec)
		appendHistory(rec, actor, changes, now, e.store.HistoryLimit())
		rec.LastVisibilityTime = now
		rec.LastCalledBy = actor
		calledAt := now
		rec.LastCalledAt = &calledAt
		return true, nil
	}, e.publishRecord(EventUpdated, actor, "outcome"))
	if err != nil {
		e.reject(id, actor, err)
		return ContactRecord{}, err
	}
	e.metrics.mutation("outcome")
	e.logger.Info("call outcome recorded",
		zap.String("contact_id", rec.ID),
		zap.String("actor", actor),
		zap.String("status", rec.Status),
		zap.Int64("version", rec.Version),
	)
	return rec, nil
}

// Create inserts a single contact. It never merges: an existing id yields
// ErrAlreadyExists.
func (e *Engine) Create(ctx context.Context, actor string, row ImportRow) (ContactRecord, error) {
	if err := ctx.Err(); err != nil {
		return ContactRecord{}, err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ContactRecord{}, &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	id, patch, err := e.prepareRow(row)
	if err != nil {
		e.reject("", actor, err)
		return ContactRecord{}, err
	}
	now := e.now().UTC()
	rec, _, err := e.store.Upsert(id, func(rec *ContactRecord, exists bool) (bool, error) {
		if exists {
			return false, ErrAlreadyExists
		}
		newRecord(rec, id, patch, now)
		return true, nil
	}, e.publishRecord(EventUpdated, actor, "created"))
	if err != nil {
		e.reject(id, actor, err)
		return ContactRecord{}, err
	}
	e.metrics.mutation("create")
	e.logger.Info("contact created", zap.String("contact_id", id), zap.String("actor", actor))
	return rec, nil
}

// Delete removes a record regardless of any lease and drops the lease. It is
// a privileged operation; authorization is the caller's concern.
func (e *Engine) Delete(ctx context.Context, id, actor string) (ContactRecord, error) {
	if err := ctx.Err(); err != nil {
		return ContactRecord{}, err
	}
	var removed ContactRecord
	err := e.locks.Evict(id, func() error {
		var err error
		removed, err = e.store.Delete(id, nil, e.publishRecord(EventDeleted, actor, ""))
		return err
	})
	if err != nil {
		e.reject(id, actor, err)
		return ContactRecord{}, err
	}
	e.metrics.mutation("delete")
	e.logger.Warn("contact deleted",
		zap.String("contact_id", id),
		zap.String("actor", actor),
		zap.Int64("version", removed.Version),
	)
	return removed, nil
}

func (e *Engine) Acquire(ctx context.Context, id, actor string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	lease, err := e.locks.Acquire(id, actor, ttl)
	if err != nil {
		e.reject(id, actor, err)
		return Lease{}, err
	}
	return lease, nil
}

func (e *Engine) Release(ctx context.Context, id, actor string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	released, err := e.locks.Release(id, actor)
	if err != nil {
		e.reject(id, actor, err)
		return false, err
	}
	return released, nil
}

// SweepLeases clears expired leases. Each cleared lease is broadcast as
// unlocked with reason expired.
func (e *Engine) SweepLeases(ctx context.Context) ([]Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleared := e.locks.Sweep(e.now().UTC())
	e.metrics.swept(len(cleared), e.locks.Active())
	if len(cleared) > 0 {
		e.logger.Info("expired leases cleared", zap.Int("count", len(cleared)))
	}
	return cleared, nil
}

func checkWritable(rec ContactRecord, actor string, expectedVersion int64, now time.Time) error {
	if rec.Locked(now) && *rec.LockOwner != actor {
		return &LockDeniedError{ID: rec.ID, Owner: *rec.LockOwner, ExpiresAt: *rec.LockExpiresAt}
	}
	if expectedVersion > 0 && expectedVersion != rec.Version {
		return &VersionConflictError{ID: rec.ID, Expected: expectedVersion, Current: rec.Version}
	}
	return nil
}

func newRecord(rec *ContactRecord, id string, patch Patch, now time.Time) {
	*rec = ContactRecord{
		ID:                 id,
		Status:             DefaultNewStatus,
		Name:               "Contact " + id,
		CreatedAt:          now,
		LastVisibilityTime: now,
		EditHistory:        []EditEntry{},
	}
	if patch.Phone != nil {
		rec.Phone = *patch.Phone
	}
	if patch.Name != nil && *patch.Name != "" {
		rec.Name = *patch.Name
	}
	if patch.Status != nil && *patch.Status != "" {
		rec.Status = *patch.Status
	}
	if patch.Note != nil {
		rec.Note = *patch.Note
	}
	if patch.Coordinates != nil {
		rec.Coordinates = append(json.RawMessage(nil), (*patch.Coordinates)...)
	}
}

func (e *Engine) reject(id, actor string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrLockHeld):
		reason = "lock_held"
	case errors.Is(err, ErrLockDenied):
		reason = "lock_denied"
	case errors.Is(err, ErrVersionConflict):
		reason = "version_conflict"
	case errors.Is(err, ErrValidationFailed):
		reason = "validation"
	case errors.Is(err, ErrAlreadyExists):
		reason = "already_exists"
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, ErrStorageFailure):
		reason = "storage"
		e.logger.Error("contact write failed", zap.String("contact_id", id), zap.String("actor", actor), zap.Error(err))
	}
	e.metrics.rejection(reason)
	e.logger.Debug("contact write rejected",
		zap.String("contact_id", id),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (e *Engine) publishRecord(eventType, actor, reason string) func(ContactRecord) {
	return func(rec ContactRecord) {
		payload, err := json.Marshal(rec)
		if err != nil {
			e.logger.Warn("event payload encode failed", zap.String("contact_id", rec.ID), zap.Error(err))
			return
		}
		e.hub.Publish(Event{
			Type:     eventType,
			RecordID: rec.ID,
			Actor:    actor,
			Version:  rec.Version,
			Reason:   reason,
			Payload:  payload,
			At:       e.now().UTC(),
		})
	}
}

func (e *Engine) publishLease(change LeaseChange) {
	eventType := EventUnlocked
	if change.Locked {
		eventType = EventLocked
	}
	e.publishRecord(eventType, change.Lease.Owner, change.Reason)(change.Record)
}
