package contacts

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultLockTTL     = 10 * time.Minute
	MaxLockTTL         = 60 * time.Minute
	defaultLockStripes = 64

	LeaseReasonAcquired = "acquired"
	LeaseReasonExtended = "extended"
	LeaseReasonReleased = "released"
	LeaseReasonExpired  = "expired"
	LeaseReasonDeleted  = "deleted"
)

type Lease struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l Lease) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// LeaseChange is reported for every lease transition, from inside the row
// critical section of the affected record.
type LeaseChange struct {
	Locked bool
	Reason string
	Lease  Lease
	Record ContactRecord
}

type LockOptions struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Stripes    int
	Now        func() time.Time
	Logger     *zap.Logger
	OnChange   func(LeaseChange)
}

// LockManager grants time-limited exclusive edit rights. It never blocks on a
// held lease; contention is reported as *LockHeldError. Lock order is always
// stripe, then store row.
type LockManager struct {
	store      *Store
	stripes    []lockStripe
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
	logger     *zap.Logger
	onChange   func(LeaseChange)
}

type lockStripe struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func NewLockManager(store *Store, opts LockOptions) *LockManager {
	defaultTTL := opts.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultLockTTL
	}
	maxTTL := opts.MaxTTL
	if maxTTL <= 0 {
		maxTTL = MaxLockTTL
	}
	if defaultTTL > maxTTL {
		defaultTTL = maxTTL
	}
	stripes := opts.Stripes
	if stripes <= 0 {
		stripes = defaultLockStripes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &LockManager{
		store:      store,
		stripes:    make([]lockStripe, stripes),
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		now:        now,
		logger:     logger,
		onChange:   opts.OnChange,
	}
	for i := range m.stripes {
		m.stripes[i].leases = map[string]Lease{}
	}
	m.seed()
	return m
}

// seed rebuilds the lease table from leases mirrored on stored records.
// Expired entries are kept so the sweeper clears them from the record too.
func (m *LockManager) seed() {
	if m.store == nil {
		return
	}
	seeded := 0
	for _, rec := range m.store.All() {
		if rec.LockOwner == nil || rec.LockExpiresAt == nil {
			continue
		}
		stripe := m.stripeFor(rec.ID)
		stripe.mu.Lock()
		stripe.leases[rec.ID] = Lease{
			ID:         rec.ID,
			Owner:      *rec.LockOwner,
			AcquiredAt: rec.UpdatedAt,
			ExpiresAt:  *rec.LockExpiresAt,
		}
		stripe.mu.Unlock()
		seeded++
	}
	if seeded > 0 {
		m.logger.Info("lease table seeded from store", zap.Int("leases", seeded))
	}
}

func (m *LockManager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

func (m *LockManager) MaxTTL() time.Duration {
	return m.maxTTL
}

// EffectiveTTL maps a requested duration onto the allowed range. Anything
// outside (0, MaxTTL] becomes the default rather than an error.
func (m *LockManager) EffectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > m.maxTTL {
		return m.defaultTTL
	}
	return ttl
}

func (m *LockManager) Acquire(id, actor string, ttl time.Duration) (Lease, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Lease{}, &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	ttl = m.EffectiveTTL(ttl)

	stripe := m.stripeFor(id)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	now := m.now().UTC()
	current, held := stripe.leases[id]
	if held && current.Owner != actor && current.Live(now) {
		return Lease{}, &LockHeldError{ID: id, Owner: current.Owner, ExpiresAt: current.ExpiresAt}
	}

	lease := Lease{ID: id, Owner: actor, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	reason := LeaseReasonAcquired
	if held && current.Owner == actor && current.Live(now) {
		lease.AcquiredAt = current.AcquiredAt
		reason = LeaseReasonExtended
	}
	expires := lease.ExpiresAt
	_, err := m.store.SetLease(id, &actor, &expires, m.notify(true, reason, lease))
	if err != nil {
		return Lease{}, err
	}
	stripe.leases[id] = lease
	m.logger.Debug("lease granted",
		zap.String("contact_id", id),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.Time("expires_at", lease.ExpiresAt),
	)
	return lease, nil
}

// Release clears the caller's lease. Releasing a record with no live lease
// is a no-op; releasing another actor's live lease is denied.
func (m *LockManager) Release(id, actor string) (bool, error) {
	actor = strings.TrimSpace(actor)
	stripe := m.stripeFor(id)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	now := m.now().UTC()
	current, held := stripe.leases[id]
	if !held {
		if _, err := m.store.Get(id); err != nil {
			return false, err
		}
		return false, nil
	}
	if current.Owner != actor {
		if current.Live(now) {
			return false, &LockDeniedError{ID: id, Owner: current.Owner, ExpiresAt: current.ExpiresAt}
		}
		return false, nil
	}
	_, err := m.store.SetLease(id, nil, nil, m.notify(false, LeaseReasonReleased, current))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	delete(stripe.leases, id)
	return true, nil
}

// Check reports whether actor may mutate id at now.
func (m *LockManager) Check(id, actor string, now time.Time) error {
	stripe := m.stripeFor(id)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()
	current, held := stripe.leases[id]
	if held && current.Owner != actor && current.Live(now) {
		return &LockDeniedError{ID: id, Owner: current.Owner, ExpiresAt: current.ExpiresAt}
	}
	return nil
}

// Holder returns the live lease on id, if any.
func (m *LockManager) Holder(id string) (Lease, bool) {
	stripe := m.stripeFor(id)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()
	current, held := stripe.leases[id]
	if !held || !current.Live(m.now()) {
		return Lease{}, false
	}
	return current, true
}

// Sweep clears every lease that expired at or before now. It is the only path
// that removes a lease owned by someone else. Leases whose record write fails
// stay in the table for the next sweep.
func (m *LockManager) Sweep(now time.Time) []Lease {
	var cleared []Lease
	for i := range m.stripes {
		stripe := &m.stripes[i]
		stripe.mu.Lock()
		for id, lease := range stripe.leases {
			if lease.Live(now) {
				continue
			}
			_, err := m.store.SetLease(id, nil, nil, m.notify(false, LeaseReasonExpired, lease))
			if err != nil && !errors.Is(err, ErrNotFound) {
				m.logger.Warn("lease sweep write failed",
					zap.String("contact_id", id),
					zap.String("owner", lease.Owner),
					zap.Error(err),
				)
				continue
			}
			delete(stripe.leases, id)
			cleared = append(cleared, lease)
		}
		stripe.mu.Unlock()
	}
	return cleared
}

// Evict runs remove while holding the lease stripe for id and drops any lease
// once remove succeeds.
func (m *LockManager) Evict(id string, remove func() error) error {
	stripe := m.stripeFor(id)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()
	if err := remove(); err != nil {
		return err
	}
	delete(stripe.leases, id)
	return nil
}

// Active counts live leases.
func (m *LockManager) Active() int {
	now := m.now()
	count := 0
	for i := range m.stripes {
		stripe := &m.stripes[i]
		stripe.mu.Lock()
		for _, lease := range stripe.leases {
			if lease.Live(now) {
				count++
			}
		}
		stripe.mu.Unlock()
	}
	return count
}

func (m *LockManager) notify(locked bool, reason string, lease Lease) func(ContactRecord) {
	return func(rec ContactRecord) {
		if m.onChange == nil {
			return
		}
		m.onChange(LeaseChange{Locked: locked, Reason: reason, Lease: lease, Record: rec})
	}
}

func (m *LockManager) stripeFor(id string) *lockStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.stripes[h.Sum32()%uint32(len(m.stripes))]
}
