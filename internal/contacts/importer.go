package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ImportRow struct {
	Phone       string          `json:"phone"`
	Name        string          `json:"name,omitempty"`
	Status      string          `json:"status,omitempty"`
	Note        string          `json:"note,omitempty"`
	Coordinates json.RawMessage `json:"coords,omitempty"`
}

// UnmarshalJSON reads coordinates from "coords", falling back to the
// record field name "coordinates".
func (r *ImportRow) UnmarshalJSON(data []byte) error {
	type plain ImportRow
	var aux struct {
		plain
		Alias json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ImportRow(aux.plain)
	if len(r.Coordinates) == 0 {
		r.Coordinates = aux.Alias
	}
	return nil
}

type RowError struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type ImportResult struct {
	Inserted         int        `json:"inserted"`
	Updated          int        `json:"updated"`
	DuplicatesMerged int        `json:"duplicatesMerged"`
	Errors           []RowError `json:"errors"`
}

func (r ImportResult) Total() int {
	return r.Inserted + r.Updated
}

// ImportBatch merges rows into the store keyed by ContactID. Rows are
// validated independently; a bad row is reported and skipped. Existing
// records take the non-empty fields of the row and count as merged
// duplicates. Leases are not consulted. One bulk event is published for the
// whole batch.
func (e *Engine) ImportBatch(ctx context.Context, caller string, rows []ImportRow) (ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return ImportResult{}, err
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return ImportResult{}, &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	now := e.now().UTC()
	if wait, ok := e.limiter.allow(caller, now); !ok {
		err := &RateLimitedError{Caller: caller, RetryAfter: wait}
		e.reject("", caller, err)
		return ImportResult{}, err
	}

	result := ImportResult{Errors: []RowError{}}
	for idx, row := range rows {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("import interrupted", zap.String("caller", caller), zap.Int("row", idx), zap.Error(err))
			e.finishImport(caller, result)
			return result, err
		}
		id, patch, err := e.prepareRow(row)
		if err != nil {
			result.Errors = append(result.Errors, rowError(idx, err))
			continue
		}
		var merged bool
		_, _, err = e.store.Upsert(id, func(rec *ContactRecord, exists bool) (bool, error) {
			merged = exists
			if !exists {
				newRecord(rec, id, patch, now)
				return true, nil
			}
			mergeRow(rec, patch, caller, now, e.store.HistoryLimit())
			return true, nil
		})
		if err != nil {
			e.logger.Warn("import row write failed", zap.Int("row", idx), zap.String("contact_id", id), zap.Error(err))
			result.Errors = append(result.Errors, rowError(idx, err))
			continue
		}
		if merged {
			result.Updated++
			result.DuplicatesMerged++
		} else {
			result.Inserted++
		}
	}

	e.finishImport(caller, result)
	return result, nil
}

// finishImport records and announces whatever a batch committed, including a
// batch cut short by its context.
func (e *Engine) finishImport(caller string, result ImportResult) {
	e.metrics.importBatch(result)
	e.metrics.mutation("import")
	e.logger.Info("import complete",
		zap.String("caller", caller),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("errors", len(result.Errors)),
	)
	payload, err := json.Marshal(result)
	if err != nil {
		e.logger.Warn("encode bulk event failed", zap.Error(err))
		return
	}
	e.hub.Publish(Event{Type: EventBulk, Actor: caller, Payload: payload, At: e.now().UTC()})
}

// prepareRow validates an import row and derives its id. Name is optional
// here; an empty name is filled in on insert.
func (e *Engine) prepareRow(row ImportRow) (string, Patch, error) {
	phone := strings.TrimSpace(row.Phone)
	if phone == "" {
		return "", Patch{}, &ValidationError{Field: FieldPhone, Reason: "must not be empty"}
	}
	fields := Patch{Phone: &phone}
	if name := strings.TrimSpace(row.Name); name != "" {
		fields.Name = &name
	}
	if status := strings.TrimSpace(row.Status); status != "" {
		fields.Status = &status
	}
	if note := strings.TrimSpace(row.Note); note != "" {
		fields.Note = &note
	}
	if len(row.Coordinates) > 0 && strings.TrimSpace(string(row.Coordinates)) != "null" {
		coords := append(json.RawMessage(nil), row.Coordinates...)
		fields.Coordinates = &coords
	}
	patch, err := normalizePatch(fields)
	if err != nil {
		return "", Patch{}, err
	}
	id := ContactIDForRegion(phone, e.phoneRegion)
	if id == "" {
		return "", Patch{}, &ValidationError{Field: FieldPhone, Reason: "has no digits"}
	}
	return id, patch, nil
}

// mergeRow applies the non-empty fields of an import row to an existing
// record. The raw phone is kept as first entered.
func mergeRow(rec *ContactRecord, patch Patch, actor string, now time.Time, historyLimit int) {
	patch.Phone = nil
	changes := patch.applyTo(rec)
	appendHistory(rec, actor, changes, now, historyLimit)
	rec.LastVisibilityTime = now
}

func rowError(idx int, err error) RowError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return RowError{Row: idx, Field: verr.Field, Reason: verr.Reason}
	}
	return RowError{Row: idx, Field: "record", Reason: err.Error()}
}

// importLimiter keeps one token bucket per caller.
type importLimiter struct {
	perMinute int
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newImportLimiter(perMinute, burst int) *importLimiter {
	return &importLimiter{
		perMinute: perMinute,
		burst:     burst,
		limiters:  map[string]*rate.Limiter{},
	}
}

func (l *importLimiter) allow(caller string, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	lim, ok := l.limiters[caller]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.burst)
		l.limiters[caller] = lim
	}
	l.mu.Unlock()

	reservation := lim.ReserveN(now, 1)
	if !reservation.OK() {
		return time.Minute, false
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return delay, false
	}
	return 0, true
}
