package contacts

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	StatusNC               = "NC"
	StatusCuelga           = "CUELGA"
	StatusSinGestionar     = "SIN_GESTIONAR"
	StatusInteresado       = "INTERESADO"
	StatusServiciosActivos = "SERVICIOS_ACTIVOS"
	StatusNoExiste         = "NO_EXISTE"
	StatusSinRed           = "SIN_RED"
	StatusNoContacto       = "NO_CONTACTO"
)

const (
	FieldPhone       = "phone"
	FieldName        = "name"
	FieldNote        = "note"
	FieldStatus      = "status"
	FieldCoordinates = "coordinates"
)

const defaultEditHistoryLimit = 20

type EditEntry struct {
	Actor string    `json:"actor"`
	Field string    `json:"field"`
	Old   string    `json:"old"`
	New   string    `json:"new"`
	At    time.Time `json:"at"`
}

type ContactRecord struct {
	ID                 string          `json:"id"`
	Phone              string          `json:"phone"`
	Name               string          `json:"name"`
	Note               string          `json:"note"`
	Status             string          `json:"status"`
	Coordinates        json.RawMessage `json:"coordinates,omitempty"`
	LastVisibilityTime time.Time       `json:"lastVisibilityTime"`
	LastCalledBy       string          `json:"lastCalledBy,omitempty"`
	LastCalledAt       *time.Time      `json:"lastCalledAt,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	LockOwner          *string         `json:"lockOwner"`
	LockExpiresAt      *time.Time      `json:"lockExpiresAt"`
	EditHistory        []EditEntry     `json:"editHistory"`
}

// Clone returns a deep copy so callers never share slices or pointers with a
// stored row.
func (r ContactRecord) Clone() ContactRecord {
	out := r
	if r.Coordinates != nil {
		out.Coordinates = append(json.RawMessage(nil), r.Coordinates...)
	}
	if r.LastCalledAt != nil {
		at := *r.LastCalledAt
		out.LastCalledAt = &at
	}
	if r.LockOwner != nil {
		owner := *r.LockOwner
		out.LockOwner = &owner
	}
	if r.LockExpiresAt != nil {
		exp := *r.LockExpiresAt
		out.LockExpiresAt = &exp
	}
	out.EditHistory = append([]EditEntry(nil), r.EditHistory...)
	return out
}

// Locked reports whether the record carries a lease that is still live at now.
func (r ContactRecord) Locked(now time.Time) bool {
	return r.LockOwner != nil && r.LockExpiresAt != nil && r.LockExpiresAt.After(now)
}

// Patch is a field-level mutation. Nil fields are absent; a non-nil pointer to
// an empty string is an explicit clear.
type Patch struct {
	Phone       *string          `json:"phone,omitempty"`
	Name        *string          `json:"name,omitempty"`
	Note        *string          `json:"note,omitempty"`
	Status      *string          `json:"status,omitempty"`
	Coordinates *json.RawMessage `json:"coordinates,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Phone == nil && p.Name == nil && p.Note == nil && p.Status == nil && p.Coordinates == nil
}

type fieldChange struct {
	field string
	old   string
	new   string
}

// applyTo writes the present fields that differ from rec and reports each
// change. Values must already be validated and normalized.
func (p Patch) applyTo(rec *ContactRecord) []fieldChange {
	var changes []fieldChange
	setString := func(field string, dst *string, v *string) {
		if v == nil || *dst == *v {
			return
		}
		changes = append(changes, fieldChange{field: field, old: *dst, new: *v})
		*dst = *v
	}
	setString(FieldPhone, &rec.Phone, p.Phone)
	setString(FieldName, &rec.Name, p.Name)
	setString(FieldNote, &rec.Note, p.Note)
	setString(FieldStatus, &rec.Status, p.Status)
	if p.Coordinates != nil && !jsonEqual(rec.Coordinates, *p.Coordinates) {
		changes = append(changes, fieldChange{field: FieldCoordinates, old: string(rec.Coordinates), new: string(*p.Coordinates)})
		rec.Coordinates = append(json.RawMessage(nil), (*p.Coordinates)...)
	}
	return changes
}

func appendHistory(rec *ContactRecord, actor string, changes []fieldChange, at time.Time, limit int) {
	if len(changes) == 0 {
		return
	}
	if limit <= 0 {
		limit = defaultEditHistoryLimit
	}
	entries := make([]EditEntry, 0, len(changes)+len(rec.EditHistory))
	for i := len(changes) - 1; i >= 0; i-- {
		entries = append(entries, EditEntry{
			Actor: actor,
			Field: changes[i].field,
			Old:   changes[i].old,
			New:   changes[i].new,
			At:    at,
		})
	}
	entries = append(entries, rec.EditHistory...)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	rec.EditHistory = entries
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(bytes.TrimSpace(a)) == len(bytes.TrimSpace(b))
	}
	var left, right bytes.Buffer
	if err := json.Compact(&left, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&right, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(left.Bytes(), right.Bytes())
}

func stringPtr(s string) *string {
	return &s
}
