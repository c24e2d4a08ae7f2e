package contacts

import (
	"sort"
	"strings"
	"time"
)

const (
	UnknownPriority  = 999
	AutomationActor  = "automation"
	DefaultNewStatus = StatusSinGestionar
)

// AutomationRule moves a record to Status once it has gone Months calendar
// months without a visibility event.
type AutomationRule struct {
	Status string `json:"status" yaml:"status"`
	Months int    `json:"months" yaml:"months"`
}

// Policy is the status vocabulary the automation and sort passes work from.
type Policy struct {
	Priorities map[string]int   `json:"priorities" yaml:"priorities"`
	Rules      []AutomationRule `json:"rules" yaml:"rules"`
	Protected  []string         `json:"protected" yaml:"protected"`
}

func DefaultPolicy() Policy {
	return Policy{
		Priorities: map[string]int{
			StatusNC:               1,
			StatusCuelga:           2,
			StatusSinGestionar:     3,
			StatusInteresado:       4,
			StatusServiciosActivos: 10,
			StatusNoExiste:         20,
			StatusSinRed:           21,
			StatusNoContacto:       22,
		},
		Rules: []AutomationRule{
			{Status: StatusNoExiste, Months: 3},
			{Status: StatusSinRed, Months: 6},
			{Status: StatusNoContacto, Months: 8},
		},
		Protected: []string{
			StatusInteresado,
			StatusServiciosActivos,
			StatusNoExiste,
			StatusSinRed,
			StatusNoContacto,
		},
	}
}

// Normalized returns a copy with upper-cased tags and rules ordered from
// least to most severe. Rules with a non-positive threshold are dropped.
func (p Policy) Normalized() Policy {
	out := Policy{
		Priorities: make(map[string]int, len(p.Priorities)),
		Rules:      make([]AutomationRule, 0, len(p.Rules)),
		Protected:  make([]string, 0, len(p.Protected)),
	}
	for status, priority := range p.Priorities {
		status = normalizeStatus(status)
		if status == "" {
			continue
		}
		out.Priorities[status] = priority
	}
	for _, rule := range p.Rules {
		rule.Status = normalizeStatus(rule.Status)
		if rule.Status == "" || rule.Months <= 0 {
			continue
		}
		out.Rules = append(out.Rules, rule)
	}
	sort.SliceStable(out.Rules, func(i, j int) bool {
		return out.Rules[i].Months < out.Rules[j].Months
	})
	seen := map[string]bool{}
	for _, status := range p.Protected {
		status = normalizeStatus(status)
		if status == "" || seen[status] {
			continue
		}
		seen[status] = true
		out.Protected = append(out.Protected, status)
	}
	return out
}

func (p Policy) Priority(status string) int {
	if priority, ok := p.Priorities[status]; ok {
		return priority
	}
	return UnknownPriority
}

func (p Policy) IsProtected(status string) bool {
	for _, protected := range p.Protected {
		if protected == status {
			return true
		}
	}
	return false
}

// DeriveStatus returns the status inactivity implies for rec at now, and
// whether it differs from the current one. The most severe rule whose
// threshold has elapsed wins. Protected statuses are never changed.
func DeriveStatus(rec ContactRecord, now time.Time, policy Policy) (string, bool) {
	if policy.IsProtected(rec.Status) {
		return rec.Status, false
	}
	seen := visibilityBase(rec)
	if seen.IsZero() {
		return rec.Status, false
	}
	for i := len(policy.Rules) - 1; i >= 0; i-- {
		rule := policy.Rules[i]
		threshold := now.AddDate(0, -rule.Months, 0)
		if !seen.Before(threshold) {
			continue
		}
		if rule.Status == rec.Status {
			return rec.Status, false
		}
		return rule.Status, true
	}
	return rec.Status, false
}

// VisibilityMonthsAgo counts whole calendar months since rec was last seen.
func VisibilityMonthsAgo(rec ContactRecord, now time.Time) int {
	seen := visibilityBase(rec)
	if seen.IsZero() || !seen.Before(now) {
		return 0
	}
	months := 0
	for !seen.AddDate(0, months+1, 0).After(now) {
		months++
	}
	return months
}

func visibilityBase(rec ContactRecord) time.Time {
	if !rec.LastVisibilityTime.IsZero() {
		return rec.LastVisibilityTime
	}
	return rec.CreatedAt
}

// normalizeStatus upper-cases a tag and joins words with underscores, so
// "sin gestionar" and "SIN_GESTIONAR" name the same status.
func normalizeStatus(status string) string {
	return strings.Join(strings.Fields(strings.ToUpper(status)), "_")
}
