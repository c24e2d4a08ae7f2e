package contacts

import (
	"testing"
	"time"
)

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2025, time.September, 15, 12, 0, 0, 0, time.UTC)
	policy := DefaultPolicy().Normalized()

	tests := []struct {
		name        string
		status      string
		seen        time.Time
		want        string
		wantChanged bool
	}{
		{name: "fresh", status: StatusNC, seen: now.AddDate(0, -1, 0), want: StatusNC},
		{name: "exactly three months", status: StatusNC, seen: now.AddDate(0, -3, 0), want: StatusNC},
		{name: "past three months", status: StatusNC, seen: now.AddDate(0, -3, -1), want: StatusNoExiste, wantChanged: true},
		{name: "past six months", status: StatusCuelga, seen: now.AddDate(0, -6, -1), want: StatusSinRed, wantChanged: true},
		{name: "past eight months", status: StatusSinGestionar, seen: now.AddDate(0, -9, 0), want: StatusNoContacto, wantChanged: true},
		{name: "unknown status decays", status: "CUSTOM", seen: now.AddDate(-1, 0, 0), want: StatusNoContacto, wantChanged: true},
		{name: "interested is protected", status: StatusInteresado, seen: now.AddDate(-2, 0, 0), want: StatusInteresado},
		{name: "active service is protected", status: StatusServiciosActivos, seen: now.AddDate(-2, 0, 0), want: StatusServiciosActivos},
		{name: "own terminal tag is protected", status: StatusNoExiste, seen: now.AddDate(-2, 0, 0), want: StatusNoExiste},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ContactRecord{Status: tt.status, LastVisibilityTime: tt.seen}
			got, changed := DeriveStatus(rec, now, policy)
			if got != tt.want || changed != tt.wantChanged {
				t.Fatalf("expected (%s, %v), got (%s, %v)", tt.want, tt.wantChanged, got, changed)
			}
		})
	}
}

func TestDeriveStatusUsesCalendarMonths(t *testing.T) {
	policy := DefaultPolicy().Normalized()
	seen := time.Date(2025, time.January, 31, 9, 0, 0, 0, time.UTC)
	rec := ContactRecord{Status: StatusNC, LastVisibilityTime: seen}

	// Three calendar months back from May 1 lands on Feb 1, after Jan 31.
	if got, changed := DeriveStatus(rec, time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC), policy); !changed || got != StatusNoExiste {
		t.Fatalf("expected decay on May 1, got %s %v", got, changed)
	}
	if _, changed := DeriveStatus(rec, time.Date(2025, time.April, 30, 9, 0, 0, 0, time.UTC), policy); changed {
		t.Fatalf("expected no decay on April 30")
	}
}

func TestDeriveStatusFallsBackToCreatedAt(t *testing.T) {
	now := time.Date(2025, time.September, 15, 12, 0, 0, 0, time.UTC)
	rec := ContactRecord{Status: StatusNC, CreatedAt: now.AddDate(0, -4, 0)}
	if got, changed := DeriveStatus(rec, now, DefaultPolicy().Normalized()); !changed || got != StatusNoExiste {
		t.Fatalf("expected creation time to drive decay, got %s %v", got, changed)
	}
	if _, changed := DeriveStatus(ContactRecord{Status: StatusNC}, now, DefaultPolicy().Normalized()); changed {
		t.Fatalf("expected a record with no timestamps to be left alone")
	}
}

func TestPolicyNormalized(t *testing.T) {
	policy := Policy{
		Priorities: map[string]int{" sin gestionar ": 3},
		Rules: []AutomationRule{
			{Status: "no_contacto", Months: 8},
			{Status: "no existe", Months: 3},
			{Status: "ignored", Months: 0},
		},
		Protected: []string{"interesado", "INTERESADO"},
	}.Normalized()

	if policy.Priority(StatusSinGestionar) != 3 {
		t.Fatalf("expected normalized priority key, got %+v", policy.Priorities)
	}
	if len(policy.Rules) != 2 || policy.Rules[0].Status != StatusNoExiste || policy.Rules[1].Status != StatusNoContacto {
		t.Fatalf("expected rules sorted by threshold, got %+v", policy.Rules)
	}
	if len(policy.Protected) != 1 || !policy.IsProtected(StatusInteresado) {
		t.Fatalf("expected deduplicated protected set, got %+v", policy.Protected)
	}
}

func TestVisibilityMonthsAgo(t *testing.T) {
	now := time.Date(2025, time.September, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		seen time.Time
		want int
	}{
		{seen: now, want: 0},
		{seen: now.AddDate(0, 0, -20), want: 0},
		{seen: now.AddDate(0, -1, 0), want: 1},
		{seen: now.AddDate(0, -7, -3), want: 7},
		{seen: now.AddDate(0, 0, 3), want: 0},
	}
	for _, tt := range tests {
		if got := VisibilityMonthsAgo(ContactRecord{LastVisibilityTime: tt.seen}, now); got != tt.want {
			t.Fatalf("seen %s: expected %d months, got %d", tt.seen, tt.want, got)
		}
	}
}
