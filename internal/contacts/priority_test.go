package contacts

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSortByPriorityGroupsByStatus(t *testing.T) {
	records := []ContactRecord{
		{ID: "1", Status: StatusSinGestionar},
		{ID: "2", Status: StatusCuelga},
		{ID: "3", Status: "WHATEVER"},
		{ID: "4", Status: StatusNC},
		{ID: "5", Status: StatusCuelga},
		{ID: "6", Status: StatusNoContacto},
		{ID: "7", Status: StatusNC},
		{ID: "8", Status: StatusServiciosActivos},
	}
	sorted := SortByPriority(records, DefaultPolicy())

	got := make([]string, 0, len(sorted))
	for _, rec := range sorted {
		got = append(got, rec.ID)
	}
	want := []string{"4", "7", "2", "5", "1", "8", "6", "3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("priority order mismatch (-want +got):\n%s", diff)
	}
	if records[0].ID != "1" {
		t.Fatalf("expected input slice left untouched")
	}
}

func TestPolicyPriorityUnknownIsLast(t *testing.T) {
	policy := DefaultPolicy()
	if got := policy.Priority("NOPE"); got != UnknownPriority {
		t.Fatalf("expected sentinel %d, got %d", UnknownPriority, got)
	}
	if policy.Priority(StatusNoContacto) >= UnknownPriority {
		t.Fatalf("expected known statuses to sort before unknown ones")
	}
}
