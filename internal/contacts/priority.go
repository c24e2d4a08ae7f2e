package contacts

import "sort"

// SortByPriority returns records ordered by the policy's status priority,
// lower first. Records with equal priority keep their input order.
func SortByPriority(records []ContactRecord, policy Policy) []ContactRecord {
	out := make([]ContactRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return policy.Priority(out[i].Status) < policy.Priority(out[j].Status)
	})
	return out
}
