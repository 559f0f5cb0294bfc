// Package filter decides which translated records may be acquired.
// All functions are pure: a record and a view of the repository in, a
// decision out. No side effects.
package filter

import (
	"github.com/abelbrown/harvest/internal/model"
)

// Reason explains an admission decision.
type Reason int

const (
	Allow Reason = iota
	AlreadyTracked
	PolicyViolation
	InsufficientSeeders
)

// String returns the reason name used in logs and metric labels.
func (r Reason) String() string {
	switch r {
	case Allow:
		return "allow"
	case AlreadyTracked:
		return "already_tracked"
	case PolicyViolation:
		return "policy_violation"
	case InsufficientSeeders:
		return "insufficient_seeders"
	}
	return "unknown"
}

// Filters is the operator's admission policy.
type Filters struct {
	PrivilegedOnly bool
	MinSeeders     int
}

// Tracker answers whether an id is already known.
type Tracker interface {
	Exists(id string) bool
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Admit applies the checks in a fixed order and returns the first failure:
// already tracked, then privileged-only policy, then minimum seeders.
// A record passing all three is allowed.
func Admit(rec model.Record, tracked Tracker, f Filters) Decision {
	if tracked != nil && tracked.Exists(rec.ID) {
		return deny(AlreadyTracked)
	}
	if f.PrivilegedOnly && !rec.IsPrivileged {
		return deny(PolicyViolation)
	}
	if rec.SeederCount < f.MinSeeders {
		return deny(InsufficientSeeders)
	}
	return Decision{Allowed: true, Reason: Allow}
}

func deny(r Reason) Decision {
	return Decision{Allowed: false, Reason: r}
}

// ByStatus keeps only records in the given status, preserving order.
func ByStatus(records []model.Record, status model.Status) []model.Record {
	result := make([]model.Record, 0, len(records))
	for _, r := range records {
		if r.Status == status {
			result = append(result, r)
		}
	}
	return result
}

// CountByStatus tallies records per status. Every known status is present
// in the result, possibly with a zero count.
func CountByStatus(records []model.Record) map[model.Status]int {
	counts := make(map[model.Status]int, len(model.Statuses))
	for _, s := range model.Statuses {
		counts[s] = 0
	}
	for _, r := range records {
		counts[r.Status]++
	}
	return counts
}

// TotalSize sums SizeBytes over records.
func TotalSize(records []model.Record) int64 {
	var total int64
	for _, r := range records {
		total += r.SizeBytes
	}
	return total
}
