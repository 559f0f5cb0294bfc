// Package capacity keeps acquired content under a disk budget by evicting
// the oldest completed records first.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/abelbrown/harvest/internal/model"
)

// ErrCapacityExhausted is returned when usage plus the pending size still
// exceeds the budget and no completed record is left to evict.
var ErrCapacityExhausted = errors.New("capacity exhausted")

// UsageFunc reports the bytes currently occupied by acquired content.
type UsageFunc func(ctx context.Context) (int64, error)

// EvictFunc removes one record's content and marks it evicted.
type EvictFunc func(ctx context.Context, rec model.Record) error

// Manager answers whether a pending acquisition fits and frees space when
// it does not.
type Manager struct {
	budget         int64
	unknownReserve int64
	usage          UsageFunc
}

// New returns a Manager for a budget in bytes. unknownReserve is the size
// assumed for records whose size could not be parsed.
func New(budget, unknownReserve int64, usage UsageFunc) *Manager {
	if unknownReserve < 0 {
		unknownReserve = 0
	}
	return &Manager{budget: budget, unknownReserve: unknownReserve, usage: usage}
}

// Budget returns the configured budget in bytes.
func (m *Manager) Budget() int64 {
	return m.budget
}

// Usage queries current disk usage.
func (m *Manager) Usage(ctx context.Context) (int64, error) {
	used, err := m.usage(ctx)
	if err != nil {
		return 0, fmt.Errorf("query disk usage: %w", err)
	}
	return used, nil
}

// Reserve returns the number of bytes to plan for when acquiring a record of
// the given size. Unknown sizes (0) reserve the configured fallback.
func (m *Manager) Reserve(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return m.unknownReserve
	}
	return sizeBytes
}

// NeedsEviction reports whether usage + pending exceeds the budget.
func (m *Manager) NeedsEviction(ctx context.Context, pending int64) (bool, error) {
	used, err := m.Usage(ctx)
	if err != nil {
		return false, err
	}
	return over(used, pending, m.budget), nil
}

// UsagePercent returns usage as a percentage of the budget.
func (m *Manager) UsagePercent(ctx context.Context) (float64, error) {
	used, err := m.Usage(ctx)
	if err != nil {
		return 0, err
	}
	if m.budget <= 0 {
		return 0, nil
	}
	return float64(used) / float64(m.budget) * 100, nil
}

// Reclaim evicts completed records, oldest first, until pending fits.
// Disk usage is re-queried after every eviction. candidates is called on
// each iteration so the caller's latest view is used.
//
// Returns the records evicted. If space runs out before pending fits the
// error wraps ErrCapacityExhausted; an evict failure aborts immediately.
func (m *Manager) Reclaim(ctx context.Context, pending int64, candidates func() []model.Record, evict EvictFunc) ([]model.Record, error) {
	var evicted []model.Record
	tried := make(map[string]bool)

	for {
		used, err := m.Usage(ctx)
		if err != nil {
			return evicted, err
		}
		if !over(used, pending, m.budget) {
			return evicted, nil
		}

		victim, ok := nextVictim(candidates(), tried)
		if !ok {
			return evicted, fmt.Errorf("%w: used %d + pending %d > budget %d",
				ErrCapacityExhausted, used, pending, m.budget)
		}
		tried[victim.ID] = true

		if err := evict(ctx, victim); err != nil {
			return evicted, fmt.Errorf("evict %s: %w", victim.ID, err)
		}
		evicted = append(evicted, victim)
	}
}

func nextVictim(records []model.Record, tried map[string]bool) (model.Record, bool) {
	for _, r := range SelectVictims(records, len(records)) {
		if !tried[r.ID] {
			return r, true
		}
	}
	return model.Record{}, false
}

// SelectVictims returns up to count Completed records ordered by completion
// time ascending (AddedAt when CompletedAt is missing). Ties keep input
// order. Records in any other status are never selected.
func SelectVictims(records []model.Record, count int) []model.Record {
	if count <= 0 {
		return nil
	}

	completed := make([]model.Record, 0, len(records))
	for _, r := range records {
		if r.Status == model.StatusCompleted {
			completed = append(completed, r)
		}
	}

	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].EvictionKey().Before(completed[j].EvictionKey())
	})

	if len(completed) > count {
		completed = completed[:count]
	}
	return completed
}

func over(used, pending, budget int64) bool {
	return used+pending > budget
}

// DirUsage returns a UsageFunc summing the sizes of regular files under
// root. A missing root counts as empty.
func DirUsage(root string) UsageFunc {
	return func(ctx context.Context) (int64, error) {
		var total int64
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("walk %s: %w", root, err)
		}
		return total, nil
	}
}

// EnsureDir creates the content root if needed.
func EnsureDir(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create content dir %s: %w", root, err)
	}
	return nil
}
