// Package status renders the tracked records for the terminal, either once
// or as a live bubbletea view.
package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/abelbrown/harvest/internal/filter"
	"github.com/abelbrown/harvest/internal/model"
)

const (
	defaultWidth = 100
	minTitle     = 12
	barWidth     = 30
)

// Render draws a usage bar, per-status counts and one row per record,
// newest first. used and budget are bytes; width is the terminal width
// (0 picks a default).
func Render(records []model.Record, used, budget int64, width int) string {
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("HARVEST"))
	b.WriteString("  ")
	b.WriteString(usageLine(used, budget))
	b.WriteString("\n")
	b.WriteString(countsLine(records))
	b.WriteString("\n\n")

	if len(records) == 0 {
		b.WriteString(mutedStyle.Render("No records tracked yet."))
		b.WriteString("\n")
		return b.String()
	}

	rows := sortedNewestFirst(records)
	// id, status, size and added columns take roughly 50 cells with padding
	titleWidth := width - 50
	if titleWidth < minTitle {
		titleWidth = minTitle
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "STATUS", "SIZE", "ADDED", "TITLE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			if col == 1 && row >= 0 && row < len(rows) {
				return statusStyle(rows[row].Status.Label())
			}
			return cell
		})
	for _, r := range rows {
		t.Row(r.ID, r.Status.Label(), formatSize(r.SizeBytes), r.AddedAt.Local().Format("2006-01-02 15:04"),
			runewidth.Truncate(r.Title, titleWidth, "…"))
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

func usageLine(used, budget int64) string {
	if budget <= 0 {
		return fmt.Sprintf("%s used, no budget", humanize.IBytes(uint64(max(used, 0))))
	}
	percent := float64(used) / float64(budget) * 100
	filled := int(percent / 100 * barWidth)
	filled = min(max(filled, 0), barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	style := usageStyle(percent)
	return fmt.Sprintf("%s %s / %s (%s)",
		style.Render(bar),
		humanize.IBytes(uint64(max(used, 0))),
		humanize.IBytes(uint64(budget)),
		style.Render(fmt.Sprintf("%.1f%%", percent)))
}

func countsLine(records []model.Record) string {
	counts := filter.CountByStatus(records)
	parts := make([]string, 0, len(model.Statuses)+1)
	for _, s := range model.Statuses {
		parts = append(parts, fmt.Sprintf("%s %d", s.Label(), counts[s]))
	}
	parts = append(parts, "tracked "+humanize.IBytes(uint64(filter.TotalSize(filter.ByStatus(records, model.StatusCompleted)))))
	return mutedStyle.Render(strings.Join(parts, " · "))
}

// formatSize prints "?" for unknown sizes.
func formatSize(n int64) string {
	if n <= 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

func sortedNewestFirst(records []model.Record) []model.Record {
	out := make([]model.Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
