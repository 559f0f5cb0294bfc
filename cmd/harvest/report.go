package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/abelbrown/harvest/internal/coord"
	"github.com/abelbrown/harvest/internal/filter"
)

func printReport(w io.Writer, rep coord.CycleReport) {
	fmt.Fprintf(w, "Cycle %s (%s)\n", rep.CycleID, rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Feed entries:       %d\n", rep.Entries)
	fmt.Fprintf(w, "  Acquired:           %d\n", rep.Acquired)
	if rep.Skipped > 0 {
		fmt.Fprintf(w, "  Skipped (cap):      %d\n", rep.Skipped)
	}
	fmt.Fprintf(w, "  Rejected:           %d\n", rep.Rejected)

	reasons := make([]filter.Reason, 0, len(rep.Denied))
	for r := range rep.Denied {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		fmt.Fprintf(w, "  Denied %-20s %d\n", r.String()+":", rep.Denied[r])
	}

	fmt.Fprintf(w, "  Evicted:            %d\n", rep.Evicted)
	fmt.Fprintf(w, "  No space:           %d\n", rep.Exhausted)
	fmt.Fprintf(w, "  Agent failures:     %d\n", rep.AgentFailures)
	fmt.Fprintf(w, "  Write failures:     %d\n", rep.WriteFailures)
	fmt.Fprintf(w, "  Reconciled:         %d completed, %d failed\n", rep.Completed, rep.Failed)
	fmt.Fprintf(w, "  Storage:            %s (%.1f%%)\n", humanize.IBytes(uint64(max(rep.UsageBytes, 0))), rep.UsagePercent)
	if rep.FeedErr != nil {
		fmt.Fprintf(w, "  Feed error:         %v\n", rep.FeedErr)
	}
	if rep.Cancelled {
		fmt.Fprintln(w, "  Cancelled before the feed was finished")
	}
}
