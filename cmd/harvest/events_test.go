package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/abelbrown/harvest/internal/coord"
	"github.com/abelbrown/harvest/internal/events"
	"github.com/abelbrown/harvest/internal/filter"
)

func TestEventFilter(t *testing.T) {
	ev := events.Event{Kind: events.KindEvicted, Level: events.LevelWarn, CycleID: "abcd-1234", RecordID: "42"}

	tests := []struct {
		name string
		f    eventFilter
		want bool
	}{
		{"empty matches", eventFilter{}, true},
		{"kind prefix", eventFilter{kind: "capacity"}, true},
		{"other kind", eventFilter{kind: "feed"}, false},
		{"level at threshold", eventFilter{minLevel: events.LevelWarn}, true},
		{"level below threshold", eventFilter{minLevel: events.LevelError}, false},
		{"cycle prefix", eventFilter{cycle: "abcd"}, true},
		{"record mismatch", eventFilter{record: "7"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.match(ev); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatEvent(t *testing.T) {
	ev := events.Event{
		Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), Level: events.LevelInfo,
		Kind: events.KindEntryAcquired, Comp: "coord", RecordID: "946514", Title: "Some.Movie",
		Bytes: 1024, Dur: 1500 * time.Millisecond,
	}
	got := formatEvent(ev)
	for _, want := range []string{"INFO", "[coord", "entry.acquired", "id=946514", `"Some.Movie"`, "bytes=1024", "(1.5s)"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatEvent missing %q: %s", want, got)
		}
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, coord.CycleReport{
		CycleID: "c1", Entries: 10, Acquired: 2, Skipped: 3, Evicted: 1,
		Denied:     map[filter.Reason]int{filter.PolicyViolation: 4, filter.AlreadyTracked: 1},
		UsageBytes: 1 << 30, UsagePercent: 12.5,
	})
	out := buf.String()
	for _, want := range []string{"Cycle c1", "Feed entries:       10", "Skipped (cap):      3", "already_tracked:", "policy_violation:", "1.0 GiB (12.5%)"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "already_tracked") > strings.Index(out, "policy_violation") {
		t.Error("denied reasons not in stable order")
	}
}
