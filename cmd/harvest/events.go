package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/abelbrown/harvest/internal/events"
)

// levelRank returns a numeric rank for filtering (higher = more severe).
func levelRank(level events.Level) int {
	switch level {
	case events.LevelInfo:
		return 1
	case events.LevelWarn:
		return 2
	case events.LevelError:
		return 3
	}
	return 0
}

type eventFilter struct {
	kind     string
	minLevel events.Level
	cycle    string
	record   string
}

func (f eventFilter) match(ev events.Event) bool {
	if f.kind != "" && !strings.HasPrefix(string(ev.Kind), f.kind) {
		return false
	}
	if f.minLevel != "" && levelRank(ev.Level) < levelRank(f.minLevel) {
		return false
	}
	if f.cycle != "" && !strings.HasPrefix(ev.CycleID, f.cycle) {
		return false
	}
	if f.record != "" && ev.RecordID != f.record {
		return false
	}
	return true
}

func formatEvent(ev events.Event) string {
	lvl := strings.ToUpper(string(ev.Level))
	if lvl == "" {
		lvl = "?"
	}
	parts := []string{fmt.Sprintf("%s %-5s [%-8s] %-20s", ev.Time.Local().Format("01-02 15:04:05"), lvl, ev.Comp, ev.Kind)}
	if ev.RecordID != "" {
		parts = append(parts, "id="+ev.RecordID)
	}
	if ev.Title != "" {
		parts = append(parts, fmt.Sprintf("%q", ev.Title))
	}
	if ev.Reason != "" {
		parts = append(parts, "reason="+ev.Reason)
	}
	if ev.Msg != "" {
		parts = append(parts, "- "+ev.Msg)
	}
	if ev.Count > 0 {
		parts = append(parts, fmt.Sprintf("n=%d", ev.Count))
	}
	if ev.Bytes > 0 {
		parts = append(parts, fmt.Sprintf("bytes=%d", ev.Bytes))
	}
	if ev.Percent > 0 {
		parts = append(parts, fmt.Sprintf("%.1f%%", ev.Percent))
	}
	if ev.Dur > 0 {
		parts = append(parts, fmt.Sprintf("(%s)", ev.Dur.Round(time.Millisecond)))
	}
	if ev.Err != "" {
		parts = append(parts, "err="+ev.Err)
	}
	return strings.Join(parts, " ")
}

func runEvents() error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	tail := fs.Int("tail", 50, "Number of recent events to show (0 = all)")
	follow := fs.Bool("f", false, "Follow mode (like tail -f)")
	kind := fs.String("kind", "", "Filter by event kind prefix (e.g. 'capacity')")
	level := fs.String("level", "", "Minimum level: debug, info, warn, error")
	cycle := fs.String("cycle", "", "Filter by cycle id prefix")
	record := fs.String("id", "", "Filter by record id")
	rawJSON := fs.Bool("json", false, "Output JSON lines")
	fs.Parse(os.Args[1:])

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if cfg.Logging.EventLog == "" {
		return fmt.Errorf("logging.event_log is not set")
	}

	f, err := os.Open(cfg.Logging.EventLog)
	if err != nil {
		return fmt.Errorf("%w (run the daemon first to generate events)", err)
	}
	defer f.Close()

	filter := eventFilter{kind: *kind, minLevel: events.Level(*level), cycle: *cycle, record: *record}
	show := func(ev events.Event) {
		if *rawJSON {
			line, _ := json.Marshal(ev)
			fmt.Println(string(line))
			return
		}
		fmt.Println(formatEvent(ev))
	}

	all, err := events.Tail(f, 0)
	if err != nil {
		return err
	}
	var matched []events.Event
	for _, ev := range all {
		if filter.match(ev) {
			matched = append(matched, ev)
		}
	}
	if *tail > 0 && len(matched) > *tail {
		matched = matched[len(matched)-*tail:]
	}
	for _, ev := range matched {
		show(ev)
	}
	if !*follow {
		return nil
	}

	// Tail consumed the file; keep reading appended lines. A line without
	// its newline yet is held until the rest arrives.
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if err == io.EOF {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}
		var ev events.Event
		if json.Unmarshal(partial, &ev) == nil && filter.match(ev) {
			show(ev)
		}
		partial = partial[:0]
	}
}
