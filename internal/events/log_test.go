package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEmitWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(&buf)

	l.Emit(Event{Kind: KindEntryAcquired, Level: LevelInfo, Comp: "coord", CycleID: "c1", RecordID: "946514", Bytes: 1024})
	l.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	want := map[string]any{
		"kind": "entry.acquired", "level": "info", "comp": "coord",
		"cycle_id": "c1", "record_id": "946514", "bytes": float64(1024),
	}
	for k, v := range want {
		if decoded[k] != v {
			t.Errorf("%s = %v, want %v", k, decoded[k], v)
		}
	}
}

func TestEmitStampsTimeAndRunID(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(&buf)

	before := time.Now()
	l.Emit(Event{Kind: KindStartup})
	l.Emit(Event{Kind: KindShutdown})
	l.Close()
	after := time.Now()

	evs, err := Tail(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	for _, ev := range evs {
		if ev.Time.Before(before) || ev.Time.After(after) {
			t.Errorf("time %v not in [%v, %v]", ev.Time, before, after)
		}
		if ev.RunID != l.RunID() {
			t.Errorf("run_id = %q, want %q", ev.RunID, l.RunID())
		}
	}
}

func TestDurRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(&buf)
	l.Emit(Event{Kind: KindCycleComplete, Dur: 1500 * time.Millisecond})
	l.Close()

	if !strings.Contains(buf.String(), `"dur_ms":1500`) {
		t.Errorf("dur_ms missing: %s", buf.String())
	}
	evs, _ := Tail(&buf, 1)
	if len(evs) != 1 || evs[0].Dur != 1500*time.Millisecond {
		t.Errorf("Dur not restored: %+v", evs)
	}
}

func TestOmitempty(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(&buf)
	l.Emit(Event{Kind: KindStartup})
	l.Close()

	line := strings.TrimSpace(buf.String())
	for _, field := range []string{"dur_ms", "count", "cycle_id", "record_id", "reason", "err", "msg", "extra", "bytes"} {
		if strings.Contains(line, `"`+field+`"`) {
			t.Errorf("expected %q omitted in %s", field, line)
		}
	}
}

func TestConcurrentEmit(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Emit(Event{Kind: KindFeedCheck})
		}()
	}
	wg.Wait()
	l.Close()

	evs, err := Tail(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 100 {
		t.Errorf("expected 100 events, got %d", len(evs))
	}
}

type blockingWriter struct {
	started chan struct{}
	block   chan struct{}
	once    sync.Once
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.started)
		<-w.block
	})
	return len(p), nil
}

func TestDropsWhenQueueFull(t *testing.T) {
	bw := &blockingWriter{started: make(chan struct{}), block: make(chan struct{})}
	l := NewLog(bw)

	l.Emit(Event{Kind: KindFeedCheck})
	<-bw.started

	for i := 0; i < queueSize+10; i++ {
		l.Emit(Event{Kind: KindFeedCheck})
	}
	if l.Dropped() == 0 {
		t.Error("expected drops with a full queue")
	}

	close(bw.block)
	if l.Close() == 0 {
		t.Error("Close should report drops")
	}
}

func TestEmitAfterClose(t *testing.T) {
	l := NewLog(nil)
	l.Close()
	l.Emit(Event{Kind: KindFeedCheck})
	if l.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", l.Dropped())
	}
	l.Close()
}

func TestEmitDuringClose(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Emit(Event{Kind: KindFeedCheck})
			}
		}()
	}
	dropped := l.Close()
	wg.Wait()

	evs, err := Tail(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := uint64(len(evs)) + l.Dropped(); got != 1600 {
		t.Errorf("written %d + dropped %d = %d, want 1600", len(evs), l.Dropped(), got)
	}
	if l.Dropped() < dropped {
		t.Errorf("Dropped went backwards: %d < %d", l.Dropped(), dropped)
	}
}

func TestHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(&buf)
	l.Info(KindStartup, "main", "starting")
	l.Warn(KindFeedError, "fetch", "timeout")
	l.Error(KindRepoWriteFailed, "store", errors.New("disk full"))
	l.Close()

	evs, _ := Tail(&buf, 0)
	if len(evs) != 3 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].Level != LevelInfo || evs[1].Level != LevelWarn || evs[2].Level != LevelError {
		t.Errorf("levels = %s %s %s", evs[0].Level, evs[1].Level, evs[2].Level)
	}
	if evs[2].Err != "disk full" {
		t.Errorf("err = %q", evs[2].Err)
	}
}

func TestRingAttached(t *testing.T) {
	ring := NewRing[Event](10)
	l := NewLog(nil)
	l.AttachRing(ring)

	extra := map[string]any{"k": "v"}
	l.Emit(Event{Kind: KindEvicted, Extra: extra})
	l.Emit(Event{Kind: KindEvicted})
	l.Emit(Event{Kind: KindUsage})
	l.Close()

	if ring.Len() != 3 {
		t.Fatalf("ring Len = %d, want 3", ring.Len())
	}
	extra["k"] = "changed"
	if ring.Snapshot()[0].Extra["k"] != "v" {
		t.Error("ring aliases caller's Extra map")
	}
	counts := KindCounts(ring.Snapshot())
	if counts[KindEvicted] != 2 || counts[KindUsage] != 1 {
		t.Errorf("KindCounts = %v", counts)
	}
}

func TestTailSkipsGarbage(t *testing.T) {
	in := strings.NewReader(`{"t":"2024-01-01T00:00:00Z","kind":"feed.check"}
not json
{"t":"2024-01-01T00:01:00Z","kind":"cycle.start"}
{"t":"2024-01-01T00:02:00Z","kind":"cycle.complete"}
`)
	evs, err := Tail(in, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Kind != KindCycleStart || evs[1].Kind != KindCycleComplete {
		t.Errorf("Tail = %+v", evs)
	}
}
