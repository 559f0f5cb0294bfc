package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/abelbrown/harvest/internal/events"
	"github.com/abelbrown/harvest/internal/metrics"
	"github.com/abelbrown/harvest/internal/model"
)

type staticRecords []model.Record

func (s staticRecords) GetAll() []model.Record {
	out := make([]model.Record, len(s))
	copy(out, s)
	return out
}

func testDeps() Deps {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Disk(10, 100)

	ring := events.NewRing[events.Event](10)
	for _, k := range []events.Kind{events.KindCycleStart, events.KindEntryAcquired, events.KindCycleComplete} {
		ring.Push(events.Event{Kind: k, Time: time.Unix(0, 0).UTC()})
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Deps{
		Records: staticRecords{
			{ID: "1", Title: "a", AddedAt: at, Status: model.StatusAcquiring},
			{ID: "2", Title: "b", AddedAt: at, CompletedAt: at, Status: model.StatusCompleted},
		},
		Events:   ring,
		Gatherer: reg,
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, NewRouter(testDeps()), "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewRouter(testDeps()), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"harvest_disk_usage_bytes 10", "harvest_disk_budget_bytes 100"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestEventsTail(t *testing.T) {
	h := NewRouter(testDeps())

	rec := get(t, h, "/events?n=2")
	var evs []events.Event
	if err := json.NewDecoder(rec.Body).Decode(&evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Kind != events.KindEntryAcquired || evs[1].Kind != events.KindCycleComplete {
		t.Errorf("events = %+v", evs)
	}

	if rec := get(t, h, "/events?n=zero"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad n status = %d", rec.Code)
	}
}

func TestEventsWithoutRing(t *testing.T) {
	deps := testDeps()
	deps.Events = nil
	rec := get(t, NewRouter(deps), "/events")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRecords(t *testing.T) {
	h := NewRouter(testDeps())

	var all []model.Record
	if err := json.NewDecoder(get(t, h, "/records").Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("records = %d", len(all))
	}

	tests := []struct {
		query string
		code  int
		count int
	}{
		{"Completed", http.StatusOK, 1},
		{"downloading", http.StatusOK, 1},
		{"Evicted", http.StatusOK, 0},
		{"bogus", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(t, h, "/records?status="+tt.query)
			if rec.Code != tt.code {
				t.Fatalf("status = %d", rec.Code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var got []model.Record
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.count {
				t.Errorf("count = %d, want %d", len(got), tt.count)
			}
		})
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := New(addr, testDeps())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	err = New(ln.Addr().String(), testDeps()).Run(context.Background())
	if err == nil {
		t.Error("expected error for an address in use")
	}
}
