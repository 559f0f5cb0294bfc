// Package events records what the pipeline did as typed, enum-tagged events.
//
// Log appends events to a JSONL file from one writer goroutine. A Ring
// keeps the most recent events in memory for the ops endpoint.
package events

import (
	"encoding/json"
	"time"
)

// Level is event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Kind identifies an event. Dot-delimited: "<subsystem>.<action>".
type Kind string

const (
	// Feed
	KindFeedCheck Kind = "feed.check"
	KindFeedError Kind = "feed.error"

	// Per entry
	KindEntryRejected Kind = "entry.rejected" // translation failed
	KindEntryDenied   Kind = "entry.denied"   // admission said no
	KindEntryAcquired Kind = "entry.acquired"
	KindAgentError    Kind = "agent.error"

	// Capacity
	KindEvicted   Kind = "capacity.evicted"
	KindExhausted Kind = "capacity.exhausted"
	KindUsage     Kind = "capacity.usage"

	// Repository
	KindRepoCorrupt     Kind = "repo.corrupt"
	KindRepoWriteFailed Kind = "repo.write_failed"

	// Reconciliation
	KindTransferCompleted Kind = "transfer.completed"
	KindTransferFailed    Kind = "transfer.failed"

	// Cycle
	KindCycleStart    Kind = "cycle.start"
	KindCycleComplete Kind = "cycle.complete"
	KindCyclePanic    Kind = "cycle.panic"

	// System
	KindStartup  Kind = "sys.startup"
	KindShutdown Kind = "sys.shutdown"
)

// Event is one record in the event log. Every field except Kind and Time is
// optional.
type Event struct {
	Time     time.Time      `json:"t"`
	Level    Level          `json:"level,omitempty"`
	Kind     Kind           `json:"kind"`
	Comp     string         `json:"comp,omitempty"`   // "coord", "capacity", "main"
	RunID    string         `json:"run_id,omitempty"` // same for the whole process
	CycleID  string         `json:"cycle_id,omitempty"`
	RecordID string         `json:"record_id,omitempty"`
	Title    string         `json:"title,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Bytes    int64          `json:"bytes,omitempty"`
	Count    int            `json:"count,omitempty"`
	Percent  float64        `json:"percent,omitempty"`
	Dur      time.Duration  `json:"-"`
	DurMs    float64        `json:"dur_ms,omitempty"` // derived from Dur
	Err      string         `json:"err,omitempty"`
	Msg      string         `json:"msg,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type eventAlias Event

// MarshalJSON fills dur_ms from Dur.
func (e Event) MarshalJSON() ([]byte, error) {
	a := eventAlias(e)
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}

// UnmarshalJSON restores Dur from dur_ms.
func (e *Event) UnmarshalJSON(data []byte) error {
	var a eventAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Event(a)
	if e.DurMs > 0 {
		e.Dur = time.Duration(e.DurMs * float64(time.Millisecond))
	}
	return nil
}

// clone copies the Extra map so retained events do not alias the caller's.
func (e Event) clone() Event {
	if e.Extra != nil {
		cp := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			cp[k] = v
		}
		e.Extra = cp
	}
	return e
}

// Emitter accepts events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// KindCounts tallies events by Kind.
func KindCounts(evs []Event) map[Kind]int {
	counts := make(map[Kind]int)
	for _, e := range evs {
		counts[e.Kind]++
	}
	return counts
}
