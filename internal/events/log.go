package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// queueSize is the capacity of the async write channel.
const queueSize = 4096

type queued struct {
	line []byte
	ev   Event
}

// Log writes events as JSONL from a single writer goroutine, which also
// mirrors them into an optional Ring. Emit never waits on the writer;
// any event that cannot be queued or written counts as dropped.
type Log struct {
	runID string
	out   io.Writer
	queue chan queued
	ring  atomic.Pointer[Ring[Event]]

	// sendMu is held shared while sending on queue and exclusively while
	// closing it.
	sendMu  sync.RWMutex
	stopped bool
	flushed chan struct{}

	dropped atomic.Uint64
}

// NewLog starts a Log writing to w. Call Close to flush.
func NewLog(w io.Writer) *Log {
	if w == nil {
		w = io.Discard
	}
	l := &Log{
		runID:   uuid.NewString(),
		out:     w,
		queue:   make(chan queued, queueSize),
		flushed: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *Log) writeLoop() {
	defer close(l.flushed)
	for q := range l.queue {
		if _, err := l.out.Write(q.line); err != nil {
			l.dropped.Add(1)
		}
		if ring := l.ring.Load(); ring != nil {
			ring.Push(q.ev.clone())
		}
	}
}

// Emit queues e, stamping Time when unset and always RunID.
// Events emitted after Close are dropped.
func (l *Log) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.RunID = l.runID

	line, err := json.Marshal(e)
	if err != nil {
		l.dropped.Add(1)
		return
	}
	line = append(line, '\n')

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.stopped {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- queued{line: line, ev: e}:
	default:
		l.dropped.Add(1)
	}
}

// Info emits an info-level event.
func (l *Log) Info(kind Kind, comp, msg string) {
	l.Emit(Event{Level: LevelInfo, Kind: kind, Comp: comp, Msg: msg})
}

// Warn emits a warn-level event.
func (l *Log) Warn(kind Kind, comp, msg string) {
	l.Emit(Event{Level: LevelWarn, Kind: kind, Comp: comp, Msg: msg})
}

// Error emits an error-level event. A nil err is logged as "".
func (l *Log) Error(kind Kind, comp string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.Emit(Event{Level: LevelError, Kind: kind, Comp: comp, Err: msg})
}

// AttachRing mirrors every written event into ring.
func (l *Log) AttachRing(ring *Ring[Event]) {
	l.ring.Store(ring)
}

// RunID returns the id stamped on every event of this process.
func (l *Log) RunID() string {
	return l.runID
}

// Dropped returns how many events were lost.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// Close waits for queued events to be written and reports the number of
// events dropped over the Log's lifetime. Repeated calls are fine.
func (l *Log) Close() uint64 {
	l.sendMu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.queue)
	}
	l.sendMu.Unlock()

	<-l.flushed
	return l.dropped.Load()
}

// Tail decodes a JSONL event stream and returns the last n events.
// n <= 0 returns all of them. Lines that do not decode are skipped.
func Tail(r io.Reader, n int) ([]Event, error) {
	ring := NewRing[Event](n)
	var all []Event

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if n > 0 {
			ring.Push(e)
		} else {
			all = append(all, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	if n > 0 {
		return ring.Snapshot(), nil
	}
	return all, nil
}
