package coord

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"

	"github.com/abelbrown/harvest/internal/events"
	"github.com/abelbrown/harvest/internal/logging"
)

// Clock abstracts wall time so the scheduler can be driven in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Cycler runs one cycle. *Pipeline implements it.
type Cycler interface {
	RunCycle(ctx context.Context) CycleReport
}

// Scheduler runs cycles back to back with Interval of sleep in between.
// Only one cycle is ever in flight.
type Scheduler struct {
	Cycler   Cycler
	Interval time.Duration
	Clock    Clock
	Logger   *log.Logger
	Events   events.Emitter

	// OnCycle, when set, receives every completed report.
	OnCycle func(CycleReport)
}

// Run executes a cycle immediately, then one per Interval until ctx is
// cancelled. A panicking cycle is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	clock := s.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	emitter := s.Events
	if emitter == nil {
		emitter = events.Discard
	}
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %s", s.Interval)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if rep, ok := s.runOnce(ctx, logger, emitter); ok && s.OnCycle != nil {
			s.OnCycle(rep)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(s.Interval):
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, logger *log.Logger, emitter events.Emitter) (rep CycleReport, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked", "panic", r)
			emitter.Emit(events.Event{
				Level: events.LevelError, Kind: events.KindCyclePanic, Comp: comp,
				Err: fmt.Sprint(r), Extra: map[string]any{"stack": string(debug.Stack())},
			})
			ok = false
		}
	}()
	return s.Cycler.RunCycle(ctx), true
}
