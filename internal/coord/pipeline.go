// Package coord runs ingestion cycles: fetch, admit, reclaim space, acquire.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/abelbrown/harvest/internal/agent"
	"github.com/abelbrown/harvest/internal/capacity"
	"github.com/abelbrown/harvest/internal/events"
	"github.com/abelbrown/harvest/internal/filter"
	"github.com/abelbrown/harvest/internal/logging"
	"github.com/abelbrown/harvest/internal/metrics"
	"github.com/abelbrown/harvest/internal/model"
	"github.com/abelbrown/harvest/internal/store"
	"github.com/abelbrown/harvest/internal/translate"
)

const comp = "coord"

// FeedSource returns raw entries in feed order. On failure it returns an
// empty slice and an error for logging.
type FeedSource interface {
	Fetch(ctx context.Context) ([]model.RawEntry, error)
}

// Config holds a Pipeline's collaborators. Logger, Events, Metrics and
// Clock are optional.
type Config struct {
	Repo       *store.Repository
	Agent      agent.Agent
	Feed       FeedSource
	Translator *translate.Translator
	Capacity   *capacity.Manager

	Filters     filter.Filters
	MaxPerCycle int    // acquisitions per cycle; 0 admits none, negative is unlimited
	Destination string // passed to the agent with every add

	Logger  *log.Logger
	Events  events.Emitter
	Metrics *metrics.Metrics
	Clock   Clock
}

// Pipeline executes one ingestion cycle at a time.
// Thread-safety: RunCycle may be called from any goroutine; the per-entry
// decision sequence is serialized by mu.
type Pipeline struct {
	repo       *store.Repository
	agent      agent.Agent
	feed       FeedSource
	translator *translate.Translator
	capacity   *capacity.Manager

	filters     filter.Filters
	maxPerCycle int
	destination string

	logger  *log.Logger
	events  events.Emitter
	metrics *metrics.Metrics
	clock   Clock

	mu sync.Mutex
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID       string
	Started       time.Time
	Duration      time.Duration
	Entries       int
	Rejected      int // translation failed
	Denied        map[filter.Reason]int
	Acquired      int
	AgentFailures int
	Exhausted     int // reclaim could not make room
	WriteFailures int
	Evicted       int
	Completed     int // reconciled Acquiring -> Completed
	Failed        int // reconciled Acquiring -> Failed
	Skipped       int // entries left after the cap was reached
	Cancelled     bool
	FeedErr       error
	UsageBytes    int64
	UsagePercent  float64
}

// NewPipeline returns a Pipeline over cfg.
func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		repo:        cfg.Repo,
		agent:       cfg.Agent,
		feed:        cfg.Feed,
		translator:  cfg.Translator,
		capacity:    cfg.Capacity,
		filters:     cfg.Filters,
		maxPerCycle: cfg.MaxPerCycle,
		destination: cfg.Destination,
		logger:      cfg.Logger,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	if p.events == nil {
		p.events = events.Discard
	}
	if p.clock == nil {
		p.clock = SystemClock{}
	}
	if p.translator == nil {
		p.translator = translate.New(translate.WithClock(p.clock.Now))
	}
	return p
}

// RunCycle reconciles finished transfers, then processes the feed.
// Cancellation is honoured only between entries.
func (p *Pipeline) RunCycle(ctx context.Context) CycleReport {
	rep := CycleReport{
		CycleID: uuid.NewString(),
		Started: p.clock.Now(),
		Denied:  make(map[filter.Reason]int),
	}
	p.emit(events.Event{Level: events.LevelInfo, Kind: events.KindCycleStart, CycleID: rep.CycleID})
	p.logger.Info("cycle starting", "cycle", rep.CycleID)

	work := context.WithoutCancel(ctx)
	p.reconcile(work, &rep)

	entries, err := p.feed.Fetch(ctx)
	if err != nil {
		rep.FeedErr = err
		p.logger.Warn("feed fetch failed", "err", err)
		p.emit(events.Event{Level: events.LevelWarn, Kind: events.KindFeedError, CycleID: rep.CycleID, Err: err.Error()})
	}
	rep.Entries = len(entries)
	p.emit(events.Event{
		Level: events.LevelInfo, Kind: events.KindFeedCheck, CycleID: rep.CycleID,
		Count: len(entries), Extra: map[string]any{"privileged": p.countPrivileged(entries)},
	})
	if len(entries) == 0 {
		p.logger.Info("no feed entries, nothing to do")
	}

	untrusted := make(map[string]bool)
	for i, entry := range entries {
		if ctx.Err() != nil {
			rep.Cancelled = true
			p.logger.Info("cycle cancelled between entries", "remaining", len(entries)-i)
			break
		}
		if p.maxPerCycle >= 0 && rep.Acquired >= p.maxPerCycle {
			rep.Skipped = len(entries) - i
			p.logger.Info("per-cycle limit reached", "limit", p.maxPerCycle, "skipped", rep.Skipped)
			break
		}
		p.processEntry(work, entry, &rep, untrusted)
	}

	if rep.Acquired == 0 && len(entries) > 0 {
		p.logger.Info("no new items acquired")
	}
	p.reportUsage(work, &rep)
	p.reportRecords()

	rep.Duration = p.clock.Now().Sub(rep.Started)
	p.emit(events.Event{
		Level: events.LevelInfo, Kind: events.KindCycleComplete, CycleID: rep.CycleID,
		Count: rep.Acquired, Dur: rep.Duration,
	})
	if p.metrics != nil {
		p.metrics.Cycle(cycleResult(rep), rep.Duration)
	}
	p.logger.Info("cycle complete", "cycle", rep.CycleID, "entries", rep.Entries,
		"acquired", rep.Acquired, "evicted", rep.Evicted, "dur", rep.Duration)
	return rep
}

func cycleResult(rep CycleReport) string {
	switch {
	case rep.Cancelled:
		return "cancelled"
	case rep.FeedErr != nil:
		return "feed_error"
	}
	return "ok"
}

func (p *Pipeline) countPrivileged(entries []model.RawEntry) int {
	n := 0
	for _, e := range entries {
		if translate.HasMarker(e.Title, p.translator.Marker()) {
			n++
		}
	}
	return n
}

// processEntry runs the decision sequence for one entry under the lock.
func (p *Pipeline) processEntry(ctx context.Context, entry model.RawEntry, rep *CycleReport, untrusted map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.translator.Translate(entry)
	if err != nil {
		rep.Rejected++
		p.count(metrics.OutcomeRejected)
		p.logger.Debug("entry rejected", "title", entry.Title, "err", err)
		p.emit(events.Event{Level: events.LevelDebug, Kind: events.KindEntryRejected, CycleID: rep.CycleID, Title: entry.Title, Err: err.Error()})
		return
	}

	// The agent accepted this id earlier in the cycle but the write failed.
	if untrusted[rec.ID] {
		p.logger.Debug("skipping unpersisted id", "id", rec.ID)
		return
	}

	decision := filter.Admit(rec, p.repo.Snapshot(), p.filters)
	if !decision.Allowed {
		rep.Denied[decision.Reason]++
		if p.metrics != nil {
			p.metrics.Denied(decision.Reason.String())
		}
		p.emit(events.Event{Level: events.LevelDebug, Kind: events.KindEntryDenied, CycleID: rep.CycleID, RecordID: rec.ID, Title: rec.Title, Reason: decision.Reason.String()})
		return
	}

	pending := p.capacity.Reserve(rec.SizeBytes)
	evicted, err := p.capacity.Reclaim(ctx, pending, p.evictionCandidates, p.evictor(rep.CycleID))
	rep.Evicted += len(evicted)
	if p.metrics != nil && len(evicted) > 0 {
		p.metrics.Evicted(len(evicted))
	}
	if err != nil {
		rep.Exhausted++
		p.count(metrics.OutcomeExhausted)
		p.logger.Warn("not enough space", "id", rec.ID, "title", rec.Title, "pending", pending, "err", err)
		p.emit(events.Event{Level: events.LevelWarn, Kind: events.KindExhausted, CycleID: rep.CycleID, RecordID: rec.ID, Title: rec.Title, Bytes: pending, Err: err.Error()})
		return
	}

	req := agent.AddRequest{SourceLink: rec.SourceLink, Destination: p.destination, Label: agent.LabelFor(rec.ID)}
	if err := p.agent.Add(ctx, req); err != nil {
		rep.AgentFailures++
		p.count(metrics.OutcomeAgentFailed)
		p.logger.Error("agent add failed", "id", rec.ID, "title", rec.Title, "agent", p.agent.Name(), "err", err)
		p.emit(events.Event{Level: events.LevelError, Kind: events.KindAgentError, CycleID: rep.CycleID, RecordID: rec.ID, Title: rec.Title, Err: err.Error()})
		return
	}

	acquiring, err := rec.Transition(model.StatusAcquiring, p.clock.Now())
	if err == nil {
		err = p.repo.Add(acquiring)
	}
	if err != nil {
		untrusted[rec.ID] = true
		rep.WriteFailures++
		p.count(metrics.OutcomeWriteFailed)
		p.logger.Error("record not persisted", "id", rec.ID, "title", rec.Title, "err", err)
		p.emit(events.Event{Level: events.LevelError, Kind: events.KindRepoWriteFailed, CycleID: rep.CycleID, RecordID: rec.ID, Err: err.Error()})
		return
	}

	rep.Acquired++
	p.count(metrics.OutcomeAcquired)
	p.logger.Info("acquiring", "id", rec.ID, "title", rec.Title, "size", rec.SizeBytes, "category", rec.Category)
	p.emit(events.Event{Level: events.LevelInfo, Kind: events.KindEntryAcquired, CycleID: rep.CycleID, RecordID: rec.ID, Title: rec.Title, Bytes: rec.SizeBytes})
}

func (p *Pipeline) evictionCandidates() []model.Record {
	return p.repo.GetByStatus(model.StatusCompleted)
}

// evictor removes the victim's transfer and content at the agent, then
// marks the record Evicted. A transfer the agent no longer knows is treated
// as already removed.
func (p *Pipeline) evictor(cycleID string) capacity.EvictFunc {
	return func(ctx context.Context, victim model.Record) error {
		err := p.agent.Remove(ctx, agent.LabelFor(victim.ID), true)
		if err != nil && !errors.Is(err, agent.ErrTransferNotFound) {
			return err
		}
		if _, err := p.repo.Transition(victim.ID, model.StatusEvicted, p.clock.Now()); err != nil {
			p.emit(events.Event{Level: events.LevelError, Kind: events.KindRepoWriteFailed, CycleID: cycleID, RecordID: victim.ID, Err: err.Error()})
			return err
		}
		p.logger.Info("evicted", "id", victim.ID, "title", victim.Title, "size", victim.SizeBytes)
		p.emit(events.Event{Level: events.LevelInfo, Kind: events.KindEvicted, CycleID: cycleID, RecordID: victim.ID, Title: victim.Title, Bytes: victim.SizeBytes})
		return nil
	}
}

// reconcile moves Acquiring records whose transfer finished or failed.
func (p *Pipeline) reconcile(ctx context.Context, rep *CycleReport) {
	acquiring := p.repo.GetByStatus(model.StatusAcquiring)
	if len(acquiring) == 0 {
		return
	}

	transfers, err := p.agent.List(ctx)
	if err != nil {
		p.logger.Warn("agent list failed, skipping reconciliation", "agent", p.agent.Name(), "err", err)
		p.emit(events.Event{Level: events.LevelWarn, Kind: events.KindAgentError, CycleID: rep.CycleID, Err: err.Error(), Msg: "list"})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range acquiring {
		t, ok := agent.FindByLabel(transfers, agent.LabelFor(rec.ID))
		if !ok {
			continue
		}
		var to model.Status
		var kind events.Kind
		switch {
		case t.Errored:
			to, kind = model.StatusFailed, events.KindTransferFailed
		case t.Done:
			to, kind = model.StatusCompleted, events.KindTransferCompleted
		default:
			continue
		}
		if _, err := p.repo.Transition(rec.ID, to, p.clock.Now()); err != nil {
			rep.WriteFailures++
			p.logger.Error("reconcile write failed", "id", rec.ID, "to", to.Label(), "err", err)
			p.emit(events.Event{Level: events.LevelError, Kind: events.KindRepoWriteFailed, CycleID: rep.CycleID, RecordID: rec.ID, Err: err.Error()})
			continue
		}
		if to == model.StatusCompleted {
			rep.Completed++
		} else {
			rep.Failed++
		}
		p.logger.Info("transfer "+to.Label(), "id", rec.ID, "title", rec.Title, "state", t.State)
		p.emit(events.Event{Level: events.LevelInfo, Kind: kind, CycleID: rep.CycleID, RecordID: rec.ID, Title: rec.Title, Msg: t.State})
	}
}

func (p *Pipeline) reportUsage(ctx context.Context, rep *CycleReport) {
	used, err := p.capacity.Usage(ctx)
	if err != nil {
		p.logger.Warn("disk usage unavailable", "err", err)
		return
	}
	rep.UsageBytes = used
	if budget := p.capacity.Budget(); budget > 0 {
		rep.UsagePercent = float64(used) / float64(budget) * 100
	}
	if p.metrics != nil {
		p.metrics.Disk(used, p.capacity.Budget())
	}
	p.logger.Info("storage usage", "percent", fmt.Sprintf("%.1f%%", rep.UsagePercent), "used", used, "budget", p.capacity.Budget())
	p.emit(events.Event{Level: events.LevelInfo, Kind: events.KindUsage, CycleID: rep.CycleID, Bytes: used, Percent: rep.UsagePercent})
}

func (p *Pipeline) reportRecords() {
	if p.metrics == nil {
		return
	}
	p.metrics.Records(filter.CountByStatus(p.repo.GetAll()))
}

func (p *Pipeline) count(outcome string) {
	if p.metrics != nil {
		p.metrics.Entry(outcome)
	}
}

func (p *Pipeline) emit(e events.Event) {
	if e.Comp == "" {
		e.Comp = comp
	}
	p.events.Emit(e)
}
