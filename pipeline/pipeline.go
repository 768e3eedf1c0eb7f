package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/conflict"
	"github.com/sqlbridge/sqlbridge/connector"
	"github.com/sqlbridge/sqlbridge/deadletter"
	"github.com/sqlbridge/sqlbridge/offset"
	"github.com/sqlbridge/sqlbridge/publisher"
	"github.com/sqlbridge/sqlbridge/telemetry"
)

// Retry backoff: base 100ms, doubling, capped at 30s, jitter ±20%.
const (
	retryBase        = 100 * time.Millisecond
	retryCap         = 30 * time.Second
	retryJitter      = 0.2
	drainGracePeriod = 5 * time.Second
)

// Config wires one replication direction.
type Config struct {
	Stream string // source_id→target_id

	Source connector.Connector
	Target connector.Connector

	Offsets    *offset.Store
	Window     *conflict.Window
	Resolver   *conflict.Resolver
	Guard      *conflict.Guard
	DeadLetter *deadletter.Log      // optional
	Publisher  *publisher.Publisher // optional

	Tables             []string
	BatchSize          int
	MaxRetries         int
	CheckpointInterval time.Duration
	OriginColumn       string // non-empty selects the origin-column guard
	InitialSnapshot    bool
	SkipPoison         bool
}

// Pipeline drives one direction: a reader producing events from the source
// log, a bounded FIFO buffer, a writer applying events at the target, and
// a periodic checkpoint task persisting confirmed positions.
type Pipeline struct {
	cfg Config
	lg  zerolog.Logger

	state    atomic.Int32
	counters Counters

	mu           sync.Mutex
	appliedPos   cdc.Position // last ok-applied position, not yet necessarily checkpointed
	committedPos cdc.Position // last checkpointed position
	lastErr      error
}

// New creates a pipeline for one direction.
func New(cfg Config) *Pipeline {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Pipeline{
		cfg: cfg,
		lg:  log.With().Str("stream", cfg.Stream).Logger(),
	}
}

// State returns the stream's lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Source returns the stream's source connector.
func (p *Pipeline) Source() connector.Connector { return p.cfg.Source }

// Target returns the stream's target connector.
func (p *Pipeline) Target() connector.Connector { return p.cfg.Target }

// Err returns the recorded fatal error, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Stats snapshots the stream's counters for the admin surface.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	pos := p.committedPos.String()
	lastErr := ""
	if p.lastErr != nil {
		lastErr = p.lastErr.Error()
	}
	p.mu.Unlock()

	return Stats{
		Stream:     p.cfg.Stream,
		State:      p.State().String(),
		Position:   pos,
		Received:   p.counters.Received.Load(),
		Applied:    p.counters.Applied.Load(),
		Conflicted: p.counters.Conflicted.Load(),
		Skipped:    p.counters.Skipped.Load(),
		Retries:    p.counters.Retries.Load(),
		Errors:     p.counters.Errors.Load(),
		LastError:  lastErr,
	}
}

func (p *Pipeline) setState(next State) {
	prev := State(p.state.Swap(int32(next)))
	if prev == next {
		return
	}
	telemetry.StreamStateTransitions.With(p.cfg.Stream, prev.String(), next.String()).Inc()
	p.lg.Info().Str("from", prev.String()).Str("to", next.String()).Msg("Stream state transition")
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.counters.Errors.Add(1)
	telemetry.Errors.With(p.cfg.Stream).Inc()
	p.lg.Error().Err(err).Str("kind", cdc.KindOf(err).String()).Msg("Stream failed")
	p.setState(StateStopping)
	return err
}

// Run drives the stream until ctx is cancelled or a fatal error occurs.
// Connectors are connected, CDC objects ensured, the optional initial
// snapshot loaded, then the reader/writer/checkpoint tasks run until
// shutdown. Sessions are closed on every exit path.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.setState(StateStopped)

	if err := p.cfg.Source.Connect(ctx); err != nil {
		return p.fail(err)
	}
	defer p.cfg.Source.Close(context.Background())

	if err := p.cfg.Target.Connect(ctx); err != nil {
		return p.fail(err)
	}
	defer p.cfg.Target.Close(context.Background())
	p.setState(StateConnected)

	if err := p.cfg.Source.SetupCDC(ctx, p.cfg.Tables); err != nil {
		return p.fail(err)
	}
	p.setState(StateCDCReady)

	start, hasOffset := p.cfg.Offsets.Get(p.cfg.Stream)
	if !hasOffset && p.cfg.InitialSnapshot {
		var err error
		start, err = p.runSnapshot(ctx)
		if err != nil {
			return p.fail(err)
		}
	}

	events := make(chan *cdc.ChangeEvent, p.cfg.BatchSize)

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	var readerErr error
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		defer close(events)
		readerErr = p.cfg.Source.StartStreaming(readerCtx, start, events)
	}()

	checkpointCtx, cancelCheckpoint := context.WithCancel(context.Background())
	var checkpointWg sync.WaitGroup
	checkpointWg.Add(1)
	go func() {
		defer checkpointWg.Done()
		p.checkpointLoop(checkpointCtx)
	}()

	p.setState(StateStreaming)
	writerErr := p.writeLoop(ctx, events)

	cancelReader()
	readerWg.Wait()

	// Final checkpoint before the sessions close.
	cancelCheckpoint()
	checkpointWg.Wait()
	if err := p.checkpoint(context.Background()); err != nil && writerErr == nil {
		writerErr = err
	}

	p.setState(StateStopping)

	if writerErr != nil {
		return p.fail(writerErr)
	}
	if readerErr != nil && ctx.Err() == nil {
		return p.fail(readerErr)
	}

	p.lg.Info().
		Uint64("applied", p.counters.Applied.Load()).
		Uint64("skipped", p.counters.Skipped.Load()).
		Uint64("conflicted", p.counters.Conflicted.Load()).
		Msg("Stream shut down cleanly")
	return nil
}

// runSnapshot loads the configured tables as SNAPSHOT events and returns
// the position streaming should start from.
func (p *Pipeline) runSnapshot(ctx context.Context) (cdc.Position, error) {
	// Capture the position before reading so changes racing the snapshot
	// are re-delivered rather than lost; the apply path is idempotent.
	start, err := p.cfg.Source.CurrentPosition(ctx)
	if err != nil {
		return cdc.Position{}, err
	}

	for _, table := range p.cfg.Tables {
		began := time.Now()
		rows := make(chan *cdc.ChangeEvent, p.cfg.BatchSize)

		var snapErr error
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(rows)
			snapErr = p.cfg.Source.Snapshot(ctx, table, rows)
		}()

		count := 0
		for ev := range rows {
			if err := p.applyWithRetry(ctx, ev); err != nil {
				wg.Wait()
				return cdc.Position{}, err
			}
			count++
			telemetry.SnapshotRowsTotal.With(p.cfg.Stream, table).Inc()
		}
		wg.Wait()
		if snapErr != nil {
			return cdc.Position{}, snapErr
		}

		telemetry.SnapshotDurationSeconds.Observe(time.Since(began).Seconds())
		p.lg.Info().Str("table", table).Int("rows", count).Msg("Initial snapshot loaded")
	}
	return start, nil
}

// writeLoop is the single ordered consumer for the stream. It never
// reorders the bounded FIFO and honors cancellation between events, never
// mid-transaction.
func (p *Pipeline) writeLoop(ctx context.Context, events <-chan *cdc.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return p.drain(events)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			telemetry.QueueDepth.With(p.cfg.Stream).Set(float64(len(events)))
			if err := p.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// drain flushes events already buffered at shutdown under a grace period.
func (p *Pipeline) drain(events <-chan *cdc.ChangeEvent) error {
	graceCtx, cancel := context.WithTimeout(context.Background(), drainGracePeriod)
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.handleEvent(graceCtx, ev); err != nil {
				return err
			}
		case <-graceCtx.Done():
			return nil
		}
	}
}

// handleEvent runs one event through the loop guard, the conflict
// resolver, and the apply engine, then records its position for the next
// checkpoint tick.
func (p *Pipeline) handleEvent(ctx context.Context, ev *cdc.ChangeEvent) error {
	p.counters.Received.Add(1)
	telemetry.EventsReceived.With(p.cfg.Stream).Inc()

	if err := ev.Validate(); err != nil {
		return p.poison(ctx, ev, cdc.WrapErr(cdc.KindLogDecode, err))
	}

	// Loop guard: an applied change must not replicate back.
	if p.dropAsEcho(ev) {
		p.counters.Skipped.Add(1)
		telemetry.EventsSkipped.With(p.cfg.Stream).Inc()
		p.notePosition(ev.Position)
		p.lg.Debug().Str("table", ev.QualifiedTable()).Str("position", ev.Position.String()).Msg("Dropped echo of applied change")
		return nil
	}

	// Conflict detection: record the event for the opposite direction,
	// then look for an overlapping change from it.
	p.cfg.Window.Observe(p.cfg.Stream, ev)
	if seen, ok := p.cfg.Window.Check(p.cfg.Stream, ev); ok {
		p.counters.Conflicted.Add(1)
		telemetry.EventsConflicted.With(p.cfg.Stream).Inc()
		if !p.cfg.Resolver.IncomingWins(ev, seen) {
			p.counters.Skipped.Add(1)
			telemetry.EventsSkipped.With(p.cfg.Stream).Inc()
			p.notePosition(ev.Position)
			p.lg.Info().
				Str("table", ev.QualifiedTable()).
				Str("position", ev.Position.String()).
				Time("incoming_ts", ev.Timestamp).
				Time("winning_ts", seen.Timestamp).
				Msg("Conflict resolved against incoming event")
			return nil
		}
		p.lg.Info().
			Str("table", ev.QualifiedTable()).
			Str("position", ev.Position.String()).
			Msg("Conflict resolved for incoming event")
	}

	if err := p.applyWithRetry(ctx, ev); err != nil {
		return p.poison(ctx, ev, err)
	}

	p.noteApplied(ev)
	p.counters.Applied.Add(1)
	telemetry.EventsApplied.With(p.cfg.Stream).Inc()
	p.cfg.Publisher.Publish(p.cfg.Stream, ev)
	p.notePosition(ev.Position)
	return nil
}

// dropAsEcho implements both loop-guard strategies at the relay level.
func (p *Pipeline) dropAsEcho(ev *cdc.ChangeEvent) bool {
	if p.cfg.OriginColumn != "" {
		// Origin-column mode: rows written by the relay carry the id of
		// the endpoint the change originated at, which differs from the
		// endpoint we captured it from.
		return ev.Origin != "" && ev.Origin != p.cfg.Source.ID()
	}
	return p.cfg.Guard.IsEcho(p.cfg.Source.ID(), conflict.PKHash(ev), uint8(ev.Operation))
}

// noteApplied records what the relay just wrote at the target, so the
// reverse direction can recognize the echo. A PK-changing update was
// applied as delete+insert and will echo as two events.
func (p *Pipeline) noteApplied(ev *cdc.ChangeEvent) {
	if p.cfg.OriginColumn != "" {
		return // origin column identifies relay writes by itself
	}
	targetID := p.cfg.Target.ID()

	if ev.Operation == cdc.OpUpdate && ev.PKChanged() {
		del := *ev
		del.Operation = cdc.OpDelete
		p.cfg.Guard.NoteApplied(targetID, conflict.PKHash(&del), uint8(cdc.OpDelete))

		ins := *ev
		ins.Operation = cdc.OpInsert
		ins.PrimaryKey = ev.NewPrimaryKey()
		p.cfg.Guard.NoteApplied(targetID, conflict.PKHash(&ins), uint8(cdc.OpInsert))
		return
	}

	op := ev.Operation
	if op == cdc.OpSnapshot {
		op = cdc.OpInsert
	}
	p.cfg.Guard.NoteApplied(targetID, conflict.PKHash(ev), uint8(op))
}

// applyWithRetry applies one event, retrying transient failures with
// exponential backoff up to the configured attempt budget.
func (p *Pipeline) applyWithRetry(ctx context.Context, ev *cdc.ChangeEvent) error {
	var err error
	delay := retryBase

	for attempt := 0; ; attempt++ {
		err = p.cfg.Target.ApplyChange(ctx, ev)
		if err == nil {
			if attempt > 0 {
				p.setState(StateStreaming)
			}
			return nil
		}
		if !cdc.IsTransient(err) || attempt >= p.cfg.MaxRetries {
			return err
		}

		p.setState(StateRetrying)
		p.counters.Retries.Add(1)
		telemetry.Retries.With(p.cfg.Stream).Inc()
		p.lg.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Str("table", ev.QualifiedTable()).
			Msg("Transient apply failure, retrying")

		select {
		case <-time.After(jittered(delay)):
		case <-ctx.Done():
			return cdc.WrapErr(cdc.KindShutdown, ctx.Err())
		}

		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}

// poison routes a permanently unappliable event to the dead-letter log and
// skips it under skip_poison; otherwise the stream halts with the error.
func (p *Pipeline) poison(ctx context.Context, ev *cdc.ChangeEvent, err error) error {
	if cdc.IsShutdown(err) {
		return nil
	}

	p.lg.Error().
		Err(err).
		Str("kind", cdc.KindOf(err).String()).
		Str("table", ev.QualifiedTable()).
		Str("position", ev.Position.String()).
		Str("event", ev.String()).
		Msg("Event cannot be applied")

	if p.cfg.DeadLetter != nil {
		if _, dlErr := p.cfg.DeadLetter.Append(p.cfg.Stream, ev, err); dlErr != nil {
			p.lg.Error().Err(dlErr).Msg("Failed to write dead-letter entry")
		} else {
			telemetry.DeadLetterTotal.With(p.cfg.Stream).Inc()
		}
	}

	if p.cfg.SkipPoison {
		p.counters.Errors.Add(1)
		telemetry.Errors.With(p.cfg.Stream).Inc()
		p.counters.Skipped.Add(1)
		telemetry.EventsSkipped.With(p.cfg.Stream).Inc()
		p.notePosition(ev.Position)
		return nil
	}
	// The stream halts; fail() records and counts the error.
	return err
}

// notePosition records an ok-applied (or deliberately skipped) position
// for the next checkpoint tick. Positions are non-decreasing within the
// stream; a position is never skipped without being checkpointed.
func (p *Pipeline) notePosition(pos cdc.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cmp, err := cdc.Compare(pos, p.appliedPos); err == nil && cmp > 0 {
		p.appliedPos = pos
	}
}

// checkpointLoop is the stream's third task: it periodically persists the
// applied position and confirms it with the source.
func (p *Pipeline) checkpointLoop(ctx context.Context) {
	interval := p.cfg.CheckpointInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.checkpoint(ctx); err != nil {
				// A pipeline that cannot checkpoint must not continue
				// silently; surface through the stream error and stop.
				p.fail(err)
				return
			}
		}
	}
}

// checkpoint writes the applied position to the offset store and confirms
// it at the source. The persisted position is always one that was applied
// and committed at the target.
func (p *Pipeline) checkpoint(ctx context.Context) error {
	p.mu.Lock()
	pos := p.appliedPos
	committed := p.committedPos
	p.mu.Unlock()

	if pos.IsZero() {
		return nil
	}
	if cmp, err := cdc.Compare(pos, committed); err == nil && cmp <= 0 {
		return nil
	}

	began := time.Now()
	if err := p.cfg.Offsets.Put(p.cfg.Stream, pos, time.Now()); err != nil {
		telemetry.CheckpointsTotal.With(p.cfg.Stream, "failed").Inc()
		return err
	}

	if err := p.cfg.Source.ConfirmPosition(ctx, pos); err != nil {
		p.lg.Warn().Err(err).Str("position", pos.String()).Msg("Failed to confirm position at source")
	}

	p.mu.Lock()
	p.committedPos = pos
	p.mu.Unlock()

	telemetry.CheckpointsTotal.With(p.cfg.Stream, "ok").Inc()
	telemetry.CheckpointDurationSeconds.Observe(time.Since(began).Seconds())
	p.lg.Debug().Str("position", pos.String()).Msg("Checkpointed")
	return nil
}

// jittered applies ±20% jitter to a backoff delay.
func jittered(d time.Duration) time.Duration {
	f := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
