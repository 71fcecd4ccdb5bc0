package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradepilot/companion/internal/clock"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/store"
)

// Poller names, also used as metric labels.
const (
	SourceHealth    = "health"
	SourcePositions = "positions"
	SourcePrice     = "price"
)

// ErrPollerStopped is returned by Refresh for a subject that is not being
// polled.
var ErrPollerStopped = errors.New("poller not running")

// FetchFunc loads one value for a subject.
type FetchFunc[T any] func(ctx context.Context, subject store.Subject) (T, error)

// PollStatus describes the freshness of a poller's value for one subject.
type PollStatus struct {
	LastSuccess         time.Time
	LastErr             error
	ConsecutiveFailures int
	Running             bool
}

// Poller runs one periodic fetch loop per subject and keeps the latest
// successful value. A failed fetch never clears the previous value.
type Poller[T any] struct {
	name     string
	interval time.Duration
	fetch    FetchFunc[T]
	clock    clock.Clock
	tracker  *metrics.Tracker

	mu    sync.Mutex
	cells map[store.Subject]*pollCell[T]
	loops map[store.Subject]*pollLoop

	hookMu   sync.RWMutex
	onUpdate func(store.Subject, T)
}

type pollCell[T any] struct {
	value               T
	has                 bool
	lastSuccess         time.Time
	lastErr             error
	consecutiveFailures int
}

type pollLoop struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// inflight counts Refresh calls bound to this loop
	inflight sync.WaitGroup
}

// NewPoller creates a poller. A nil clock means the wall clock.
func NewPoller[T any](name string, interval time.Duration, fetch FetchFunc[T], clk clock.Clock, tracker *metrics.Tracker) *Poller[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Poller[T]{
		name:     name,
		interval: interval,
		fetch:    fetch,
		clock:    clk,
		tracker:  tracker,
		cells:    make(map[store.Subject]*pollCell[T]),
		loops:    make(map[store.Subject]*pollLoop),
	}
}

// Name returns the poller's source name.
func (p *Poller[T]) Name() string {
	return p.name
}

// OnUpdate sets a hook called from the poll loop after every successful
// fetch. The hook must not call Stop for the same subject.
func (p *Poller[T]) OnUpdate(fn func(store.Subject, T)) {
	p.hookMu.Lock()
	p.onUpdate = fn
	p.hookMu.Unlock()
}

// Start begins polling subject: one fetch immediately, then one per interval.
// Starting an already running subject is a no-op.
func (p *Poller[T]) Start(subject store.Subject) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.loops[subject]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &pollLoop{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	p.loops[subject] = l

	// Register the ticker before returning so clock advances made right after
	// Start are observed.
	ticker := p.clock.NewTicker(p.interval)

	slog.Info("poller_started", "source", p.name, "subject", subject.Short(), "interval", p.interval)
	go p.run(ctx, subject, ticker, l.done)
}

// Stop cancels the subject's loop and waits for it and any in-flight Refresh
// to exit. Nothing is recorded after Stop returns. The latest value stays
// readable.
func (p *Poller[T]) Stop(subject store.Subject) {
	p.mu.Lock()
	l, ok := p.loops[subject]
	delete(p.loops, subject)
	p.mu.Unlock()

	if !ok {
		return
	}

	l.cancel()
	<-l.done
	l.inflight.Wait()
	slog.Info("poller_stopped", "source", p.name, "subject", subject.Short())
}

// StopAll stops every running loop.
func (p *Poller[T]) StopAll() {
	p.mu.Lock()
	subjects := make([]store.Subject, 0, len(p.loops))
	for s := range p.loops {
		subjects = append(subjects, s)
	}
	p.mu.Unlock()

	for _, s := range subjects {
		p.Stop(s)
	}
}

// Latest returns the last successfully fetched value without blocking on I/O.
func (p *Poller[T]) Latest(subject store.Subject) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.cells[subject]
	if !ok || !c.has {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Status returns the freshness of subject's value.
func (p *Poller[T]) Status(subject store.Subject) PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, running := p.loops[subject]
	c, ok := p.cells[subject]
	if !ok {
		return PollStatus{Running: running}
	}
	return PollStatus{
		LastSuccess:         c.lastSuccess,
		LastErr:             c.lastErr,
		ConsecutiveFailures: c.consecutiveFailures,
		Running:             running,
	}
}

// Refresh performs one fetch outside the periodic schedule. It is bound to the
// subject's running loop: it fails with ErrPollerStopped when there is none,
// and Stop cancels it and discards its result.
func (p *Poller[T]) Refresh(ctx context.Context, subject store.Subject) error {
	p.mu.Lock()
	l, ok := p.loops[subject]
	if ok {
		l.inflight.Add(1)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrPollerStopped, p.name, subject.Short())
	}
	defer l.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	return p.poll(ctx, subject)
}

// run drives the periodic loop until ctx is cancelled.
func (p *Poller[T]) run(ctx context.Context, subject store.Subject, ticker clock.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	// Initial fetch
	if err := p.poll(ctx, subject); err != nil && ctx.Err() == nil {
		slog.Warn("initial_poll_failed", "source", p.name, "subject", subject.Short(), "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			if err := p.poll(ctx, subject); err != nil && ctx.Err() == nil {
				slog.Debug("poll_failed", "source", p.name, "subject", subject.Short(), "error", err)
			}
		}
	}
}

// poll fetches once under a timeout of one interval and records the result.
func (p *Poller[T]) poll(ctx context.Context, subject store.Subject) error {
	fetchCtx := ctx
	if p.interval > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.interval)
		defer cancel()
	}

	value, err := p.fetch(fetchCtx, subject)
	if ctx.Err() != nil {
		// Cancelled by Stop or the caller; the result is dropped.
		return ctx.Err()
	}

	p.tracker.RecordPoll(p.name, err)

	p.mu.Lock()
	c, ok := p.cells[subject]
	if !ok {
		c = &pollCell[T]{}
		p.cells[subject] = c
	}
	if err != nil {
		c.consecutiveFailures++
		c.lastErr = &store.StaleDataError{Source: p.name, Since: c.lastSuccess, Err: err}
		err = c.lastErr
	} else {
		c.value = value
		c.has = true
		c.lastSuccess = p.clock.Now()
		c.lastErr = nil
		c.consecutiveFailures = 0
	}
	p.mu.Unlock()

	if err != nil {
		return err
	}

	p.hookMu.RLock()
	fn := p.onUpdate
	p.hookMu.RUnlock()
	if fn != nil {
		fn(subject, value)
	}
	return nil
}
