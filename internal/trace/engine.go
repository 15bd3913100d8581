package trace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"doctrace/internal/logging"
)

// Mode selects how a subscription stays current.
type Mode string

const (
	// ModePoll fetches the trace snapshot on a fixed interval.
	ModePoll Mode = "poll"
	// ModePush consumes the backend's SSE delta stream.
	ModePush Mode = "push"
)

// Health is the subscription's failure state. A subscription is never
// auto-cancelled on error; it degrades to Unhealthy and keeps retrying so
// the caller can surface a "reconnecting" indicator instead of losing the
// trace view.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// ErrSubscriptionExists is returned when a trace id already has a live
// subscription on this engine. One subscription per trace id is
// authoritative; mixing poll and push for the same trace is not allowed.
var ErrSubscriptionExists = errors.New("trace already has an active subscription")

// Fetcher is what the engine needs from the request pipeline.
type Fetcher interface {
	Get(ctx context.Context, path string, query url.Values, out interface{}) error
	Stream(ctx context.Context, path string) (*http.Response, error)
}

// SnapshotSink receives every delivered snapshot, e.g. for the local
// SQLite cache. Optional.
type SnapshotSink interface {
	Put(t *Trace) error
}

// Options tunes the sync engine.
type Options struct {
	PollInterval       time.Duration // default 5s
	BackoffBase        time.Duration // default 1s
	BackoffMax         time.Duration // default 30s
	UnhealthyThreshold int           // default 3 consecutive failures
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.UnhealthyThreshold < 1 {
		o.UnhealthyThreshold = 3
	}
	return o
}

// Engine maintains subscriptions to server-side traces. It holds only a
// lookup by trace id for dispatch and teardown; subscription lifetime is
// owned by the caller that created it.
type Engine struct {
	client Fetcher
	opts   Options
	sink   SnapshotSink

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewEngine creates a sync engine over the given pipeline.
func NewEngine(client Fetcher, opts Options) *Engine {
	return &Engine{
		client: client,
		opts:   opts.withDefaults(),
		subs:   make(map[string]*Subscription),
	}
}

// SetSnapshotSink installs the optional write-through snapshot sink.
func (e *Engine) SetSnapshotSink(s SnapshotSink) { e.sink = s }

// Subscribe starts tracking traceID in the given mode and returns the
// subscription handle. Exactly one subscription per trace id may be live.
func (e *Engine) Subscribe(traceID string, mode Mode) (*Subscription, error) {
	if traceID == "" {
		return nil, fmt.Errorf("trace id required")
	}
	if mode != ModePoll && mode != ModePush {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	e.mu.Lock()
	if _, ok := e.subs[traceID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, traceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:       uuid.NewString(),
		traceID:  traceID,
		mode:     mode,
		engine:   e,
		ctx:      ctx,
		cancelFn: cancel,
		updates:  make(chan *Trace, 16),
		done:     make(chan struct{}),
		health:   HealthHealthy,
	}
	e.subs[traceID] = s
	e.mu.Unlock()

	logging.Sync("subscribed to trace %s (mode=%s, sub=%s)", traceID, mode, s.id)

	switch mode {
	case ModePoll:
		go s.runPoll()
	case ModePush:
		go s.runPush()
	}
	return s, nil
}

// CancelAll cancels every live subscription and waits for their loops to
// stop. Used by the session facade on logout.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// remove drops the subscription from the lookup once its loop has ended.
func (e *Engine) remove(s *Subscription) {
	e.mu.Lock()
	if cur, ok := e.subs[s.traceID]; ok && cur == s {
		delete(e.subs, s.traceID)
	}
	e.mu.Unlock()
}

// Subscription is the caller-owned handle on one synced trace.
type Subscription struct {
	id      string
	traceID string
	mode    Mode
	engine  *Engine

	ctx      context.Context
	cancelFn context.CancelFunc
	updates  chan *Trace
	done     chan struct{}

	mu        sync.Mutex
	cancelled bool
	health    Health
	failures  int

	// delivery suppression state
	lastStatus    Status
	lastHighWater int64
	delivered     bool
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// TraceID returns the synced trace's id.
func (s *Subscription) TraceID() string { return s.traceID }

// Mode returns the subscription's sync mode.
func (s *Subscription) Mode() Mode { return s.mode }

// Updates returns the snapshot stream. The channel is closed when the
// subscription ends, whether by Cancel or trace terminality, so consumers
// can range over it.
func (s *Subscription) Updates() <-chan *Trace { return s.updates }

// Health returns the current failure state.
func (s *Subscription) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Done is closed when the sync loop has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel stops the subscription. It is synchronous with respect to future
// deliveries: after Cancel returns, nothing more is sent on Updates, even
// if a fetch was in flight (its result is discarded). Idempotent.
func (s *Subscription) Cancel() {
	// Cancel the context first so an in-flight fetch or a delivery blocked
	// on a full channel unblocks before we take the lock.
	s.cancelFn()

	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()

	if !already {
		logging.Sync("subscription %s cancelled (trace %s)", s.id, s.traceID)
	}
}

// deliver hands a snapshot to the consumer unless the subscription has been
// cancelled. The cancelled check and the send share the lock with Cancel,
// which is what makes cancellation synchronous.
func (s *Subscription) deliver(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	select {
	case s.updates <- t:
	case <-s.ctx.Done():
	}
}

// shouldDeliver implements suppression: a snapshot is delivered only when
// its step high-water mark or status differs from the last delivered one.
func (s *Subscription) shouldDeliver(t *Trace) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hw := t.HighWater()
	if s.delivered && s.lastStatus == t.Status && s.lastHighWater == hw {
		return false
	}
	s.delivered = true
	s.lastStatus = t.Status
	s.lastHighWater = hw
	return true
}

// recordFailure bumps the consecutive failure count and degrades health at
// the threshold.
func (s *Subscription) recordFailure(err error) {
	s.mu.Lock()
	s.failures++
	degraded := s.failures >= s.engine.opts.UnhealthyThreshold && s.health != HealthUnhealthy
	if degraded {
		s.health = HealthUnhealthy
	}
	failures := s.failures
	s.mu.Unlock()

	if degraded {
		logging.Get(logging.CategorySync).Warn("subscription %s unhealthy after %d consecutive failures: %v", s.id, failures, err)
	} else {
		logging.SyncDebug("subscription %s fetch failure %d: %v", s.id, failures, err)
	}
}

// recordSuccess resets the failure count and restores health.
func (s *Subscription) recordSuccess() {
	s.mu.Lock()
	recovered := s.health == HealthUnhealthy
	s.failures = 0
	s.health = HealthHealthy
	s.mu.Unlock()

	if recovered {
		logging.Sync("subscription %s recovered", s.id)
	}
}

// finish tears down loop-owned resources. Runs exactly once, from the
// sync loop goroutine.
func (s *Subscription) finish() {
	s.cancelFn()
	s.engine.remove(s)
	close(s.updates)
	close(s.done)
}

// publish runs suppression, delivery, and the write-through sink for one
// fetched snapshot. Returns whether the trace has reached a terminal state.
func (s *Subscription) publish(t *Trace) bool {
	if s.shouldDeliver(t) {
		s.emit(t)
	}
	return t.Status.Terminal()
}

// publishApplied delivers a snapshot that is already known to have changed
// (an applied push delta). Suppression state is still advanced so the next
// resync does not re-deliver the same view.
func (s *Subscription) publishApplied(t *Trace) bool {
	s.mu.Lock()
	s.delivered = true
	s.lastStatus = t.Status
	s.lastHighWater = t.HighWater()
	s.mu.Unlock()

	s.emit(t)
	return t.Status.Terminal()
}

func (s *Subscription) emit(t *Trace) {
	snap := t.Clone()
	s.deliver(snap)
	if s.engine.sink != nil {
		if err := s.engine.sink.Put(snap); err != nil {
			logging.Get(logging.CategoryStore).Warn("cache snapshot for %s: %v", s.traceID, err)
		}
	}
}
