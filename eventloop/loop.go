// Package eventloop schedules synchronisation passes: periodic ticks,
// foreground resumes and manual requests all funnel into a single
// in-flight pass.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/keysync/internal/pubsub"
	"github.com/jmcleod/keysync/syncer"
)

// ReasonNoConnectivity is the skip reason when the network is unreachable.
const ReasonNoConnectivity = "no connectivity"

const defaultInterval = time.Minute

// ErrRunning is returned by Start on a loop that is already running.
var ErrRunning = errors.New("event loop already running")

// State is the scheduler state.
type State int

const (
	StateStopped State = iota
	StateIdle
	StateSyncing
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateSkipped:
		return "skipped"
	default:
		return "stopped"
	}
}

// Syncer runs one reconciliation pass.
type Syncer interface {
	Sync(ctx context.Context) (syncer.Result, error)
}

// Reachability reports whether the server can currently be reached.
type Reachability interface {
	Reachable(ctx context.Context) bool
}

// ReachabilityFunc adapts a function to Reachability.
type ReachabilityFunc func(ctx context.Context) bool

func (f ReachabilityFunc) Reachable(ctx context.Context) bool {
	return f(ctx)
}

// Outcome reports the end of a pass or a skipped trigger.
type Outcome struct {
	HadNewData bool
	Err        error
	Skipped    bool
	Reason     string
	At         time.Time
}

// Loop is the sync scheduler. A failed pass is reported and the loop keeps
// its fixed interval.
type Loop struct {
	syncer   Syncer
	reach    Reachability
	interval time.Duration
	logger   *slog.Logger
	outcomes *pubsub.Broker[Outcome]

	mu       sync.Mutex
	state    State
	reason   string
	inFlight bool
	pending  bool
	base     context.Context
	cancel   context.CancelFunc
	ticker   sync.WaitGroup
	passes   sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New returns a stopped Loop.
func New(s Syncer, reach Reachability, opts ...Option) *Loop {
	l := &Loop{
		syncer:   s,
		reach:    reach,
		interval: defaultInterval,
		logger:   slog.Default(),
		outcomes: pubsub.New[Outcome](16),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start moves the loop from stopped to idle and begins ticking. Passes run
// detached from ctx's cancellation but keep its values.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return ErrRunning
	}
	tickCtx, cancel := context.WithCancel(ctx)
	l.base = context.WithoutCancel(ctx)
	l.cancel = cancel
	l.state = StateIdle
	l.reason = ""

	l.ticker.Add(1)
	go l.run(tickCtx)
	l.logger.Info("sync loop started", slog.Duration("interval", l.interval))
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.ticker.Done()
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.trigger(false)
		}
	}
}

// Stop cancels future ticks and waits for an in-flight pass to finish. The
// loop stays stopped until Start is called again.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	l.reason = ""
	l.pending = false
	l.cancel()
	l.mu.Unlock()

	l.ticker.Wait()
	l.passes.Wait()
	l.logger.Info("sync loop stopped")
}

// ForceSync requests a pass now. During a pass it queues exactly one
// follow-up pass, however often it is called.
func (l *Loop) ForceSync() {
	l.trigger(true)
}

// Foreground signals that the process resumed; it is treated like a tick.
func (l *Loop) Foreground() {
	l.trigger(false)
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Reason returns why the last trigger was skipped while the loop is in
// StateSkipped.
func (l *Loop) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Subscribe returns the outcome stream and a function to stop it.
func (l *Loop) Subscribe() (<-chan Outcome, func()) {
	return l.outcomes.Subscribe()
}

func (l *Loop) trigger(forced bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopped {
		return
	}
	if l.inFlight {
		if forced {
			l.pending = true
		}
		return
	}
	l.inFlight = true
	l.passes.Add(1)
	go l.loopPasses(l.base)
}

func (l *Loop) loopPasses(ctx context.Context) {
	defer l.passes.Done()
	for {
		l.outcomes.Publish(l.pass(ctx))

		l.mu.Lock()
		if l.pending && l.state != StateStopped {
			l.pending = false
			l.mu.Unlock()
			continue
		}
		l.inFlight = false
		l.mu.Unlock()
		return
	}
}

func (l *Loop) pass(ctx context.Context) Outcome {
	if !l.reach.Reachable(ctx) {
		l.setState(StateSkipped, ReasonNoConnectivity)
		l.logger.Debug("sync skipped", slog.String("reason", ReasonNoConnectivity))
		return Outcome{Skipped: true, Reason: ReasonNoConnectivity, At: time.Now()}
	}

	l.setState(StateSyncing, "")
	res, err := l.syncer.Sync(ctx)
	l.setState(StateIdle, "")
	if err != nil {
		l.logger.Warn("sync pass failed", slog.String("error", err.Error()))
	} else {
		l.logger.Debug("sync pass finished", slog.Bool("new_data", res.HadNewData))
	}
	return Outcome{HadNewData: res.HadNewData, Err: err, At: time.Now()}
}

func (l *Loop) setState(s State, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopped {
		return
	}
	l.state = s
	l.reason = reason
}
