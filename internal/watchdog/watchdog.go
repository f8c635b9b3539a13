// Package watchdog enforces the per-request wall clock ceiling. A guarded
// request whose ceiling passes has its context cancelled, which aborts any
// in-flight runtime call or in-process generation.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultCeiling is the hard limit for one request.
const DefaultCeiling = 60 * time.Second

// ErrCeilingExceeded is the cancellation cause of a tripped guard.
var ErrCeilingExceeded = errors.New("request exceeded hard ceiling")

// GuardStatus describes one in-flight request.
type GuardStatus struct {
	RequestID string        `json:"request_id"`
	Started   time.Time     `json:"started"`
	Deadline  time.Time     `json:"deadline"`
	Elapsed   time.Duration `json:"elapsed"`
}

type guard struct {
	started  time.Time
	deadline time.Time
}

// Watchdog tracks guarded requests.
type Watchdog struct {
	ceiling time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]guard
	onTrip func(requestID string)
}

// New creates a watchdog. A non-positive ceiling selects DefaultCeiling.
func New(ceiling time.Duration, logger *slog.Logger) *Watchdog {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		ceiling: ceiling,
		logger:  logger,
		active:  make(map[string]guard),
	}
}

// Ceiling returns the configured limit.
func (w *Watchdog) Ceiling() time.Duration { return w.ceiling }

// OnTrip sets a callback run once for each request that hits the ceiling.
func (w *Watchdog) OnTrip(fn func(requestID string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onTrip = fn
}

// Guard derives a context that is cancelled with ErrCeilingExceeded once
// the ceiling passes. The returned release func must be called when the
// request finishes.
func (w *Watchdog) Guard(parent context.Context, requestID string) (context.Context, func()) {
	now := time.Now()
	ctx, cancel := context.WithTimeoutCause(parent, w.ceiling, ErrCeilingExceeded)

	w.mu.Lock()
	w.active[requestID] = guard{started: now, deadline: now.Add(w.ceiling)}
	w.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		if !errors.Is(context.Cause(ctx), ErrCeilingExceeded) {
			return
		}
		w.logger.Warn("request hit hard ceiling, cancelling", "request_id", requestID, "ceiling", w.ceiling)
		w.mu.Lock()
		fn := w.onTrip
		w.mu.Unlock()
		if fn != nil {
			fn(requestID)
		}
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			cancel()
			w.mu.Lock()
			delete(w.active, requestID)
			w.mu.Unlock()
		})
	}
	return ctx, release
}

// Tripped reports whether ctx was cancelled by a watchdog ceiling.
func Tripped(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCeilingExceeded)
}

// Active returns the number of guarded requests in flight.
func (w *Watchdog) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Status lists in-flight requests, oldest first.
func (w *Watchdog) Status() []GuardStatus {
	now := time.Now()
	w.mu.Lock()
	out := make([]GuardStatus, 0, len(w.active))
	for id, g := range w.active {
		out = append(out, GuardStatus{
			RequestID: id,
			Started:   g.started,
			Deadline:  g.deadline,
			Elapsed:   now.Sub(g.started),
		})
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}
