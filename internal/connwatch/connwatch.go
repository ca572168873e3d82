// Package connwatch tracks whether the services the assistant leans on
// are reachable: the completion provider and, when configured, the
// Redis response cache.
//
// Each [Watcher] probes one service. At startup it retries with
// exponential backoff until the service answers or the attempts run
// out, then settles into periodic polling and reports transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nugget/counselor-agent/internal/metrics"
)

// ProbeFunc returns nil when the service is healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first startup retry delay (default 1s).
	InitialDelay time.Duration
	// MaxDelay caps startup backoff growth (default 30s).
	MaxDelay time.Duration
	// StartupAttempts bounds the startup phase (default 6).
	StartupAttempts int
	// PollInterval is the steady-state check interval (default 30s).
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe (default 5s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the schedule used by serve.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		StartupAttempts: 6,
		PollInterval:    30 * time.Second,
		ProbeTimeout:    5 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = d.StartupAttempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Check describes one watched service.
type Check struct {
	Name     string
	Probe    ProbeFunc
	Schedule Schedule
	// OnChange runs in its own goroutine whenever readiness flips.
	OnChange func(ready bool, err error)
}

// Status is a point-in-time view of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	CheckedAt time.Time `json:"checkedAt,omitzero"`
	Failures  int       `json:"consecutiveFailures,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	check  Check
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	sched := w.check.Schedule

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = sched.InitialDelay
	bo.MaxInterval = sched.MaxDelay
	bo.MaxElapsedTime = 0
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return w.probe(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(sched.StartupAttempts-1)), ctx),
		func(err error, next time.Duration) {
			w.logger.Debug("startup probe failed",
				"service", w.check.Name,
				"attempt", attempts,
				"next", next.String(),
				"error", err,
			)
		})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.logger.Warn("service unreachable, polling in background",
			"service", w.check.Name,
			"attempts", attempts,
			"error", err,
		)
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

// probe runs one check and records it, reporting readiness changes.
func (w *Watcher) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.check.Schedule.ProbeTimeout)
	err := w.check.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	was := w.status.Ready
	w.status.CheckedAt = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.Error = err.Error()
		w.status.Failures++
	} else {
		w.status.Error = ""
		w.status.Failures = 0
	}
	first := w.status.Failures == 1 && !was
	w.mu.Unlock()

	up := 0.0
	if err == nil {
		up = 1
	}
	metrics.DependencyUp.WithLabelValues(w.check.Name).Set(up)

	switch {
	case err == nil && !was:
		w.logger.Info("service ready", "service", w.check.Name)
		w.notify(true, nil)
	case err != nil && was:
		w.logger.Warn("service became unreachable", "service", w.check.Name, "error", err)
		w.notify(false, err)
	case first:
		w.logger.Debug("service not ready", "service", w.check.Name, "error", err)
	}
	return err
}

func (w *Watcher) notify(ready bool, err error) {
	if w.check.OnChange != nil {
		go w.check.OnChange(ready, err)
	}
}

// Set is the collection of watchers behind the health endpoint.
type Set struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewSet returns an empty watcher set.
func NewSet(logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher for c. It panics on an unnamed check or a nil
// probe. Watching a name twice replaces the earlier watcher.
func (s *Set) Watch(ctx context.Context, c Check) *Watcher {
	if c.Name == "" {
		panic("connwatch: Check.Name must not be empty")
	}
	if c.Probe == nil {
		panic("connwatch: Check.Probe must not be nil")
	}
	c.Schedule = c.Schedule.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		check:  c,
		logger: s.logger.With("component", "connwatch"),
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: c.Name},
	}

	s.mu.Lock()
	old := s.watchers[c.Name]
	s.watchers[c.Name] = w
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Statuses returns every watched service, sorted by name.
func (s *Set) Statuses() []Status {
	s.mu.RLock()
	out := make([]Status, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w.Status())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers.
func (s *Set) Stop() {
	s.mu.Lock()
	ws := s.watchers
	s.watchers = make(map[string]*Watcher)
	s.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
