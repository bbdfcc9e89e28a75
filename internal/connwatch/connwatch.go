// Package connwatch tracks whether the services a conversation depends
// on are reachable: the model server, the speech gateway, the screen
// perception endpoint, and the MQTT broker in front of the executor.
//
// httpkit retries sub-second dial failures on a single request.
// connwatch covers longer outages. Each Watcher probes one service with
// exponential backoff until it first answers (or gives up and settles
// into polling), then re-probes at a fixed interval. Transitions fire
// the OnReady and OnDown hooks and are published on the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/parley/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay (default 2s)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
	Multiplier   float64       // growth factor (default 2.0)
	MaxRetries   int           // connect attempts before polling (default 10)
	PollInterval time.Duration // steady-state interval (default 30s)
	ProbeTimeout time.Duration // per-probe limit (default 5s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... capped at 60s, ten
// connect attempts, then polling every 30 seconds.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next returns the delay that follows d.
func (b BackoffConfig) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	return min(d, b.MaxDelay)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and events.
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady runs in its own goroutine each time the service becomes
	// reachable. Optional.
	OnReady func()

	// OnDown runs in its own goroutine each time a reachable service
	// stops answering. Optional.
	OnDown func(err error)
}

// Watcher monitors a single service.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff BackoffConfig
	onReady func()
	onDown  func(error)
	logger  *slog.Logger
	bus     *events.Bus

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	ready   bool
	lastErr error
	// changed is closed and replaced on every transition.
	changed chan struct{}
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Err returns the most recent probe error, or nil.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// WaitReady blocks until the service is ready, timeout passes, or ctx
// ends, and reports whether it became ready.
func (w *Watcher) WaitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		w.mu.Lock()
		ready, changed := w.ready, w.changed
		w.mu.Unlock()
		if ready {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if !w.connect(ctx) {
		return
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// connect probes with backoff until the first success or MaxRetries.
// It returns false if ctx ended first.
func (w *Watcher) connect(ctx context.Context) bool {
	delay := w.backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		switch {
		case err == nil:
			w.logger.Info("service connected", "service", w.name, "after_attempts", attempt)
			return true
		case attempt >= w.backoff.MaxRetries:
			w.logger.Warn("service unreachable, polling in background",
				"service", w.name, "attempts", attempt, "error", err)
			return true
		}

		w.logger.Debug("probe failed, retrying",
			"service", w.name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay = w.backoff.next(delay)
	}
}

// check probes once and records the result.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	w.lastErr = err
	transition := w.ready != (err == nil)
	if transition {
		w.ready = err == nil
		close(w.changed)
		w.changed = make(chan struct{})
	}
	w.mu.Unlock()

	if transition {
		w.announce(err)
	}
	return err
}

func (w *Watcher) announce(err error) {
	data := map[string]any{"service": w.name, "ready": err == nil}
	if err != nil {
		data["error"] = err.Error()
		w.logger.Warn("service became unreachable", "service", w.name, "error", err)
		if w.onDown != nil {
			go w.onDown(err)
		}
	} else if w.onReady != nil {
		go w.onReady()
	}
	w.bus.Emit(events.SourceConnwatch, events.KindServiceHealth, data)
}

// Manager owns the watchers for one conversation.
type Manager struct {
	mu       sync.Mutex
	watchers []*Watcher
	logger   *slog.Logger
	bus      *events.Bus
}

// NewManager creates a manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, bus: bus}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. It panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    cfg.Name,
		probe:   cfg.Probe,
		backoff: cfg.Backoff.withDefaults(),
		onReady: cfg.OnReady,
		onDown:  cfg.OnDown,
		logger:  m.logger,
		bus:     m.bus,
		cancel:  cancel,
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
	return w
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = nil
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
