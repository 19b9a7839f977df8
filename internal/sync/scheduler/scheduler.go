// Package scheduler drives background work for the offline layer: replay on
// reconnect, periodic replay while operations are pending, cache sweeping
// and health probing while offline.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/logging"
	syncpkg "github.com/mipyme/offline/internal/sync"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	Trigger() <-chan struct{}
	LastResult() *syncpkg.PassResult
}

// Monitor is the part of the connectivity monitor the scheduler uses.
type Monitor interface {
	IsOnline() bool
	OnChange(fn func(online bool)) (unsubscribe func())
	Probe(ctx context.Context) bool
}

// Pending reports how many operations wait for replay.
type Pending interface {
	Count() int
}

// Sweeper removes stale cache entries.
type Sweeper interface {
	SweepOlderThan(ctx context.Context, maxAge time.Duration, exempt ...string) (int, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // periodic replay while online and pending (default: 1 minute)
	MaxBackoff    time.Duration // cap for the delay after stopped passes (default: 15 minutes)
	ProbeInterval time.Duration // health probing while offline (default: 30 seconds)
	SweepInterval time.Duration // cache sweep period (default: 1 hour)
	MaxCacheAge   time.Duration // entries older than this are swept (default: 7 days)
	// SweepExempt lists key prefixes never swept.
	SweepExempt []string
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  1 * time.Minute,
		MaxBackoff:    15 * time.Minute,
		ProbeInterval: 30 * time.Second,
		SweepInterval: 1 * time.Hour,
		MaxCacheAge:   7 * 24 * time.Hour,
	}
}

// Backoff returns base doubled once per consecutive failure, capped at max.
func Backoff(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine  Engine
	monitor Monitor
	pending Pending
	sweeper Sweeper
	config  SchedulerConfig

	stopCh      chan struct{}
	wake        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	mu               sync.RWMutex
	isRunning        bool
	failures         int
	nextSyncDelay    time.Duration
	lastSweep        time.Time
	lastSweepRemoved int

	logger *logging.Logger
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning           bool          `json:"is_running"`
	IsOnline            bool          `json:"is_online"`
	PendingItems        int           `json:"pending_items"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextSyncDelay       time.Duration `json:"next_sync_delay"`
	LastSweep           *time.Time    `json:"last_sweep,omitempty"`
	LastSweepRemoved    int           `json:"last_sweep_removed"`
}

// NewScheduler creates a new Scheduler. A nil sweeper disables sweeping.
func NewScheduler(engine Engine, monitor Monitor, pending Pending, sweeper Sweeper, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.MaxBackoff < cfg.SyncInterval {
		cfg.MaxBackoff = cfg.SyncInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaults.ProbeInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.MaxCacheAge <= 0 {
		cfg.MaxCacheAge = defaults.MaxCacheAge
	}

	return &Scheduler{
		engine:        engine,
		monitor:       monitor,
		pending:       pending,
		sweeper:       sweeper,
		config:        cfg,
		stopCh:        make(chan struct{}),
		wake:          make(chan struct{}, 1),
		nextSyncDelay: cfg.SyncInterval,
		logger:        logging.Named("scheduler"),
	}
}

// Start starts the background loops. A pending queue is drained right away
// when online. Start after Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning || isClosed(s.stopCh) {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.unsubscribe = s.monitor.OnChange(func(online bool) {
		if online {
			s.logger.Info("Back online, starting sync", nil)
			s.engine.Trigger()
			s.resetBackoff()
		}
	})

	s.wg.Add(3)
	go s.periodicSyncLoop(ctx)
	go s.probeLoop(ctx)
	go s.sweepLoop(ctx)

	if s.monitor.IsOnline() && s.pending.Count() > 0 {
		s.engine.Trigger()
	}

	s.logger.Info("Background scheduler started", map[string]interface{}{
		"sync_interval":  s.config.SyncInterval.String(),
		"probe_interval": s.config.ProbeInterval.String(),
		"sweep_interval": s.config.SweepInterval.String(),
	})
}

// Stop stops the background loops and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info("Background scheduler stopped", nil)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Scheduler) resetBackoff() {
	s.mu.Lock()
	s.failures = 0
	s.nextSyncDelay = s.config.SyncInterval
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// periodicSyncLoop replays while online and operations are pending,
// backing off after passes stopped by connectivity failures.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.config.SyncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.delay())
			continue
		case <-timer.C:
		}

		if s.monitor.IsOnline() && s.pending.Count() > 0 {
			select {
			case <-s.engine.Trigger():
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			s.recordPass(s.engine.LastResult())
		}
		timer.Reset(s.delay())
	}
}

func (s *Scheduler) delay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSyncDelay
}

func (s *Scheduler) recordPass(r *syncpkg.PassResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r != nil && r.Stopped {
		s.failures++
	} else {
		s.failures = 0
	}
	s.nextSyncDelay = Backoff(s.config.SyncInterval, s.config.MaxBackoff, s.failures)
	if s.failures > 0 {
		s.logger.Debug("Sync pass stopped, backing off", map[string]interface{}{
			"failures": s.failures,
			"delay":    s.nextSyncDelay.String(),
		})
	}
}

// probeLoop probes the backend while believed offline. A successful probe
// flips the monitor, which triggers a sync through the change listener.
func (s *Scheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() {
				s.monitor.Probe(ctx)
			}
		}
	}
}

// sweepLoop sweeps once at start and then every SweepInterval.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.sweeper == nil {
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	removed, err := s.sweeper.SweepOlderThan(ctx, s.config.MaxCacheAge, s.config.SweepExempt...)
	if err != nil {
		s.logger.ErrorWithCode("Cache sweep failed", string(errors.CodeOf(err)), err, nil)
		return
	}

	s.mu.Lock()
	s.lastSweep = time.Now()
	s.lastSweepRemoved = removed
	s.mu.Unlock()

	s.logger.Info("Cache sweep completed", map[string]interface{}{
		"removed": removed,
		"max_age": s.config.MaxCacheAge.String(),
	})
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:           s.isRunning,
		IsOnline:            s.monitor.IsOnline(),
		PendingItems:        s.pending.Count(),
		ConsecutiveFailures: s.failures,
		NextSyncDelay:       s.nextSyncDelay,
		LastSweepRemoved:    s.lastSweepRemoved,
	}
	if !s.lastSweep.IsZero() {
		t := s.lastSweep
		status.LastSweep = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
