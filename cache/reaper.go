package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReaperConfig holds background purge configuration.
type ReaperConfig struct {
	// CheckInterval is how often to sweep for expired entries.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Logger for purge events.
	Logger *slog.Logger
}

// Reaper periodically purges expired entries from a cache store so stale
// drawings do not linger until the next read touches them.
type Reaper struct {
	config ReaperConfig
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a new background purger for the store.
func NewReaper(store *Store, cfg ReaperConfig) *Reaper {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reaper{
		config: cfg,
		store:  store,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background purge sweeps.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop stops background purge sweeps and waits for the loop to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	r.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// ReapResult contains the results of a purge sweep.
type ReapResult struct {
	Purged     int
	BytesFreed int64
	Duration   time.Duration
}

// ReapNow performs a single purge sweep.
func (r *Reaper) ReapNow(ctx context.Context) *ReapResult {
	return r.runOnce(ctx)
}

func (r *Reaper) runOnce(ctx context.Context) *ReapResult {
	start := r.now()

	purged, bytes := r.store.PurgeExpired(ctx)

	result := &ReapResult{
		Purged:     purged,
		BytesFreed: bytes,
		Duration:   r.now().Sub(start),
	}

	if result.Purged > 0 {
		r.logger.Info("purge sweep complete",
			"purged", result.Purged,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		r.logger.Debug("purge sweep complete, nothing expired")
	}

	return result
}
