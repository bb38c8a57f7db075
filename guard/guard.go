// Package guard runs the background sync loop: it tracks drawings with
// unsynced local edits, pushes them to the remote gateway in small
// concurrent batches, and retries transient failures with a growing delay
// before giving up and leaving the entry for a manual sync.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	drawsync "github.com/drawbase/drawsync"
	"github.com/drawbase/drawsync/cache"
	"github.com/drawbase/drawsync/gateway"
)

// ErrSyncInFlight indicates a forced sync was requested for an entity that
// is already being pushed by the background loop.
var ErrSyncInFlight = errors.New("guard: sync already in flight")

// Config holds background sync configuration.
type Config struct {
	// Interval is how often the background pass runs. Default is 30s.
	Interval time.Duration

	// RetryDelay is the base delay between retries for a failed entity.
	// The n-th retry waits n times this delay. Default is 5s.
	RetryDelay time.Duration

	// MaxRetries is how many retries a failed entity gets before the guard
	// stops tracking it. Default is 3.
	MaxRetries int

	// BatchSize is how many entities sync concurrently per batch.
	// Default is 5.
	BatchSize int

	// BatchPause is the pause between batches within one pass.
	BatchPause time.Duration

	// VisibilityDebounce is how long to wait after a visibility signal
	// before kicking a pass, so a burst of signals triggers one pass.
	// Default is 1s.
	VisibilityDebounce time.Duration

	// Logger for sync events.
	Logger *slog.Logger
}

// DefaultConfig returns the default background sync configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		RetryDelay:         5 * time.Second,
		MaxRetries:         3,
		BatchSize:          5,
		BatchPause:         100 * time.Millisecond,
		VisibilityDebounce: 1 * time.Second,
	}
}

type itemState int

const (
	stateQueued itemState = iota
	stateSyncing
	stateBackoff
)

func (s itemState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateSyncing:
		return "syncing"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

type item struct {
	retryCount  int
	state       itemState
	forced      bool
	nextAttempt time.Time
	lastErr     error
}

// ItemStatus is a point-in-time view of one tracked entity.
type ItemStatus struct {
	EntityID    string
	RetryCount  int
	State       string
	NextAttempt time.Time
	LastError   string
}

// Guard is the background sync loop for one owner's pending drawings.
type Guard struct {
	config  Config
	cache   *cache.Store
	gateway gateway.Gateway
	logger  *slog.Logger
	now     func() time.Time
	metrics *Metrics

	forceGroup singleflight.Group

	mu       sync.Mutex
	ownerID  string
	queue    map[string]*item
	dropped  map[string]struct{}
	visTimer *time.Timer
	running  bool
	stopped  bool

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Guard.
type Option func(*Guard)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithMetrics sets the metric instruments recorded by the guard.
func WithMetrics(m *Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// New creates a background sync guard over the cache and gateway.
func New(store *cache.Store, gw gateway.Gateway, cfg Config, opts ...Option) *Guard {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
	}
	if cfg.VisibilityDebounce == 0 {
		cfg.VisibilityDebounce = 1 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Guard{
		config:  cfg,
		cache:   store,
		gateway: gw,
		logger:  cfg.Logger,
		now:     time.Now,
		queue:   make(map[string]*item),
		dropped: make(map[string]struct{}),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start begins background sync passes for the owner's pending drawings.
func (g *Guard) Start(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return errors.New("guard: owner id is required")
	}

	g.mu.Lock()
	if g.stopped || g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.ownerID = ownerID
	g.mu.Unlock()

	go g.run(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit. Any in-flight
// batch finishes first.
func (g *Guard) Stop() {
	g.mu.Lock()
	if !g.running || g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	if g.visTimer != nil {
		g.visTimer.Stop()
	}
	g.mu.Unlock()

	close(g.stopCh)
	<-g.doneCh
}

func (g *Guard) run(ctx context.Context) {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	// Run immediately on start to pick up edits from previous sessions.
	g.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.runPass(ctx)
		case <-g.kickCh:
			g.runPass(ctx)
		}
	}
}

// RunPassNow performs a single sync pass.
func (g *Guard) RunPassNow(ctx context.Context) {
	g.runPass(ctx)
}

func (g *Guard) runPass(ctx context.Context) {
	start := g.now()
	due := g.collectDue(ctx)
	if len(due) == 0 {
		return
	}

	g.logger.Debug("starting sync pass", "due", len(due))

	for i := 0; i < len(due); i += g.config.BatchSize {
		end := min(i+g.config.BatchSize, len(due))

		eg, batchCtx := errgroup.WithContext(ctx)
		for _, entityID := range due[i:end] {
			eg.Go(func() error {
				if err := g.syncOne(batchCtx, entityID, false); err != nil {
					g.logger.Warn("sync failed", "entity", entityID, "error", err)
				}
				return nil
			})
		}
		_ = eg.Wait()

		if end < len(due) && g.config.BatchPause > 0 {
			select {
			case <-time.After(g.config.BatchPause):
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			}
		}
	}

	g.recordPass(ctx, g.now().Sub(start))
}

// collectDue reconciles the tracked queue with the cache's pending entries
// and returns the ids due for a sync attempt, marked as syncing so no other
// pass picks them up.
func (g *Guard) collectDue(ctx context.Context) []string {
	pending := g.cache.ListPending(ctx, g.ownerID)

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]struct{}, len(pending))
	for _, entry := range pending {
		seen[entry.EntityID] = struct{}{}
		if _, tracked := g.queue[entry.EntityID]; tracked {
			continue
		}
		// Entities that exhausted their retries stay pending in the cache
		// but are not re-tracked until an explicit sync or a new edit.
		if _, isDropped := g.dropped[entry.EntityID]; isDropped {
			continue
		}
		g.queue[entry.EntityID] = &item{state: stateQueued}
	}

	// Forget tracked entities with nothing pending anymore.
	for entityID, it := range g.queue {
		if it.state == stateSyncing {
			continue
		}
		if _, ok := seen[entityID]; !ok {
			delete(g.queue, entityID)
		}
	}

	now := g.now()
	var due []string
	for entityID, it := range g.queue {
		if it.state == stateSyncing || it.nextAttempt.After(now) {
			continue
		}
		it.state = stateSyncing
		due = append(due, entityID)
	}
	sort.Strings(due)

	g.recordQueueDepth(ctx, len(g.queue))
	return due
}

// syncOne pushes a single entity to the gateway and settles its queue
// state. A forced push returns its error to the caller without touching
// the retry budget.
func (g *Guard) syncOne(ctx context.Context, entityID string, forced bool) error {
	entry := g.cache.Load(ctx, entityID)
	if entry == nil || entry.Metadata.SyncStatus != drawsync.SyncStatusPending {
		g.forget(entityID)
		return nil
	}

	digest := entry.Content.Fingerprint()

	// Content identical to the last successful sync needs no remote call.
	if !digest.IsZero() && digest == entry.Metadata.SyncedDigest {
		g.cache.UpdateSyncStatus(ctx, entityID, drawsync.SyncStatusSynced, g.now())
		g.forget(entityID)
		g.recordSync(ctx, "unchanged")
		return nil
	}

	_, err := g.gateway.Save(ctx, entityID, entry.Content, gateway.MetadataPatch{
		Version:         entry.Metadata.Version,
		ClientUpdatedAt: entry.Metadata.LocalTimestamp,
		SessionID:       entry.Metadata.SessionID,
		DeviceID:        entry.Metadata.DeviceID,
	})
	if err != nil {
		if forced {
			g.settleForced(entityID, err)
		} else {
			g.settleFailure(ctx, entityID, err)
		}
		return fmt.Errorf("pushing %s: %w", entityID, err)
	}

	g.cache.MarkSynced(ctx, entityID, g.now(), digest)
	g.forget(entityID)
	g.recordSync(ctx, "ok")
	g.logger.Debug("synced entity", "entity", entityID)
	return nil
}

// settleFailure schedules a retry for the entity, or drops it from tracking
// once the retry budget is spent. The cache entry stays pending either way.
func (g *Guard) settleFailure(ctx context.Context, entityID string, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	it, ok := g.queue[entityID]
	if !ok {
		return
	}
	it.lastErr = cause

	if errors.Is(cause, gateway.ErrUnauthorized) {
		delete(g.queue, entityID)
		g.dropped[entityID] = struct{}{}
		g.recordSync(ctx, "unauthorized")
		g.logger.Warn("entity not authorized for sync, giving up", "entity", entityID)
		return
	}

	it.retryCount++
	if it.retryCount > g.config.MaxRetries {
		delete(g.queue, entityID)
		g.dropped[entityID] = struct{}{}
		g.recordSync(ctx, "dropped")
		g.logger.Warn("entity exceeded retry budget, dropping from queue",
			"entity", entityID,
			"retries", it.retryCount-1,
		)
		return
	}

	it.state = stateBackoff
	it.nextAttempt = g.now().Add(g.config.RetryDelay * time.Duration(it.retryCount))
	g.recordSync(ctx, "retry")
	g.logger.Debug("scheduled retry",
		"entity", entityID,
		"attempt", it.retryCount,
		"next_attempt", it.nextAttempt,
	)
}

// settleForced records a failed forced push. The retry budget is left
// untouched; the caller got the error directly and the entity stays queued
// for the background loop.
func (g *Guard) settleForced(entityID string, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	it, ok := g.queue[entityID]
	if !ok {
		return
	}
	it.lastErr = cause
	it.state = stateQueued
	it.forced = false
}

func (g *Guard) forget(entityID string) {
	g.mu.Lock()
	delete(g.queue, entityID)
	delete(g.dropped, entityID)
	g.mu.Unlock()
}

// Enqueue tracks an entity for the next sync pass and kicks the loop. A new
// edit clears any earlier give-up for the entity.
func (g *Guard) Enqueue(entityID string) {
	g.mu.Lock()
	delete(g.dropped, entityID)
	if _, ok := g.queue[entityID]; !ok {
		g.queue[entityID] = &item{state: stateQueued}
	}
	g.mu.Unlock()

	g.kick()
}

// Remove stops tracking an entity. The cache entry is untouched.
func (g *Guard) Remove(entityID string) {
	g.mu.Lock()
	delete(g.queue, entityID)
	delete(g.dropped, entityID)
	g.mu.Unlock()
}

// NotifyVisible signals that the application regained attention (came online,
// window refocused). Passes are kicked after a short debounce so a burst of
// signals triggers one pass.
func (g *Guard) NotifyVisible() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if g.visTimer != nil {
		g.visTimer.Stop()
	}
	g.visTimer = time.AfterFunc(g.config.VisibilityDebounce, g.kick)
}

func (g *Guard) kick() {
	select {
	case g.kickCh <- struct{}{}:
	default:
	}
}

// ForceSync pushes a single entity immediately, bypassing the retry backoff
// and budget. Concurrent calls for the same entity join the in-flight push
// and share its result. Returns ErrSyncInFlight when a background pass is
// already pushing the entity, and the gateway error when the push fails.
func (g *Guard) ForceSync(ctx context.Context, entityID string) error {
	g.mu.Lock()
	it, ok := g.queue[entityID]
	if ok && it.state == stateSyncing && !it.forced {
		g.mu.Unlock()
		return ErrSyncInFlight
	}
	if !ok {
		it = &item{}
		g.queue[entityID] = it
	}
	delete(g.dropped, entityID)
	it.state = stateSyncing
	it.forced = true
	it.nextAttempt = time.Time{}
	g.mu.Unlock()

	_, err, _ := g.forceGroup.Do(entityID, func() (any, error) {
		defer g.clearForced(entityID)
		return nil, g.syncOne(ctx, entityID, true)
	})
	return err
}

func (g *Guard) clearForced(entityID string) {
	g.mu.Lock()
	if it, ok := g.queue[entityID]; ok {
		it.forced = false
	}
	g.mu.Unlock()
}

// Snapshot returns a point-in-time view of the tracked queue, sorted by
// entity id.
func (g *Guard) Snapshot() []ItemStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ItemStatus, 0, len(g.queue))
	for entityID, it := range g.queue {
		status := ItemStatus{
			EntityID:    entityID,
			RetryCount:  it.retryCount,
			State:       it.state.String(),
			NextAttempt: it.nextAttempt,
		}
		if it.lastErr != nil {
			status.LastError = it.lastErr.Error()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}
