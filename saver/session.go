// Package saver orchestrates saves for a single open drawing: debounced
// local writes on every edit, staleness resolution against the remote on
// load, and an explicit save path with retries that pushes to the remote
// and then releases the local backup.
package saver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	drawsync "github.com/drawbase/drawsync"
	"github.com/drawbase/drawsync/cache"
	"github.com/drawbase/drawsync/gateway"
)

// ErrClosed indicates the session has been closed.
var ErrClosed = errors.New("saver: session closed")

// Status describes where the session is in its save lifecycle.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// Notifier is the sync-queue surface the session talks to. A nil notifier
// disables queue signalling, which is the standalone-session mode.
type Notifier interface {
	// Enqueue tracks the entity for background sync.
	Enqueue(entityID string)

	// Remove stops tracking the entity.
	Remove(entityID string)
}

// Config holds save orchestration settings.
type Config struct {
	// DebounceDelay is how long to wait after an edit before flushing it to
	// the local cache, so rapid edits coalesce into one write. Zero flushes
	// synchronously.
	DebounceDelay time.Duration

	// AutosaveInterval is how often the background autosave pushes dirty
	// content to the remote. Zero disables autosave.
	AutosaveInterval time.Duration

	// SaveRetries is how many retries an explicit save gets after the first
	// failed attempt.
	SaveRetries int

	// SaveRetryDelay is the base delay between save retries. The n-th retry
	// waits n times this delay.
	SaveRetryDelay time.Duration

	// Logger for save events.
	Logger *slog.Logger
}

// DefaultConfig returns the default save orchestration settings.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:    200 * time.Millisecond,
		AutosaveInterval: 2 * time.Minute,
		SaveRetries:      3,
		SaveRetryDelay:   1 * time.Second,
	}
}

// LoadResult reports where a session's starting content came from.
type LoadResult struct {
	Content *drawsync.CanvasContent
	Version int64

	// RestoredFromCache is true when the adopted content came from the
	// local cache rather than the remote.
	RestoredFromCache bool

	// Degraded is true when the remote was unreachable and the session is
	// operating on local content only.
	Degraded bool
}

// Snapshot is a point-in-time view of the session state.
type Snapshot struct {
	Status    Status
	Version   int64
	LastSync  time.Time
	Dirty     bool
	LastError string
}

// Session orchestrates saves for one open drawing.
type Session struct {
	config   Config
	cache    *cache.Store
	gateway  gateway.Gateway
	notifier Notifier
	entityID string
	ownerID  string
	logger   *slog.Logger
	now      func() time.Time

	onStatus func(Status)

	mu          sync.Mutex
	content     *drawsync.CanvasContent
	gen         uint64
	version     int64
	lastSync    time.Time
	dirty       bool
	status      Status
	lastErr     error
	saving      bool
	savePending bool
	closed      bool
	debounce    *time.Timer

	autosaveMu sync.Mutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger for the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithNotifier sets the sync queue notified about local edits.
func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

// WithStatusFunc registers a callback invoked whenever the save status
// changes. The callback runs outside the session lock and must not block.
func WithStatusFunc(fn func(Status)) Option {
	return func(s *Session) {
		s.onStatus = fn
	}
}

// New creates a save session for one drawing.
func New(store *cache.Store, gw gateway.Gateway, entityID, ownerID string, cfg Config, opts ...Option) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		config:   cfg,
		cache:    store,
		gateway:  gw,
		entityID: entityID,
		ownerID:  ownerID,
		logger:   cfg.Logger,
		now:      time.Now,
		status:   StatusIdle,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load resolves the session's starting content from the remote and the local
// cache. A local copy with pending edits written after the remote's last
// update wins over the remote; otherwise the remote is authoritative and any
// stale local copy is discarded. When the remote is unreachable the session
// degrades to local content.
func (s *Session) Load(ctx context.Context) (*LoadResult, error) {
	local := s.cache.Load(ctx, s.entityID)

	remote, err := s.gateway.Fetch(ctx, s.entityID)
	switch {
	case err == nil:
		if local != nil &&
			local.Metadata.SyncStatus == drawsync.SyncStatusPending &&
			local.Metadata.LocalTimestamp.After(remote.Metadata.UpdatedAt) {
			return s.adoptLocal(local, false), nil
		}
		return s.adoptRemote(ctx, remote, local != nil), nil

	case errors.Is(err, gateway.ErrNotFound):
		if local != nil {
			return s.adoptLocal(local, false), nil
		}
		if fb := s.cache.LoadFallback(ctx, s.entityID); fb != nil {
			return s.adoptFallback(fb, false), nil
		}
		return s.adoptEmpty(), nil

	default:
		s.logger.Warn("remote unreachable, loading locally", "entity", s.entityID, "error", err)
		if local != nil {
			return s.adoptLocal(local, true), nil
		}
		if fb := s.cache.LoadFallback(ctx, s.entityID); fb != nil {
			return s.adoptFallback(fb, true), nil
		}
		return nil, fmt.Errorf("loading %s: %w", s.entityID, err)
	}
}

func (s *Session) adoptLocal(local *drawsync.CacheEntry, degraded bool) *LoadResult {
	s.mu.Lock()
	s.content = local.Content.Clone()
	s.gen++
	s.version = local.Metadata.Version
	s.lastSync = local.Metadata.LastSyncTime
	s.dirty = local.Metadata.SyncStatus == drawsync.SyncStatusPending
	s.mu.Unlock()

	if s.dirtyNow() && s.notifier != nil {
		s.notifier.Enqueue(s.entityID)
	}

	return &LoadResult{
		Content:           local.Content,
		Version:           local.Metadata.Version,
		RestoredFromCache: true,
		Degraded:          degraded,
	}
}

func (s *Session) adoptRemote(ctx context.Context, remote *gateway.RemoteCanvas, hadLocal bool) *LoadResult {
	s.mu.Lock()
	s.content = remote.Content.Clone()
	s.gen++
	s.version = remote.Metadata.Version
	s.lastSync = remote.Metadata.UpdatedAt
	s.dirty = false
	s.mu.Unlock()

	// The local copy is stale relative to the remote; keep only the remote.
	if hadLocal {
		s.cache.Clear(ctx, s.entityID)
		if s.notifier != nil {
			s.notifier.Remove(s.entityID)
		}
	}

	return &LoadResult{
		Content: remote.Content,
		Version: remote.Metadata.Version,
	}
}

func (s *Session) adoptFallback(content *drawsync.CanvasContent, degraded bool) *LoadResult {
	s.mu.Lock()
	s.content = content.Clone()
	s.gen++
	s.dirty = true
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Enqueue(s.entityID)
	}

	return &LoadResult{
		Content:           content,
		RestoredFromCache: true,
		Degraded:          degraded,
	}
}

func (s *Session) adoptEmpty() *LoadResult {
	content := &drawsync.CanvasContent{}

	s.mu.Lock()
	s.content = content
	s.gen++
	s.dirty = false
	s.mu.Unlock()

	return &LoadResult{Content: content}
}

// NoteChange records an edit. The content is flushed to the local cache
// after the debounce delay; a burst of edits produces one local write.
func (s *Session) NoteChange(ctx context.Context, content *drawsync.CanvasContent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.content = content.Clone()
	s.gen++
	s.dirty = true
	notify := s.setStatusLocked(StatusIdle)

	if s.config.DebounceDelay <= 0 {
		s.mu.Unlock()
		if notify != nil {
			notify()
		}
		s.FlushLocal(ctx)
		return
	}

	flushCtx := context.WithoutCancel(ctx)
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.config.DebounceDelay, func() {
		s.FlushLocal(flushCtx)
	})
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// FlushLocal writes the current content to the local cache as a pending
// entry and signals the sync queue. When the structured write fails the
// content goes to the degraded fallback slot instead. Returns false only
// when both writes fail.
func (s *Session) FlushLocal(ctx context.Context) bool {
	s.mu.Lock()
	if !s.dirty || s.content == nil {
		s.mu.Unlock()
		return true
	}
	content := s.content.Clone()
	version := s.version
	s.mu.Unlock()

	ok := s.cache.Save(ctx, s.entityID, s.ownerID, content, version, time.Time{})
	if !ok {
		s.logger.Warn("local save failed, writing fallback", "entity", s.entityID)
		ok = s.cache.SaveFallback(ctx, s.entityID, content)
	}

	if s.notifier != nil {
		s.notifier.Enqueue(s.entityID)
	}
	return ok
}

// Save pushes the current content to the remote, retrying transient
// failures. Concurrent calls coalesce: a call arriving while a save is in
// flight schedules exactly one follow-up save and returns immediately.
// On success the local backup is released.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.saving {
		s.savePending = true
		s.mu.Unlock()
		return nil
	}
	s.saving = true
	notify := s.setStatusLocked(StatusSaving)
	s.mu.Unlock()
	if notify != nil {
		notify()
	}

	err := s.saveOnce(ctx)

	s.mu.Lock()
	s.saving = false
	again := s.savePending
	s.savePending = false
	s.mu.Unlock()

	if again {
		return s.Save(ctx)
	}
	return err
}

func (s *Session) saveOnce(ctx context.Context) error {
	// Secure the edits locally before going over the network.
	s.FlushLocal(ctx)

	s.mu.Lock()
	content := s.content
	if content != nil {
		content = content.Clone()
	}
	gen := s.gen
	patch := gateway.MetadataPatch{
		Version:         s.version,
		ClientUpdatedAt: s.now(),
	}
	s.mu.Unlock()

	if content == nil {
		content = &drawsync.CanvasContent{}
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.SaveRetries; attempt++ {
		if attempt > 0 {
			delay := s.config.SaveRetryDelay * time.Duration(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return s.failSave(ctx.Err())
			}
		}

		meta, err := s.gateway.Save(ctx, s.entityID, content, patch)
		if err == nil {
			s.mu.Lock()
			s.version = meta.Version
			s.lastSync = meta.UpdatedAt
			s.lastErr = nil
			// An edit recorded while the push was in flight must survive:
			// the session stays dirty and keeps its local backup.
			current := s.gen == gen
			var notify func()
			if current {
				s.dirty = false
				notify = s.setStatusLocked(StatusSaved)
			}
			s.mu.Unlock()
			if notify != nil {
				notify()
			}

			if current {
				// The remote now holds the content; the local backup has
				// done its job.
				s.cache.Clear(ctx, s.entityID)
				if s.notifier != nil {
					s.notifier.Remove(s.entityID)
				}
			} else {
				s.FlushLocal(ctx)
			}
			s.logger.Debug("saved entity", "entity", s.entityID, "version", meta.Version)
			return nil
		}

		lastErr = err
		if errors.Is(err, gateway.ErrUnauthorized) {
			break
		}
		s.logger.Debug("save attempt failed", "entity", s.entityID, "attempt", attempt+1, "error", err)
	}

	return s.failSave(lastErr)
}

func (s *Session) failSave(cause error) error {
	s.mu.Lock()
	s.lastErr = cause
	notify := s.setStatusLocked(StatusError)
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return fmt.Errorf("saving %s: %w", s.entityID, cause)
}

// StartAutosave begins periodic background saves of dirty content. A zero
// AutosaveInterval makes this a no-op.
func (s *Session) StartAutosave(ctx context.Context) {
	if s.config.AutosaveInterval <= 0 {
		return
	}

	s.autosaveMu.Lock()
	if s.running {
		s.autosaveMu.Unlock()
		return
	}
	s.running = true
	s.autosaveMu.Unlock()

	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.config.AutosaveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if !s.dirtyNow() {
					continue
				}
				if err := s.Save(ctx); err != nil {
					s.logger.Warn("autosave failed", "entity", s.entityID, "error", err)
				}
			}
		}
	}()
}

// Close stops timers and the autosave loop, then flushes any unflushed edit
// to the local cache so nothing is lost between sessions.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.debounce != nil {
		s.debounce.Stop()
	}
	wasDirty := s.dirty
	s.mu.Unlock()

	s.autosaveMu.Lock()
	if s.running {
		close(s.stopCh)
		<-s.doneCh
		s.running = false
	}
	s.autosaveMu.Unlock()

	if wasDirty {
		s.flushLocked(ctx)
	}
}

// flushLocked is FlushLocal without the closed guard, for the final flush.
func (s *Session) flushLocked(ctx context.Context) {
	s.mu.Lock()
	content := s.content
	if content != nil {
		content = content.Clone()
	}
	version := s.version
	s.mu.Unlock()

	if content == nil {
		return
	}
	if !s.cache.Save(ctx, s.entityID, s.ownerID, content, version, time.Time{}) {
		s.cache.SaveFallback(ctx, s.entityID, content)
	}
	if s.notifier != nil {
		s.notifier.Enqueue(s.entityID)
	}
}

// setStatusLocked updates the status while s.mu is held. It returns the
// callback to invoke after the lock is released, or nil when the status is
// unchanged or no callback is registered.
func (s *Session) setStatusLocked(st Status) func() {
	changed := s.status != st
	s.status = st
	if !changed || s.onStatus == nil {
		return nil
	}
	fn := s.onStatus
	return func() { fn(st) }
}

func (s *Session) dirtyNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Status returns the current save status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Content returns a deep copy of the session's working content, or nil
// before the first Load or NoteChange.
func (s *Session) Content() *drawsync.CanvasContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		return nil
	}
	return s.content.Clone()
}

// WriteTo writes the working content to w in the native JSON format. An
// empty session writes an empty canvas.
func (s *Session) WriteTo(w io.Writer) (int64, error) {
	content := s.Content()
	if content == nil {
		content = &drawsync.CanvasContent{}
	}

	data, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", s.entityID, err)
	}
	n, err := w.Write(data)
	return int64(n), err
}

// SnapshotState returns a point-in-time view of the session.
func (s *Session) SnapshotState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:   s.status,
		Version:  s.version,
		LastSync: s.lastSync,
		Dirty:    s.dirty,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
